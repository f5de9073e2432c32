package mirror

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/severance/internal/log"
	"github.com/mattjoyce/severance/internal/protocol"
)

const (
	DefaultPollInterval     = time.Millisecond
	DefaultTerminateTimeout = 5 * time.Second
	DefaultKillGrace        = 2 * time.Second
)

// Options tune a parent-role mirror. The zero value is usable.
type Options struct {
	// PollInterval bounds how long the worker loop waits for a message before
	// re-checking the running flag.
	PollInterval time.Duration
	// TerminateTimeout bounds the graceful phase of Close.
	TerminateTimeout time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL once Close escalates.
	KillGrace time.Duration
	// CallTimeout bounds a call whose ctx has no deadline. Zero waits forever.
	CallTimeout time.Duration
	// MaxMessageBytes caps one encoded message in either direction.
	MaxMessageBytes int

	// Executable defaults to os.Executable(). It must call Init first thing in main.
	Executable string
	Args       []string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
	// LogLevel is handed to the worker's logger.
	LogLevel string

	Logger   *slog.Logger
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = DefaultTerminateTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = protocol.DefaultMaxMessageBytes
	}
	if o.Stdout == nil {
		o.Stdout = os.Stderr
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("mirror")
	}
	return o
}
