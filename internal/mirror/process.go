package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// Environment handed to a worker child.
const (
	EnvWorkerKind      = "SEVERANCE_WORKER_KIND"
	EnvMaxMessageBytes = "SEVERANCE_MAX_MESSAGE_BYTES"
	EnvLogLevel        = "SEVERANCE_LOG_LEVEL"
)

// Descriptor numbers of the inherited channel end and flag page in a worker.
const (
	channelFD = 3
	flagFD    = 4
)

// process is the parent-only handle on a worker child. It never crosses to
// the child.
type process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	err  error // valid once done is closed
}

func startProcess(opts Options, kind string, channelFile, flagFile *os.File) (*process, error) {
	exe := opts.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}

	cmd := exec.Command(exe, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env,
		EnvWorkerKind+"="+kind,
		EnvMaxMessageBytes+"="+strconv.Itoa(opts.MaxMessageBytes),
		EnvLogLevel+"="+opts.LogLevel,
	)
	// ExtraFiles[i] becomes fd 3+i in the child.
	cmd.ExtraFiles = []*os.File{channelFile, flagFile}
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", exe, err)
	}

	p := &process{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// wait blocks until the child exits or ctx ends. It returns the exit error,
// or ErrTerminationTimeout when ctx ended first.
func (p *process) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	default:
	}
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return fmt.Errorf("%w: pid %d still running: %v", ErrTerminationTimeout, p.pid, ctx.Err())
	}
}

// kill escalates SIGTERM, then SIGKILL after grace, and reaps the child.
func (p *process) kill(grace time.Duration, logger *slog.Logger) {
	if p.exited() {
		return
	}
	logger.Warn("sending SIGTERM to worker", "pid", p.pid)
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return
	case <-t.C:
	}

	logger.Warn("worker ignored SIGTERM, sending SIGKILL", "pid", p.pid, "grace", grace)
	_ = p.cmd.Process.Kill()
	<-p.done
}
