package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mattjoyce/severance/internal/channel"
	"github.com/mattjoyce/severance/internal/log"
	"github.com/mattjoyce/severance/internal/protocol"
	"github.com/mattjoyce/severance/internal/runflag"
)

// Worker process exit codes.
const (
	ExitOK            = 0
	ExitInitFailed    = 1
	ExitChannelFailed = 2
	ExitUnknownOp     = 3
)

// Init must be the first call in main of any binary that spawns mirrors.
// In a worker child it runs the worker loop and exits the process, never
// returning. Anywhere else it returns false at once.
func Init() bool {
	name, ok := os.LookupEnv(EnvWorkerKind)
	if !ok {
		return false
	}
	os.Exit(runWorker(name))
	return true
}

func runWorker(name string) int {
	// Processes the worker itself starts are not workers.
	_ = os.Unsetenv(EnvWorkerKind)

	log.Setup(os.Getenv(EnvLogLevel))
	logger := log.WithKind(name).With("component", "worker", "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	maxBytes, _ := strconv.Atoi(os.Getenv(EnvMaxMessageBytes))
	conn, err := channel.FromFile(os.NewFile(channelFD, "severance-channel"), maxBytes)
	if err != nil {
		logger.Error("cannot open channel", "error", err)
		return ExitChannelFailed
	}
	defer func() { _ = conn.Close() }()

	flag, err := runflag.Open(os.NewFile(flagFD, "severance-flag"))
	if err != nil {
		logger.Error("cannot map running flag", "error", err)
		return ExitChannelFailed
	}
	defer func() { _ = flag.Close() }()

	in, err := awaitInit(ctx, conn)
	if err != nil {
		logger.Error("no init from parent", "error", err)
		return ExitChannelFailed
	}

	k, ok := lookupKind(name)
	if !ok || in.Kind != name {
		msg := unregisteredKind(in.Kind)
		if ok {
			msg = fmt.Sprintf("worker started as %q but init names %q", name, in.Kind)
		}
		logger.Error("init rejected", "kind", name, "reason", msg)
		_ = conn.Send(protocol.Fail(in.ID, protocol.CodeInitFailed, msg))
		return ExitInitFailed
	}

	err = k.serve(ctx, conn, flag, in, logger)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInitFailed):
		logger.Error("init failed", "error", err)
		return ExitInitFailed
	case errors.Is(err, ErrUnknownOperation):
		logger.Error("worker stopped on unknown operation", "error", err)
		return ExitUnknownOp
	default:
		logger.Warn("worker stopped", "error", err)
		return ExitChannelFailed
	}
}

func awaitInit(ctx context.Context, conn Conn) (*protocol.Init, error) {
	msg, err := conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeInit {
		return nil, fmt.Errorf("expected init, got %s", msg.Type)
	}
	return msg.Init, nil
}

// serve rebuilds the instance from the init snapshot, acknowledges the
// handshake, and runs the worker loop until it stops.
func (k *Kind[T]) serve(ctx context.Context, conn Conn, flag *runflag.Flag, in *protocol.Init, logger *slog.Logger) error {
	target, err := k.fromInit(in)
	if err != nil {
		_ = conn.Send(protocol.Fail(in.ID, protocol.CodeInitFailed, err.Error()))
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}

	ready, err := json.Marshal(protocol.Ready{PID: os.Getpid(), Kind: k.name})
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.OK(in.ID, ready)); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	opts := Options{PollInterval: in.PollInterval, Logger: logger}.withDefaults()
	m := newChild(k, target, flag, opts)
	w, err := NewWorker(m, conn, opts.PollInterval, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func (k *Kind[T]) fromInit(in *protocol.Init) (T, error) {
	if got := digest(in.Snapshot); got != in.Digest {
		var zero T
		return zero, fmt.Errorf("snapshot digest mismatch: got %s, want %s", got, in.Digest)
	}
	return k.Build(in.Snapshot)
}

func unregisteredKind(name string) string {
	return fmt.Sprintf("kind %q is not registered in this binary (have %s)", name, strings.Join(Kinds(), ", "))
}
