package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/severance/internal/channel"
	"github.com/mattjoyce/severance/internal/log"
	"github.com/mattjoyce/severance/internal/protocol"
	"github.com/mattjoyce/severance/internal/runflag"
)

// State is the lifecycle stage of a worker loop.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// executor runs one named operation against a live instance.
type executor interface {
	has(op string) bool
	invoke(ctx context.Context, op string, args Args) (result, error)
}

// Worker is the event loop hosted by a worker child. It executes calls one
// at a time, in arrival order, until the running flag drops, a shutdown
// message arrives, or the parent goes away.
type Worker struct {
	exec   executor
	conn   Conn
	flag   *runflag.Flag
	poll   time.Duration
	logger *slog.Logger

	state   atomic.Int32
	handled atomic.Uint64
}

// NewWorker builds a loop serving m over conn. m must be child-role.
func NewWorker[T any](m *Mirror[T], conn Conn, poll time.Duration, logger *slog.Logger) (*Worker, error) {
	if m.role != RoleChild {
		return nil, fmt.Errorf("%w: worker loop needs a child-role mirror", ErrInvalidRole)
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = m.logger
	}
	return &Worker{exec: m, conn: conn, flag: m.flag, poll: poll, logger: logger}, nil
}

// State reports the current lifecycle stage.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Handled is the number of calls answered so far.
func (w *Worker) Handled() uint64 {
	return w.handled.Load()
}

// Run drives the loop. A normal stop returns nil; a vanished parent returns
// ErrChannelClosed and an unrecognized operation returns ErrUnknownOperation.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return fmt.Errorf("mirror: worker loop already %s", w.State())
	}
	defer w.state.Store(int32(StateStopped))

	w.flag.Set(true)
	defer w.flag.Set(false)
	w.logger.Info("worker loop started", "poll_interval", w.poll)

	for w.flag.Get() {
		if ctx.Err() != nil {
			w.logger.Info("worker loop interrupted", "reason", context.Cause(ctx))
			return nil
		}
		msg, ok, err := w.conn.Poll(w.poll)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				w.logger.Warn("parent went away, stopping worker loop")
				return fmt.Errorf("%w: %v", ErrChannelClosed, err)
			}
			return fmt.Errorf("worker receive: %w", err)
		}
		if !ok {
			continue
		}

		switch msg.Type {
		case protocol.TypeShutdown:
			w.logger.Info("shutdown requested", "reason", msg.Shutdown.Reason)
			w.flag.Set(false)
		case protocol.TypeCall:
			if err := w.handle(ctx, msg.Call); err != nil {
				return err
			}
		default:
			w.logger.Warn("ignoring unexpected message", "type", msg.Type)
		}
	}

	w.logger.Info("worker loop stopped", "handled", w.handled.Load())
	return nil
}

func (w *Worker) handle(ctx context.Context, call *protocol.Call) error {
	logger := log.WithCall(w.logger, call.Op, call.ID)

	if !w.exec.has(call.Op) {
		logger.Error("unknown operation requested")
		_ = w.conn.Send(protocol.Fail(call.ID, protocol.CodeUnknownOperation, fmt.Sprintf("unknown operation %q", call.Op)))
		return fmt.Errorf("%w: %q", ErrUnknownOperation, call.Op)
	}

	reply := w.execute(ctx, call)
	w.handled.Add(1)
	if err := w.conn.Send(reply); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			logger.Error("reply too large", "error", err)
			return w.sendOrClosed(protocol.Fail(call.ID, protocol.CodeRemoteError, err.Error()))
		}
		return fmt.Errorf("worker send: %w", err)
	}
	return nil
}

func (w *Worker) sendOrClosed(msg *protocol.Message) error {
	if err := w.conn.Send(msg); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return fmt.Errorf("worker send: %w", err)
	}
	return nil
}

// execute runs the call and turns its outcome into a result message.
// Panics become error results.
func (w *Worker) execute(ctx context.Context, call *protocol.Call) (reply *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("operation panicked", "op", call.Op, "panic", r, "stack", string(debug.Stack()))
			reply = protocol.Fail(call.ID, protocol.CodePanic, fmt.Sprint(r))
		}
	}()

	res, err := w.exec.invoke(ctx, call.Op, Args{Positional: call.Args, Keyword: call.Kwargs})
	if err != nil {
		return protocol.Fail(call.ID, failureCode(err), err.Error())
	}
	raw, err := res.encode()
	if err != nil {
		return protocol.Fail(call.ID, protocol.CodeRemoteError, fmt.Sprintf("encode result: %v", err))
	}
	return protocol.OK(call.ID, raw)
}
