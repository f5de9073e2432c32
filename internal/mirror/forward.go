package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/severance/internal/channel"
	"github.com/mattjoyce/severance/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_conn.go -package=mocks github.com/mattjoyce/severance/internal/mirror Conn

// Conn is the part of a channel endpoint the forwarder and the worker loop use.
type Conn interface {
	Send(msg *protocol.Message) error
	Receive(ctx context.Context) (*protocol.Message, error)
	Poll(timeout time.Duration) (*protocol.Message, bool, error)
	Close() error
}

const initOp = "<init>"

// forwarder sends calls to the worker and waits for the matching reply. At
// most one request is outstanding at any time.
type forwarder struct {
	conn    Conn
	kind    string
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	pending   string // id whose reply is still owed: the init, or an abandoned call
	pendingOp string
	ready     *protocol.Ready
	initErr   error
	broken    error
}

func newForwarder(conn Conn, kind string, timeout time.Duration, logger *slog.Logger) *forwarder {
	return &forwarder{conn: conn, kind: kind, timeout: timeout, logger: logger}
}

// handshake sends the init message without waiting for its reply. The reply
// is drained by the first call.
func (f *forwarder) handshake(in *protocol.Init) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.Send(protocol.NewInit(in)); err != nil {
		return f.fail(err)
	}
	f.pending, f.pendingOp = in.ID, initOp
	return nil
}

// await blocks until the handshake reply has arrived.
func (f *forwarder) await(ctx context.Context) (*protocol.Ready, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.drain(ctx); err != nil {
		return nil, err
	}
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.ready, nil
}

func (f *forwarder) invoke(ctx context.Context, op string, args Args) (result, error) {
	raw, err := f.call(ctx, op, args)
	if err != nil {
		return result{}, err
	}
	return result{raw: raw}, nil
}

func (f *forwarder) call(ctx context.Context, op string, args Args) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.timeout)
			defer cancel()
		}
	}

	if err := f.drain(ctx); err != nil {
		return nil, err
	}
	if f.initErr != nil {
		return nil, f.initErr
	}

	id := uuid.NewString()
	msg := protocol.NewCall(&protocol.Call{ID: id, Op: op, Args: args.Positional, Kwargs: args.Keyword})
	if err := f.conn.Send(msg); err != nil {
		// Rejected before anything reached the socket: the pair is still in step.
		if errors.Is(err, protocol.ErrMessageTooLarge) || errors.Is(err, protocol.ErrInvalidMessage) {
			return nil, fmt.Errorf("call %s: %w", op, err)
		}
		return nil, f.fail(err)
	}
	f.pending, f.pendingOp = id, op

	res, err := f.receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			f.logger.Warn("call abandoned, reply will be drained", "op", op, "call_id", id, "error", err)
		}
		return nil, err
	}
	if res.Failed() {
		return nil, remoteError(op, res)
	}
	return res.Value, nil
}

// drain consumes the reply to an outstanding request, if any.
func (f *forwarder) drain(ctx context.Context) error {
	if f.broken != nil {
		return f.broken
	}
	for f.pending != "" {
		op := f.pendingOp
		res, err := f.receive(ctx)
		if err != nil {
			return err
		}
		if op != initOp {
			f.logger.Debug("drained reply of abandoned call", "op", op, "call_id", res.ID, "status", res.Status)
			continue
		}
		if res.Failed() {
			f.initErr = fmt.Errorf("%w: %w", ErrInitFailed, remoteError(op, res))
			continue
		}
		var ready protocol.Ready
		if err := json.Unmarshal(res.Value, &ready); err != nil {
			f.initErr = fmt.Errorf("%w: bad ready payload: %v", ErrInitFailed, err)
			continue
		}
		f.ready = &ready
		f.logger.Debug("worker ready", "kind", ready.Kind, "pid", ready.PID)
	}
	return nil
}

// receive waits for the result matching f.pending and clears it. Replies
// with any other id are stale and dropped.
func (f *forwarder) receive(ctx context.Context) (*protocol.Result, error) {
	if f.broken != nil {
		return nil, f.broken
	}
	for {
		msg, err := f.conn.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, f.fail(err)
		}
		if msg.Type != protocol.TypeResult {
			return nil, f.fail(fmt.Errorf("unexpected %s message from worker", msg.Type))
		}
		if msg.Result.ID != f.pending {
			f.logger.Warn("discarding stale reply", "call_id", msg.Result.ID, "want", f.pending)
			continue
		}
		f.pending, f.pendingOp = "", ""
		return msg.Result, nil
	}
}

// fail records a permanent channel failure. Every later call returns it.
func (f *forwarder) fail(err error) error {
	if f.broken != nil {
		return f.broken
	}
	if errors.Is(err, channel.ErrClosed) {
		f.broken = fmt.Errorf("%w: %v", ErrChannelClosed, err)
	} else {
		f.broken = fmt.Errorf("mirror: channel failure: %w", err)
	}
	f.logger.Debug("forwarder broken", "kind", f.kind, "error", f.broken)
	return f.broken
}
