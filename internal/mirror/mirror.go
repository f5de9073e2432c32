package mirror

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/severance/internal/channel"
	"github.com/mattjoyce/severance/internal/protocol"
	"github.com/mattjoyce/severance/internal/runflag"
)

// Role says which side of a pair an instance is.
type Role int

const (
	RoleParent Role = iota
	RoleChild
)

func (r Role) String() string {
	if r == RoleChild {
		return "child"
	}
	return "parent"
}

// invoker runs a named operation. Parent-role mirrors forward, child-role
// mirrors execute locally; the choice is made once at construction.
type invoker interface {
	invoke(ctx context.Context, op string, args Args) (result, error)
}

// Mirror is one side of a parent/worker pair for kind T.
type Mirror[T any] struct {
	kind    *Kind[T]
	role    Role
	invoker invoker
	flag    *runflag.Flag
	opts    Options
	logger  *slog.Logger

	// parent role
	pair    *pair
	fwd     *forwarder
	cleanup runtime.Cleanup

	// child role
	target T

	closeOnce sync.Once
	closeErr  error
}

// pair holds every resource a parent mirror must release. It must not
// reference the Mirror so the cleanup hook can run.
type pair struct {
	proc   *process
	conn   Conn
	flag   *runflag.Flag
	logger *slog.Logger

	releaseOnce sync.Once
}

// Spawn launches a worker child for kind k, seeded with snapshot, and returns
// the parent-role mirror. It does not wait for the worker to be ready; the
// first call does.
func Spawn[T any](ctx context.Context, k *Kind[T], snapshot any, opts Options) (*Mirror[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With("kind", k.name)

	raw, err := encodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}

	conn, childFile, err := channel.Pair(opts.MaxMessageBytes)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	flag, err := runflag.New()
	if err != nil {
		_ = conn.Close()
		_ = childFile.Close()
		return nil, fmt.Errorf("create running flag: %w", err)
	}

	proc, err := startProcess(opts, k.name, childFile, flag.File())
	// The child holds its own copies now.
	_ = childFile.Close()
	if err != nil {
		_ = conn.Close()
		_ = flag.Close()
		return nil, err
	}

	p := &pair{proc: proc, conn: conn, flag: flag, logger: logger}
	fwd := newForwarder(conn, k.name, opts.CallTimeout, logger.With("pid", proc.pid))
	in := &protocol.Init{
		ID:           uuid.NewString(),
		Kind:         k.name,
		Snapshot:     raw,
		Digest:       digest(raw),
		PollInterval: opts.PollInterval,
	}
	if err := fwd.handshake(in); err != nil {
		p.shutdown(opts.TerminateTimeout, opts.KillGrace)
		return nil, fmt.Errorf("send init: %w", err)
	}

	m := &Mirror[T]{
		kind:    k,
		role:    RoleParent,
		invoker: fwd,
		flag:    flag,
		opts:    opts,
		logger:  logger,
		pair:    p,
		fwd:     fwd,
	}
	m.cleanup = runtime.AddCleanup(m, func(p *pair) { p.abandon(opts.KillGrace) }, p)
	logger.Info("worker spawned", "pid", proc.pid)
	return m, nil
}

// NewLocal builds a child-role instance of k in this process. Calls run
// in-process; there is no worker loop and no child to terminate.
func NewLocal[T any](k *Kind[T], snapshot any) (*Mirror[T], error) {
	raw, err := encodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	target, err := k.Build(raw)
	if err != nil {
		return nil, err
	}
	m := newChild(k, target, runflag.NewLocal(), Options{}.withDefaults())
	m.cleanup = runtime.AddCleanup(m, func(f *runflag.Flag) { f.Set(false) }, m.flag)
	return m, nil
}

func newChild[T any](k *Kind[T], target T, flag *runflag.Flag, opts Options) *Mirror[T] {
	m := &Mirror[T]{
		kind:   k,
		role:   RoleChild,
		flag:   flag,
		opts:   opts,
		logger: opts.Logger.With("kind", k.name),
		target: target,
	}
	m.invoker = localInvoker[T]{kind: k, target: target}
	return m
}

// With spawns a mirror, runs fn, and closes the mirror on every exit path.
func With[T any](ctx context.Context, k *Kind[T], snapshot any, opts Options, fn func(ctx context.Context, m *Mirror[T]) error) (err error) {
	m, err := Spawn(ctx, k, snapshot, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, m)
}

// Kind returns the kind descriptor.
func (m *Mirror[T]) Kind() *Kind[T] { return m.kind }

// Role reports which side this instance is.
func (m *Mirror[T]) Role() Role { return m.role }

// PID is the worker child's pid for a parent-role mirror and this process's
// pid for a child-role one.
func (m *Mirror[T]) PID() int {
	if m.role == RoleParent {
		return m.pair.proc.pid
	}
	return os.Getpid()
}

// Alive reports whether the worker child is still running. Child-role
// instances report the running flag.
func (m *Mirror[T]) Alive() bool {
	if m.role == RoleParent {
		return !m.pair.proc.exited()
	}
	return m.flag.Get()
}

// Wait blocks until the worker exits and returns its exit error.
func (m *Mirror[T]) Wait() error {
	if m.role != RoleParent {
		return fmt.Errorf("%w: wait on a child-role mirror", ErrInvalidRole)
	}
	<-m.pair.proc.done
	return m.pair.proc.err
}

// Ready waits for the worker's handshake reply.
func (m *Mirror[T]) Ready(ctx context.Context) (*protocol.Ready, error) {
	if m.role != RoleParent {
		return nil, fmt.Errorf("%w: ready on a child-role mirror", ErrInvalidRole)
	}
	return m.fwd.await(ctx)
}

// Target returns the live instance of a child-role mirror.
func (m *Mirror[T]) Target() (T, error) {
	if m.role != RoleChild {
		var zero T
		return zero, fmt.Errorf("%w: a parent-role mirror holds no instance", ErrInvalidRole)
	}
	return m.target, nil
}

// Invoke calls op with untyped arguments and returns the raw JSON result.
func (m *Mirror[T]) Invoke(ctx context.Context, op string, args []any, kwargs Kwargs) (json.RawMessage, error) {
	a, err := NewArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	res, err := m.invoke(ctx, op, a)
	if err != nil {
		return nil, err
	}
	return res.encode()
}

func (m *Mirror[T]) has(op string) bool {
	_, ok := m.kind.lookup(op)
	return ok
}

func (m *Mirror[T]) invoke(ctx context.Context, op string, args Args) (result, error) {
	start := time.Now()
	var (
		res result
		err error
	)
	if m.has(op) {
		res, err = m.invoker.invoke(ctx, op, args)
	} else {
		// Never forwarded: the worker shares this registry and would take the
		// name for a version mismatch and exit.
		err = fmt.Errorf("%w: %s.%s", ErrUnknownOperation, m.kind.name, op)
	}
	if m.opts.Observer != nil {
		rec := CallRecord{Kind: m.kind.name, Op: op, Role: m.role, StartedAt: start, Duration: time.Since(start), Err: err}
		if m.role == RoleParent {
			rec.PID = m.pair.proc.pid
		}
		m.opts.Observer.ObserveCall(ctx, rec)
	}
	return res, err
}

// Terminate asks the worker to stop and waits for it to exit. Without a ctx
// deadline it waits indefinitely; when the deadline passes first it returns
// ErrTerminationTimeout and the child keeps running. Terminating an exited
// worker returns nil.
func (m *Mirror[T]) Terminate(ctx context.Context) error {
	if m.role != RoleParent {
		return fmt.Errorf("%w: terminate on a child-role mirror", ErrInvalidRole)
	}
	return m.pair.terminate(ctx)
}

// Close terminates the worker, escalating to SIGTERM and SIGKILL when it
// does not exit within Options.TerminateTimeout, and releases the channel and
// flag. It is idempotent.
func (m *Mirror[T]) Close() error {
	m.closeOnce.Do(func() {
		m.cleanup.Stop()
		if m.role == RoleChild {
			m.flag.Set(false)
			m.closeErr = m.flag.Close()
			return
		}
		m.closeErr = m.pair.shutdown(m.opts.TerminateTimeout, m.opts.KillGrace)
	})
	return m.closeErr
}

func (p *pair) terminate(ctx context.Context) error {
	if p.proc.exited() {
		return nil
	}
	p.flag.Set(false)
	if err := p.conn.Send(protocol.NewShutdown("terminate")); err != nil {
		p.logger.Debug("shutdown message not delivered", "pid", p.proc.pid, "error", err)
	}
	err := p.proc.wait(ctx)
	if errors.Is(err, ErrTerminationTimeout) {
		return err
	}
	p.logger.Info("worker exited", "pid", p.proc.pid, "exit", exitDescription(err))
	return nil
}

func (p *pair) shutdown(timeout, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := p.terminate(ctx)
	if errors.Is(err, ErrTerminationTimeout) {
		p.logger.Warn("worker did not stop in time, escalating", "pid", p.proc.pid, "timeout", timeout)
		p.proc.kill(grace, p.logger)
		err = nil
	}
	return errors.Join(err, p.release())
}

// abandon is the cleanup path for a mirror dropped without Close. It never
// blocks the caller.
func (p *pair) abandon(grace time.Duration) {
	if p.proc.exited() {
		_ = p.release()
		return
	}
	p.flag.Set(false)
	_ = p.conn.Send(protocol.NewShutdown("abandoned"))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := p.proc.wait(ctx); errors.Is(err, ErrTerminationTimeout) {
			p.proc.kill(grace, p.logger)
		}
		_ = p.release()
	}()
}

func (p *pair) release() error {
	var err error
	p.releaseOnce.Do(func() {
		err = errors.Join(p.conn.Close(), p.flag.Close())
	})
	return err
}

type localInvoker[T any] struct {
	kind   *Kind[T]
	target T
}

func (l localInvoker[T]) invoke(ctx context.Context, op string, args Args) (result, error) {
	h, ok := l.kind.lookup(op)
	if !ok {
		return result{}, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, l.kind.name, op)
	}
	v, err := h(ctx, l.target, args)
	if err != nil {
		return result{}, err
	}
	return result{value: v, local: true}, nil
}

func encodeSnapshot(snapshot any) (json.RawMessage, error) {
	switch s := snapshot.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(s) > 0 && !json.Valid(s) {
			return nil, errors.New("mirror: snapshot is not valid JSON")
		}
		return s, nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

func digest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func exitDescription(err error) string {
	if err == nil {
		return "clean"
	}
	return err.Error()
}
