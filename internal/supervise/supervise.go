// Package supervise keeps one worker of a kind alive for long-running
// surfaces, replacing it with exponential backoff whenever it dies.
package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/severance/internal/mirror"
)

// ErrClosed is returned once the supervisor has been closed.
var ErrClosed = errors.New("supervise: closed")

// Policy bounds the respawn backoff.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed gives up respawning after this long. Zero retries forever.
	MaxElapsed time.Duration
	// ReadyTimeout bounds each worker's handshake.
	ReadyTimeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      2 * time.Minute,
		ReadyTimeout:    10 * time.Second,
	}
}

// Lifecycle is notified of worker starts, exits, and replacements.
type Lifecycle interface {
	WorkerUp(kind string)
	WorkerDown(kind string)
	Respawned(kind string)
}

// Lifecycles fans notifications out to several listeners in order.
type Lifecycles []Lifecycle

func (ls Lifecycles) WorkerUp(kind string) {
	for _, l := range ls {
		l.WorkerUp(kind)
	}
}

func (ls Lifecycles) WorkerDown(kind string) {
	for _, l := range ls {
		l.WorkerDown(kind)
	}
}

func (ls Lifecycles) Respawned(kind string) {
	for _, l := range ls {
		l.Respawned(kind)
	}
}

type nopLifecycle struct{}

func (nopLifecycle) WorkerUp(string)   {}
func (nopLifecycle) WorkerDown(string) {}
func (nopLifecycle) Respawned(string)  {}

// Supervisor owns the current worker for one kind and snapshot.
type Supervisor[T any] struct {
	kind      *mirror.Kind[T]
	snapshot  any
	opts      mirror.Options
	policy    Policy
	lifecycle Lifecycle
	logger    *slog.Logger

	mu         sync.RWMutex
	current    *mirror.Mirror[T]
	generation int
	closed     bool
}

// New prepares a supervisor. Nothing is spawned until Start.
func New[T any](kind *mirror.Kind[T], snapshot any, opts mirror.Options, policy Policy, lifecycle Lifecycle, logger *slog.Logger) *Supervisor[T] {
	if lifecycle == nil {
		lifecycle = nopLifecycle{}
	}
	if policy.ReadyTimeout <= 0 {
		policy.ReadyTimeout = DefaultPolicy().ReadyTimeout
	}
	return &Supervisor[T]{
		kind:      kind,
		snapshot:  snapshot,
		opts:      opts,
		policy:    policy,
		lifecycle: lifecycle,
		logger:    logger.With("kind", kind.Name()),
	}
}

// Start spawns the first worker and waits for its handshake.
func (s *Supervisor[T]) Start(ctx context.Context) error {
	m, err := s.spawn(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = m.Close()
		return ErrClosed
	}
	s.current, s.generation = m, 1
	s.lifecycle.WorkerUp(s.kind.Name())
	s.logger.Info("supervised worker started", "pid", m.PID())
	return nil
}

// Run watches the current worker and replaces it whenever it exits, until
// ctx ends or respawning gives up. It closes the supervisor on return.
func (s *Supervisor[T]) Run(ctx context.Context) error {
	defer s.Close()

	for {
		m, err := s.Current()
		if err != nil {
			return err
		}

		exited := make(chan error, 1)
		go func() { exited <- m.Wait() }()

		select {
		case <-ctx.Done():
			return nil
		case werr := <-exited:
			if s.isClosed() {
				return nil
			}
			s.logger.Warn("supervised worker exited", "pid", m.PID(), "exit", fmt.Sprint(werr))
			s.lifecycle.WorkerDown(s.kind.Name())
			_ = m.Close()
			if err := s.respawn(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Supervisor[T]) respawn(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.InitialInterval
	b.MaxInterval = s.policy.MaxInterval
	b.MaxElapsedTime = s.policy.MaxElapsed

	var next *mirror.Mirror[T]
	op := func() error {
		if s.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		m, err := s.spawn(ctx)
		if err != nil {
			if errors.Is(err, mirror.ErrUnsupported) {
				return backoff.Permanent(err)
			}
			return err
		}
		next = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("respawn failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("supervise: respawn %s: %w", s.kind.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = next.Close()
		return ErrClosed
	}
	s.current = next
	s.generation++
	s.lifecycle.Respawned(s.kind.Name())
	s.lifecycle.WorkerUp(s.kind.Name())
	s.logger.Info("supervised worker respawned", "pid", next.PID(), "generation", s.generation)
	return nil
}

func (s *Supervisor[T]) spawn(ctx context.Context) (*mirror.Mirror[T], error) {
	m, err := mirror.Spawn(ctx, s.kind, s.snapshot, s.opts)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, s.policy.ReadyTimeout)
	defer cancel()
	if _, err := m.Ready(rctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Current returns the live worker's mirror.
func (s *Supervisor[T]) Current() (*mirror.Mirror[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.current == nil {
		return nil, errors.New("supervise: not started")
	}
	return s.current, nil
}

// Status describes the supervised worker at one point in time.
type Status struct {
	Kind       string   `json:"kind"`
	PID        int      `json:"pid"`
	Generation int      `json:"generation"`
	Alive      bool     `json:"alive"`
	Ops        []string `json:"ops"`
}

// Status reports the current worker. PID is zero before Start or after Close.
func (s *Supervisor[T]) Status() Status {
	st := Status{Kind: s.kind.Name(), Ops: s.kind.Ops()}
	s.mu.RLock()
	m, closed := s.current, s.closed
	st.Generation = s.generation
	s.mu.RUnlock()
	if m != nil && !closed {
		st.PID = m.PID()
		st.Alive = m.Alive()
	}
	return st
}

// Invoke forwards op to whichever worker is current.
func (s *Supervisor[T]) Invoke(ctx context.Context, op string, args []any, kwargs mirror.Kwargs) (json.RawMessage, error) {
	m, err := s.Current()
	if err != nil {
		return nil, err
	}
	return m.Invoke(ctx, op, args, kwargs)
}

// Generation counts the workers started so far.
func (s *Supervisor[T]) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Check reports an error unless a worker is alive. It suits a health check.
func (s *Supervisor[T]) Check() error {
	m, err := s.Current()
	if err != nil {
		return err
	}
	if !m.Alive() {
		return fmt.Errorf("supervise: worker %d is not running", m.PID())
	}
	return nil
}

func (s *Supervisor[T]) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops the current worker. It is idempotent.
func (s *Supervisor[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	m := s.current
	s.mu.Unlock()

	if m == nil {
		return nil
	}
	wasAlive := m.Alive()
	err := m.Close()
	if wasAlive {
		s.lifecycle.WorkerDown(s.kind.Name())
	}
	return err
}
