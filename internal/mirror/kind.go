package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/severance/internal/protocol"
	"github.com/mattjoyce/severance/internal/runflag"
)

type handler[T any] func(ctx context.Context, target T, args Args) (any, error)

// Kind describes a mirrorable type: how to rebuild it from a construction
// snapshot and which operations may run on the worker side.
type Kind[T any] struct {
	name  string
	build func(snapshot json.RawMessage) (T, error)

	mu  sync.RWMutex
	ops map[string]handler[T]
}

// workerKind is the type-erased view of a Kind the child bootstrap needs.
type workerKind interface {
	kindName() string
	serve(ctx context.Context, conn Conn, flag *runflag.Flag, in *protocol.Init, logger *slog.Logger) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]workerKind{}
)

// NewKind registers a mirrorable kind under name. It panics if name is empty
// or already registered; kinds are meant to be package-level variables so that
// a re-executed worker registers exactly the same set as its parent.
func NewKind[T any](name string, build func(snapshot json.RawMessage) (T, error)) *Kind[T] {
	if name == "" {
		panic("mirror: kind name must not be empty")
	}
	if build == nil {
		panic("mirror: kind " + name + " has no build function")
	}
	k := &Kind[T]{name: name, build: build, ops: make(map[string]handler[T])}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("mirror: kind " + name + " registered twice")
	}
	registry[name] = k
	return k
}

func lookupKind(name string) (workerKind, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	k, ok := registry[name]
	return k, ok
}

// Kinds lists the registered kind names, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the registered kind name.
func (k *Kind[T]) Name() string { return k.name }

func (k *Kind[T]) kindName() string { return k.name }

// Ops lists the remote-eligible operations, sorted.
func (k *Kind[T]) Ops() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.ops))
	for name := range k.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k *Kind[T]) lookup(op string) (handler[T], bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.ops[op]
	return h, ok
}

// Build rebuilds a T from snapshot without any mirror around it.
func (k *Kind[T]) Build(snapshot json.RawMessage) (T, error) {
	t, err := k.build(snapshot)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("build %s: %w", k.name, err)
	}
	return t, nil
}

// Op is a remote-eligible operation on a kind returning R.
type Op[T, R any] struct {
	kind *Kind[T]
	name string
}

// Method declares a remote-eligible operation. fn is the local handler: it
// runs in the worker for parent-role mirrors and in-process for child-role
// ones. It panics if name is already declared on k.
func Method[T, R any](k *Kind[T], name string, fn func(ctx context.Context, target T, args Args) (R, error)) *Op[T, R] {
	if name == "" || fn == nil {
		panic("mirror: method on kind " + k.name + " needs a name and a function")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, dup := k.ops[name]; dup {
		panic(fmt.Sprintf("mirror: method %s.%s declared twice", k.name, name))
	}
	k.ops[name] = func(ctx context.Context, target T, args Args) (any, error) {
		return fn(ctx, target, args)
	}
	return &Op[T, R]{kind: k, name: name}
}

// Name returns the operation identifier sent on the wire.
func (o *Op[T, R]) Name() string { return o.name }

// Call invokes the operation with positional arguments.
func (o *Op[T, R]) Call(ctx context.Context, m *Mirror[T], args ...any) (R, error) {
	return o.CallKw(ctx, m, nil, args...)
}

// CallKw invokes the operation with keyword and positional arguments.
func (o *Op[T, R]) CallKw(ctx context.Context, m *Mirror[T], kwargs Kwargs, args ...any) (R, error) {
	var zero R
	if m.kind != o.kind {
		return zero, fmt.Errorf("%w: %s is declared on kind %s, mirror is %s", ErrUnknownOperation, o.name, o.kind.name, m.kind.name)
	}
	a, err := NewArgs(args, kwargs)
	if err != nil {
		return zero, err
	}
	res, err := m.invoke(ctx, o.name, a)
	if err != nil {
		return zero, err
	}
	return decodeResult[R](o.name, res)
}

// result is what an invoker hands back: a live value for local execution,
// raw JSON for a forwarded call.
type result struct {
	value any
	raw   json.RawMessage
	local bool
}

func (r result) encode() (json.RawMessage, error) {
	if !r.local {
		return r.raw, nil
	}
	return json.Marshal(r.value)
}

func decodeResult[R any](op string, res result) (R, error) {
	var out R
	if res.local {
		if v, ok := res.value.(R); ok {
			return v, nil
		}
		raw, err := json.Marshal(res.value)
		if err != nil {
			return out, fmt.Errorf("encode %s result: %w", op, err)
		}
		res.raw = raw
	}
	if len(res.raw) == 0 || string(res.raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(res.raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", op, err)
	}
	return out, nil
}
