package mirror

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/severance/internal/runflag"
)

var otherKind = NewKind("mirror-test-other", func(json.RawMessage) (string, error) { return "other", nil })

var otherLenOp = Method(otherKind, "Len", func(ctx context.Context, s string, args Args) (int, error) {
	return len(s), nil
})

func TestNewKindRejectsDuplicates(t *testing.T) {
	assert.Panics(t, func() {
		NewKind("mirror-test-counter", func(json.RawMessage) (int, error) { return 0, nil })
	})
	assert.Panics(t, func() {
		NewKind("", func(json.RawMessage) (int, error) { return 0, nil })
	})
	assert.Panics(t, func() {
		Method(counterKind, "Add", func(context.Context, *counter, Args) (int, error) { return 0, nil })
	})
}

func TestKindRegistry(t *testing.T) {
	assert.Contains(t, Kinds(), "mirror-test-counter")
	assert.Contains(t, Kinds(), "mirror-test-other")
	assert.Equal(t, []string{"Add", "Fail", "Greet", "PID", "Panic", "Sleep"}, counterKind.Ops())
	assert.Equal(t, "Add", addOp.Name())
	assert.Equal(t, "mirror-test-counter", counterKind.Name())

	msg := unregisteredKind("ghost")
	assert.Contains(t, msg, `"ghost"`)
	assert.Contains(t, msg, "mirror-test-counter, mirror-test-other")
}

func TestLocalMirror(t *testing.T) {
	ctx := context.Background()
	m, err := NewLocal(counterKind, testSnapshot())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, RoleChild, m.Role())
	assert.Equal(t, os.Getpid(), m.PID())

	sum, err := addOp.Call(ctx, m, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)

	pid, err := pidOp.Call(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	greeting, err := greetOp.CallKw(ctx, m, Kwargs{"greeting": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi, severance", greeting)

	raw, err := m.Invoke(ctx, "Add", []any{1}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "41", string(raw))

	target, err := m.Target()
	require.NoError(t, err)
	assert.Equal(t, 40, target.Base)
}

func TestLocalMirrorErrors(t *testing.T) {
	ctx := context.Background()
	m, err := NewLocal(counterKind, testSnapshot())
	require.NoError(t, err)
	defer m.Close()

	assert.ErrorIs(t, m.Terminate(ctx), ErrInvalidRole)
	assert.ErrorIs(t, m.Wait(), ErrInvalidRole)
	_, err = m.Ready(ctx)
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = m.Invoke(ctx, "Nope", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = failOp.Call(ctx, m)
	assert.EqualError(t, err, "boom")

	_, err = addOp.Call(ctx, m)
	assert.ErrorIs(t, err, ErrMissingArgument)
}

var twinKind = NewKind("mirror-test-twin", func(json.RawMessage) (*counter, error) { return &counter{}, nil })

func TestOpOnForeignKind(t *testing.T) {
	ctx := context.Background()
	other, err := NewLocal(otherKind, nil)
	require.NoError(t, err)
	defer other.Close()

	n, err := otherLenOp.Call(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	twin, err := NewLocal(twinKind, nil)
	require.NoError(t, err)
	defer twin.Close()

	_, err = addOp.Call(ctx, twin, 1)
	assert.ErrorIs(t, err, ErrUnknownOperation, "Add is declared on the counter kind only")
}

func TestNewLocalBuildFailure(t *testing.T) {
	_, err := NewLocal(counterKind, counter{Broken: true})
	assert.ErrorContains(t, err, "refuses to start")

	_, err = NewLocal(counterKind, json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestLocalCloseClearsFlag(t *testing.T) {
	m, err := NewLocal(counterKind, testSnapshot())
	require.NoError(t, err)
	m.flag.Set(true)
	assert.True(t, m.Alive())

	require.NoError(t, m.Close())
	assert.False(t, m.Alive())
	assert.NoError(t, m.Close())
}

func TestDroppedLocalMirrorClearsFlag(t *testing.T) {
	flag := func() *runflag.Flag {
		m, err := NewLocal(counterKind, testSnapshot())
		require.NoError(t, err)
		m.flag.Set(true)
		return m.flag
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return !flag.Get()
	}, 5*time.Second, 10*time.Millisecond)
}
