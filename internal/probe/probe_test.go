package probe

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/severance/internal/mirror"
)

func TestMain(m *testing.M) {
	if mirror.Init() {
		return
	}
	os.Exit(m.Run())
}

func TestLocalProbe(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocal(Config{Label: "local", Salt: "pepper"})
	require.NoError(t, err)
	defer p.Close()

	id, err := IdentityOp.Call(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "local", id.Label)
	assert.Equal(t, os.Getpid(), id.PID)

	d, err := DigestOp.Call(ctx, p, "hello")
	require.NoError(t, err)
	assert.Equal(t, Sum("pepper", []byte("hello")), d)
	assert.NotEqual(t, Sum("salt", []byte("hello")).Hex, d.Hex)
	assert.Len(t, d.Hex, 64)

	echoed, err := EchoOp.Call(ctx, p, 1, "two", map[string]int{"three": 3})
	require.NoError(t, err)
	require.Len(t, echoed, 3)
	assert.JSONEq(t, `{"three":3}`, string(echoed[2]))

	slept, err := SleepOp.Call(ctx, p, "5ms")
	require.NoError(t, err)
	assert.NotEmpty(t, slept)

	_, err = FailOp.Call(ctx, p, "custom")
	assert.EqualError(t, err, "custom")
	_, err = FailOp.Call(ctx, p)
	assert.EqualError(t, err, "probe failure requested")
}

func TestDefaultLabel(t *testing.T) {
	p, err := NewLocal(Config{})
	require.NoError(t, err)
	defer p.Close()

	id, err := IdentityOp.Call(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "probe", id.Label)
}

func TestBadSleepDuration(t *testing.T) {
	p, err := NewLocal(Config{})
	require.NoError(t, err)
	defer p.Close()

	_, err = SleepOp.Call(context.Background(), p, "forever")
	assert.ErrorContains(t, err, "sleep")
	assert.ErrorIs(t, err, mirror.ErrBadArgument)
}

func TestBuildRejectsBadSnapshot(t *testing.T) {
	_, err := Kind.Build(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestRemoteProbeMatchesLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := Config{Label: "remote", Salt: "s"}
	remote, err := Spawn(ctx, cfg, mirror.Options{LogLevel: "error"})
	if errors.Is(err, mirror.ErrUnsupported) {
		t.Skip("no worker processes on this platform")
	}
	require.NoError(t, err)
	defer remote.Close()

	id, err := IdentityOp.Call(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, remote.PID(), id.PID)
	assert.Equal(t, os.Getpid(), id.PPID)
	assert.Equal(t, "remote", id.Label)

	got, err := DigestOp.Call(ctx, remote, "payload")
	require.NoError(t, err)
	assert.Equal(t, Sum("s", []byte("payload")), got)

	require.NoError(t, remote.Terminate(ctx))
	assert.False(t, remote.Alive())
}
