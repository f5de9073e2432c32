//go:build unix

package mirror

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/severance/internal/protocol"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	logger, _ := newTestSlogger()
	return Options{
		PollInterval:     time.Millisecond,
		TerminateTimeout: 5 * time.Second,
		KillGrace:        time.Second,
		Logger:           logger,
		LogLevel:         "error",
	}
}

func spawnCounter(t *testing.T, opts Options) *Mirror[*counter] {
	t.Helper()
	m, err := Spawn(context.Background(), counterKind, testSnapshot(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

// Create, call, terminate.
func TestSpawnCallTerminate(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))

	assert.Equal(t, RoleParent, m.Role())
	assert.NotEqual(t, os.Getpid(), m.PID())
	assert.True(t, m.Alive())

	pid, err := pidOp.Call(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, m.PID(), pid)
	assert.NotEqual(t, os.Getpid(), pid, "operations run in the worker")

	ready, err := m.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.PID(), ready.PID)
	assert.Equal(t, counterKind.Name(), ready.Kind)

	require.NoError(t, m.Terminate(ctx))
	assert.False(t, m.Alive())
	assert.Equal(t, ExitOK, exitCode(m.Wait()))
}

// Terminating twice is a no-op the second time.
func TestTerminateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))

	require.NoError(t, m.Terminate(ctx))
	require.NoError(t, m.Terminate(ctx))
	assert.False(t, m.Alive())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

// A worker killed out of band surfaces as a closed channel, not a hang.
func TestCallAfterChildKilled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := spawnCounter(t, testOptions(t))

	_, err := pidOp.Call(ctx, m)
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(m.PID(), syscall.SIGKILL))
	_ = m.Wait()

	_, err = addOp.Call(ctx, m, 1)
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, err = addOp.Call(ctx, m, 1)
	assert.ErrorIs(t, err, ErrChannelClosed)

	assert.NoError(t, m.Terminate(ctx), "terminating an exited worker is a no-op")
}

// Termination times out while a call is running; the call still completes.
func TestTerminateTimeoutDuringCall(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))

	_, err := pidOp.Call(ctx, m)
	require.NoError(t, err)

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ok, err := sleepOp.Call(ctx, m, time.Second)
		done <- outcome{ok, err}
	}()
	time.Sleep(200 * time.Millisecond)

	expired, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	err = m.Terminate(expired)
	assert.ErrorIs(t, err, ErrTerminationTimeout)
	assert.True(t, m.Alive())

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.ok)

	// The flag was cleared, so the worker exits after finishing the call.
	require.NoError(t, m.Terminate(ctx))
	assert.False(t, m.Alive())
}

func TestLocalAndRemoteAgree(t *testing.T) {
	ctx := context.Background()
	remote := spawnCounter(t, testOptions(t))
	local, err := NewLocal(counterKind, testSnapshot())
	require.NoError(t, err)
	defer local.Close()

	for _, n := range []int{-5, 0, 2, 1000} {
		want, err := addOp.Call(ctx, local, n)
		require.NoError(t, err)
		got, err := addOp.Call(ctx, remote, n)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	want, err := greetOp.CallKw(ctx, local, Kwargs{"greeting": "good morning"})
	require.NoError(t, err)
	got, err := greetOp.CallKw(ctx, remote, Kwargs{"greeting": "good morning"})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, localErr := failOp.Call(ctx, local)
	_, remoteErr := failOp.Call(ctx, remote)
	require.Error(t, localErr)
	var re *RemoteError
	require.ErrorAs(t, remoteErr, &re)
	assert.Equal(t, localErr.Error(), re.Message)
}

func TestConcurrentCallersAreSerialized(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))

	var wg sync.WaitGroup
	results := make([]int, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = addOp.Call(ctx, m, i)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 40+i, results[i])
	}
}

func TestRemotePanicKeepsWorkerAlive(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))

	_, err := panicOp.Call(ctx, m)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "panic", re.Code)

	sum, err := addOp.Call(ctx, m, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
}

func TestUnregisteredOperationIsNotForwarded(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))

	for _, op := range []string{"NoSuchOp", ""} {
		_, err := m.Invoke(ctx, op, nil, nil)
		assert.ErrorIs(t, err, ErrUnknownOperation, "op %q", op)
		var re *RemoteError
		assert.False(t, errors.As(err, &re), "op %q must fail before reaching the worker", op)
	}

	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Alive())
	sum, err := addOp.Call(ctx, m, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
}

// A worker that does not know a forwarded op is out of step with its
// parent and stops.
func TestUnknownOperationStopsWorker(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))

	_, err := m.fwd.call(ctx, "Nope", Args{})
	assert.ErrorIs(t, err, ErrUnknownOperation)
	assert.Equal(t, ExitUnknownOp, exitCode(m.Wait()))

	_, err = addOp.Call(ctx, m, 1)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

// Argument errors raised in the worker keep their meaning on the parent.
func TestRemoteArgumentErrors(t *testing.T) {
	ctx := context.Background()
	m := spawnCounter(t, testOptions(t))
	local, err := NewLocal(counterKind, testSnapshot())
	require.NoError(t, err)
	defer local.Close()

	_, remoteErr := addOp.Call(ctx, m)
	_, localErr := addOp.Call(ctx, local)
	for _, err := range []error{remoteErr, localErr} {
		assert.ErrorIs(t, err, ErrMissingArgument)
		assert.ErrorIs(t, err, ErrBadArgument)
	}
	var re *RemoteError
	require.ErrorAs(t, remoteErr, &re)
	assert.Equal(t, protocol.CodeMissingArgument, re.Code)

	_, err = addOp.Call(ctx, m, "forty")
	assert.ErrorIs(t, err, ErrBadArgument)
	assert.NotErrorIs(t, err, ErrMissingArgument)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.CodeBadRequest, re.Code)

	assert.True(t, m.Alive())
	sum, err := addOp.Call(ctx, m, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
}

func TestSpawnInitFailure(t *testing.T) {
	ctx := context.Background()
	m, err := Spawn(ctx, counterKind, counter{Broken: true}, testOptions(t))
	require.NoError(t, err, "spawn does not wait for the worker")
	defer m.Close()

	_, err = addOp.Call(ctx, m, 1)
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorContains(t, err, "refuses to start")
	assert.Equal(t, ExitInitFailed, exitCode(m.Wait()))
}

func TestCallTimeoutAbandonsAndRecovers(t *testing.T) {
	opts := testOptions(t)
	opts.CallTimeout = 50 * time.Millisecond
	m := spawnCounter(t, opts)
	ctx := context.Background()

	_, err := sleepOp.Call(ctx, m, 300*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The late reply is drained before this call is sent.
	withDeadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sum, err := addOp.Call(withDeadline, m, 1)
	require.NoError(t, err)
	assert.Equal(t, 41, sum)
}

func TestWithClosesOnEveryPath(t *testing.T) {
	ctx := context.Background()

	var seen *Mirror[*counter]
	sentinel := errors.New("stop here")
	err := With(ctx, counterKind, testSnapshot(), testOptions(t), func(ctx context.Context, m *Mirror[*counter]) error {
		seen = m
		sum, err := addOp.Call(ctx, m, 2)
		require.NoError(t, err)
		assert.Equal(t, 42, sum)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	require.NotNil(t, seen)
	assert.False(t, seen.Alive())

	seen = nil
	assert.Panics(t, func() {
		_ = With(ctx, counterKind, testSnapshot(), testOptions(t), func(ctx context.Context, m *Mirror[*counter]) error {
			seen = m
			panic("caller blew up")
		})
	})
	require.NotNil(t, seen)
	assert.False(t, seen.Alive())
}

func TestCloseEscalatesToKill(t *testing.T) {
	opts := testOptions(t)
	opts.TerminateTimeout = 100 * time.Millisecond
	opts.KillGrace = 100 * time.Millisecond
	m := spawnCounter(t, opts)
	ctx := context.Background()

	_, err := pidOp.Call(ctx, m)
	require.NoError(t, err)

	go func() { _, _ = sleepOp.Call(ctx, m, time.Minute) }()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Close())
	assert.False(t, m.Alive())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSpawnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Spawn(ctx, counterKind, testSnapshot(), testOptions(t))
	assert.ErrorIs(t, err, context.Canceled)
}
