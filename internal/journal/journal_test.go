package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/severance/internal/mirror"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []mirror.CallRecord{
		{Kind: "probe", Op: "identity", Role: mirror.RoleParent, PID: 10, StartedAt: base, Duration: 2 * time.Millisecond},
		{Kind: "probe", Op: "fail", Role: mirror.RoleParent, PID: 10, StartedAt: base.Add(time.Second), Duration: time.Millisecond,
			Err: &mirror.RemoteError{Op: "fail", Code: "remote_error", Message: "nope"}},
		{Kind: "other", Op: "identity", Role: mirror.RoleChild, StartedAt: base.Add(2 * time.Second), Duration: 500 * time.Microsecond},
	}
	for _, rec := range records {
		id, err := j.Record(ctx, rec)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	all, err := j.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "other", all[0].Kind, "newest first")
	assert.Equal(t, "child", all[0].Role)
	assert.Equal(t, "remote_error", all[1].Status)
	assert.Contains(t, all[1].Error, "nope")
	assert.Equal(t, 10, all[2].PID)
	assert.Equal(t, 2*time.Millisecond, all[2].Duration)
	assert.True(t, base.Equal(all[2].StartedAt))

	probes, err := j.Recent(ctx, Filter{Kind: "probe"})
	require.NoError(t, err)
	assert.Len(t, probes, 2)

	identities, err := j.Recent(ctx, Filter{Op: "identity", Limit: 1})
	require.NoError(t, err)
	require.Len(t, identities, 1)
	assert.Equal(t, "other", identities[0].Kind)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	now := time.Now()

	for i := range 4 {
		rec := mirror.CallRecord{Kind: "probe", Op: "digest", Role: mirror.RoleParent, StartedAt: now.Add(time.Duration(i) * time.Millisecond), Duration: time.Duration(i+1) * time.Millisecond}
		if i == 3 {
			rec.Err = errors.New("boom")
		}
		_, err := j.Record(ctx, rec)
		require.NoError(t, err)
	}

	summary, err := j.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, "digest", summary[0].Op)
	assert.Equal(t, 4, summary[0].Calls)
	assert.Equal(t, 1, summary[0].Failures)
	assert.Equal(t, 2500*time.Microsecond, summary[0].MeanLatency)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	now := time.Now()

	for _, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		_, err := j.Record(ctx, mirror.CallRecord{Kind: "probe", Op: "echo", StartedAt: now.Add(-age)})
		require.NoError(t, err)
	}

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := j.Recent(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestObserveCallRecords(t *testing.T) {
	j := openTestJournal(t)
	var obs mirror.Observer = j

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled caller context must not lose the record.
	obs.ObserveCall(ctx, mirror.CallRecord{Kind: "probe", Op: "echo", StartedAt: time.Now()})

	entries, err := j.Recent(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Status)
}
