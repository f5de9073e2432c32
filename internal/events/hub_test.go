package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/severance/internal/mirror"
)

func TestRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := range 5 {
		h.Publish("tick", map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})
	assert.JSONEq(t, `{"n":4}`, string(snap[2].Data))

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestPublishNilDataIsEmptyObject(t *testing.T) {
	h := NewHub(0)
	h.Publish("empty", nil)
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{}`, string(snap[0].Data))
}

func TestSubscribeReceivesAndCancelCloses(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish("hello", nil)
	select {
	case ev := <-ch:
		assert.Equal(t, "hello", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok, "cancel must close the channel")
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	h.Publish("after", nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 1000 {
			h.Publish("flood", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestObserveCallPublishesPayload(t *testing.T) {
	h := NewHub(10)
	h.ObserveCall(context.Background(), mirror.CallRecord{
		Kind:     "probe",
		Op:       "fail",
		Role:     mirror.RoleParent,
		PID:      99,
		Duration: 1500 * time.Microsecond,
		Err:      &mirror.RemoteError{Op: "fail", Code: "remote_error", Message: "nope"},
	})
	h.ObserveCall(context.Background(), mirror.CallRecord{Kind: "probe", Op: "echo", Role: mirror.RoleChild})

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, TypeCall, snap[0].Type)

	var p CallPayload
	require.NoError(t, json.Unmarshal(snap[0].Data, &p))
	assert.Equal(t, "fail", p.Op)
	assert.Equal(t, "parent", p.Role)
	assert.Equal(t, 99, p.PID)
	assert.Equal(t, "remote_error", p.Status)
	assert.Equal(t, int64(1500), p.DurationUS)
	assert.Contains(t, p.Error, "nope")

	require.NoError(t, json.Unmarshal(snap[1].Data, &p))
	assert.Equal(t, "ok", p.Status)
	assert.Equal(t, "child", p.Role)
}

func TestLifecycleEvents(t *testing.T) {
	h := NewHub(10)
	h.WorkerUp("probe")
	h.WorkerDown("probe")
	h.Respawned("probe")

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, TypeWorkerUp, snap[0].Type)
	assert.Equal(t, TypeWorkerDown, snap[1].Type)
	assert.Equal(t, TypeWorkerRespawned, snap[2].Type)
	assert.JSONEq(t, `{"kind":"probe"}`, string(snap[2].Data))
}
