package api

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/severance/internal/events"
)

// readEvents collects "event:" lines until n have been seen.
func readEvents(t *testing.T, sc *bufio.Scanner, n int) []string {
	t.Helper()
	var got []string
	for sc.Scan() {
		if typ, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			got = append(got, typ)
			if len(got) == n {
				return got
			}
		}
	}
	t.Fatalf("stream ended after %v: %v", got, sc.Err())
	return nil
}

func TestHandleEventsReplaysThenStreams(t *testing.T) {
	hub := events.NewHub(10)
	hub.WorkerUp("probe")
	hub.Publish(events.TypeCall, events.CallPayload{Kind: "probe", Op: "echo", Status: "ok"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := New(Config{}, &mockWorker{}, nil, nil, hub, logger)
	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	replayed := readEvents(t, sc, 2)
	if replayed[0] != events.TypeWorkerUp || replayed[1] != events.TypeCall {
		t.Fatalf("unexpected replay: %v", replayed)
	}

	hub.WorkerDown("probe")
	live := readEvents(t, sc, 1)
	if live[0] != events.TypeWorkerDown {
		t.Fatalf("unexpected live event: %v", live)
	}
}

func TestHandleEventsHonoursLastEventID(t *testing.T) {
	hub := events.NewHub(10)
	hub.WorkerUp("probe")
	hub.WorkerDown("probe")
	hub.Respawned("probe")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := New(Config{}, &mockWorker{}, nil, nil, hub, logger)
	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	got := readEvents(t, bufio.NewScanner(resp.Body), 1)
	if got[0] != events.TypeWorkerRespawned {
		t.Fatalf("expected only events after id 2, got %v", got)
	}
}

func TestHandleEventsDisabledWithoutHub(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := New(Config{}, &mockWorker{}, nil, nil, nil, logger)
	rr := serve(server, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a hub, got %d", rr.Code)
	}
}

func TestParseLastEventID(t *testing.T) {
	cases := map[string]int64{"": 0, "7": 7, "-1": 0, "abc": 0}
	for in, want := range cases {
		if got := parseLastEventID(in); got != want {
			t.Fatalf("parseLastEventID(%q) = %d, want %d", in, got, want)
		}
	}
}
