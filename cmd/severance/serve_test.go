//go:build unix

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"
)

func freeListenAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestServeEndToEnd(t *testing.T) {
	addr := freeListenAddr(t)
	cfgPath := writeTestConfig(t, fmt.Sprintf("api:\n  listen: %s\n  api_key: serve-test-key\n", addr))
	base := "http://" + addr

	done := make(chan int, 1)
	go func() { done <- runServe([]string{"--config", cfgPath}) }()

	deadline := time.Now().Add(20 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case code := <-done:
			t.Fatalf("serve exited early with %d", code)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("serve never became ready")
		}
		time.Sleep(50 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/ops/echo", strings.NewReader(`{"args":["x",2]}`))
	req.Header.Set("Authorization", "Bearer serve-test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /ops/echo: %v", err)
	}
	var op struct {
		Value json.RawMessage `json:"value"`
		PID   int             `json:"pid"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&op)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(op.Value) != `["x",2]` || op.PID == 0 {
		t.Fatalf("unexpected op response: %d %s pid=%d", resp.StatusCode, op.Value, op.PID)
	}

	for _, tc := range []struct {
		op, body string
		want     int
	}{
		{"sleep", `{}`, http.StatusBadRequest},
		{"sleep", `{"args":["forever"]}`, http.StatusBadRequest},
		{"no-such-op", `{}`, http.StatusNotFound},
		{"fail", `{}`, http.StatusUnprocessableEntity},
	} {
		req, _ := http.NewRequest(http.MethodPost, base+"/ops/"+tc.op, strings.NewReader(tc.body))
		req.Header.Set("Authorization", "Bearer serve-test-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST /ops/%s: %v", tc.op, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("POST /ops/%s %s: status %d, want %d", tc.op, tc.body, resp.StatusCode, tc.want)
		}
	}

	// None of the failures above cost the worker its life.
	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status struct {
		PID        int  `json:"pid"`
		Generation int  `json:"generation"`
		Alive      bool `json:"alive"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&status)
	_ = resp.Body.Close()
	if !status.Alive || status.PID != op.PID || status.Generation != 1 {
		t.Fatalf("worker replaced after failed calls: %+v (first pid %d)", status, op.PID)
	}

	resp, err = http.Get(base + "/calls?op=echo")
	if err != nil {
		t.Fatalf("GET /calls: %v", err)
	}
	var calls struct {
		Calls []struct {
			Op     string `json:"op"`
			Status string `json:"status"`
			PID    int    `json:"pid"`
		} `json:"calls"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&calls)
	_ = resp.Body.Close()
	if len(calls.Calls) != 1 || calls.Calls[0].Status != "ok" || calls.Calls[0].PID != op.PID {
		t.Fatalf("expected the echo call in the journal, got %+v", calls.Calls)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `severance_worker_alive{kind="probe"} 1`) {
		t.Fatalf("metrics missing live worker gauge")
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("signal self: %v", err)
	}
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("serve exit code = %d", code)
		}
	case <-time.After(20 * time.Second):
		t.Fatalf("serve did not stop on SIGINT")
	}
}
