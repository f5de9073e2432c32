package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestStartStopsOnContextCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := New(Config{Listen: "127.0.0.1:0"}, &mockWorker{}, nil, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestStartReportsListenFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := New(Config{Listen: "256.0.0.1:http"}, &mockWorker{}, nil, nil, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Start(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a listen error, got %v", err)
	}
}
