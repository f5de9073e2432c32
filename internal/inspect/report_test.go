package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/mattjoyce/severance/internal/mirror"
	"github.com/mattjoyce/severance/internal/probe"
)

func TestMain(m *testing.M) {
	if mirror.Init() {
		return
	}
	os.Exit(m.Run())
}

func TestBuildReportForSpawnedWorker(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := probe.Spawn(ctx, probe.Config{Label: "inspected"}, mirror.Options{LogLevel: "error", Logger: logger})
	if errors.Is(err, mirror.ErrUnsupported) {
		t.Skip("no socketpair on this platform")
	}
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if _, err := m.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	out, err := BuildReport(ctx, Subject{
		Kind:       m.Kind().Name(),
		Generation: 1,
		Ops:        m.Kind().Ops(),
		PID:        m.PID(),
		WithParent: true,
	})
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Worker Report",
		"Kind        : probe",
		"Generation  : 1",
		"identity",
		"[worker] pid " + strconv.Itoa(m.PID()),
		"ppid       : " + strconv.Itoa(os.Getpid()),
		"[parent] pid " + strconv.Itoa(os.Getpid()),
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildJSONReport(t *testing.T) {
	out, err := BuildJSONReport(context.Background(), Subject{Kind: "probe", PID: os.Getpid()})
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Worker.PID != os.Getpid() {
		t.Fatalf("worker pid = %d, want %d", report.Worker.PID, os.Getpid())
	}
	if report.Parent != nil {
		t.Fatalf("parent must be omitted unless requested")
	}
	if runtime.GOOS == "linux" && report.Worker.Threads <= 0 {
		t.Fatalf("expected a positive thread count, got %d", report.Worker.Threads)
	}
	if report.TakenAt.IsZero() {
		t.Fatalf("expected taken_at")
	}
}

func TestBuildReportRequiresPID(t *testing.T) {
	if _, err := BuildReport(context.Background(), Subject{Kind: "probe"}); err == nil {
		t.Fatalf("expected error for missing pid")
	}
}

func TestBuildReportMissingProcess(t *testing.T) {
	// PIDs above the kernel's pid_max are never allocated.
	if _, err := BuildReport(context.Background(), Subject{PID: 1 << 30}); err == nil {
		t.Fatalf("expected error for a process that does not exist")
	}
}

func TestRenderUnset(t *testing.T) {
	if got := renderUnset("  ", "<none>"); got != "<none>" {
		t.Fatalf("renderUnset(blank) = %q", got)
	}
	if got := renderUnset("x", "<none>"); got != "x" {
		t.Fatalf("renderUnset(x) = %q", got)
	}
}
