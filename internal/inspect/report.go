// Package inspect renders a point-in-time report of a worker process as the
// operating system sees it.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

// Report is the structured JSON representation of a worker report.
type Report struct {
	Kind       string    `json:"kind"`
	Generation int       `json:"generation,omitempty"`
	Ops        []string  `json:"ops,omitempty"`
	Worker     Proc      `json:"worker"`
	Parent     *Proc     `json:"parent,omitempty"`
	TakenAt    time.Time `json:"taken_at"`
}

// Proc is the operating system view of one process.
type Proc struct {
	PID        int       `json:"pid"`
	PPID       int       `json:"ppid"`
	Name       string    `json:"name"`
	Cmdline    string    `json:"cmdline"`
	Status     string    `json:"status"`
	Started    time.Time `json:"started"`
	RSS        uint64    `json:"rss_bytes"`
	Threads    int32     `json:"threads"`
	OpenFiles  int32     `json:"open_fds"`
	CPUPercent float64   `json:"cpu_percent"`
}

// Subject names what to inspect.
type Subject struct {
	Kind       string
	Generation int
	Ops        []string
	PID        int
	// WithParent adds the worker's parent process to the report.
	WithParent bool
}

// BuildReport renders a terminal-friendly report for a worker.
func BuildReport(ctx context.Context, subject Subject) (string, error) {
	report, err := gatherReportData(ctx, subject)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Worker Report\n")
	fmt.Fprintf(&out, "Kind        : %s\n", report.Kind)
	if report.Generation > 0 {
		fmt.Fprintf(&out, "Generation  : %d\n", report.Generation)
	}
	if len(report.Ops) > 0 {
		fmt.Fprintf(&out, "Operations  : %s\n", strings.Join(report.Ops, ", "))
	}
	fmt.Fprintf(&out, "Taken at    : %s\n", report.TakenAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "\n")

	writeProc(&out, "worker", report.Worker)
	if report.Parent != nil {
		writeProc(&out, "parent", *report.Parent)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

func writeProc(out *strings.Builder, label string, p Proc) {
	fmt.Fprintf(out, "[%s] pid %d\n", label, p.PID)
	fmt.Fprintf(out, "    name       : %s\n", renderUnset(p.Name, "<unknown>"))
	fmt.Fprintf(out, "    cmdline    : %s\n", renderUnset(p.Cmdline, "<unknown>"))
	fmt.Fprintf(out, "    ppid       : %d\n", p.PPID)
	fmt.Fprintf(out, "    status     : %s\n", renderUnset(p.Status, "<unknown>"))
	if p.Started.IsZero() {
		fmt.Fprintf(out, "    started    : <unknown>\n")
	} else {
		fmt.Fprintf(out, "    started    : %s (%s)\n", p.Started.Format(time.RFC3339), humanize.Time(p.Started))
	}
	fmt.Fprintf(out, "    rss        : %s\n", humanize.IBytes(p.RSS))
	fmt.Fprintf(out, "    threads    : %d\n", p.Threads)
	fmt.Fprintf(out, "    open fds   : %d\n", p.OpenFiles)
	fmt.Fprintf(out, "    cpu        : %.1f%%\n", p.CPUPercent)
	fmt.Fprintf(out, "\n")
}

// BuildJSONReport returns the machine-readable JSON worker report.
func BuildJSONReport(ctx context.Context, subject Subject) (string, error) {
	report, err := gatherReportData(ctx, subject)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, subject Subject) (*Report, error) {
	if subject.PID <= 0 {
		return nil, fmt.Errorf("worker pid is required")
	}

	worker, err := lookupProc(ctx, subject.PID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Kind:       renderUnset(subject.Kind, "<unknown>"),
		Generation: subject.Generation,
		Ops:        subject.Ops,
		Worker:     *worker,
		TakenAt:    time.Now().UTC(),
	}
	if subject.WithParent && worker.PPID > 0 {
		// A reparented worker may outlive its parent; the report still stands.
		if parent, err := lookupProc(ctx, worker.PPID); err == nil {
			report.Parent = parent
		}
	}
	return report, nil
}

// lookupProc reads what the platform exposes. Fields the platform cannot
// report stay zero rather than failing the whole report.
func lookupProc(ctx context.Context, pid int) (*Proc, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	info := &Proc{PID: pid}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		info.PPID = int(ppid)
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmdline
	}
	if status, err := p.StatusWithContext(ctx); err == nil {
		info.Status = strings.Join(status, ",")
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil && created > 0 {
		info.Started = time.UnixMilli(created).UTC()
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSS = mem.RSS
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		info.Threads = threads
	}
	if fds, err := p.NumFDsWithContext(ctx); err == nil {
		info.OpenFiles = fds
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = cpu
	}
	return info, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
