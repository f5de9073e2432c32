// Package journal records every mirror call in SQLite so that recent
// traffic and per-operation failure rates survive a restart.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/severance/internal/mirror"
)

const DefaultRecentLimit = 50

// timeLayout is fixed width so started_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one journaled call.
type Entry struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Op        string        `json:"op"`
	Role      string        `json:"role"`
	PID       int           `json:"pid"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// OpSummary aggregates entries for one kind and operation.
type OpSummary struct {
	Kind        string        `json:"kind"`
	Op          string        `json:"op"`
	Calls       int           `json:"calls"`
	Failures    int           `json:"failures"`
	MeanLatency time.Duration `json:"mean_latency"`
	LastCall    time.Time     `json:"last_call"`
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	Kind  string
	Op    string
	Limit int
}

// Journal is a mirror.Observer that persists call records.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Journal {
	return &Journal{db: db, logger: logger}
}

// Open opens the database at path and returns a journal over it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db, logger), nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// ObserveCall implements mirror.Observer. A write failure is logged, never
// returned to the caller of the mirrored operation.
func (j *Journal) ObserveCall(ctx context.Context, rec mirror.CallRecord) {
	if _, err := j.Record(context.WithoutCancel(ctx), rec); err != nil {
		j.logger.Warn("journal write failed", "kind", rec.Kind, "op", rec.Op, "error", err)
	}
}

// Record stores rec and returns the new entry id.
func (j *Journal) Record(ctx context.Context, rec mirror.CallRecord) (string, error) {
	id := uuid.NewString()
	var errText sql.NullString
	if rec.Err != nil {
		errText = sql.NullString{String: rec.Err.Error(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO call_journal(id, kind, op, role, pid, status, error, started_at, duration_us)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, rec.Kind, rec.Op, rec.Role.String(), rec.PID, rec.Status(), errText,
		rec.StartedAt.UTC().Format(timeLayout), rec.Duration.Microseconds())
	if err != nil {
		return "", fmt.Errorf("insert journal entry: %w", err)
	}
	return id, nil
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, kind, op, role, pid, status, error, started_at, duration_us
FROM call_journal
WHERE (? = '' OR kind = ?) AND (? = '' OR op = ?)
ORDER BY started_at DESC
LIMIT ?;
`, f.Kind, f.Kind, f.Op, f.Op, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			errText    sql.NullString
			startedRaw string
			durationUS int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Op, &e.Role, &e.PID, &e.Status, &errText, &startedRaw, &durationUS); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Error = errText.String
		e.StartedAt, err = time.Parse(timeLayout, startedRaw)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedRaw, err)
		}
		e.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates the whole journal per kind and operation.
func (j *Journal) Summary(ctx context.Context) ([]OpSummary, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT kind, op, COUNT(*), SUM(CASE WHEN status = 'ok' THEN 0 ELSE 1 END), AVG(duration_us), MAX(started_at)
FROM call_journal
GROUP BY kind, op
ORDER BY kind, op;
`)
	if err != nil {
		return nil, fmt.Errorf("summarize journal: %w", err)
	}
	defer rows.Close()

	var out []OpSummary
	for rows.Next() {
		var (
			s       OpSummary
			meanUS  float64
			lastRaw string
		)
		if err := rows.Scan(&s.Kind, &s.Op, &s.Calls, &s.Failures, &meanUS, &lastRaw); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.MeanLatency = time.Duration(meanUS * float64(time.Microsecond))
		if s.LastCall, err = time.Parse(timeLayout, lastRaw); err != nil {
			return nil, fmt.Errorf("parse last call %q: %w", lastRaw, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes entries that started before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM call_journal WHERE started_at < ?;", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}
