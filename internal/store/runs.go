package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run is one row of run history. Report is the JSON run report.
type Run struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     string          `json:"status"`
	Report     json.RawMessage `json:"report"`
}

// RecordRun appends (or replaces) a run history row.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errors.New("store: run id must not be empty")
	}
	report := string(r.Report)
	if report == "" {
		report = "{}"
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, started_at_ns, finished_at_ns, status, report) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  finished_at_ns = excluded.finished_at_ns,
  status = excluded.status,
  report = excluded.report`,
			r.ID, ns(r.StartedAt), ns(r.FinishedAt), r.Status, report)
		if err != nil {
			return fmt.Errorf("store: record run %s: %w", r.ID, err)
		}
		return nil
	})
}

// LastRun returns the most recently started run, or ErrNotFound.
func (s *Store) LastRun(ctx context.Context) (Run, error) {
	var (
		r             Run
		started, done int64
		report        string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, started_at_ns, finished_at_ns, status, report
  FROM runs
 ORDER BY started_at_ns DESC, rowid DESC
 LIMIT 1`).Scan(&r.ID, &started, &done, &r.Status, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: last run: %w", err)
	}
	r.StartedAt, r.FinishedAt, r.Report = fromNS(started), fromNS(done), json.RawMessage(report)
	return r, nil
}
