// Package sqlite implements a SQLite-backed storage.Repository using
// database/sql. It serves local runs and tests.
//
// SQLite has neither a bulk-load API nor stored procedures: direct uploads
// are prepared INSERT ... ON CONFLICT statements inside a transaction, and
// Merge runs the staged-to-target move as one Go-side transaction with the
// same semantics as the server-side procedures of the other backends.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"sheetsync/internal/logging"
	"sheetsync/internal/storage"
	"sheetsync/pkg/records"
)

// Repository is a SQLite-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
	log logrus.FieldLogger
	now func() time.Time

	mu sync.Mutex
}

// NewRepository opens a SQLite connection using the provided DSN and returns
// a Repository plus a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	// Apply a basic ping with context to fail fast on invalid DSNs.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;")

	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	closeFn := func() { db.Close() }
	return &Repository{db: db, cfg: cfg, log: log.WithField("sink", "sqlite"), now: time.Now}, closeFn, nil
}

// Upsert writes the batch with INSERT ... ON CONFLICT in one transaction.
func (r *Repository) Upsert(ctx context.Context, b records.Batch) (int64, error) {
	if len(b.Rows) == 0 {
		return 0, nil
	}
	cols := b.ColumnNames()
	stmtSQL := insertSQL(r.cfg.Table, cols) + " " + placeholders(len(cols)) + conflictSQL(cols, r.cfg.KeyColumns)

	var written int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, stmtSQL)
		if err != nil {
			return fmt.Errorf("sqlite: prepare upsert: %w", err)
		}
		defer stmt.Close()
		for i, row := range b.Matrix() {
			res, err := stmt.ExecContext(ctx, bindAll(row)...)
			if err != nil {
				return fmt.Errorf("sqlite: upsert row %d: %w", i, err)
			}
			n, _ := res.RowsAffected()
			written += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{"batch_id": b.ID, "written": written}).Debug("sqlite: upsert done")
	return written, nil
}

// StageRows replaces the staged rows of b.ID with b.Rows.
func (r *Repository) StageRows(ctx context.Context, b records.Batch) (int64, error) {
	if r.cfg.StagingTable == "" {
		return 0, errors.New("sqlite: staging table not configured")
	}
	cols := append(b.ColumnNames(), colBatchID, colIngestedAt)
	stmtSQL := insertSQL(r.cfg.StagingTable, cols) + " " + placeholders(len(cols))
	ingested := r.now().UTC().UnixMilli()

	var staged int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", sqFQN(r.cfg.StagingTable), sqIdent(colBatchID))
		if _, err := tx.ExecContext(ctx, del, b.ID); err != nil {
			return fmt.Errorf("sqlite: clear staged batch: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, stmtSQL)
		if err != nil {
			return fmt.Errorf("sqlite: prepare stage: %w", err)
		}
		defer stmt.Close()
		for i, row := range b.Matrix() {
			args := append(bindAll(row), b.ID, ingested)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("sqlite: stage row %d: %w", i, err)
			}
			staged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return staged, nil
}

// Merge moves one staged batch into the target, clears it from staging and
// appends an audit row, all in one transaction. Rows staged later win on
// duplicate keys. An unknown batch id writes nothing.
func (r *Repository) Merge(ctx context.Context, batchID string) (int64, error) {
	if r.cfg.StagingTable == "" {
		return 0, errors.New("sqlite: staging table not configured")
	}
	var merged int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		target, err := tableColumns(ctx, tx, r.cfg.Table)
		if err != nil {
			return err
		}
		staging, err := tableColumns(ctx, tx, r.cfg.StagingTable)
		if err != nil {
			return err
		}
		cols := intersect(target, staging)
		if len(cols) == 0 {
			return fmt.Errorf("sqlite: %s and %s share no columns", r.cfg.Table, r.cfg.StagingTable)
		}

		q := insertSQL(r.cfg.Table, cols) +
			fmt.Sprintf(" SELECT %s FROM %s WHERE %s = ? ORDER BY rowid", strings.Join(mapIdent(cols), ", "),
				sqFQN(r.cfg.StagingTable), sqIdent(colBatchID)) +
			conflictSQL(cols, r.cfg.KeyColumns)
		res, err := tx.ExecContext(ctx, q, batchID)
		if err != nil {
			return fmt.Errorf("sqlite: merge %s: %w", batchID, err)
		}
		merged, _ = res.RowsAffected()

		del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", sqFQN(r.cfg.StagingTable), sqIdent(colBatchID))
		if _, err := tx.ExecContext(ctx, del, batchID); err != nil {
			return fmt.Errorf("sqlite: clear merged batch: %w", err)
		}
		if r.cfg.AuditTable != "" && merged > 0 {
			audit := fmt.Sprintf("INSERT INTO %s (batch_id, rows_merged, merged_at) VALUES (?, ?, ?)", sqFQN(r.cfg.AuditTable))
			if _, err := tx.ExecContext(ctx, audit, batchID, merged, r.now().UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("sqlite: audit: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{"batch_id": batchID, "merged": merged, "procedure": r.cfg.MergeProcedure}).Debug("sqlite: merge done")
	return merged, nil
}

// PendingBatches lists staged batches last written before olderThan.
func (r *Repository) PendingBatches(ctx context.Context, olderThan time.Time) ([]string, error) {
	if r.cfg.StagingTable == "" {
		return nil, nil
	}
	cols, err := tableColumns(ctx, r.db, r.cfg.StagingTable)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT %[1]s FROM %[2]s GROUP BY %[1]s HAVING MAX(%[3]s) < ? ORDER BY MIN(%[3]s)",
		sqIdent(colBatchID), sqFQN(r.cfg.StagingTable), sqIdent(colIngestedAt))
	rows, err := r.db.QueryContext(ctx, q, olderThan.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list staged batches: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func insertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", sqFQN(table), strings.Join(mapIdent(cols), ", "))
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return "VALUES (" + strings.Join(ph, ", ") + ")"
}

// conflictSQL renders the upsert clause: " ON CONFLICT (keys) DO UPDATE SET
// col = excluded.col".
func conflictSQL(cols, keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	sets := storage.NonKey(cols, keys)
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(mapIdent(keys), ", "))
	}
	parts := make([]string, len(sets))
	for i, c := range sets {
		parts[i] = fmt.Sprintf("%s = excluded.%s", sqIdent(c), sqIdent(c))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(mapIdent(keys), ", "), strings.Join(parts, ", "))
}

// bindAll converts row values into driver arguments. Dates and timestamps
// are written as RFC 3339 text so they sort and compare as strings.
func bindAll(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if t, ok := v.(time.Time); ok {
			out[i] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[i] = v
	}
	return out
}

// sqIdent quotes one identifier segment.
func sqIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func sqFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = sqIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqIdent(c)
	}
	return out
}
