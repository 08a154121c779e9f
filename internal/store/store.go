// Package store is the embedded state store of sheetsync: declared
// collections, field mapping rules, unknown-field observations, watermarks
// and run history, kept in one SQLite database.
//
// Timestamps are stored as Unix nanoseconds so that comparisons in SQL are
// exact and monotonic updates can be expressed with MAX.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"sheetsync/internal/logging"
)

//go:embed sql/schema.sql
var schemaSQL string

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
	now func() time.Time

	// mu serializes writers; SQLite allows one at a time.
	mu sync.Mutex
}

// Open opens (creating if needed) the store at path and applies the schema.
// path is a file name or a modernc DSN; ":memory:" gives a private database.
func Open(ctx context.Context, path string, log logrus.FieldLogger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path must not be empty")
	}
	if log == nil {
		log = logging.Discard()
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, log: log.WithField("component", "store"), now: time.Now}, nil
}

// dsn adds a busy timeout to file databases so a concurrent CLI invocation
// waits instead of failing.
func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func ns(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNS(n int64) time.Time { return time.Unix(0, n).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
