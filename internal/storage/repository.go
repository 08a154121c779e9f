// Package storage contains the storage-agnostic sink contract and the factory
// registry backends plug into.
//
// Backends (postgres, mssql, sqlite) register a Factory for their kind at init
// time. Callers import storage/all for its side effects and then obtain a
// Repository through New without naming a backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/logging"
	"sheetsync/pkg/records"
)

// Config is the backend-neutral sink configuration.
type Config struct {
	Kind string
	DSN  string

	// Table is the target table, optionally schema-qualified.
	Table string
	// KeyColumns identify a row. Default collection_id, record_id.
	KeyColumns []string

	// StagingTable receives staged rows tagged with a batch id.
	StagingTable string
	// MergeProcedure moves one staged batch into Table.
	MergeProcedure string
	// AuditTable, when set, records one row per merged batch.
	AuditTable string

	// AutoCreate creates missing tables. When false a missing target table
	// is an error; missing columns are still added.
	AutoCreate bool

	Logger logrus.FieldLogger
}

// DefaultKeyColumns are the provenance columns every row carries.
var DefaultKeyColumns = []string{records.ColumnCollectionID, records.ColumnRecordID}

// Keys returns the configured key columns or the default.
func (c Config) Keys() []string {
	if len(c.KeyColumns) > 0 {
		return c.KeyColumns
	}
	return DefaultKeyColumns
}

// Repository is the write side of the warehouse.
//
// Upsert and StageRows are atomic per call. Merge is idempotent: merging an
// unknown or already merged batch id writes nothing.
type Repository interface {
	// EnsureTable creates the target and staging tables when missing, adds
	// columns the schema names but the tables lack, and (re)installs the
	// merge procedure when the column set changed.
	EnsureTable(ctx context.Context, schema []records.Column) error

	// Upsert writes the batch directly, replacing rows with equal keys.
	Upsert(ctx context.Context, b records.Batch) (int64, error)

	// StageRows replaces whatever is staged under b.ID with b.Rows.
	StageRows(ctx context.Context, b records.Batch) (int64, error)

	// Merge invokes the merge procedure for one staged batch and returns the
	// number of target rows written.
	Merge(ctx context.Context, batchID string) (int64, error)

	// PendingBatches lists staged batch ids whose newest row is older than
	// olderThan.
	PendingBatches(ctx context.Context, olderThan time.Time) ([]string, error)

	Close()
}

// Factory opens a Repository for a Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New opens a Repository using the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered kinds, sorted. The slice is a copy.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NonKey returns cols without the key columns, preserving order.
func NonKey(cols, keys []string) []string {
	isKey := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		isKey[k] = struct{}{}
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if _, ok := isKey[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
