// Package sqlite wires the SQLite backend into the storage factory; callers
// do not import it directly. Registration happens in init.
package sqlite

import (
	"context"

	"sheetsync/internal/storage"
)

// newRepository is a test hook that points to NewRepository by default.
var newRepository = NewRepository

// wrappedRepo adapts *sqlite.Repository to the storage.Repository interface,
// adding a Close method that calls the cleanup function returned by
// NewRepository.
type wrappedRepo struct {
	*Repository
	closeFn func()
}

// Close implements storage.Repository.Close.
func (w *wrappedRepo) Close() {
	if w.closeFn != nil {
		w.closeFn()
	}
}

var _ storage.Repository = (*wrappedRepo)(nil)

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		r, closeFn, err := newRepository(ctx, Config{
			DSN:            cfg.DSN,
			Table:          cfg.Table,
			KeyColumns:     cfg.Keys(),
			StagingTable:   cfg.StagingTable,
			MergeProcedure: cfg.MergeProcedure,
			AuditTable:     cfg.AuditTable,
			AutoCreate:     cfg.AutoCreate,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}
