package mssql

import (
	"context"

	"sheetsync/internal/storage"
)

// newRepository is a test hook; tests replace it to avoid a real server.
var newRepository = NewRepository

var _ storage.Repository = (*wrappedRepo)(nil)

func init() {
	storage.Register("mssql", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
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

type wrappedRepo struct {
	*Repository
	closeFn func()
}

func (w *wrappedRepo) Close() { w.closeFn() }
