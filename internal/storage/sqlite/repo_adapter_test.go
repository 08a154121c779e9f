package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/storage"
)

// TestSQLiteStorageRegistrationUsesNewRepositoryHook verifies that the
// "sqlite" backend registered in init() uses the newRepository hook and that
// wrappedRepo delegates Close.
func TestSQLiteStorageRegistrationUsesNewRepositoryHook(t *testing.T) {
	orig := newRepository
	defer func() { newRepository = orig }()

	var (
		gotCfg   Config
		closed   bool
		fakeRepo = &Repository{}
	)
	newRepository = func(_ context.Context, cfg Config) (*Repository, func(), error) {
		gotCfg = cfg
		return fakeRepo, func() { closed = true }, nil
	}

	cfg := storage.Config{
		Kind:         "sqlite",
		DSN:          "file:test.db?mode=memory&cache=shared",
		Table:        "erp",
		StagingTable: "erp_staging",
		AutoCreate:   true,
	}
	repo, err := storage.New(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg.DSN, gotCfg.DSN)
	assert.Equal(t, cfg.Table, gotCfg.Table)
	assert.Equal(t, storage.DefaultKeyColumns, gotCfg.KeyColumns)
	assert.Equal(t, "erp_staging", gotCfg.StagingTable)
	assert.True(t, gotCfg.AutoCreate)

	w, ok := repo.(*wrappedRepo)
	require.True(t, ok, "storage.New() type = %T, want *wrappedRepo", repo)
	assert.Same(t, fakeRepo, w.Repository)

	repo.Close()
	assert.True(t, closed, "wrappedRepo.Close() did not invoke closeFn")
}
