package mssql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/storage"
)

// TestMSSQLStorageRegistrationUsesNewRepositoryHook verifies that the "mssql"
// backend registered in init() uses the newRepository hook and that the
// wrappedRepo propagates configuration and close behavior.
func TestMSSQLStorageRegistrationUsesNewRepositoryHook(t *testing.T) {
	orig := newRepository
	defer func() { newRepository = orig }()

	var (
		called bool
		gotCfg Config
		closed bool
	)
	newRepository = func(_ context.Context, cfg Config) (*Repository, func(), error) {
		called = true
		gotCfg = cfg
		return &Repository{}, func() { closed = true }, nil
	}

	cfg := storage.Config{
		Kind:           "mssql",
		DSN:            "sqlserver://example",
		Table:          "dbo.target",
		KeyColumns:     []string{"id"},
		StagingTable:   "dbo.target_staging",
		MergeProcedure: "dbo.sp_merge_target",
	}
	repo, err := storage.New(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, called, "newRepository hook was not called")

	assert.Equal(t, cfg.DSN, gotCfg.DSN)
	assert.Equal(t, cfg.Table, gotCfg.Table)
	assert.Equal(t, []string{"id"}, gotCfg.KeyColumns)
	assert.Equal(t, cfg.StagingTable, gotCfg.StagingTable)
	assert.Equal(t, cfg.MergeProcedure, gotCfg.MergeProcedure)

	repo.Close()
	assert.True(t, closed, "Close did not call the closeFn from newRepository")
}

func TestNewRepository_RejectsBadDSN(t *testing.T) {
	t.Parallel()

	_, _, err := NewRepository(context.Background(), Config{DSN: "sqlserver://%zz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mssql dsn")
}
