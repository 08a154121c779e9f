package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/storage"
	"sheetsync/pkg/records"
)

func newRepo(t *testing.T, mut func(*Config)) *Repository {
	t.Helper()
	cfg := Config{
		DSN:            ":memory:",
		Table:          "erp",
		KeyColumns:     storage.DefaultKeyColumns,
		StagingTable:   "erp_staging",
		MergeProcedure: "sp_merge_erp",
		AuditTable:     "erp_merge_audit",
		AutoCreate:     true,
	}
	if mut != nil {
		mut(&cfg)
	}
	r, closeFn, err := NewRepository(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(closeFn)
	return r
}

var baseSchema = []records.Column{
	{Name: records.ColumnCollectionID, Type: records.TypeString},
	{Name: records.ColumnRecordID, Type: records.TypeString},
	{Name: "quantity", Type: records.TypeInteger},
	{Name: "is_invoice_issued", Type: records.TypeBoolean},
}

func batch(id string, schema []records.Column, rows ...records.TargetRow) records.Batch {
	return records.Batch{ID: id, CollectionID: "99", Schema: schema, Rows: rows}
}

func row(rec string, qty int64) records.TargetRow {
	return records.TargetRow{"collection_id": "99", "record_id": rec, "quantity": qty, "is_invoice_issued": true}
}

func quantity(t *testing.T, r *Repository, rec string) int64 {
	t.Helper()
	var q int64
	require.NoError(t, r.db.QueryRow(`SELECT quantity FROM erp WHERE collection_id = '99' AND record_id = ?`, rec).Scan(&q))
	return q
}

func count(t *testing.T, r *Repository, table string) int {
	t.Helper()
	var n int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM `+sqIdent(table)).Scan(&n))
	return n
}

func TestEnsureTable_CreatesAndWidens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRepo(t, nil)

	require.NoError(t, r.EnsureTable(ctx, baseSchema))
	cols, err := tableColumns(ctx, r.db, "erp")
	require.NoError(t, err)
	assert.Equal(t, []string{"collection_id", "record_id", "quantity", "is_invoice_issued"}, cols)

	staging, err := tableColumns(ctx, r.db, "erp_staging")
	require.NoError(t, err)
	assert.Equal(t, []string{"collection_id", "record_id", "quantity", "is_invoice_issued", "batch_id", "ingested_at"}, staging)

	widened := append(append([]records.Column{}, baseSchema...), records.Column{Name: "auto_kehudizhi", Type: records.TypeString})
	require.NoError(t, r.EnsureTable(ctx, widened))
	cols, err = tableColumns(ctx, r.db, "main.erp")
	require.NoError(t, err)
	assert.Contains(t, cols, "auto_kehudizhi")

	require.NoError(t, r.EnsureTable(ctx, widened), "idempotent")
}

func TestEnsureTable_NoAutoCreate(t *testing.T) {
	t.Parallel()
	r := newRepo(t, func(c *Config) { c.AutoCreate = false })

	err := r.EnsureTable(context.Background(), baseSchema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestUpsert_ReplacesByKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRepo(t, nil)
	require.NoError(t, r.EnsureTable(ctx, baseSchema))

	n, err := r.Upsert(ctx, batch("b1", baseSchema, row("1", 2), row("2", 3)))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = r.Upsert(ctx, batch("b2", baseSchema, row("1", 20), row("1", 21)))
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, r, "erp"))
	assert.EqualValues(t, 21, quantity(t, r, "1"), "last duplicate wins")

	n, err = r.Upsert(ctx, batch("b3", baseSchema))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsert_Timestamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRepo(t, nil)
	schema := []records.Column{
		{Name: records.ColumnCollectionID, Type: records.TypeString},
		{Name: records.ColumnRecordID, Type: records.TypeString},
		{Name: "order_date", Type: records.TypeDate},
	}
	require.NoError(t, r.EnsureTable(ctx, schema))
	when := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := r.Upsert(ctx, batch("b", schema, records.TargetRow{"collection_id": "99", "record_id": "1", "order_date": when}))
	require.NoError(t, err)

	var got string
	require.NoError(t, r.db.QueryRow(`SELECT CAST(order_date AS TEXT) FROM erp`).Scan(&got))
	assert.Equal(t, "2024-03-01T00:00:00Z", got)
}

func TestStageAndMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRepo(t, nil)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, r.EnsureTable(ctx, baseSchema))

	n, err := r.StageRows(ctx, batch("run:99:1", baseSchema, row("1", 1), row("2", 2), row("1", 5)))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	// Restaging the same batch id replaces, never duplicates.
	_, err = r.StageRows(ctx, batch("run:99:1", baseSchema, row("1", 1), row("2", 2), row("1", 7)))
	require.NoError(t, err)
	assert.Equal(t, 3, count(t, r, "erp_staging"))

	pending, err := r.PendingBatches(ctx, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"run:99:1"}, pending)
	pending, err = r.PendingBatches(ctx, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, pending, "fresh batches are not pending")

	merged, err := r.Merge(ctx, "run:99:1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, merged)
	assert.Equal(t, 2, count(t, r, "erp"))
	assert.EqualValues(t, 7, quantity(t, r, "1"), "later staged row wins")
	assert.Equal(t, 0, count(t, r, "erp_staging"))
	assert.Equal(t, 1, count(t, r, "erp_merge_audit"))

	merged, err = r.Merge(ctx, "run:99:1")
	require.NoError(t, err)
	assert.Zero(t, merged, "merging a consumed batch is a no-op")
	assert.Equal(t, 1, count(t, r, "erp_merge_audit"))

	merged, err = r.Merge(ctx, "never-staged")
	require.NoError(t, err)
	assert.Zero(t, merged)
}

func TestPendingBatches_NoStagingTable(t *testing.T) {
	t.Parallel()
	r := newRepo(t, nil)

	ids, err := r.PendingBatches(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)

	r.cfg.StagingTable = ""
	_, err = r.StageRows(context.Background(), batch("x", baseSchema, row("1", 1)))
	assert.Error(t, err)
}

func TestConflictSQL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ` ON CONFLICT ("collection_id", "record_id") DO UPDATE SET "quantity" = excluded."quantity"`,
		conflictSQL([]string{"collection_id", "record_id", "quantity"}, storage.DefaultKeyColumns))
	assert.Equal(t, ` ON CONFLICT ("k") DO NOTHING`, conflictSQL([]string{"k"}, []string{"k"}))
	assert.Empty(t, conflictSQL([]string{"a"}, nil))
	assert.Equal(t, "VALUES (?, ?, ?)", placeholders(3))
	assert.Equal(t, "INTEGER", MapType(records.TypeBoolean))
	assert.Equal(t, "REAL", MapType(records.TypeFloat))
}
