package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/ddl"
	"sheetsync/pkg/records"
)

func TestUpsertSQL(t *testing.T) {
	t.Parallel()

	got := upsertSQL("public.erp", `"tmp"`, []string{"collection_id", "record_id", "quantity"}, []string{"collection_id", "record_id"})
	assert.Equal(t,
		"INSERT INTO \"public\".\"erp\" (\"collection_id\",\"record_id\",\"quantity\")\n"+
			"SELECT DISTINCT ON (\"collection_id\",\"record_id\") \"collection_id\",\"record_id\",\"quantity\" FROM \"tmp\"\n"+
			"ORDER BY \"collection_id\", \"record_id\", \"batch_ord\" DESC\n"+
			"ON CONFLICT (\"collection_id\",\"record_id\") DO UPDATE SET \"quantity\" = EXCLUDED.\"quantity\"",
		got)

	keysOnly := upsertSQL("erp", `"tmp"`, []string{"collection_id", "record_id"}, []string{"collection_id", "record_id"})
	assert.Contains(t, keysOnly, "DO NOTHING")
	assert.Contains(t, keysOnly, `ORDER BY "collection_id", "record_id", "batch_ord" DESC`, "the last row of a repeated key wins")
}

func TestRenderProcedure(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Table:          "public.erp",
		KeyColumns:     []string{"collection_id", "record_id"},
		StagingTable:   "public.erp_staging",
		MergeProcedure: "public.sp_merge_erp",
		AuditTable:     "public.erp_merge_audit",
	}
	sql, err := renderProcedure(cfg, []string{"collection_id", "record_id", "auto_kehudizhi"})
	require.NoError(t, err)
	assert.Contains(t, sql, `CREATE OR REPLACE PROCEDURE "public"."sp_merge_erp"(p_batch_id TEXT, INOUT p_rows BIGINT DEFAULT 0)`)
	assert.Contains(t, sql, `FROM "public"."erp_staging"`)
	assert.Contains(t, sql, `ORDER BY "collection_id", "record_id", staged_seq DESC`)
	assert.Contains(t, sql, `DO UPDATE SET "auto_kehudizhi" = EXCLUDED."auto_kehudizhi"`)
	assert.Contains(t, sql, `DELETE FROM "public"."erp_staging" WHERE batch_id = p_batch_id`)
	assert.Contains(t, sql, `INSERT INTO "public"."erp_merge_audit"`)

	cfg.AuditTable = ""
	sql, err = renderProcedure(cfg, []string{"collection_id", "record_id"})
	require.NoError(t, err)
	assert.NotContains(t, sql, "audit")
	assert.Contains(t, sql, "DO NOTHING")

	cfg.MergeProcedure = ""
	_, err = renderProcedure(cfg, nil)
	assert.Error(t, err)
}

func TestCreateTableForSchema(t *testing.T) {
	t.Parallel()

	schema := []records.Column{
		{Name: "collection_id", Type: records.TypeString},
		{Name: "record_id", Type: records.TypeString},
		{Name: "net_revenue", Type: records.TypeFloat},
		{Name: "order_date", Type: records.TypeDate},
		{Name: "last_modified_date", Type: records.TypeTimestamp},
	}
	sql, err := ddl.BuildCreateTableSQL(Dialect, ddl.FromSchema(Dialect, "public.erp", schema, []string{"collection_id", "record_id"}))
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS \"public\".\"erp\" (\n"+
		"  \"collection_id\" TEXT NOT NULL,\n"+
		"  \"record_id\" TEXT NOT NULL,\n"+
		"  \"net_revenue\" DOUBLE PRECISION,\n"+
		"  \"order_date\" DATE,\n"+
		"  \"last_modified_date\" TIMESTAMPTZ,\n"+
		"  PRIMARY KEY (\"collection_id\", \"record_id\")\n);", sql)

	st, err := ddl.BuildCreateTableSQL(Dialect, stagingDef("public.erp_staging", schema[:2]))
	require.NoError(t, err)
	assert.Contains(t, st, `"batch_id" TEXT NOT NULL`)
	assert.Contains(t, st, `"ingested_at" TIMESTAMPTZ NOT NULL DEFAULT now()`)
	assert.Contains(t, st, `"staged_seq" BIGINT GENERATED ALWAYS AS IDENTITY NOT NULL`)
	assert.NotContains(t, st, "PRIMARY KEY")
}

func TestMapTypeAndHelpers(t *testing.T) {
	t.Parallel()

	for dt, want := range map[records.DataType]string{
		records.TypeString: "TEXT", records.TypeInteger: "BIGINT", records.TypeFloat: "DOUBLE PRECISION",
		records.TypeBoolean: "BOOLEAN", records.TypeDate: "DATE", records.TypeTimestamp: "TIMESTAMPTZ",
		records.TypeJSON: "JSONB", "": "TEXT",
	} {
		assert.Equal(t, want, MapType(dt), dt)
	}
	assert.Equal(t, `"pub""lic"."t"`, pgFQN(`pub"lic.t`))
	assert.Equal(t, []string{"public", "t"}, []string(splitFQN("public.t")))
	assert.Equal(t, []string{"a", "c"}, mergeColumns([]string{"a", "b", "c"}, []string{"C", "a", "batch_id"}))
	assert.Equal(t, "t", lastSegment("public.t"))
}
