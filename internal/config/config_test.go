package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/pkg/records"
)

// These tests decode from literal documents to keep them hermetic; only the
// Load tests touch the filesystem, and only under t.TempDir().

const sampleJSON = `{
  "source": { "kind": "ragic", "account": "acme", "api_key": "k", "timeout": "45s",
              "options": { "naming": "default" } },
  "sink": { "kind": "postgres", "dsn": "postgres://u:p@h/db", "table": "public.erp_backup",
            "auto_create_table": true },
  "sync": { "page_limit": 500, "upload_mode": "staged", "assume_recency_order": false,
            "run_timeout": 600 },
  "collections": [
    { "id": "99", "source_locator": "forms8/3", "priority": 1, "page_limit": 3000 },
    { "id": "10", "source_locator": "forms8/5", "priority": 2, "enabled": false }
  ],
  "rules": [
    { "collection_id": "99", "source_field": "客戶地址", "column": "customer_address", "priority": 1 }
  ]
}`

func TestDecode_JSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode([]byte(sampleJSON), ".json")
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Source.Timeout.D())
	assert.Equal(t, "default", cfg.Source.Options.String("naming", ""))
	assert.Equal(t, 500, cfg.Sync.PageLimit)
	assert.Equal(t, 10*time.Minute, cfg.Sync.RunTimeout.D())
	assert.False(t, cfg.Sync.RecencyOrder())
	require.Len(t, cfg.Collections, 2)
	assert.True(t, cfg.Collections[0].IsEnabled())
	assert.False(t, cfg.Collections[1].IsEnabled())
	assert.Equal(t, 3000, cfg.Collections[0].PageLimit)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "customer_address", cfg.Rules[0].Column)
}

func TestDecode_RejectsUnknownJSONField(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"sync": {"page_limt": 10}}`), ".json")
	require.Error(t, err)
}

func TestDecode_YAML(t *testing.T) {
	t.Parallel()

	const doc = `
source:
  kind: ragic
  account: acme
  timeout: 1m
sink:
  kind: sqlite
  dsn: ":memory:"
  table: erp_backup
sync:
  batch_threshold: 200
  last_modified_fields: [最後修改日期]
collections:
  - id: "50"
    source_locator: forms8/17
rules:
  - collection_id: "*"
    source_field: 數量
    column: quantity
    type: INTEGER
`
	cfg, err := Decode([]byte(doc), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Source.Timeout.D())
	assert.Equal(t, 200, cfg.Sync.BatchThreshold)
	assert.Equal(t, []string{"最後修改日期"}, cfg.Sync.LastModifiedFields)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, records.TypeInteger, cfg.Rules[0].Type)
}

func TestApplyDefaults_Precedence(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"SHEETSYNC_PAGE_LIMIT":     "250",
		"SHEETSYNC_MAX_PAGES":      "9",
		"SHEETSYNC_SOURCE_API_KEY": "from-env",
		"SHEETSYNC_CONCURRENCY":    "not-a-number",
	}
	getenv := func(k string) string { return env[k] }

	cfg := Config{Sync: Sync{PageLimit: 100}, Sink: Sink{Table: "public.t"}}
	ApplyDefaults(&cfg, getenv)

	assert.Equal(t, 100, cfg.Sync.PageLimit, "file value wins over env")
	assert.Equal(t, 9, cfg.Sync.MaxPages, "env wins over default")
	assert.Equal(t, DefaultConcurrency, cfg.Sync.ConcurrencyLimit, "invalid env falls back to default")
	assert.Equal(t, DefaultBatchThreshold, cfg.Sync.BatchThreshold)
	assert.Equal(t, DefaultSinceDays, cfg.Sync.SinceDays)
	assert.Equal(t, "auto", cfg.Sync.UploadMode)
	assert.Equal(t, "from-env", cfg.Source.APIKey)
	assert.Equal(t, DefaultLastModifiedFields, cfg.Sync.LastModifiedFields)
	assert.Equal(t, []string{"collection_id", "record_id"}, cfg.Sink.KeyColumns)
	assert.Equal(t, "public.t_staging", cfg.Sink.StagingTable)
	assert.Equal(t, "public.sp_merge_t", cfg.Sink.MergeProcedure)
	assert.Equal(t, []string{"log"}, cfg.Notify.Kinds)
	assert.True(t, cfg.Sync.RecencyOrder())
}

func TestLoad_FileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sheetsync.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(sampleJSON), 0o600))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SHEETSYNC_BATCH_THRESHOLD=1234\n"), 0o600))

	t.Setenv("SHEETSYNC_BATCH_THRESHOLD", "")
	require.NoError(t, os.Unsetenv("SHEETSYNC_BATCH_THRESHOLD"))
	require.NoError(t, LoadEnvFiles(envPath, filepath.Join(dir, "missing.env")))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Sync.BatchThreshold)
	assert.Equal(t, "staged", cfg.Sync.UploadMode)
}

func TestOptions(t *testing.T) {
	t.Parallel()

	o := Options{"s": "x", "f": float64(3), "i": 4, "b": true}
	assert.Equal(t, "x", o.String("s", "d"))
	assert.Equal(t, "d", o.String("f", "d"))
	assert.Equal(t, 3, o.Int("f", 0))
	assert.Equal(t, 4, o.Int("i", 0))
	assert.Equal(t, 7, o.Int("missing", 7))
	assert.Equal(t, map[string]string{"s": "x"}, o.StringMap())

	var empty Options
	require.NoError(t, empty.UnmarshalJSON([]byte("null")))
	assert.NotNil(t, empty)
}
