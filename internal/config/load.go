package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Built-in defaults.
const (
	DefaultSinceDays              = 7
	DefaultPageLimit              = 1000
	DefaultMaxPages               = 50
	DefaultNoNewDataPageThreshold = 3
	DefaultBatchThreshold         = 5000
	DefaultUploadMode             = "auto"
	DefaultConcurrency            = 1
	DefaultMaxBatchRows           = 50000
	DefaultFetchStrategy          = "paged-local"
	DefaultModifiedField          = "_ragicModified"
	DefaultStorePath              = "sheetsync.db"
)

// DefaultLastModifiedFields are tried in order to find a record's
// modification time.
var DefaultLastModifiedFields = []string{"最後修改日期", "最後修改時間", "更新時間", "最後更新時間"}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration file at path and fills unset values from the
// environment and the built-in defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(b, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	ApplyDefaults(&cfg, os.Getenv)
	return cfg, nil
}

// Decode parses b as YAML when ext is ".yaml" or ".yml" and as JSON
// otherwise. Unknown JSON fields are rejected.
func Decode(b []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// ApplyDefaults fills zero values. An explicit value in the file wins over the
// environment, and the environment wins over the built-in default. Secrets
// (API key, DSN) come from the environment only when the file leaves them
// empty.
func ApplyDefaults(c *Config, getenv func(string) string) {
	envInt := func(k string, def int) int { return getenvInt(getenv, k, def) }
	envStr := func(k, def string) string {
		if s := strings.TrimSpace(getenv(k)); s != "" {
			return s
		}
		return def
	}

	s := &c.Sync
	s.SinceDays = pickInt(s.SinceDays, envInt("SHEETSYNC_SINCE_DAYS", DefaultSinceDays))
	s.PageLimit = pickInt(s.PageLimit, envInt("SHEETSYNC_PAGE_LIMIT", DefaultPageLimit))
	s.MaxPages = pickInt(s.MaxPages, envInt("SHEETSYNC_MAX_PAGES", DefaultMaxPages))
	s.NoNewDataPageThreshold = pickInt(s.NoNewDataPageThreshold, envInt("SHEETSYNC_NO_NEW_DATA_PAGES", DefaultNoNewDataPageThreshold))
	s.BatchThreshold = pickInt(s.BatchThreshold, envInt("SHEETSYNC_BATCH_THRESHOLD", DefaultBatchThreshold))
	s.ConcurrencyLimit = pickInt(s.ConcurrencyLimit, envInt("SHEETSYNC_CONCURRENCY", DefaultConcurrency))
	s.MaxBatchRows = pickInt(s.MaxBatchRows, envInt("SHEETSYNC_MAX_BATCH_ROWS", DefaultMaxBatchRows))
	s.UploadMode = pickStr(s.UploadMode, envStr("SHEETSYNC_UPLOAD_MODE", DefaultUploadMode))
	s.FetchStrategy = pickStr(s.FetchStrategy, envStr("SHEETSYNC_FETCH_STRATEGY", DefaultFetchStrategy))
	s.ModifiedField = pickStr(s.ModifiedField, DefaultModifiedField)
	if len(s.LastModifiedFields) == 0 {
		if v := envStr("SHEETSYNC_LAST_MODIFIED_FIELDS", ""); v != "" {
			s.LastModifiedFields = splitList(v)
		} else {
			s.LastModifiedFields = append([]string(nil), DefaultLastModifiedFields...)
		}
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry.MaxAttempts = envInt("SHEETSYNC_RETRY_ATTEMPTS", 4)
	}
	if s.Retry.InitialBackoff <= 0 {
		s.Retry.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if s.Retry.MaxBackoff <= 0 {
		s.Retry.MaxBackoff = Duration(10 * time.Second)
	}

	c.Source.Kind = pickStr(c.Source.Kind, "ragic")
	c.Source.BaseURL = pickStr(c.Source.BaseURL, envStr("SHEETSYNC_SOURCE_BASE_URL", "https://www.ragic.com"))
	c.Source.Account = pickStr(c.Source.Account, envStr("SHEETSYNC_SOURCE_ACCOUNT", ""))
	c.Source.APIKey = pickStr(c.Source.APIKey, envStr("SHEETSYNC_SOURCE_API_KEY", ""))
	c.Source.Timezone = pickStr(c.Source.Timezone, envStr("SHEETSYNC_SOURCE_TZ", "UTC"))
	if c.Source.Timeout <= 0 {
		c.Source.Timeout = Duration(30 * time.Second)
	}
	if c.Source.Options == nil {
		c.Source.Options = Options{}
	}

	c.Sink.Kind = pickStr(c.Sink.Kind, envStr("SHEETSYNC_SINK_KIND", "postgres"))
	c.Sink.DSN = pickStr(c.Sink.DSN, envStr("SHEETSYNC_SINK_DSN", ""))
	c.Sink.Table = pickStr(c.Sink.Table, envStr("SHEETSYNC_SINK_TABLE", "erp_backup"))
	if len(c.Sink.KeyColumns) == 0 {
		c.Sink.KeyColumns = []string{"collection_id", "record_id"}
	}
	c.Sink.StagingTable = pickStr(c.Sink.StagingTable, envStr("SHEETSYNC_STAGING_TABLE", c.Sink.Table+"_staging"))
	c.Sink.MergeProcedure = pickStr(c.Sink.MergeProcedure, envStr("SHEETSYNC_MERGE_PROCEDURE", mergeName(c.Sink.Table)))
	c.Sink.AuditTable = pickStr(c.Sink.AuditTable, c.Sink.Table+"_merge_audit")

	c.Store.Path = pickStr(c.Store.Path, envStr("SHEETSYNC_STORE", DefaultStorePath))
	c.Archive.Kind = pickStr(c.Archive.Kind, "none")
	c.Metrics.Backend = pickStr(c.Metrics.Backend, envStr("SHEETSYNC_METRICS_BACKEND", "none"))
	c.Log.Level = pickStr(c.Log.Level, envStr("SHEETSYNC_LOG_LEVEL", "info"))
	c.Log.Format = pickStr(c.Log.Format, envStr("SHEETSYNC_LOG_FORMAT", "text"))
	c.Server.Addr = pickStr(c.Server.Addr, envStr("SHEETSYNC_ADDR", ":8080"))
	if len(c.Notify.Kinds) == 0 {
		c.Notify.Kinds = []string{"log"}
	}
}

// mergeName derives "schema.sp_merge_table" from "schema.table".
func mergeName(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[:i+1] + "sp_merge_" + table[i+1:]
	}
	return "sp_merge_" + table
}

// getenvInt reads an int from the environment, returning def when unset or
// invalid.
func getenvInt(getenv func(string) string, k string, def int) int {
	if s := getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func pickStr(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
