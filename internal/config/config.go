// Package config defines the configuration model for sheetsync: where records
// come from, where they go, which collections to mirror and how a run
// behaves.
//
// A configuration file is JSON, or YAML when the file name ends in .yaml or
// .yml. Environment variables in the SHEETSYNC_ namespace fill values the
// file leaves unset (see Load).
//
// Example (trimmed):
//
//	{
//	  "source": { "kind": "ragic", "account": "acme", "api_key": "..." },
//	  "sink":   { "kind": "postgres", "dsn": "postgres://...", "table": "public.erp_backup" },
//	  "store":  { "path": "sheetsync.db" },
//	  "sync":   { "since_days": 7, "page_limit": 1000, "upload_mode": "auto" },
//	  "collections": [
//	    { "id": "99", "source_locator": "forms8/3", "priority": 1 }
//	  ]
//	}
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sheetsync/internal/fieldmap"
)

// Config is the top-level document.
type Config struct {
	Source      Source          `json:"source" yaml:"source"`
	Sink        Sink            `json:"sink" yaml:"sink"`
	Store       Store           `json:"store" yaml:"store"`
	Sync        Sync            `json:"sync" yaml:"sync"`
	Collections []Collection    `json:"collections" yaml:"collections"`
	Rules       []fieldmap.Rule `json:"rules" yaml:"rules"`
	Archive     Archive         `json:"archive" yaml:"archive"`
	Notify      Notify          `json:"notify" yaml:"notify"`
	Metrics     Metrics         `json:"metrics" yaml:"metrics"`
	Log         Log             `json:"log" yaml:"log"`
	Server      Server          `json:"server" yaml:"server"`
}

// Source configures the source API client.
type Source struct {
	// Kind selects the dialect. Current value: "ragic".
	Kind    string `json:"kind" yaml:"kind"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Account string `json:"account" yaml:"account"`
	APIKey  string `json:"api_key" yaml:"api_key"`

	Timeout           Duration `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int      `json:"burst" yaml:"burst"`

	// Timezone is the IANA zone used for timestamps without an offset.
	Timezone string `json:"timezone" yaml:"timezone"`

	// Options carries dialect-specific settings, e.g. "naming" for Ragic.
	Options Options `json:"options" yaml:"options"`
}

// Sink configures the warehouse.
type Sink struct {
	// Kind selects the storage backend: postgres, mssql or sqlite.
	Kind       string   `json:"kind" yaml:"kind"`
	DSN        string   `json:"dsn" yaml:"dsn"`
	Table      string   `json:"table" yaml:"table"`
	KeyColumns []string `json:"key_columns" yaml:"key_columns"`

	StagingTable   string `json:"staging_table" yaml:"staging_table"`
	MergeProcedure string `json:"merge_procedure" yaml:"merge_procedure"`
	AuditTable     string `json:"audit_table" yaml:"audit_table"`

	AutoCreateTable bool `json:"auto_create_table" yaml:"auto_create_table"`
}

// Store configures the embedded state store.
type Store struct {
	// Path is a SQLite file path or DSN. ":memory:" is accepted.
	Path string `json:"path" yaml:"path"`
}

// Sync holds the run options.
type Sync struct {
	SinceDays              int      `json:"since_days" yaml:"since_days"`
	PageLimit              int      `json:"page_limit" yaml:"page_limit"`
	MaxPages               int      `json:"max_pages" yaml:"max_pages"`
	NoNewDataPageThreshold int      `json:"no_new_data_page_threshold" yaml:"no_new_data_page_threshold"`
	BatchThreshold         int      `json:"batch_threshold" yaml:"batch_threshold"`
	UploadMode             string   `json:"upload_mode" yaml:"upload_mode"`
	ConcurrencyLimit       int      `json:"concurrency_limit" yaml:"concurrency_limit"`
	MaxBatchRows           int      `json:"max_batch_rows" yaml:"max_batch_rows"`
	RunTimeout             Duration `json:"run_timeout" yaml:"run_timeout"`

	// FetchStrategy is "paged-local" or "server-filtered".
	FetchStrategy      string   `json:"fetch_strategy" yaml:"fetch_strategy"`
	ModifiedField      string   `json:"modified_field" yaml:"modified_field"`
	LastModifiedFields []string `json:"last_modified_fields" yaml:"last_modified_fields"`
	AssumeRecencyOrder *bool    `json:"assume_recency_order" yaml:"assume_recency_order"`

	// DropUnmapped observes unknown fields without writing them.
	DropUnmapped bool `json:"drop_unmapped" yaml:"drop_unmapped"`

	Retry Retry `json:"retry" yaml:"retry"`
}

// RecencyOrder reports whether the source's natural order is trusted to
// follow modification time. Default true.
func (s Sync) RecencyOrder() bool {
	return s.AssumeRecencyOrder == nil || *s.AssumeRecencyOrder
}

// Retry configures the retry policy shared by source and sink calls.
type Retry struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
}

// Collection declares one source collection.
type Collection struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	SourceLocator string `json:"source_locator" yaml:"source_locator"`
	Enabled       *bool  `json:"enabled" yaml:"enabled"`
	Priority      int    `json:"priority" yaml:"priority"`

	// Per-collection overrides of the sync options.
	PageLimit          int      `json:"page_limit" yaml:"page_limit"`
	LastModifiedFields []string `json:"last_modified_fields" yaml:"last_modified_fields"`
}

// IsEnabled reports whether the collection takes part in runs. Default true.
func (c Collection) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Archive configures where invalid records are kept.
type Archive struct {
	// Kind is "none", "local" or "s3".
	Kind   string `json:"kind" yaml:"kind"`
	Dir    string `json:"dir" yaml:"dir"`
	Prefix string `json:"prefix" yaml:"prefix"`

	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// Notify configures run summary delivery.
type Notify struct {
	// Kinds lists the notifiers: "log", "file", "webhook".
	Kinds   []string `json:"kinds" yaml:"kinds"`
	Path    string   `json:"path" yaml:"path"`
	URL     string   `json:"url" yaml:"url"`
	Headers Options  `json:"headers" yaml:"headers"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "none", "prom" or "datadog".
	Backend        string `json:"backend" yaml:"backend"`
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`
	DatadogAddr    string `json:"datadog_addr" yaml:"datadog_addr"`
	Namespace      string `json:"namespace" yaml:"namespace"`
}

// Log configures the process logger.
type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Server configures the serve command.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
// Plain numbers are read as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch t := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(t * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(t) * time.Second)
	case string:
		if strings.TrimSpace(t) == "" {
			*d = 0
			return nil
		}
		p, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("duration %q: %w", t, err)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("duration: unsupported value %v", v)
	}
	return nil
}

// Options is a small helper to fetch typed values from free-form maps whose
// shape depends on the component reading them. It returns the provided
// default when a key is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 and YAML integers as int; both are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// StringMap returns the map's string-valued entries.
func (o Options) StringMap() map[string]string {
	res := make(map[string]string, len(o))
	for k, v := range o {
		if s, ok := v.(string); ok {
			res[k] = s
		}
	}
	return res
}

// UnmarshalJSON decodes a missing or null object to an empty, non-nil map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
