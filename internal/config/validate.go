package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"sheetsync/pkg/records"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that is surfaced but does not block.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "sink.kind",
// "collections[2].source_locator"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate performs static validation of a Config after ApplyDefaults. It
// does not mutate cfg. sinkKinds lists the registered storage backends; nil
// skips that check.
func Validate(cfg Config, sinkKinds []string) []Issue {
	var issues []Issue
	issues = append(issues, validateSource(cfg.Source)...)
	issues = append(issues, validateSink(cfg.Sink, cfg.Sync.UploadMode, sinkKinds)...)
	issues = append(issues, validateSync(cfg.Sync)...)
	issues = append(issues, validateCollections(cfg.Collections)...)
	issues = append(issues, validateRules(cfg)...)
	issues = append(issues, validateArchive(cfg.Archive)...)
	issues = append(issues, validateNotify(cfg.Notify)...)
	if strings.TrimSpace(cfg.Store.Path) == "" {
		issues = append(issues, Issue{SeverityError, "store.path", "store.path must not be empty"})
	}
	return issues
}

func validateSource(s Source) []Issue {
	var issues []Issue
	if s.Kind != "ragic" {
		issues = append(issues, Issue{SeverityError, "source.kind", fmt.Sprintf("unsupported source kind %q; want ragic", s.Kind)})
	}
	if strings.TrimSpace(s.Account) == "" {
		issues = append(issues, Issue{SeverityError, "source.account", "source.account must not be empty"})
	}
	if strings.TrimSpace(s.APIKey) == "" {
		issues = append(issues, Issue{SeverityError, "source.api_key", "source.api_key is empty; set it in the file or SHEETSYNC_SOURCE_API_KEY"})
	}
	if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		issues = append(issues, Issue{SeverityError, "source.base_url", fmt.Sprintf("base_url %q must be an http(s) URL", s.BaseURL)})
	}
	if s.RequestsPerSecond < 0 {
		issues = append(issues, Issue{SeverityError, "source.requests_per_second", "must be >= 0"})
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		issues = append(issues, Issue{SeverityError, "source.timezone", err.Error()})
	}
	return issues
}

func validateSink(s Sink, mode string, kinds []string) []Issue {
	var issues []Issue
	if kinds != nil && !contains(kinds, s.Kind) {
		issues = append(issues, Issue{SeverityError, "sink.kind", fmt.Sprintf("unsupported sink kind %q; registered: %s", s.Kind, strings.Join(kinds, ", "))})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "sink.dsn", "sink.dsn is empty; set it in the file or SHEETSYNC_SINK_DSN"})
	}
	if strings.TrimSpace(s.Table) == "" {
		issues = append(issues, Issue{SeverityError, "sink.table", "sink.table must not be empty"})
	}
	if len(s.KeyColumns) == 0 {
		issues = append(issues, Issue{SeverityError, "sink.key_columns", "at least one key column is required for upserts"})
	}
	for i, k := range s.KeyColumns {
		if !identRe.MatchString(k) {
			issues = append(issues, Issue{SeverityError, fmt.Sprintf("sink.key_columns[%d]", i), fmt.Sprintf("%q is not a valid column name", k)})
		}
	}
	if mode != "direct" {
		if s.StagingTable == s.Table {
			issues = append(issues, Issue{SeverityError, "sink.staging_table", "staging table must differ from the target table"})
		}
		if strings.TrimSpace(s.MergeProcedure) == "" {
			issues = append(issues, Issue{SeverityError, "sink.merge_procedure", "staged uploads need a merge procedure name"})
		}
	}
	if !s.AutoCreateTable {
		issues = append(issues, Issue{SeverityWarning, "sink.auto_create_table", "auto_create_table is off; the target, staging and audit tables must already exist"})
	}
	return issues
}

func validateSync(s Sync) []Issue {
	var issues []Issue
	switch s.UploadMode {
	case "auto", "direct", "staged":
	default:
		issues = append(issues, Issue{SeverityError, "sync.upload_mode", fmt.Sprintf("upload_mode %q; want auto, direct or staged", s.UploadMode)})
	}
	switch s.FetchStrategy {
	case "paged-local", "server-filtered":
	default:
		issues = append(issues, Issue{SeverityError, "sync.fetch_strategy", fmt.Sprintf("fetch_strategy %q; want paged-local or server-filtered", s.FetchStrategy)})
	}
	positive := map[string]int{
		"sync.since_days":                 s.SinceDays,
		"sync.page_limit":                 s.PageLimit,
		"sync.max_pages":                  s.MaxPages,
		"sync.no_new_data_page_threshold": s.NoNewDataPageThreshold,
		"sync.batch_threshold":            s.BatchThreshold,
		"sync.concurrency_limit":          s.ConcurrencyLimit,
		"sync.max_batch_rows":             s.MaxBatchRows,
		"sync.retry.max_attempts":         s.Retry.MaxAttempts,
	}
	for _, path := range sortedKeys(positive) {
		if positive[path] <= 0 {
			issues = append(issues, Issue{SeverityError, path, "must be > 0"})
		}
	}
	if s.FetchStrategy == "paged-local" && len(s.LastModifiedFields) == 0 {
		issues = append(issues, Issue{SeverityError, "sync.last_modified_fields", "paged-local fetching needs at least one last-modified field name"})
	}
	if !s.RecencyOrder() && s.FetchStrategy == "paged-local" {
		issues = append(issues, Issue{SeverityWarning, "sync.assume_recency_order", "recency order is off; every run scans up to max_pages pages"})
	}
	if s.MaxBatchRows > 0 && s.BatchThreshold > s.MaxBatchRows {
		issues = append(issues, Issue{SeverityWarning, "sync.batch_threshold", "batch_threshold exceeds max_batch_rows; auto mode will never stage"})
	}
	return issues
}

func validateCollections(cs []Collection) []Issue {
	var issues []Issue
	if len(cs) == 0 {
		issues = append(issues, Issue{SeverityWarning, "collections", "no collections declared; runs use the collections already in the store"})
	}
	seen := map[string]int{}
	for i, c := range cs {
		p := fmt.Sprintf("collections[%d]", i)
		if strings.TrimSpace(c.ID) == "" {
			issues = append(issues, Issue{SeverityError, p + ".id", "collection id must not be empty"})
			continue
		}
		if c.ID == "*" {
			issues = append(issues, Issue{SeverityError, p + ".id", `"*" is reserved for wildcard rules`})
		}
		if j, dup := seen[c.ID]; dup {
			issues = append(issues, Issue{SeverityError, p + ".id", fmt.Sprintf("duplicate collection id %q (also collections[%d])", c.ID, j)})
		}
		seen[c.ID] = i
		if strings.TrimSpace(c.SourceLocator) == "" {
			issues = append(issues, Issue{SeverityError, p + ".source_locator", "source_locator must not be empty"})
		}
		if c.PageLimit < 0 {
			issues = append(issues, Issue{SeverityError, p + ".page_limit", "must be >= 0"})
		}
	}
	return issues
}

func validateRules(cfg Config) []Issue {
	var issues []Issue
	known := map[string]bool{"*": true}
	for _, c := range cfg.Collections {
		known[c.ID] = true
	}
	for i, r := range cfg.Rules {
		p := fmt.Sprintf("rules[%d]", i)
		if r.SourceField == "" {
			issues = append(issues, Issue{SeverityError, p + ".source_field", "source_field must not be empty"})
		}
		if !identRe.MatchString(r.Column) {
			issues = append(issues, Issue{SeverityError, p + ".column", fmt.Sprintf("%q is not a valid column name", r.Column)})
		}
		if _, err := records.ParseDataType(string(r.Type)); err != nil {
			issues = append(issues, Issue{SeverityError, p + ".type", err.Error()})
		}
		if len(cfg.Collections) > 0 && !known[r.CollectionID] {
			issues = append(issues, Issue{SeverityWarning, p + ".collection_id", fmt.Sprintf("rule targets undeclared collection %q", r.CollectionID)})
		}
	}
	return issues
}

func validateArchive(a Archive) []Issue {
	switch a.Kind {
	case "none":
		return nil
	case "local":
		if strings.TrimSpace(a.Dir) == "" {
			return []Issue{{SeverityError, "archive.dir", "local archive needs a directory"}}
		}
		return nil
	case "s3":
		var issues []Issue
		if a.Endpoint == "" {
			issues = append(issues, Issue{SeverityError, "archive.endpoint", "s3 archive needs an endpoint"})
		}
		if a.Bucket == "" {
			issues = append(issues, Issue{SeverityError, "archive.bucket", "s3 archive needs a bucket"})
		}
		return issues
	default:
		return []Issue{{SeverityError, "archive.kind", fmt.Sprintf("archive kind %q; want none, local or s3", a.Kind)}}
	}
}

func validateNotify(n Notify) []Issue {
	var issues []Issue
	for i, k := range n.Kinds {
		p := fmt.Sprintf("notify.kinds[%d]", i)
		switch k {
		case "log":
		case "file":
			if n.Path == "" {
				issues = append(issues, Issue{SeverityError, "notify.path", "file notifier needs a path"})
			}
		case "webhook":
			if !strings.HasPrefix(n.URL, "http://") && !strings.HasPrefix(n.URL, "https://") {
				issues = append(issues, Issue{SeverityError, "notify.url", "webhook notifier needs an http(s) URL"})
			}
		default:
			issues = append(issues, Issue{SeverityError, p, fmt.Sprintf("notifier %q; want log, file or webhook", k)})
		}
	}
	return issues
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
