package orchestrator

import (
	"fmt"
	"time"

	"sheetsync/internal/config"
	"sheetsync/internal/fetch"
	"sheetsync/internal/retry"
	"sheetsync/internal/store"
	"sheetsync/internal/transform"
	"sheetsync/internal/upload"
)

// OptionsFromConfig derives run options from a loaded configuration. Loggers
// are left unset; New fills them from Deps.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	s := cfg.Sync
	loc, err := time.LoadLocation(cfg.Source.Timezone)
	if err != nil {
		return Options{}, fmt.Errorf("source.timezone: %w", err)
	}
	mode, err := upload.ParseMode(s.UploadMode)
	if err != nil {
		return Options{}, err
	}
	policy := RetryPolicy(s.Retry)

	return Options{
		SinceDays:        s.SinceDays,
		ConcurrencyLimit: s.ConcurrencyLimit,
		MaxBatchRows:     s.MaxBatchRows,
		RunTimeout:       s.RunTimeout.D(),
		Fetch: fetch.Options{
			Strategy:               fetch.Strategy(s.FetchStrategy),
			PageLimit:              s.PageLimit,
			MaxPages:               s.MaxPages,
			NoNewDataPageThreshold: s.NoNewDataPageThreshold,
			AssumeRecencyOrder:     s.RecencyOrder(),
			ModifiedField:          s.ModifiedField,
			LastModifiedFields:     s.LastModifiedFields,
			Location:               loc,
			Retry:                  policy,
		},
		Transform: transform.Options{
			DropUnmapped: s.DropUnmapped,
			Location:     loc,
		},
		Upload: upload.Options{
			Mode:      mode,
			Threshold: s.BatchThreshold,
			Retry:     policy,
		},
	}, nil
}

// RetryPolicy converts the configured retry settings.
func RetryPolicy(r config.Retry) retry.Policy {
	p := retry.Default()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoff > 0 {
		p.InitialInterval = r.InitialBackoff.D()
	}
	if r.MaxBackoff > 0 {
		p.MaxInterval = r.MaxBackoff.D()
	}
	return p
}

// StoreCollections converts declared collections into store rows.
func StoreCollections(decl []config.Collection) []store.Collection {
	out := make([]store.Collection, 0, len(decl))
	for _, c := range decl {
		out = append(out, store.Collection{
			ID:                 c.ID,
			Name:               c.Name,
			SourceLocator:      c.SourceLocator,
			Enabled:            c.IsEnabled(),
			Priority:           c.Priority,
			PageLimit:          c.PageLimit,
			LastModifiedFields: c.LastModifiedFields,
		})
	}
	return out
}
