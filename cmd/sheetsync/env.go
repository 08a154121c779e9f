package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"sheetsync/internal/archive"
	"sheetsync/internal/config"
	"sheetsync/internal/logging"
	"sheetsync/internal/metrics"
	"sheetsync/internal/metrics/datadog"
	"sheetsync/internal/metrics/prompush"
	"sheetsync/internal/notify"
	"sheetsync/internal/orchestrator"
	"sheetsync/internal/report"
	"sheetsync/internal/source"
	"sheetsync/internal/storage"
	"sheetsync/internal/store"
)

// loadEnv runs before every command. Only the env files are read here so
// that help works without a config file.
func loadEnv(c *cli.Context) error {
	return config.LoadEnvFiles(c.StringSlice("env-file")...)
}

// env is the loaded configuration plus the process logger.
type env struct {
	cfg config.Config
	log *logrus.Logger
}

// loadConfig reads the config file and builds the logger. Flags win over the
// file's log section.
func loadConfig(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := c.String("log-format"); f != "" {
		cfg.Log.Format = f
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: c.App.ErrWriter})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log}, nil
}

// loadValidConfig is loadConfig followed by validation. Warnings are logged;
// errors abort.
func loadValidConfig(c *cli.Context) (*env, error) {
	e, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	issues := config.Validate(e.cfg, storage.ListKinds())
	for _, iss := range issues {
		entry := e.log.WithField("path", iss.Path)
		if iss.Severity == config.SeverityError {
			entry.Error("config: " + iss.Message)
			continue
		}
		entry.Warn("config: " + iss.Message)
	}
	if config.HasErrors(issues) {
		return nil, cli.Exit(fmt.Sprintf("configuration is invalid: %s", c.String("config")), 1)
	}
	return e, nil
}

func (e *env) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, e.cfg.Store.Path, e.log)
}

func (e *env) newSource() (*source.Client, error) {
	s := e.cfg.Source
	return source.NewClient(source.Config{
		BaseURL:           s.BaseURL,
		Account:           s.Account,
		APIKey:            s.APIKey,
		Timeout:           s.Timeout.D(),
		RequestsPerSecond: s.RequestsPerSecond,
		Burst:             s.Burst,
		Naming:            s.Options.String("naming", "default"),
		BaseHeaders:       headers(s.Options),
		Logger:            e.log,
	})
}

// headers reads the "headers" map from the source options.
func headers(o config.Options) http.Header {
	h := http.Header{}
	raw, ok := o["headers"].(map[string]any)
	if !ok {
		return h
	}
	for k, v := range config.Options(raw).StringMap() {
		h.Set(k, v)
	}
	return h
}

func (e *env) openRepository(ctx context.Context) (storage.Repository, error) {
	s := e.cfg.Sink
	return storage.New(ctx, storage.Config{
		Kind:           s.Kind,
		DSN:            s.DSN,
		Table:          s.Table,
		KeyColumns:     s.KeyColumns,
		StagingTable:   s.StagingTable,
		MergeProcedure: s.MergeProcedure,
		AuditTable:     s.AuditTable,
		AutoCreate:     s.AutoCreateTable,
		Logger:         e.log,
	})
}

// pipeline holds everything a run needs. Close releases it.
type pipeline struct {
	store    *store.Store
	source   source.Source
	repo     storage.Repository
	archiver archive.Archiver
	notifier notify.Notifier
	opts     orchestrator.Options
	log      logrus.FieldLogger
}

// openPipeline opens the state store, registers declared collections and
// rules, and connects the source and the sink.
func (e *env) openPipeline(ctx context.Context) (*pipeline, error) {
	opts, err := orchestrator.OptionsFromConfig(e.cfg)
	if err != nil {
		return nil, err
	}
	st, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}
	p := &pipeline{store: st, opts: opts, log: e.log}

	if err := st.SyncCollections(ctx, orchestrator.StoreCollections(e.cfg.Collections)); err != nil {
		p.Close()
		return nil, err
	}
	for _, r := range e.cfg.Rules {
		if err := st.UpsertRule(ctx, r); err != nil {
			p.Close()
			return nil, err
		}
	}

	if p.source, err = e.newSource(); err != nil {
		p.Close()
		return nil, err
	}
	if p.archiver, err = archive.FromConfig(ctx, e.cfg.Archive); err != nil {
		p.Close()
		return nil, err
	}
	if p.notifier, err = notify.FromConfig(e.cfg.Notify, orchestrator.RetryPolicy(e.cfg.Sync.Retry), e.log); err != nil {
		p.Close()
		return nil, err
	}
	if p.repo, err = e.openRepository(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// run executes one sync restricted to only (all enabled collections when
// empty).
func (p *pipeline) run(ctx context.Context, only []string) (report.RunReport, error) {
	opts := p.opts
	opts.Only = only
	orc, err := orchestrator.New(orchestrator.Deps{
		Store:    p.store,
		Source:   p.source,
		Repo:     p.repo,
		Archiver: p.archiver,
		Notifier: p.notifier,
		Logger:   p.log,
	}, opts)
	if err != nil {
		return report.RunReport{}, err
	}
	return orc.Run(ctx)
}

func (p *pipeline) Close() {
	if p.repo != nil {
		p.repo.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.log.WithError(err).Warn("store: close")
		}
	}
}

// setupMetrics installs the named backend and returns a function that
// flushes and releases it. An unusable backend falls back to the no-op one.
func setupMetrics(name string, cfg config.Metrics, log logrus.FieldLogger) func() {
	done := func() {}
	switch name {
	case "prom", "pushgateway":
		gwURL := cfg.PushgatewayURL
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend("sheetsync", gwURL)
		if err != nil {
			log.WithError(err).Warn("metrics: prom push backend unavailable; using nop")
			return done
		}
		metrics.SetBackend(b)
		log.WithFields(logrus.Fields{"backend": name, "url": gwURL}).Info("metrics: enabled")
		return func() {
			if err := metrics.Flush(); err != nil {
				log.WithError(err).Warn("metrics: flush")
			}
			metrics.Reset()
		}

	case "datadog":
		addr := cfg.DatadogAddr
		if addr == "" {
			addr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{Addr: addr, Namespace: cfg.Namespace})
		if err != nil {
			log.WithError(err).Warn("metrics: datadog backend unavailable; using nop")
			return done
		}
		metrics.SetBackend(b)
		log.WithFields(logrus.Fields{"backend": name, "addr": addr}).Info("metrics: enabled")
		return func() {
			if err := metrics.Flush(); err != nil {
				log.WithError(err).Warn("metrics: flush")
			}
			metrics.Reset()
			if err := b.Close(); err != nil {
				log.WithError(err).Warn("metrics: close datadog client")
			}
		}

	case "", "none":
		log.Debug("metrics: disabled")
	default:
		log.WithField("backend", name).Warn("metrics: unknown backend; metrics disabled")
	}
	return done
}
