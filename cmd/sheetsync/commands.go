package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"sheetsync/internal/config"
	"sheetsync/internal/fieldmap"
	"sheetsync/internal/orchestrator"
	"sheetsync/internal/report"
	"sheetsync/internal/server"
	"sheetsync/internal/storage"
	"sheetsync/internal/upload"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run one sync and print the report",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "collection",
				Usage: "restrict the run to this collection id (repeatable)",
			},
			&cli.StringFlag{
				Name:    "metrics-backend",
				Usage:   "metrics backend: none, prom or datadog (default from config)",
				EnvVars: []string{"METRICS_BACKEND"},
			},
			&cli.BoolFlag{
				Name:  "full",
				Usage: "resync every record, ignoring watermarks and page caps",
			},
			&cli.IntFlag{
				Name:  "since-days",
				Usage: "window for collections without a watermark (overrides sync.since_days)",
			},
			&cli.IntFlag{
				Name:  "max-pages",
				Usage: "page cap per collection (overrides sync.max_pages)",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadValidConfig(c)
			if err != nil {
				return err
			}
			backend := c.String("metrics-backend")
			if backend == "" {
				backend = e.cfg.Metrics.Backend
			}
			defer setupMetrics(backend, e.cfg.Metrics, e.log)()

			p, err := e.openPipeline(c.Context)
			if err != nil {
				return err
			}
			defer p.Close()

			p.opts.Full = c.Bool("full")
			if c.IsSet("since-days") {
				p.opts.SinceDays = c.Int("since-days")
			}
			if c.IsSet("max-pages") {
				p.opts.Fetch.MaxPages = c.Int("max-pages")
			}

			start := time.Now()
			rep, err := p.run(c.Context, c.StringSlice("collection"))
			if err != nil {
				return err
			}
			if err := printJSON(c.App.Writer, rep); err != nil {
				return err
			}
			e.log.WithFields(logrus.Fields{
				"status":  rep.Status(),
				"elapsed": time.Since(start).Truncate(time.Millisecond),
			}).Debug("run: completed")
			return runExit(rep)
		},
	}
}

// runExit turns a run outcome into an exit status: 0 success, 1 failed,
// 2 partial.
func runExit(rep report.RunReport) error {
	switch rep.Status() {
	case report.StatusFailed:
		return cli.Exit("run failed", 1)
	case report.StatusPartial:
		return cli.Exit("run partially succeeded", 2)
	}
	return nil
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check the configuration and exit",
		Action: func(c *cli.Context) error {
			e, err := loadConfig(c)
			if err != nil {
				return err
			}
			issues := config.Validate(e.cfg, storage.ListKinds())
			for _, iss := range issues {
				fmt.Fprintf(c.App.Writer, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			}
			if config.HasErrors(issues) {
				return cli.Exit(fmt.Sprintf("configuration is invalid: %s", c.String("config")), 1)
			}
			fmt.Fprintf(c.App.Writer, "configuration is valid: %s\n", c.String("config"))
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "merge staged batches left behind by interrupted runs",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Value: time.Hour,
				Usage: "only batches whose newest staged row is at least this old",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadValidConfig(c)
			if err != nil {
				return err
			}
			repo, err := e.openRepository(c.Context)
			if err != nil {
				return err
			}
			defer repo.Close()

			s := upload.New(repo, upload.Options{
				Retry:  orchestrator.RetryPolicy(e.cfg.Sync.Retry),
				Logger: e.log,
			})
			res, sweepErr := s.Sweep(c.Context, time.Now().Add(-c.Duration("older-than")))
			if err := printJSON(c.App.Writer, res); err != nil {
				return err
			}
			return sweepErr
		},
	}
}

func resetWatermarkCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset-watermark",
		Usage: "forget the watermark of collections so their next run starts over",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "collection", Required: true, Usage: "declared collection id (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			e, err := loadConfig(c)
			if err != nil {
				return err
			}
			declared := map[string]bool{}
			for _, col := range e.cfg.Collections {
				declared[col.ID] = true
			}
			ids := c.StringSlice("collection")
			for _, id := range ids {
				if !declared[id] {
					return cli.Exit(fmt.Sprintf("collection %q is not declared", id), 1)
				}
			}
			st, err := e.openStore(c.Context)
			if err != nil {
				return err
			}
			defer st.Close()

			reset := map[string]bool{}
			for _, id := range ids {
				if reset[id], err = st.ResetWatermark(c.Context, id); err != nil {
					return err
				}
			}
			return printJSON(c.App.Writer, map[string]any{"reset": reset})
		},
	}
}

func fetchOneCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch-one",
		Usage: "fetch a single source record and print it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "collection", Required: true, Usage: "declared collection id"},
			&cli.StringFlag{Name: "record", Required: true, Usage: "source record id"},
		},
		Action: func(c *cli.Context) error {
			e, err := loadConfig(c)
			if err != nil {
				return err
			}
			id := c.String("collection")
			var locator string
			for _, col := range e.cfg.Collections {
				if col.ID == id {
					locator = col.SourceLocator
				}
			}
			if locator == "" {
				return cli.Exit(fmt.Sprintf("collection %q is not declared", id), 1)
			}
			src, err := e.newSource()
			if err != nil {
				return err
			}
			rec, err := src.GetOne(c.Context, locator, c.String("record"))
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, rec)
		},
	}
}

func unknownFieldsCommand() *cli.Command {
	return &cli.Command{
		Name:  "unknown-fields",
		Usage: "list source fields that had no mapping rule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Value: fieldmap.StatusPending,
				Usage: "pending, mapped, ignored or all",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadConfig(c)
			if err != nil {
				return err
			}
			status := c.String("status")
			switch status {
			case "all":
				status = ""
			case fieldmap.StatusPending, fieldmap.StatusMapped, fieldmap.StatusIgnored:
			default:
				return cli.Exit(fmt.Sprintf("unknown status %q", status), 1)
			}
			st, err := e.openStore(c.Context)
			if err != nil {
				return err
			}
			defer st.Close()

			obs, err := st.UnknownFields(c.Context, status)
			if err != nil {
				return err
			}
			if obs == nil {
				obs = []fieldmap.Observation{}
			}
			return printJSON(c.App.Writer, obs)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the HTTP trigger and run on a schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (default from config, :8080)"},
			&cli.StringFlag{Name: "schedule", Usage: `cron spec, e.g. "@every 1h" or "0 * * * *"; empty disables`},
		},
		Action: func(c *cli.Context) error {
			e, err := loadValidConfig(c)
			if err != nil {
				return err
			}
			addr := e.cfg.Server.Addr
			if c.IsSet("addr") {
				addr = c.String("addr")
			}
			schedule := e.cfg.Server.Schedule
			if c.IsSet("schedule") {
				schedule = c.String("schedule")
			}
			defer setupMetrics(e.cfg.Metrics.Backend, e.cfg.Metrics, e.log)()

			p, err := e.openPipeline(c.Context)
			if err != nil {
				return err
			}
			defer p.Close()

			srv, err := server.New(server.Config{Addr: addr, Schedule: schedule, Logger: e.log}, p.run, p.store)
			if err != nil {
				return fmt.Errorf("server: %w", err)
			}
			return srv.ListenAndServe(c.Context)
		},
	}
}
