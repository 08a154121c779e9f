// Command sheetsync copies recently modified spreadsheet records into a SQL
// warehouse, one watermark per collection.
//
//	sheetsync --config sheetsync.yaml run
//	sheetsync --config sheetsync.yaml serve --schedule "@every 1h"
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "sheetsync/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps cli.Exit codes through and everything else to 1.
func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "sheetsync",
		Usage: "incremental spreadsheet to warehouse sync",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "sheetsync.yaml",
				Usage:   "configuration file (JSON, or YAML for .yaml/.yml)",
				EnvVars: []string{"SHEETSYNC_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Value: cli.NewStringSlice(".env"),
				Usage: "KEY=VALUE files loaded before the config; missing files are skipped",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error (overrides log.level)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json (overrides log.format)",
			},
		},
		Before: loadEnv,
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			sweepCommand(),
			resetWatermarkCommand(),
			fetchOneCommand(),
			unknownFieldsCommand(),
			serveCommand(),
		},
		// main reports errors and picks the exit code.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}
