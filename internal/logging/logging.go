// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects the level and output format.
type Config struct {
	Level  string // trace|debug|info|warn|error; default info
	Format string // text|json; default text
	Output io.Writer
}

// New returns a configured logger. Unknown levels and formats are errors so
// that a typo in configuration is noticed at startup.
func New(cfg Config) (*logrus.Logger, error) {
	l := logrus.New()
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)

	lvl := strings.TrimSpace(cfg.Level)
	if lvl == "" {
		lvl = "info"
	}
	level, err := logrus.ParseLevel(lvl)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", cfg.Format)
	}
	return l, nil
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
