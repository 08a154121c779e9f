// Package notify delivers run summaries. The core hands a RunReport to a
// Notifier; channels (log, file, webhook) live here. Delivery failures are
// reported to the caller, which logs them and never fails the run.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"sheetsync/internal/report"
)

// Notifier delivers a run summary.
type Notifier interface {
	Notify(ctx context.Context, r report.RunReport) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, r report.RunReport) error

func (f Func) Notify(ctx context.Context, r report.RunReport) error { return f(ctx, r) }

// Nop discards summaries.
type Nop struct{}

func (Nop) Notify(context.Context, report.RunReport) error { return nil }

// LogNotifier writes the summary through the logger: one line for the run
// and one per collection. Failed runs log at ERROR, partial ones at WARN.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, r report.RunReport) error {
	t := r.Totals()
	entry := n.Log.WithFields(logrus.Fields{
		"run_id":   r.RunID,
		"status":   r.Status(),
		"fetched":  t.Fetched,
		"uploaded": t.Uploaded,
		"invalid":  t.Invalid,
		"unknown":  len(r.NewUnknownFields),
		"took":     r.Duration(),
	})
	switch r.Status() {
	case report.StatusFailed:
		entry.Error("notify: run failed")
	case report.StatusPartial:
		entry.Warn("notify: run partially succeeded")
	default:
		entry.Info("notify: run succeeded")
	}
	for _, c := range r.Collections {
		ce := n.Log.WithFields(logrus.Fields{
			"run_id":     r.RunID,
			"collection": c.CollectionID,
			"status":     c.Status,
			"fetched":    c.Fetched,
			"uploaded":   c.Uploaded,
			"invalid":    c.Invalid,
			"mode":       c.Mode,
			"stop":       c.StopReason,
		})
		if c.Error != "" {
			ce = ce.WithField("error", c.Error)
		}
		ce.Info("notify: collection")
	}
	return nil
}

// FileNotifier writes the report as indented JSON. Path may contain
// "{run_id}"; without it the file is overwritten on every run. The file is
// written to a temp name and renamed into place.
type FileNotifier struct {
	Path string
}

func (n FileNotifier) Notify(_ context.Context, r report.RunReport) error {
	if n.Path == "" {
		return fmt.Errorf("notify: file path is empty")
	}
	path := strings.ReplaceAll(n.Path, "{run_id}", r.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("notify: mkdir: %w", err)
	}
	b, err := json.MarshalIndent(envelope(r), "", "  ")
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("notify: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("notify: rename: %w", err)
	}
	return nil
}

// Payload is the JSON document file and webhook notifiers deliver.
type Payload struct {
	Subject string           `json:"subject"`
	Status  report.Status    `json:"status"`
	Totals  report.Totals    `json:"totals"`
	Text    string           `json:"text"`
	Report  report.RunReport `json:"report"`
}

func envelope(r report.RunReport) Payload {
	return Payload{Subject: r.Subject(), Status: r.Status(), Totals: r.Totals(), Text: r.Text(), Report: r}
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, r report.RunReport) error {
	var errs *multierror.Error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, r); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
