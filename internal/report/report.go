// Package report holds the outcome of a sync run: one CollectionReport per
// collection and the RunReport that aggregates them. Notifiers, the HTTP
// server and the run history all consume this shape.
package report

import (
	"fmt"
	"strings"
	"time"

	"sheetsync/internal/fieldmap"
)

// Status is the outcome of one collection, or of a whole run.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusPartial means rows were written but the watermark stayed put.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// CollectionReport is the outcome of one collection within a run.
type CollectionReport struct {
	CollectionID string        `json:"collection_id"`
	Status       Status        `json:"status"`
	Fetched      int           `json:"fetched"`
	Uploaded     int64         `json:"uploaded"`
	Invalid      int           `json:"invalid"`
	Unknown      int           `json:"unknown_fields"`
	Mode         string        `json:"mode,omitempty"`
	Batches      int           `json:"batches"`
	StopReason   string        `json:"stop_reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	Since        time.Time     `json:"since"`
	Until        time.Time     `json:"until"`
	Watermark    time.Time     `json:"watermark,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// RunReport is the summary of one run.
type RunReport struct {
	RunID            string                 `json:"run_id"`
	StartedAt        time.Time              `json:"started_at"`
	FinishedAt       time.Time              `json:"finished_at"`
	Collections      []CollectionReport     `json:"collections"`
	NewUnknownFields []fieldmap.Observation `json:"new_unknown_fields,omitempty"`
	// Degraded is set when field rules could not be loaded.
	Degraded bool `json:"degraded,omitempty"`
}

// Totals sums the per-collection counters.
type Totals struct {
	Collections int   `json:"collections"`
	Succeeded   int   `json:"succeeded"`
	Partial     int   `json:"partial"`
	Failed      int   `json:"failed"`
	Skipped     int   `json:"skipped"`
	Fetched     int   `json:"fetched"`
	Uploaded    int64 `json:"uploaded"`
	Invalid     int   `json:"invalid"`
	Unknown     int   `json:"unknown_fields"`
}

// Totals returns the run-wide counters.
func (r RunReport) Totals() Totals {
	t := Totals{Collections: len(r.Collections)}
	for _, c := range r.Collections {
		switch c.Status {
		case StatusSuccess:
			t.Succeeded++
		case StatusPartial:
			t.Partial++
		case StatusFailed:
			t.Failed++
		case StatusSkipped:
			t.Skipped++
		}
		t.Fetched += c.Fetched
		t.Uploaded += c.Uploaded
		t.Invalid += c.Invalid
		t.Unknown += c.Unknown
	}
	return t
}

// Status folds the collection outcomes: success when nothing failed or was
// partial, failed when nothing succeeded, partial otherwise. A run with no
// collections is a success.
func (r RunReport) Status() Status {
	t := r.Totals()
	switch {
	case t.Failed == 0 && t.Partial == 0:
		return StatusSuccess
	case t.Succeeded == 0 && t.Partial == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Duration is the wall time of the run.
func (r RunReport) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Subject is a one-line headline suitable for an e-mail or chat message.
func (r RunReport) Subject() string {
	t := r.Totals()
	switch r.Status() {
	case StatusSuccess:
		return fmt.Sprintf("[sheetsync] run %s succeeded: %d collection(s), %d row(s) uploaded", r.RunID, t.Collections, t.Uploaded)
	case StatusFailed:
		return fmt.Sprintf("[sheetsync] run %s failed: %d of %d collection(s) failed", r.RunID, t.Failed, t.Collections)
	default:
		return fmt.Sprintf("[sheetsync] run %s partially succeeded: %d failed, %d partial", r.RunID, t.Failed, t.Partial)
	}
}

// Text renders a plain-text summary: status, totals, one line per
// collection and the newly observed unknown fields.
func (r RunReport) Text() string {
	t := r.Totals()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", r.Subject())
	fmt.Fprintf(&sb, "status:    %s\n", r.Status())
	fmt.Fprintf(&sb, "started:   %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "duration:  %s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(&sb, "fetched:   %d\n", t.Fetched)
	fmt.Fprintf(&sb, "uploaded:  %d\n", t.Uploaded)
	fmt.Fprintf(&sb, "invalid:   %d\n", t.Invalid)
	if r.Degraded {
		sb.WriteString("field rules unavailable; fallback naming was used\n")
	}
	sb.WriteString("\ncollections:\n")
	for _, c := range r.Collections {
		fmt.Fprintf(&sb, "  %-8s %-8s fetched=%d uploaded=%d invalid=%d unknown=%d", c.CollectionID, c.Status, c.Fetched, c.Uploaded, c.Invalid, c.Unknown)
		if c.Mode != "" {
			fmt.Fprintf(&sb, " mode=%s", c.Mode)
		}
		if c.StopReason != "" {
			fmt.Fprintf(&sb, " stop=%s", c.StopReason)
		}
		if c.Error != "" {
			fmt.Fprintf(&sb, " error=%q", c.Error)
		}
		sb.WriteByte('\n')
	}
	if len(r.NewUnknownFields) > 0 {
		sb.WriteString("\nnew unknown fields:\n")
		for _, o := range r.NewUnknownFields {
			fmt.Fprintf(&sb, "  %s %q -> %s (seen %d)\n", o.CollectionID, o.SourceField, o.GeneratedColumn, o.Count)
		}
	}
	return sb.String()
}
