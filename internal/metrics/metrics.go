// Package metrics records operational metrics of sync runs behind a small,
// backend-agnostic interface.
//
// A global, pluggable backend defaults to a no-op, so instrumentation is
// always safe to call. Concrete systems live in subpackages: prompush
// (Prometheus Pushgateway) and datadog (DogStatsD).
package metrics

import (
	"sync"
	"time"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Metric names emitted by the helpers below.
const (
	StepTotal           = "sync_step_total"
	StepDurationSeconds = "sync_step_duration_seconds"
	RecordsTotal        = "sync_records_total"
	BatchesTotal        = "sync_batches_total"
	RunsTotal           = "sync_runs_total"
	RunDurationSeconds  = "sync_run_duration_seconds"
)

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Reset restores the no-op backend.
func Reset() {
	mu.Lock()
	backend = nopBackend{}
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error { return current().Flush() }

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordStep counts one pipeline step (fetch, transform, upload, commit) of
// a collection and records its latency.
func RecordStep(collection, step string, err error, d time.Duration) {
	lbls := Labels{"collection": collection, "step": step, "status": status(err)}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordRecords increments the record counter of a collection. Kinds are
// fetched, uploaded, invalid and unknown_fields.
func RecordRecords(collection, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(delta), Labels{"collection": collection, "kind": kind})
}

// RecordBatch counts one uploaded batch by mode.
func RecordBatch(collection, mode string) {
	current().IncCounter(BatchesTotal, 1, Labels{"collection": collection, "mode": mode})
}

// RecordRun counts a finished run by outcome and records its duration.
func RecordRun(outcome string, d time.Duration) {
	lbls := Labels{"status": outcome}
	b := current()
	b.IncCounter(RunsTotal, 1, lbls)
	b.ObserveHistogram(RunDurationSeconds, d.Seconds(), lbls)
}
