// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Sync runs are short-lived, so instead of exposing a scrape endpoint the
// backend collects into a private registry and pushes it to a Pushgateway on
// Flush. Collectors are client_golang CounterVec and SummaryVec values keyed
// by the labels the metrics helpers emit.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"sheetsync/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter   *prometheus.CounterVec // sync_step_total
	stepDuration  *prometheus.SummaryVec // sync_step_duration_seconds
	recordCounter *prometheus.CounterVec // sync_records_total
	batchCounter  *prometheus.CounterVec // sync_batches_total
	runCounter    *prometheus.CounterVec // sync_runs_total
	runDuration   *prometheus.SummaryVec // sync_run_duration_seconds
}

var objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name.
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "sheetsync"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		stepCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline step executions per collection, step and status.",
		}, []string{"collection", "step", "status"}),
		stepDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.StepDurationSeconds,
			Help:       "Duration of pipeline steps in seconds.",
			Objectives: objectives,
		}, []string{"step", "status"}),
		recordCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Record counts per collection and kind (fetched, uploaded, invalid, unknown_fields).",
		}, []string{"collection", "kind"}),
		batchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Uploaded batches per collection and mode.",
		}, []string{"collection", "mode"}),
		runCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RunsTotal,
			Help: "Finished runs per status.",
		}, []string{"status"}),
		runDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.RunDurationSeconds,
			Help:       "Duration of whole runs in seconds.",
			Objectives: objectives,
		}, []string{"status"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"step counter":   b.stepCounter,
		"step summary":   b.stepDuration,
		"record counter": b.recordCounter,
		"batch counter":  b.batchCounter,
		"run counter":    b.runCounter,
		"run summary":    b.runDuration,
	} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		if b.stepCounter != nil {
			b.stepCounter.WithLabelValues(labels["collection"], labels["step"], labels["status"]).Add(delta)
		}
	case metrics.RecordsTotal:
		if b.recordCounter != nil {
			b.recordCounter.WithLabelValues(labels["collection"], labels["kind"]).Add(delta)
		}
	case metrics.BatchesTotal:
		if b.batchCounter != nil {
			b.batchCounter.WithLabelValues(labels["collection"], labels["mode"]).Add(delta)
		}
	case metrics.RunsTotal:
		if b.runCounter != nil {
			b.runCounter.WithLabelValues(labels["status"]).Add(delta)
		}
	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.StepDurationSeconds:
		if b.stepDuration != nil {
			b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
		}
	case metrics.RunDurationSeconds:
		if b.runDuration != nil {
			b.runDuration.WithLabelValues(labels["status"]).Observe(value)
		}
	}
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
