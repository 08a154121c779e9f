package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/metrics"
)

// readCounterValue reads the current value of a Counter for assertions in tests.
func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	require.NotNil(t, m.GetCounter())
	return m.GetCounter().GetValue()
}

// readSummaryCount reads the sample count of one SummaryVec child.
func readSummaryCount(t *testing.T, v *prometheus.SummaryVec, labels ...string) (uint64, float64) {
	t.Helper()
	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(labels...).(prometheus.Metric)
	require.True(t, ok)
	require.NoError(t, metric.Write(m))
	return m.GetSummary().GetSampleCount(), m.GetSummary().GetSampleSum()
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		jobName     string
		gatewayURL  string
		wantErr     bool
		wantJobName string
	}{
		{name: "missing gateway URL returns error", jobName: "sync", wantErr: true},
		{name: "empty job name uses default", gatewayURL: "http://pushgateway:9091", wantJobName: "sheetsync"},
		{name: "explicit job name is preserved", jobName: "nightly", gatewayURL: "http://pushgateway:9091", wantJobName: "nightly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := NewBackend(tt.jobName, tt.gatewayURL)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, b)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantJobName, b.jobName)
			assert.Equal(t, tt.gatewayURL, b.gatewayURL)
		})
	}
}

func TestIncCounter(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("sync", "http://example.com")
	require.NoError(t, err)

	b.IncCounter(metrics.StepTotal, 3, metrics.Labels{"collection": "99", "step": "fetch", "status": "success"})
	b.IncCounter(metrics.RecordsTotal, 5, metrics.Labels{"collection": "99", "kind": "uploaded"})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"collection": "99", "mode": "staged"})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"collection": "99", "mode": "staged"})
	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "success"})
	b.IncCounter("unknown_metric", 10, metrics.Labels{"foo": "bar"})

	assert.Equal(t, 3.0, readCounterValue(t, b.stepCounter.WithLabelValues("99", "fetch", "success")))
	assert.Equal(t, 5.0, readCounterValue(t, b.recordCounter.WithLabelValues("99", "uploaded")))
	assert.Equal(t, 2.0, readCounterValue(t, b.batchCounter.WithLabelValues("99", "staged")))
	assert.Equal(t, 1.0, readCounterValue(t, b.runCounter.WithLabelValues("success")))
	assert.Zero(t, readCounterValue(t, b.batchCounter.WithLabelValues("99", "direct")))
}

func TestNilCollectorsAreSafe(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.StepDurationSeconds, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.RunDurationSeconds, 1, metrics.Labels{})
}

func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("sync", "http://example.com")
	require.NoError(t, err)

	b.ObserveHistogram(metrics.StepDurationSeconds, 1.5, metrics.Labels{"step": "upload", "status": "success"})
	b.ObserveHistogram(metrics.RunDurationSeconds, 30, metrics.Labels{"status": "failed"})
	b.ObserveHistogram("other_metric", 2, metrics.Labels{"step": "upload", "status": "success"})

	n, sum := readSummaryCount(t, b.stepDuration, "upload", "success")
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1.5, sum)
	n, _ = readSummaryCount(t, b.runDuration, "failed")
	assert.EqualValues(t, 1, n)
}

func TestFlush(t *testing.T) {
	t.Parallel()

	type pushRequest struct {
		method, path string
		body         string
	}
	reqCh := make(chan pushRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushRequest{r.Method, r.URL.Path, string(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("sheetsync", server.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "success"})
	require.NoError(t, b.Flush())

	select {
	case got := <-reqCh:
		assert.Equal(t, http.MethodPut, got.method)
		assert.True(t, strings.HasPrefix(got.path, "/metrics/job/sheetsync"), got.path)
		assert.NotEmpty(t, got.body)
	default:
		t.Fatal("Flush did not reach the Pushgateway")
	}
}

func BenchmarkIncCounterStep(b *testing.B) {
	backend, err := NewBackend("sync", "http://example.com")
	if err != nil {
		b.Fatalf("NewBackend() error = %v", err)
	}
	labels := metrics.Labels{"collection": "99", "step": "fetch", "status": "success"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		backend.IncCounter(metrics.StepTotal, 1, labels)
	}
}
