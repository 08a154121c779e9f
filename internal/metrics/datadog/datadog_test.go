package datadog

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/metrics"
)

func TestNewBackend_RequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := NewBackend(Config{})
	assert.EqualError(t, err, "datadog: Addr is required")
}

func TestLabelsToTags(t *testing.T) {
	t.Parallel()
	assert.Nil(t, labelsToTags(nil))
	assert.Equal(t, []string{"collection:99", "kind:fetched"}, labelsToTags(metrics.Labels{"kind": "fetched", "collection": "99"}))
}

func TestZeroBackendIsSafe(t *testing.T) {
	t.Parallel()
	b := &Backend{}
	b.IncCounter("x", 1, nil)
	b.ObserveHistogram("x", 1, nil)
	assert.NoError(t, b.Flush())
	assert.NoError(t, b.Close())
}

// TestSendsToAgent listens on a local UDP socket standing in for the agent.
func TestSendsToAgent(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	b, err := NewBackend(Config{Addr: conn.LocalAddr().String(), Namespace: "sheetsync.", GlobalTags: []string{"env:test"}})
	require.NoError(t, err)

	b.IncCounter(metrics.BatchesTotal, 2, metrics.Labels{"collection": "99", "mode": "staged"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.25, metrics.Labels{"step": "fetch", "status": "success"})
	require.NoError(t, b.Flush())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got strings.Builder
	buf := make([]byte, 4096)
	for !strings.Contains(got.String(), "sync_step_duration_seconds") || !strings.Contains(got.String(), "sync_batches_total") {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err, "received so far: %q", got.String())
		got.Write(buf[:n])
	}
	out := got.String()
	assert.Contains(t, out, "sheetsync.sync_batches_total:2|c|#")
	assert.Contains(t, out, "collection:99")
	assert.Contains(t, out, "env:test")
	assert.Contains(t, out, "sheetsync.sync_step_duration_seconds:0.25|h")
	require.NoError(t, b.Close())
}
