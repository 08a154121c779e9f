package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/internal/config"
	"sheetsync/internal/report"
	"sheetsync/internal/retry"
)

func sample() report.RunReport {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return report.RunReport{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Collections: []report.CollectionReport{
			{CollectionID: "10", Status: report.StatusSuccess, Fetched: 200, Uploaded: 200, Mode: "direct"},
			{CollectionID: "99", Status: report.StatusFailed, Error: "source list_page: fatal (status 401): unauthorized"},
		},
	}
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	require.NoError(t, LogNotifier{Log: l}.Notify(context.Background(), sample()))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	var head map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &head))
	assert.Equal(t, "warning", head["level"])
	assert.Equal(t, "notify: run partially succeeded", head["msg"])
	assert.EqualValues(t, 200, head["uploaded"])
	assert.Contains(t, string(lines[2]), "unauthorized")
}

func TestFileNotifier(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	n := FileNotifier{Path: filepath.Join(dir, "reports", "{run_id}.json")}

	require.NoError(t, n.Notify(context.Background(), sample()))

	b, err := os.ReadFile(filepath.Join(dir, "reports", "run-1.json"))
	require.NoError(t, err)
	var p Payload
	require.NoError(t, json.Unmarshal(b, &p))
	assert.Equal(t, report.StatusPartial, p.Status)
	assert.Equal(t, 1, p.Totals.Failed)
	assert.Equal(t, "run-1", p.Report.RunID)
	assert.Contains(t, p.Text, "collections:")

	assert.Error(t, FileNotifier{}.Notify(context.Background(), sample()))
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := WebhookNotifier{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}, Retry: retry.Constant(3, 0)}
	require.NoError(t, n.Notify(context.Background(), sample()))
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "run-1", got.Report.RunID)
}

func TestWebhookNotifier_ClientErrorIsFinal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := WebhookNotifier{URL: srv.URL, Retry: retry.Constant(3, 0)}.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401: bad token")
	assert.EqualValues(t, 1, calls.Load())
}

func TestMulti(t *testing.T) {
	t.Parallel()
	var hits int
	ok := Func(func(context.Context, report.RunReport) error { hits++; return nil })
	bad := Func(func(context.Context, report.RunReport) error { hits++; return errors.New("smtp down") })

	err := Multi{ok, nil, bad, ok}.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Equal(t, 3, hits)
	assert.NoError(t, Multi{}.Notify(context.Background(), sample()))
	assert.NoError(t, Nop{}.Notify(context.Background(), sample()))
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	log := logrus.New()

	n, err := FromConfig(config.Notify{}, retry.Default(), log)
	require.NoError(t, err)
	assert.IsType(t, LogNotifier{}, n)

	n, err = FromConfig(config.Notify{Kinds: []string{"log", "webhook"}, URL: "http://hooks.local/x",
		Headers: config.Options{"X-Token": "abc"}}, retry.Default(), log)
	require.NoError(t, err)
	multi, ok := n.(Multi)
	require.True(t, ok)
	require.Len(t, multi, 2)
	assert.Equal(t, "abc", multi[1].(WebhookNotifier).Headers["X-Token"])

	_, err = FromConfig(config.Notify{Kinds: []string{"smtp"}}, retry.Default(), log)
	assert.EqualError(t, err, `notify: unsupported kind "smtp"`)
}
