package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	_ "modernc.org/sqlite"

	"sheetsync/internal/config"
	"sheetsync/internal/fieldmap"
	"sheetsync/internal/logging"
	"sheetsync/internal/metrics"
	"sheetsync/internal/report"
)

// fakeRagic serves one sheet, forms8/3 of account acct, with two records
// modified an hour ago.
func fakeRagic(t *testing.T) *httptest.Server {
	t.Helper()
	modified := time.Now().UTC().Add(-time.Hour).Format("2006/01/02 15:04:05")
	sheet := map[string]map[string]any{
		"101": {"_ragicId": 101, "客戶名稱": "台積電", "客戶地址": "新竹市", "最後修改日期": modified},
		"102": {"_ragicId": 102, "客戶名稱": "鴻海", "客戶地址": "新北市", "最後修改日期": modified},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/acct/forms8/3":
			if r.URL.Query().Get("offset") != "0" {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_ = json.NewEncoder(w).Encode(sheet)
		case "/acct/forms8/3/101":
			_ = json.NewEncoder(w).Encode(map[string]any{"101": sheet["101"]})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a JSON config using a sqlite sink and store in dir and
// returns its path.
func writeConfig(t *testing.T, dir, baseURL string, mutate func(map[string]any)) string {
	t.Helper()
	doc := map[string]any{
		"source": map[string]any{"base_url": baseURL, "account": "acct", "api_key": "secret", "timezone": "UTC"},
		"sink": map[string]any{
			"kind": "sqlite", "dsn": filepath.Join(dir, "warehouse.db"), "auto_create_table": true,
		},
		"store":       map[string]any{"path": filepath.Join(dir, "state.db")},
		"collections": []any{map[string]any{"id": "99", "name": "客戶", "source_locator": "forms8/3"}},
		"notify":      map[string]any{"kinds": []any{"log"}},
	}
	if mutate != nil {
		mutate(doc)
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "sheetsync.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

// runApp runs the CLI with args and returns stdout, stderr and the error.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.RunContext(context.Background(), append([]string{"sheetsync", "--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	return out.String(), errOut.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeConfig(t, dir, "https://www.ragic.com", nil)

	out, _, err := runApp(t, "--config", good, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	bad := writeConfig(t, t.TempDir(), "ftp://nowhere", func(doc map[string]any) {
		doc["sync"] = map[string]any{"upload_mode": "sideways"}
	})
	out, _, err = runApp(t, "--config", bad, "validate")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out, "error: source.base_url:")
	assert.Contains(t, out, "error: sync.upload_mode:")

	_, _, err = runApp(t, "--config", filepath.Join(dir, "missing.yaml"), "validate")
	assert.Error(t, err)
}

func TestRun_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, fakeRagic(t).URL, nil)

	out, _, err := runApp(t, "--config", cfg, "--log-level", "debug", "run")
	require.NoError(t, err)
	var rep report.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Collections, 1)
	cr := rep.Collections[0]
	assert.Equal(t, report.StatusSuccess, cr.Status)
	assert.Equal(t, 2, cr.Fetched)
	assert.EqualValues(t, 2, cr.Uploaded)
	assert.False(t, cr.Watermark.IsZero())

	db, err := sql.Open("sqlite", filepath.Join(dir, "warehouse.db"))
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM erp_backup WHERE auto_kehudizhi IS NOT NULL`).Scan(&n))
	assert.Equal(t, 2, n)

	// The second run starts at the committed watermark and finds nothing new.
	out, _, err = runApp(t, "--config", cfg, "run", "--collection", "99")
	require.NoError(t, err)
	rep = report.RunReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Collections, 1)
	assert.Equal(t, report.StatusSuccess, rep.Collections[0].Status)
	assert.Zero(t, rep.Collections[0].Uploaded)

	out, _, err = runApp(t, "--config", cfg, "unknown-fields", "--status", "all")
	require.NoError(t, err)
	var obs []fieldmap.Observation
	require.NoError(t, json.Unmarshal([]byte(out), &obs))
	var columns []string
	for _, o := range obs {
		columns = append(columns, o.GeneratedColumn)
	}
	assert.Contains(t, columns, "auto_kehudizhi")
}

func decodeReport(t *testing.T, out string) report.CollectionReport {
	t.Helper()
	var rep report.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Collections, 1)
	return rep.Collections[0]
}

func TestRun_ResetWatermarkAndFull(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, fakeRagic(t).URL, nil)

	out, _, err := runApp(t, "--config", cfg, "run")
	require.NoError(t, err)
	first := decodeReport(t, out)
	require.Equal(t, report.StatusSuccess, first.Status)

	// With the watermark in place a full run still sees both records.
	out, _, err = runApp(t, "--config", cfg, "run", "--full")
	require.NoError(t, err)
	cr := decodeReport(t, out)
	assert.Equal(t, report.StatusSuccess, cr.Status)
	assert.True(t, cr.Since.IsZero())
	assert.Equal(t, 2, cr.Fetched)

	out, _, err = runApp(t, "--config", cfg, "reset-watermark", "--collection", "99")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reset":{"99":true}}`, out)

	out, _, err = runApp(t, "--config", cfg, "run", "--since-days", "1")
	require.NoError(t, err)
	cr = decodeReport(t, out)
	assert.Equal(t, 2, cr.Fetched, "the window starts over after a reset")
	assert.True(t, cr.Since.Equal(cr.Until.AddDate(0, 0, -1)))

	_, _, err = runApp(t, "--config", cfg, "reset-watermark", "--collection", "nope")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestRun_MaxPagesIsPartial(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, fakeRagic(t).URL, func(doc map[string]any) {
		doc["sync"] = map[string]any{"page_limit": 1}
	})

	out, _, err := runApp(t, "--config", cfg, "run", "--max-pages", "1")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	cr := decodeReport(t, out)
	assert.Equal(t, report.StatusPartial, cr.Status)
	assert.Equal(t, "max_pages", cr.StopReason)
	assert.True(t, cr.Watermark.IsZero())
}

func TestRun_FailedCollectionExitCode(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, fakeRagic(t).URL, func(doc map[string]any) {
		doc["collections"] = []any{map[string]any{"id": "7", "source_locator": "forms8/404"}}
	})

	out, _, err := runApp(t, "--config", cfg, "run")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	var rep report.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Collections, 1)
	assert.Equal(t, report.StatusFailed, rep.Collections[0].Status)
}

func TestRun_InvalidConfigStopsEarly(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "https://www.ragic.com", func(doc map[string]any) {
		doc["sink"] = map[string]any{"kind": "oracle", "dsn": "x"}
	})
	_, stderr, err := runApp(t, "--config", cfg, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is invalid")
	assert.Contains(t, stderr, "sink.kind")
}

func TestFetchOne(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), fakeRagic(t).URL, nil)

	out, _, err := runApp(t, "--config", cfg, "fetch-one", "--collection", "99", "--record", "101")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "新竹市", rec["客戶地址"])

	_, _, err = runApp(t, "--config", cfg, "fetch-one", "--collection", "nope", "--record", "101")
	assert.Error(t, err)
	_, _, err = runApp(t, "--config", cfg, "fetch-one", "--collection", "99")
	assert.Error(t, err, "--record is required")
}

func TestSweep_NothingPending(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, fakeRagic(t).URL, nil)

	out, _, err := runApp(t, "--config", cfg, "sweep", "--older-than", "0s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"merged":{}}`, out)
}

func TestUnknownFields_BadStatus(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "https://www.ragic.com", nil)
	_, _, err := runApp(t, "--config", cfg, "unknown-fields", "--status", "deleted")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))

	out, _, err := runApp(t, "--config", cfg, "unknown-fields")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestRunExit(t *testing.T) {
	ok := report.CollectionReport{Status: report.StatusSuccess}
	partial := report.CollectionReport{Status: report.StatusPartial}
	failed := report.CollectionReport{Status: report.StatusFailed}

	assert.NoError(t, runExit(report.RunReport{Collections: []report.CollectionReport{ok}}))
	assert.Equal(t, 2, exitCode(runExit(report.RunReport{Collections: []report.CollectionReport{ok, partial}})))
	assert.Equal(t, 1, exitCode(runExit(report.RunReport{Collections: []report.CollectionReport{failed}})))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 3, exitCode(cli.Exit("", 3)))
}

func TestSetupMetrics(t *testing.T) {
	log := logging.Discard()
	tests := []struct {
		name    string
		backend string
		cfg     config.Metrics
	}{
		{name: "none", backend: "none"},
		{name: "unknown falls back", backend: "graphite"},
		{name: "prom", backend: "prom", cfg: config.Metrics{PushgatewayURL: "http://127.0.0.1:1"}},
		{name: "datadog", backend: "datadog", cfg: config.Metrics{DatadogAddr: "127.0.0.1:8125", Namespace: "sheetsync."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := setupMetrics(tt.backend, tt.cfg, log)
			metrics.RecordRun("success", time.Second)
			done()
		})
	}
	metrics.Reset()
}

func TestHeaders(t *testing.T) {
	h := headers(config.Options{"headers": map[string]any{"X-Tenant": "acme", "X-Skip": 3}})
	assert.Equal(t, "acme", h.Get("X-Tenant"))
	assert.Empty(t, h.Get("X-Skip"))
	assert.Empty(t, headers(nil))
}

func TestLoadConfig_FlagsOverrideLog(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "https://www.ragic.com", func(doc map[string]any) {
		doc["log"] = map[string]any{"level": "warn", "format": "text"}
	})
	var got *env
	app := newApp()
	app.Writer, app.ErrWriter = &bytes.Buffer{}, &bytes.Buffer{}
	app.Commands = []*cli.Command{{
		Name: "inspect",
		Action: func(c *cli.Context) (err error) {
			got, err = loadConfig(c)
			return err
		},
	}}
	require.NoError(t, app.Run([]string{"sheetsync", "--config", cfg, "--log-level", "debug", "--log-format", "json", "inspect"}))
	require.NotNil(t, got)
	assert.Equal(t, logrus.DebugLevel, got.log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, got.log.Formatter)
	assert.Equal(t, "debug", got.cfg.Log.Level)
}
