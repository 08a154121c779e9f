package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sheetsync/internal/fieldmap"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty run", nil, StatusSuccess},
		{"all good", []Status{StatusSuccess, StatusSkipped}, StatusSuccess},
		{"all failed", []Status{StatusFailed, StatusFailed}, StatusFailed},
		{"failed and skipped", []Status{StatusFailed, StatusSkipped}, StatusFailed},
		{"mixed", []Status{StatusSuccess, StatusFailed}, StatusPartial},
		{"partial fetch", []Status{StatusPartial}, StatusPartial},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var r RunReport
			for _, s := range tc.statuses {
				r.Collections = append(r.Collections, CollectionReport{Status: s})
			}
			assert.Equal(t, tc.want, r.Status())
		})
	}
}

func TestTotalsAndText(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	r := RunReport{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Collections: []CollectionReport{
			{CollectionID: "10", Status: StatusSuccess, Fetched: 6000, Uploaded: 6000, Mode: "staged", StopReason: "out_of_window"},
			{CollectionID: "99", Status: StatusFailed, Fetched: 20, Invalid: 2, Unknown: 1, Error: "sink merge: deadlock"},
		},
		NewUnknownFields: []fieldmap.Observation{{CollectionID: "99", SourceField: "客戶地址", GeneratedColumn: "auto_kehudizhi", Count: 1}},
	}

	tot := r.Totals()
	assert.Equal(t, Totals{Collections: 2, Succeeded: 1, Failed: 1, Fetched: 6020, Uploaded: 6000, Invalid: 2, Unknown: 1}, tot)
	assert.Equal(t, 90*time.Second, r.Duration())

	text := r.Text()
	assert.Contains(t, text, "[sheetsync] run run-1 partially succeeded: 1 failed, 0 partial")
	assert.Contains(t, text, "mode=staged stop=out_of_window")
	assert.Contains(t, text, `error="sink merge: deadlock"`)
	assert.Contains(t, text, `99 "客戶地址" -> auto_kehudizhi (seen 1)`)
	assert.NotContains(t, text, "fallback naming")
}
