// Package upload writes transformed batches to the warehouse. Small batches
// go through a direct upsert; large ones are staged under their batch id and
// merged by a server-side procedure.
package upload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"sheetsync/internal/logging"
	"sheetsync/internal/retry"
	"sheetsync/internal/storage"
	"sheetsync/internal/syncerr"
	"sheetsync/pkg/records"
)

// Mode selects the upload path.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeDirect Mode = "direct"
	ModeStaged Mode = "staged"
)

// DefaultThreshold is the row count above which auto mode stages.
const DefaultThreshold = 5000

// ParseMode accepts auto, direct and staged (case-insensitive). Empty is auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeDirect:
		return ModeDirect, nil
	case ModeStaged:
		return ModeStaged, nil
	}
	return "", fmt.Errorf("upload: unknown mode %q", s)
}

// Options configures a Strategist.
type Options struct {
	Mode      Mode
	Threshold int
	Retry     retry.Policy
	Logger    logrus.FieldLogger
}

// Result describes one uploaded batch.
type Result struct {
	RowsWritten int64  `json:"rows_written"`
	Mode        Mode   `json:"mode"`
	BatchID     string `json:"batch_id"`
}

// Strategist decides per batch between direct and staged mode and runs the
// chosen path against the sink.
type Strategist struct {
	repo storage.Repository
	opts Options
	log  logrus.FieldLogger
}

// New returns a Strategist writing to repo.
func New(repo storage.Repository, opts Options) *Strategist {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Strategist{repo: repo, opts: opts, log: log}
}

// Decide returns the mode for a batch of rowCount rows. Auto stages only when
// rowCount exceeds the threshold.
func (s *Strategist) Decide(rowCount int) Mode {
	switch s.opts.Mode {
	case ModeDirect, ModeStaged:
		return s.opts.Mode
	}
	if rowCount > s.opts.Threshold {
		return ModeStaged
	}
	return ModeDirect
}

// Upload ensures the sink table fits the batch schema and writes the batch.
// Every sink step runs under the retry policy; the error after exhaustion is
// a *syncerr.SinkWriteError.
func (s *Strategist) Upload(ctx context.Context, b records.Batch) (Result, error) {
	mode := s.Decide(b.RowCount())
	res := Result{Mode: mode, BatchID: b.ID}
	if b.RowCount() == 0 {
		return res, nil
	}
	log := s.log.WithFields(logrus.Fields{"batch_id": b.ID, "collection": b.CollectionID, "mode": mode, "rows": b.RowCount()})

	if err := s.step(ctx, "ensure_table", b.ID, func(ctx context.Context) error {
		return s.repo.EnsureTable(ctx, b.Schema)
	}); err != nil {
		return res, err
	}

	start := time.Now()
	switch mode {
	case ModeStaged:
		var staged int64
		if err := s.step(ctx, "stage", b.ID, func(ctx context.Context) (err error) {
			staged, err = s.repo.StageRows(ctx, b)
			return err
		}); err != nil {
			return res, err
		}
		if err := s.step(ctx, "merge", b.ID, func(ctx context.Context) (err error) {
			res.RowsWritten, err = s.repo.Merge(ctx, b.ID)
			return err
		}); err != nil {
			return res, err
		}
		log.WithFields(logrus.Fields{"staged": staged, "merged": res.RowsWritten, "took": time.Since(start)}).Info("upload: staged merge")
	default:
		if err := s.step(ctx, "upsert", b.ID, func(ctx context.Context) (err error) {
			res.RowsWritten, err = s.repo.Upsert(ctx, b)
			return err
		}); err != nil {
			return res, err
		}
		log.WithFields(logrus.Fields{"written": res.RowsWritten, "took": time.Since(start)}).Info("upload: direct")
	}
	return res, nil
}

// step runs fn under the retry policy, tagging failures as sink writes.
func (s *Strategist) step(ctx context.Context, op, batchID string, fn func(context.Context) error) error {
	p := s.opts.Retry
	if p.OnRetry == nil {
		p.OnRetry = func(err error, wait time.Duration) {
			s.log.WithFields(logrus.Fields{"op": op, "batch_id": batchID, "wait": wait}).WithError(err).Warn("upload: retrying")
		}
	}
	return p.Do(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return &syncerr.SinkWriteError{Op: op, BatchID: batchID, Err: err}
		}
		return nil
	})
}

// SweepResult lists the batches a sweep merged.
type SweepResult struct {
	Merged map[string]int64 `json:"merged"`
	Failed []string         `json:"failed,omitempty"`
}

// Sweep merges staged batches last written before olderThan. A failed batch
// does not stop the others; all failures are returned together.
func (s *Strategist) Sweep(ctx context.Context, olderThan time.Time) (SweepResult, error) {
	out := SweepResult{Merged: map[string]int64{}}
	ids, err := s.repo.PendingBatches(ctx, olderThan)
	if err != nil {
		return out, &syncerr.SinkWriteError{Op: "list_staged", Err: err}
	}
	var errs *multierror.Error
	for _, id := range ids {
		var n int64
		err := s.step(ctx, "merge", id, func(ctx context.Context) (err error) {
			n, err = s.repo.Merge(ctx, id)
			return err
		})
		if err != nil {
			out.Failed = append(out.Failed, id)
			errs = multierror.Append(errs, err)
			continue
		}
		out.Merged[id] = n
		s.log.WithFields(logrus.Fields{"batch_id": id, "merged": n}).Info("upload: swept staged batch")
	}
	return out, errs.ErrorOrNil()
}
