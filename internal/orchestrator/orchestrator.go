// Package orchestrator runs one sync: for every enabled collection, in
// priority order, it fetches the records modified since the collection's
// watermark, transforms them, uploads the rows and commits the new watermark.
//
// A failing collection never blocks the others. Its watermark stays where it
// was and the error is recorded in the run report; only a failure to reach the
// state store aborts the whole run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sheetsync/internal/archive"
	"sheetsync/internal/fetch"
	"sheetsync/internal/fieldmap"
	"sheetsync/internal/logging"
	"sheetsync/internal/metrics"
	"sheetsync/internal/notify"
	"sheetsync/internal/report"
	"sheetsync/internal/source"
	"sheetsync/internal/storage"
	"sheetsync/internal/store"
	"sheetsync/internal/syncerr"
	"sheetsync/internal/transform"
	"sheetsync/internal/upload"
	"sheetsync/pkg/records"
)

// Store is the part of the state store a run needs. *store.Store satisfies it.
type Store interface {
	fieldmap.RuleSource
	fieldmap.Observer
	Collections(ctx context.Context) ([]store.Collection, error)
	Watermark(ctx context.Context, collectionID string) (time.Time, bool, error)
	CommitWatermark(ctx context.Context, collectionID string, wm time.Time) (time.Time, error)
	NewUnknownFields(ctx context.Context, since time.Time) ([]fieldmap.Observation, error)
	RecordRun(ctx context.Context, r store.Run) error
}

// Deps are the collaborators of a run.
type Deps struct {
	Store    Store
	Source   source.Source
	Repo     storage.Repository
	Archiver archive.Archiver
	Notifier notify.Notifier
	Logger   logrus.FieldLogger
}

// Options configure a run.
type Options struct {
	// SinceDays sizes the window of a collection that has no watermark.
	SinceDays        int
	ConcurrencyLimit int
	MaxBatchRows     int
	// RunTimeout aborts collections still running after it. Zero disables.
	RunTimeout time.Duration
	// Full resyncs from the beginning of time, ignoring watermarks and
	// every early fetch stop. Watermarks still advance on success.
	Full bool

	Fetch     fetch.Options
	Transform transform.Options
	Upload    upload.Options

	// Only restricts the run to these collection ids. Empty means all
	// enabled collections.
	Only []string

	Now func() time.Time
}

// Orchestrator runs syncs. One Orchestrator may run many times; runs do not
// share state beyond the store.
type Orchestrator struct {
	deps Deps
	opts Options
	log  logrus.FieldLogger
}

// Function variables used as test seams.
var (
	newRunID = uuid.NewString
)

// New returns an Orchestrator. Archiver, Notifier and Logger default to
// no-ops.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Source == nil {
		return nil, errors.New("orchestrator: source is required")
	}
	if deps.Repo == nil {
		return nil, errors.New("orchestrator: sink repository is required")
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if opts.SinceDays <= 0 {
		opts.SinceDays = 7
	}
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = 1
	}
	if opts.MaxBatchRows <= 0 {
		opts.MaxBatchRows = upload.DefaultMaxBatchRows
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{deps: deps, opts: opts, log: deps.Logger}, nil
}

// runState is what every collection of one run shares. All of it is read
// only once the run starts.
type runState struct {
	id        string
	until     time.Time
	fetcher   *fetch.Fetcher
	trans     *transform.Transformer
	uploader  *upload.Strategist
	log       logrus.FieldLogger
	sinceDays int
	full      bool
}

// Run executes one sync and returns its report. The error is non-nil only when
// the run could not start: the collection list could not be read.
func (o *Orchestrator) Run(ctx context.Context) (report.RunReport, error) {
	started := o.opts.Now().UTC()
	rep := report.RunReport{RunID: newRunID(), StartedAt: started}
	log := o.log.WithField("run_id", rep.RunID)

	declared, err := o.deps.Store.Collections(ctx)
	if err != nil {
		metrics.RecordRun(string(report.StatusFailed), 0)
		return rep, fmt.Errorf("orchestrator: load collections: %w", err)
	}
	todo, missing := o.selectCollections(declared)

	snap := fieldmap.LoadSnapshot(ctx, o.deps.Store)
	if snap.Degraded() != nil {
		rep.Degraded = true
	}
	buf := fieldmap.NewBuffer(o.deps.Store)
	res := fieldmap.NewResolver(snap, fieldmap.WithObserver(buf), fieldmap.WithLogger(log))

	topts := o.opts.Transform
	if topts.Logger == nil {
		topts.Logger = log
	}
	fopts := o.opts.Fetch
	fopts.Full = fopts.Full || o.opts.Full
	if fopts.Logger == nil {
		fopts.Logger = log
	}
	uopts := o.opts.Upload
	if uopts.Logger == nil {
		uopts.Logger = log
	}
	rs := &runState{
		id:        rep.RunID,
		until:     started,
		fetcher:   fetch.New(o.deps.Source, fopts),
		trans:     transform.New(res, topts),
		uploader:  upload.New(o.deps.Repo, uopts),
		log:       log,
		sinceDays: o.opts.SinceDays,
		full:      o.opts.Full,
	}

	log.WithFields(logrus.Fields{
		"collections": len(todo),
		"rules":       snap.Len(),
		"degraded":    rep.Degraded,
		"concurrency": o.opts.ConcurrencyLimit,
		"full":        o.opts.Full,
	}).Info("orchestrator: run started")

	runCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	results := make([]report.CollectionReport, len(todo))
	// Collections never cancel each other, so the group is used only for
	// its limit.
	var g errgroup.Group
	g.SetLimit(o.opts.ConcurrencyLimit)
	for i, c := range todo {
		g.Go(func() error {
			if runCtx.Err() != nil {
				results[i] = report.CollectionReport{
					CollectionID: c.ID,
					Status:       report.StatusSkipped,
					Error:        runCtx.Err().Error(),
				}
				return nil
			}
			results[i] = o.syncCollection(runCtx, rs, c)
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range missing {
		err := &syncerr.ConfigurationError{Subject: "collection " + id, Err: errors.New("not declared or disabled")}
		rep.Collections = append(rep.Collections, report.CollectionReport{
			CollectionID: id,
			Status:       report.StatusFailed,
			Error:        err.Error(),
		})
	}
	rep.Collections = append(results, rep.Collections...)

	// Bookkeeping runs on ctx: a run timeout must not drop it.
	if _, err := buf.Flush(ctx); err != nil {
		log.WithError(err).Warn("orchestrator: record unknown fields failed")
	}
	if fresh, err := o.deps.Store.NewUnknownFields(ctx, started); err != nil {
		log.WithError(err).Warn("orchestrator: list new unknown fields failed")
	} else {
		rep.NewUnknownFields = fresh
	}

	rep.FinishedAt = o.opts.Now().UTC()
	o.finish(ctx, log, rep)
	return rep, nil
}

// selectCollections returns the enabled collections to run, ordered by
// priority then id, and the requested ids that cannot run.
func (o *Orchestrator) selectCollections(declared []store.Collection) ([]store.Collection, []string) {
	want := map[string]bool{}
	for _, id := range o.opts.Only {
		want[id] = false
	}
	var out []store.Collection
	for _, c := range declared {
		if !c.Enabled {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[c.ID]; !ok {
				continue
			}
			want[c.ID] = true
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	var missing []string
	for id, found := range want {
		if !found {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return out, missing
}

// finish records the run, emits metrics and hands the report to the notifier.
// Nothing here changes the outcome of the run.
func (o *Orchestrator) finish(ctx context.Context, log logrus.FieldLogger, rep report.RunReport) {
	status := rep.Status()
	body, err := json.Marshal(rep)
	if err != nil {
		log.WithError(err).Warn("orchestrator: encode report failed")
	}
	if err := o.deps.Store.RecordRun(ctx, store.Run{
		ID:         rep.RunID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Status:     string(status),
		Report:     body,
	}); err != nil {
		log.WithError(err).Warn("orchestrator: record run failed")
	}

	metrics.RecordRun(string(status), rep.Duration())
	t := rep.Totals()
	log.WithFields(logrus.Fields{
		"status":    status,
		"succeeded": t.Succeeded,
		"partial":   t.Partial,
		"failed":    t.Failed,
		"skipped":   t.Skipped,
		"fetched":   t.Fetched,
		"uploaded":  t.Uploaded,
		"invalid":   t.Invalid,
		"unknown":   len(rep.NewUnknownFields),
		"elapsed":   rep.Duration().Truncate(time.Millisecond),
	}).Info("orchestrator: run finished")

	if err := o.deps.Notifier.Notify(ctx, rep); err != nil {
		log.WithError(err).Warn("orchestrator: notify failed")
	}
	if err := metrics.Flush(); err != nil {
		log.WithError(err).Warn("orchestrator: metrics flush failed")
	}
}

// syncCollection runs Fetching -> Transforming -> Uploading -> WatermarkCommit
// for one collection. It never panics the run and never returns an error; the
// outcome is the report.
func (o *Orchestrator) syncCollection(ctx context.Context, rs *runState, c store.Collection) (cr report.CollectionReport) {
	begin := time.Now()
	cr = report.CollectionReport{CollectionID: c.ID, Until: rs.until}
	log := rs.log.WithField("collection", c.ID)
	defer func() {
		cr.Duration = time.Since(begin)
		metrics.RecordStep(c.ID, "collection", errorOf(cr), cr.Duration)
		fields := logrus.Fields{
			"status":   cr.Status,
			"fetched":  cr.Fetched,
			"uploaded": cr.Uploaded,
			"invalid":  cr.Invalid,
			"elapsed":  cr.Duration.Truncate(time.Millisecond),
		}
		if cr.Error != "" {
			log.WithFields(fields).WithField("error", cr.Error).Warn("orchestrator: collection done")
			return
		}
		log.WithFields(fields).Info("orchestrator: collection done")
	}()
	fail := func(err error) report.CollectionReport {
		cr.Status = report.StatusFailed
		cr.Error = err.Error()
		return cr
	}

	if c.SourceLocator == "" {
		return fail(&syncerr.ConfigurationError{Subject: "collection " + c.ID, Err: errors.New("source_locator is empty")})
	}

	wm, ok, err := o.deps.Store.Watermark(ctx, c.ID)
	if err != nil {
		return fail(fmt.Errorf("read watermark: %w", err))
	}
	since := rs.until.AddDate(0, 0, -rs.sinceDays)
	if ok {
		since = wm
		cr.Watermark = wm
	}
	if rs.full {
		since = time.Time{}
	}
	cr.Since = since
	if !since.Before(rs.until) {
		cr.Status = report.StatusSuccess
		cr.StopReason = "empty_window"
		return cr
	}

	// Fetching
	t0 := time.Now()
	pages := rs.fetcher.Fetch(ctx, fetch.Collection{
		ID:                 c.ID,
		Locator:            c.SourceLocator,
		PageLimit:          c.PageLimit,
		LastModifiedFields: c.LastModifiedFields,
	}, fetch.Window{Since: since, Until: rs.until})
	var recs []records.Record
	for {
		page, more := pages.Next(ctx)
		if !more {
			break
		}
		recs = append(recs, page.Records...)
	}
	fetchErr := pages.Err()
	stop := pages.Stop()
	metrics.RecordStep(c.ID, "fetch", fetchErr, time.Since(t0))
	metrics.RecordRecords(c.ID, "fetched", int64(len(recs)))
	cr.Fetched = len(recs)
	cr.StopReason = string(stop)
	if fetchErr != nil && len(recs) == 0 {
		return fail(fetchErr)
	}

	// Transforming
	t0 = time.Now()
	res := rs.trans.TransformAll(ctx, c.ID, recs)
	metrics.RecordStep(c.ID, "transform", nil, time.Since(t0))
	cr.Invalid = len(res.Invalid)
	cr.Unknown = len(res.UnknownFields)
	metrics.RecordRecords(c.ID, "invalid", int64(len(res.Invalid)))
	metrics.RecordRecords(c.ID, "unknown_fields", int64(res.UnknownOccurrences))
	if len(res.Invalid) > 0 {
		loc, err := o.deps.Archiver.Archive(ctx, rs.id, c.ID, res.Invalid)
		if err != nil {
			log.WithError(err).Warn("orchestrator: archive invalid records failed")
		} else if loc != "" {
			log.WithFields(logrus.Fields{"invalid": len(res.Invalid), "location": loc}).Info("orchestrator: invalid records archived")
		}
	}

	// Uploading
	for _, b := range upload.Split(rs.id, c.ID, res.Schema, res.Rows, o.opts.MaxBatchRows) {
		t0 = time.Now()
		out, err := rs.uploader.Upload(ctx, b)
		metrics.RecordStep(c.ID, "upload", err, time.Since(t0))
		if err != nil {
			return fail(err)
		}
		metrics.RecordBatch(c.ID, string(out.Mode))
		metrics.RecordRecords(c.ID, "uploaded", out.RowsWritten)
		cr.Batches++
		cr.Uploaded += out.RowsWritten
		cr.Mode = mergeMode(cr.Mode, string(out.Mode))
	}

	if fetchErr != nil {
		cr.Status = report.StatusPartial
		cr.Error = fetchErr.Error()
		return cr
	}
	if !stop.Covered() {
		// Later pages may still hold records of this window.
		cr.Status = report.StatusPartial
		cr.Error = fmt.Sprintf("fetch stopped at %s before the window was covered; watermark kept", stop)
		return cr
	}

	// WatermarkCommit
	committed, err := o.deps.Store.CommitWatermark(ctx, c.ID, rs.until)
	if err != nil {
		return fail(fmt.Errorf("commit watermark: %w", err))
	}
	cr.Watermark = committed
	cr.Status = report.StatusSuccess
	return cr
}

// mergeMode reports "mixed" when a collection's batches took different paths.
func mergeMode(cur, next string) string {
	if cur == "" || cur == next {
		return next
	}
	return "mixed"
}

func errorOf(cr report.CollectionReport) error {
	if cr.Status == report.StatusFailed {
		return errors.New(cr.Error)
	}
	return nil
}
