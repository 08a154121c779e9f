// Package fetch pulls the records of one collection that changed inside a
// time window, page by page.
//
// Two strategies exist. StrategyServerFiltered asks the source to filter on a
// last-modified field. StrategyPagedLocal (the default) walks pages in the
// source's natural order, parses a last-modified timestamp out of each record
// and stops early using the rules below:
//
//   - a record modified at or before Window.Since ends the walk, and that
//     record and the rest of its page are dropped (only when the source
//     order is trusted to follow recency)
//   - a short page means the source has nothing more
//   - MaxPages caps the walk
//   - NoNewDataPageThreshold consecutive pages without a qualifying record
//     end the walk
//   - a page where no record has a parseable date is returned and ends the
//     walk
//
// Options.Full turns every early stop off: the walk ends only when the source
// runs out of pages.
package fetch

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/retry"
	"sheetsync/internal/source"
	"sheetsync/internal/timeparse"
	"sheetsync/pkg/records"
)

// Strategy selects how the window is applied.
type Strategy string

const (
	StrategyPagedLocal     Strategy = "paged-local"
	StrategyServerFiltered Strategy = "server-filtered"
)

// StopReason says why a page sequence ended.
type StopReason string

const (
	StopNone        StopReason = ""
	StopOutOfWindow StopReason = "out_of_window"
	StopShortPage   StopReason = "short_page"
	StopMaxPages    StopReason = "max_pages"
	StopNoNewData   StopReason = "no_new_data"
	StopNoDates     StopReason = "no_dates"
	StopExhausted   StopReason = "exhausted"
	StopError       StopReason = "error"
)

// Covered reports whether a sequence that ended for r has seen every record
// of its window. A walk cut short by MaxPages or by the no-new-data threshold
// may have left qualifying records on later pages.
func (r StopReason) Covered() bool {
	switch r {
	case StopOutOfWindow, StopShortPage, StopNoDates, StopExhausted:
		return true
	}
	return false
}

// Window bounds the modification time: Since < t <= Until. A zero Until is
// open-ended.
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains applies the strict lower bound and inclusive upper bound.
func (w Window) Contains(t time.Time) bool {
	return t.After(w.Since) && (w.Until.IsZero() || !t.After(w.Until))
}

// Collection is what the fetcher needs to know about one collection.
type Collection struct {
	ID      string
	Locator string
	// PageLimit and LastModifiedFields override Options when set.
	PageLimit          int
	LastModifiedFields []string
}

// Options configure a Fetcher. Zero values get the defaults noted.
type Options struct {
	Strategy               Strategy // paged-local
	PageLimit              int      // 1000
	MaxPages               int      // 50
	NoNewDataPageThreshold int      // 3

	// AssumeRecencyOrder enables the out-of-window stop. When false,
	// out-of-window records are filtered but never end the walk.
	AssumeRecencyOrder bool

	// ModifiedField is the field the server filter applies to.
	ModifiedField string
	// LastModifiedFields are tried in order to date a record locally.
	LastModifiedFields []string

	// Full walks every page: MaxPages, the no-new-data threshold, the
	// out-of-window stop and the no-dates stop are all disabled. Records
	// outside the window are still filtered.
	Full bool

	// Location reads timestamps that carry no offset. Nil means UTC.
	Location *time.Location

	Retry  retry.Policy
	Logger logrus.FieldLogger
}

// Fetcher produces page sequences for collections.
type Fetcher struct {
	src  source.Source
	opts Options
}

// New returns a Fetcher reading from src.
func New(src source.Source, opts Options) *Fetcher {
	if opts.Strategy == "" {
		opts.Strategy = StrategyPagedLocal
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 1000
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	if opts.NoNewDataPageThreshold <= 0 {
		opts.NoNewDataPageThreshold = 3
	}
	if opts.ModifiedField == "" {
		opts.ModifiedField = "_ragicModified"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Fetcher{src: src, opts: opts}
}

// Fetch returns a lazy page sequence. Nothing is requested until Next.
func (f *Fetcher) Fetch(_ context.Context, c Collection, w Window) *Pages {
	limit := f.opts.PageLimit
	if c.PageLimit > 0 {
		limit = c.PageLimit
	}
	fields := f.opts.LastModifiedFields
	if len(c.LastModifiedFields) > 0 {
		fields = c.LastModifiedFields
	}
	p := &Pages{
		f:      f,
		c:      c,
		w:      w,
		limit:  limit,
		fields: fields,
		log: f.opts.Logger.WithFields(logrus.Fields{
			"collection": c.ID,
			"strategy":   string(f.opts.Strategy),
		}),
	}
	if f.opts.Strategy == StrategyServerFiltered {
		p.filter = &source.Filter{Field: f.opts.ModifiedField, After: w.Since, Until: w.Until}
	}
	return p
}

// All drains the sequence. The records of pages fetched before an error are
// returned together with the error.
func (f *Fetcher) All(ctx context.Context, c Collection, w Window) ([]records.Record, StopReason, error) {
	p := f.Fetch(ctx, c, w)
	var out []records.Record
	for {
		page, ok := p.Next(ctx)
		if !ok {
			break
		}
		out = append(out, page.Records...)
	}
	return out, p.Stop(), p.Err()
}

// ModifiedAt returns the first parseable timestamp among fields.
func ModifiedAt(r records.Record, fields []string, loc *time.Location) (time.Time, bool) {
	for _, name := range fields {
		v, ok := r.Get(name)
		if !ok || v.IsEmpty() {
			continue
		}
		if t, ok := timeparse.Parse(v.Text(), loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}
