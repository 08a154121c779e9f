package fetch

import (
	"context"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/source"
	"sheetsync/pkg/records"
)

// Page is one step of a sequence: the qualifying records of one source page.
type Page struct {
	Number  int // 1-based
	Offset  int
	Records []records.Record

	// Scanned is the number of records the source returned.
	Scanned int
	// Undated records had no parseable last-modified value and were kept.
	Undated int
	// Filtered records were outside the window and dropped.
	Filtered int
}

// Stats summarize a sequence so far.
type Stats struct {
	Pages    int
	Scanned  int
	Returned int
	Undated  int
	Filtered int
}

// Pages is a lazy, finite sequence of pages for one collection. It can be
// resumed page by page but not from the middle of a page. Not safe for
// concurrent use.
type Pages struct {
	f      *Fetcher
	c      Collection
	w      Window
	limit  int
	fields []string
	filter *source.Filter
	log    logrus.FieldLogger

	offset      int
	emptyStreak int
	done        bool
	stop        StopReason
	err         error
	stats       Stats
}

// Next fetches and returns the next page. It returns false when the sequence
// has ended; Stop and Err then say why.
func (p *Pages) Next(ctx context.Context) (Page, bool) {
	if p.done {
		return Page{}, false
	}
	full := p.f.opts.Full
	if !full && p.stats.Pages >= p.f.opts.MaxPages {
		p.finish(StopMaxPages, nil)
		return Page{}, false
	}

	var resp source.Page
	err := p.f.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.f.src.ListPage(ctx, p.c.Locator, p.offset, p.limit, p.filter)
		return err
	})
	if err != nil {
		p.finish(StopError, err)
		return Page{}, false
	}
	if len(resp.Records) == 0 {
		p.finish(StopExhausted, nil)
		return Page{}, false
	}

	page, reason := p.classify(resp.Records)
	p.stats.Pages++
	p.stats.Scanned += page.Scanned
	p.stats.Returned += len(page.Records)
	p.stats.Undated += page.Undated
	p.stats.Filtered += page.Filtered
	p.offset += len(resp.Records)

	if len(page.Records)-page.Undated == 0 {
		p.emptyStreak++
	} else {
		p.emptyStreak = 0
	}

	if reason == StopNone {
		switch {
		case len(resp.Records) < p.limit || !resp.HasMore:
			reason = StopShortPage
		case full:
		case p.emptyStreak >= p.f.opts.NoNewDataPageThreshold:
			reason = StopNoNewData
		case p.stats.Pages >= p.f.opts.MaxPages:
			reason = StopMaxPages
		}
	}

	p.log.WithFields(logrus.Fields{
		"page":     page.Number,
		"offset":   page.Offset,
		"scanned":  page.Scanned,
		"kept":     len(page.Records),
		"filtered": page.Filtered,
		"undated":  page.Undated,
	}).Debug("fetch: page done")

	if reason != StopNone {
		p.finish(reason, nil)
	}
	return page, true
}

// classify applies the window to one source page.
func (p *Pages) classify(recs []records.Record) (Page, StopReason) {
	page := Page{Number: p.stats.Pages + 1, Offset: p.offset, Scanned: len(recs)}
	earlyStop := p.f.opts.Strategy == StrategyPagedLocal && !p.f.opts.Full

	dated := 0
	for i, r := range recs {
		t, ok := ModifiedAt(r, p.fields, p.f.opts.Location)
		if !ok {
			page.Undated++
			page.Records = append(page.Records, r)
			continue
		}
		dated++
		switch {
		case p.w.Contains(t):
			page.Records = append(page.Records, r)
		case earlyStop && p.f.opts.AssumeRecencyOrder && !t.After(p.w.Since):
			page.Filtered += len(recs) - i
			return page, StopOutOfWindow
		default:
			page.Filtered++
		}
	}
	if earlyStop && dated == 0 {
		return page, StopNoDates
	}
	return page, StopNone
}

func (p *Pages) finish(reason StopReason, err error) {
	p.done = true
	p.stop = reason
	p.err = err
	entry := p.log.WithFields(logrus.Fields{
		"stop":     string(reason),
		"pages":    p.stats.Pages,
		"returned": p.stats.Returned,
	})
	if err != nil {
		entry.WithError(err).Warn("fetch: stopped on error")
		return
	}
	entry.Info("fetch: done")
}

// Stop returns why the sequence ended, or StopNone while it is running.
func (p *Pages) Stop() StopReason { return p.stop }

// Err returns the error that ended the sequence, if any. Pages returned
// before the error remain valid.
func (p *Pages) Err() error { return p.err }

// Complete reports whether the sequence ended without error.
func (p *Pages) Complete() bool { return p.done && p.err == nil }

// Stats returns counters for the pages fetched so far.
func (p *Pages) Stats() Stats { return p.stats }
