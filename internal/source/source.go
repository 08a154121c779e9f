// Package source implements the source API collaborator: a paged listing of
// records per collection with an optional server-side inequality filter, and
// a single-record lookup for manual repairs.
//
// The only dialect today is Ragic. The client performs exactly one HTTP
// attempt per call and classifies failures into syncerr.SourceTransientError
// and syncerr.SourceFatalError; retrying is the caller's policy.
package source

import (
	"context"
	"time"

	"sheetsync/pkg/records"
)

// Filter is a server-side predicate on a last-modified field:
// Field > After and, when Until is non-zero, Field <= Until.
type Filter struct {
	Field string
	After time.Time
	Until time.Time
}

// Page is one listing response.
type Page struct {
	Records []records.Record
	// HasMore is false when the source returned fewer records than asked for.
	HasMore bool
}

// Source is the consumed interface.
type Source interface {
	ListPage(ctx context.Context, locator string, offset, limit int, filter *Filter) (Page, error)
	GetOne(ctx context.Context, locator, recordID string) (records.Record, error)
}

// Func adapts plain functions to Source. Nil functions return zero values.
type Func struct {
	ListPageFunc func(ctx context.Context, locator string, offset, limit int, filter *Filter) (Page, error)
	GetOneFunc   func(ctx context.Context, locator, recordID string) (records.Record, error)
}

func (f Func) ListPage(ctx context.Context, locator string, offset, limit int, filter *Filter) (Page, error) {
	if f.ListPageFunc == nil {
		return Page{}, nil
	}
	return f.ListPageFunc(ctx, locator, offset, limit, filter)
}

func (f Func) GetOne(ctx context.Context, locator, recordID string) (records.Record, error) {
	if f.GetOneFunc == nil {
		return records.Record{}, nil
	}
	return f.GetOneFunc(ctx, locator, recordID)
}
