// Package transform turns raw source records into typed target rows.
//
// Every source field is resolved to a sink column through the fieldmap
// Resolver and coerced to the column's type. A record that misses a required
// column or carries a value that cannot be coerced is returned as an
// InvalidRecord with one message per violation; it never aborts the batch.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/fieldmap"
	"sheetsync/internal/syncerr"
	"sheetsync/internal/timeparse"
	"sheetsync/pkg/records"
)

// Options configure a Transformer.
type Options struct {
	// DropUnmapped keeps unknown fields out of the row. They are still
	// observed.
	DropUnmapped bool

	// Location reads dates and timestamps without an offset. Nil means UTC.
	Location *time.Location

	// Truthy and Falsy replace the default boolean vocabularies.
	Truthy []string
	Falsy  []string

	// MaxLoggedErrors caps how many distinct rejection messages are logged
	// per TransformAll call. Default 10.
	MaxLoggedErrors int

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Transformer coerces records using a Resolver. Safe for concurrent use when
// the Resolver is.
type Transformer struct {
	res  *fieldmap.Resolver
	opts Options
	co   coercers
}

// New returns a Transformer.
func New(res *fieldmap.Resolver, opts Options) *Transformer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxLoggedErrors <= 0 {
		opts.MaxLoggedErrors = 10
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transformer{res: res, opts: opts, co: compileCoercers(opts.Location, opts.Truthy, opts.Falsy)}
}

// Result is the outcome of transforming a set of records.
type Result struct {
	Rows    []records.TargetRow
	Invalid []records.InvalidRecord
	// Schema lists every column seen, provenance columns first.
	Schema []records.Column
	// UnknownFields are the distinct source fields resolved by fallback.
	UnknownFields []string
	// UnknownOccurrences counts every unknown field occurrence.
	UnknownOccurrences int
}

type pendingYear struct {
	field string
	res   fieldmap.Resolution
	raw   string
}

// schemaBuilder tracks column order and types across rows.
type schemaBuilder struct {
	cols  []records.Column
	index map[string]int
}

func newSchemaBuilder() *schemaBuilder {
	sb := &schemaBuilder{index: map[string]int{}}
	sb.add(records.ColumnCollectionID, records.TypeString)
	sb.add(records.ColumnRecordID, records.TypeString)
	return sb
}

func (sb *schemaBuilder) add(name string, t records.DataType) {
	if sb == nil {
		return
	}
	if _, ok := sb.index[name]; ok {
		return
	}
	sb.index[name] = len(sb.cols)
	sb.cols = append(sb.cols, records.Column{Name: name, Type: t})
}

// Transform converts one record. Exactly one of the results is non-nil.
func (t *Transformer) Transform(ctx context.Context, rec records.Record, collectionID string) (records.TargetRow, *records.InvalidRecord) {
	row, inv, _ := t.transform(ctx, rec, collectionID, nil)
	return row, inv
}

func (t *Transformer) transform(ctx context.Context, rec records.Record, collectionID string, sb *schemaBuilder) (records.TargetRow, *records.InvalidRecord, []string) {
	row := records.TargetRow{}
	var violations []string
	var unknown []string
	var deferred []pendingYear

	resolved := make([]fieldmap.Resolution, len(rec.Fields))
	for i, f := range rec.Fields {
		resolved[i] = t.res.Resolve(ctx, collectionID, f.Name, f.Value.Text())
	}
	t.separateFallbacks(rec, resolved)

	for i, f := range rec.Fields {
		res := resolved[i]
		if res.Unknown {
			unknown = append(unknown, f.Name)
			if t.opts.DropUnmapped {
				continue
			}
		}
		if res.Column == records.ColumnCollectionID || res.Column == records.ColumnRecordID {
			continue
		}
		if res.RawColumn != "" {
			sb.add(res.RawColumn, records.TypeString)
			if !f.Value.IsEmpty() {
				row[res.RawColumn] = f.Value.Text()
			}
		}
		sb.add(res.Column, res.Type)

		v, err := t.co.coerce(res.Type, f.Value)
		if errors.Is(err, errNeedsYear) && res.InferYearFrom != "" {
			deferred = append(deferred, pendingYear{field: f.Name, res: res, raw: f.Value.Text()})
			continue
		}
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s -> %s (%s): %v", f.Name, res.Column, res.Type, err))
			continue
		}
		if prev, ok := row[res.Column]; ok && prev != nil && v == nil {
			continue
		}
		row[res.Column] = v
	}

	for _, d := range deferred {
		ref, _ := row[d.res.InferYearFrom].(time.Time)
		if ref.IsZero() {
			violations = append(violations, fmt.Sprintf("%s -> %s: cannot infer year from %s", d.field, d.res.Column, d.res.InferYearFrom))
			continue
		}
		v, ok := timeparse.ParseMonthDay(d.raw, ref.Year())
		if !ok {
			violations = append(violations, fmt.Sprintf("%s -> %s: %q is not a date", d.field, d.res.Column, d.raw))
			continue
		}
		row[d.res.Column] = v
	}

	for _, req := range t.res.RequiredColumns(collectionID) {
		if row[req.Column] == nil {
			violations = append(violations, fmt.Sprintf("required column %s is missing", req.Column))
		}
	}
	if rec.ID == "" {
		violations = append(violations, "record id is missing")
	}

	if len(violations) > 0 {
		return nil, &records.InvalidRecord{
			CollectionID: collectionID,
			RecordID:     rec.ID,
			Errors:       violations,
			Raw:          rec,
			SeenAt:       t.opts.Now().UTC(),
		}, unknown
	}

	row[records.ColumnCollectionID] = collectionID
	row[records.ColumnRecordID] = rec.ID
	return row, nil, unknown
}

// separateFallbacks keeps distinct unknown fields of one record in distinct
// columns when their generated names coincide ("客戶地址" and "客户地址" both
// read auto_kehudizhi). The smallest field name keeps the generated column
// unless a mapped field owns it; the others take fieldmap.HashName.
func (t *Transformer) separateFallbacks(rec records.Record, resolved []fieldmap.Resolution) {
	mapped := map[string]bool{}
	keeper := map[string]string{}
	for i, res := range resolved {
		if !res.Unknown {
			mapped[res.Column] = true
			continue
		}
		name := rec.Fields[i].Name
		if k, ok := keeper[res.Column]; !ok || name < k {
			keeper[res.Column] = name
		}
	}
	for i, res := range resolved {
		name := rec.Fields[i].Name
		if !res.Unknown || (!mapped[res.Column] && keeper[res.Column] == name) {
			continue
		}
		resolved[i].Column = fieldmap.HashName(name)
		t.opts.Logger.WithFields(logrus.Fields{
			"record": rec.ID,
			"field":  name,
			"taken":  res.Column,
			"column": resolved[i].Column,
		}).Debug("transform: generated column taken; using hash name")
	}
}

// TransformAll converts recs and logs an aggregated summary of rejections.
func (t *Transformer) TransformAll(ctx context.Context, collectionID string, recs []records.Record) Result {
	var out Result
	sb := newSchemaBuilder()
	agg := newErrAgg(t.opts.MaxLoggedErrors)
	seenUnknown := map[string]struct{}{}

	for _, rec := range recs {
		row, inv, unknown := t.transform(ctx, rec, collectionID, sb)
		out.UnknownOccurrences += len(unknown)
		for _, name := range unknown {
			if _, ok := seenUnknown[name]; !ok {
				seenUnknown[name] = struct{}{}
				out.UnknownFields = append(out.UnknownFields, name)
			}
		}
		if inv != nil {
			out.Invalid = append(out.Invalid, *inv)
			agg.add((&syncerr.RecordValidationError{RecordID: inv.RecordID, Violations: inv.Errors}).Error())
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	out.Schema = sb.cols

	log := t.opts.Logger.WithFields(logrus.Fields{
		"collection": collectionID,
		"rows":       len(out.Rows),
		"invalid":    len(out.Invalid),
		"unknown":    len(out.UnknownFields),
	})
	log.Info("transform: done")
	if agg.count > 0 {
		log.Warnf("transform: rejects %d (showing first %d)", agg.count, len(agg.first))
		for i, s := range agg.first {
			log.Warnf("  #%03d: %s", i+1, s)
		}
	}
	return out
}
