package fieldmap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/syncerr"
	"sheetsync/pkg/records"
)

// Observer receives unknown-field observations. Implementations must be safe
// for concurrent use.
type Observer interface {
	Observe(ctx context.Context, obs Observation) error
}

// Resolver resolves source fields through its tier chain. It is safe for
// concurrent use and lives for one run.
type Resolver struct {
	tiers    []Tier
	snap     *RuleSnapshot
	base     *Baseline
	observer Observer
	log      logrus.FieldLogger
	now      func() time.Time

	degradedOnce sync.Once
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObserver sets where unknown fields are reported.
func WithObserver(o Observer) Option { return func(r *Resolver) { r.observer = o } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(r *Resolver) { r.log = l } }

// WithBaseline replaces the embedded baseline.
func WithBaseline(b *Baseline) Option { return func(r *Resolver) { r.base = b } }

// WithTiers inserts extra tiers between the baseline and the fallback.
func WithTiers(extra ...Tier) Option {
	return func(r *Resolver) { r.tiers = append(r.tiers, extra...) }
}

// NewResolver builds the chain collection -> wildcard -> baseline -> [extra]
// -> fallback over snap.
func NewResolver(snap *RuleSnapshot, opts ...Option) *Resolver {
	if snap == nil {
		snap = NewSnapshot(nil)
	}
	r := &Resolver{snap: snap, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.base == nil {
		r.base = DefaultBaseline()
	}
	if r.log == nil {
		l := logrus.New()
		r.log = l
	}
	extra := r.tiers
	r.tiers = make([]Tier, 0, len(extra)+4)
	if snap.Degraded() == nil {
		r.tiers = append(r.tiers, CollectionTier(snap), WildcardTier(snap))
	}
	r.tiers = append(r.tiers, BaselineTier(r.base))
	r.tiers = append(r.tiers, extra...)
	r.tiers = append(r.tiers, FallbackTier())
	return r
}

// Degraded reports whether the resolver runs without the rule store.
func (r *Resolver) Degraded() bool { return r.snap.Degraded() != nil }

// Lookup resolves without side effects. It always returns a column.
func (r *Resolver) Lookup(collectionID, sourceField string) Resolution {
	r.warnDegraded()
	for _, t := range r.tiers {
		if res, ok := t.TryResolve(collectionID, sourceField); ok {
			return res
		}
	}
	// unreachable: the fallback tier always answers
	return Resolution{Column: GenerateName(sourceField), Type: records.TypeString, Unknown: true, Tier: TierFallback}
}

// Resolve is Lookup plus an observation for unknown fields. Observation
// failures are logged and never returned.
func (r *Resolver) Resolve(ctx context.Context, collectionID, sourceField, sample string) Resolution {
	res := r.Lookup(collectionID, sourceField)
	if res.Unknown && r.observer != nil {
		now := r.now().UTC()
		err := r.observer.Observe(ctx, Observation{
			CollectionID:    collectionID,
			SourceField:     sourceField,
			GeneratedColumn: res.Column,
			Count:           1,
			FirstSeen:       now,
			LastSeen:        now,
			SampleValue:     truncateSample(sample),
			Status:          StatusPending,
		})
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"collection": collectionID,
				"field":      sourceField,
			}).Warn("fieldmap: record unknown field failed")
		}
	}
	return res
}

// RequiredColumns lists the columns that must be present for collectionID,
// honoring tier precedence: a required rule that is shadowed by a higher
// tier's non-required rule does not count.
func (r *Resolver) RequiredColumns(collectionID string) []Resolution {
	var fields []string
	if !r.Degraded() {
		for _, rule := range r.snap.required[collectionID] {
			fields = append(fields, rule.SourceField)
		}
		for _, rule := range r.snap.required[Wildcard] {
			fields = append(fields, rule.SourceField)
		}
	}
	fields = append(fields, r.base.requiredFields(collectionID)...)

	seen := map[string]bool{}
	var out []Resolution
	for _, f := range fields {
		res := r.Lookup(collectionID, f)
		if !res.Required || seen[res.Column] {
			continue
		}
		seen[res.Column] = true
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

func (r *Resolver) warnDegraded() {
	err := r.snap.Degraded()
	if err == nil {
		return
	}
	r.degradedOnce.Do(func() {
		r.log.WithError(&syncerr.FieldResolutionDegraded{Err: err}).
			Warn("fieldmap: rule store unavailable, using baseline and generated names for this run")
	})
}
