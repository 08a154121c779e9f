package fieldmap

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Buffer aggregates observations in memory so that a batch of records costs
// one store write per unknown field instead of one per occurrence. Observe
// never fails; Flush forwards the aggregates to the next Observer.
type Buffer struct {
	next Observer

	mu      sync.Mutex
	pending map[ruleKey]*Observation
}

// NewBuffer returns a Buffer in front of next.
func NewBuffer(next Observer) *Buffer {
	return &Buffer{next: next, pending: map[ruleKey]*Observation{}}
}

// Observe implements Observer.
func (b *Buffer) Observe(_ context.Context, obs Observation) error {
	k := ruleKey{collection: obs.CollectionID, field: obs.SourceField}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.pending[k]
	if !ok {
		cp := obs
		b.pending[k] = &cp
		return nil
	}
	cur.Count += obs.Count
	if obs.FirstSeen.Before(cur.FirstSeen) {
		cur.FirstSeen = obs.FirstSeen
	}
	if obs.LastSeen.After(cur.LastSeen) {
		cur.LastSeen = obs.LastSeen
	}
	if obs.SampleValue != "" {
		cur.SampleValue = obs.SampleValue
	}
	return nil
}

// Flush writes every pending aggregate and returns them sorted by
// collection and field. Entries that failed to write stay pending.
func (b *Buffer) Flush(ctx context.Context) ([]Observation, error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = map[ruleKey]*Observation{}
	b.mu.Unlock()

	out := make([]Observation, 0, len(pending))
	for _, o := range pending {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CollectionID != out[j].CollectionID {
			return out[i].CollectionID < out[j].CollectionID
		}
		return out[i].SourceField < out[j].SourceField
	})
	if b.next == nil {
		return out, nil
	}

	var errs *multierror.Error
	for _, o := range out {
		if err := b.next.Observe(ctx, o); err != nil {
			errs = multierror.Append(errs, err)
			_ = b.Observe(ctx, o)
		}
	}
	return out, errs.ErrorOrNil()
}
