package fieldmap

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"sheetsync/pkg/records"
)

//go:embed baseline.json
var baselineJSON []byte

type baselineEntry struct {
	Source        string `json:"source"`
	Column        string `json:"column"`
	Type          string `json:"type"`
	Required      bool   `json:"required"`
	RawColumn     string `json:"raw_column"`
	InferYearFrom string `json:"infer_year_from"`
}

type baselineDoc struct {
	Core        []baselineEntry            `json:"core"`
	Collections map[string][]baselineEntry `json:"collections"`
}

// Baseline is the mapping compiled into the binary. It stays available when
// the rule store is not.
type Baseline struct {
	core        map[string]Rule
	collections map[string]map[string]Rule
}

// DefaultBaseline returns the embedded baseline, parsed once. It panics on a
// malformed file, which can only happen at build time.
var DefaultBaseline = sync.OnceValue(func() *Baseline {
	b, err := ParseBaseline(baselineJSON)
	if err != nil {
		panic(fmt.Sprintf("fieldmap: embedded baseline: %v", err))
	}
	return b
})

// ParseBaseline builds a Baseline from its JSON form.
func ParseBaseline(data []byte) (*Baseline, error) {
	var doc baselineDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	b := &Baseline{core: map[string]Rule{}, collections: map[string]map[string]Rule{}}
	toRule := func(coll string, e baselineEntry) (Rule, error) {
		t, err := records.ParseDataType(e.Type)
		if err != nil {
			return Rule{}, fmt.Errorf("%s: %w", e.Source, err)
		}
		return Rule{
			CollectionID:  coll,
			SourceField:   e.Source,
			Column:        e.Column,
			Type:          t,
			Required:      e.Required,
			RawColumn:     e.RawColumn,
			InferYearFrom: e.InferYearFrom,
		}, nil
	}
	for _, e := range doc.Core {
		r, err := toRule(Wildcard, e)
		if err != nil {
			return nil, err
		}
		b.core[e.Source] = r
	}
	for coll, entries := range doc.Collections {
		m := make(map[string]Rule, len(entries))
		for _, e := range entries {
			r, err := toRule(coll, e)
			if err != nil {
				return nil, err
			}
			m[e.Source] = r
		}
		b.collections[coll] = m
	}
	return b, nil
}

func (b *Baseline) lookup(collection, field string) (Rule, bool) {
	if m, ok := b.collections[collection]; ok {
		if r, ok := m[field]; ok {
			return r, true
		}
	}
	r, ok := b.core[field]
	return r, ok
}

func (b *Baseline) requiredFields(collection string) []string {
	var out []string
	for f, r := range b.core {
		if r.Required {
			out = append(out, f)
		}
	}
	for f, r := range b.collections[collection] {
		if r.Required {
			out = append(out, f)
		}
	}
	return out
}
