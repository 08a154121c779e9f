// Package fieldmap resolves source field names to sink column names.
//
// Resolution walks an ordered list of tiers and the first tier that answers
// wins:
//
//  1. rules scoped to the collection (lowest priority value wins)
//  2. wildcard rules, CollectionID == "*"
//  3. the embedded baseline compiled into the binary
//  4. a deterministic generated name (pinyin, then hash)
//
// Rules are read once per run into an immutable RuleSnapshot and threaded
// through the Resolver; nothing in this package holds global mutable state.
package fieldmap

import (
	"time"

	"sheetsync/pkg/records"
)

// Wildcard is the CollectionID of rules that apply to every collection.
const Wildcard = "*"

// Rule maps a source field to a sink column.
type Rule struct {
	CollectionID  string           `json:"collection_id" yaml:"collection_id"`
	SourceField   string           `json:"source_field" yaml:"source_field"`
	Column        string           `json:"column" yaml:"column"`
	Type          records.DataType `json:"type,omitempty" yaml:"type,omitempty"`
	Required      bool             `json:"required,omitempty" yaml:"required,omitempty"`
	Priority      int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	RawColumn     string           `json:"raw_column,omitempty" yaml:"raw_column,omitempty"`
	InferYearFrom string           `json:"infer_year_from,omitempty" yaml:"infer_year_from,omitempty"`
}

// Tier names reported in Resolution.Tier.
const (
	TierCollection = "collection"
	TierWildcard   = "wildcard"
	TierBaseline   = "baseline"
	TierFallback   = "fallback"
)

// Resolution is the answer for one source field.
type Resolution struct {
	Column        string
	Type          records.DataType
	Required      bool
	RawColumn     string
	InferYearFrom string
	Unknown       bool
	Tier          string
}

func fromRule(r Rule, tier string) Resolution {
	t := r.Type
	if t == "" {
		t = records.TypeString
	}
	return Resolution{
		Column:        r.Column,
		Type:          t,
		Required:      r.Required,
		RawColumn:     r.RawColumn,
		InferYearFrom: r.InferYearFrom,
		Tier:          tier,
	}
}

// Observation status values.
const (
	StatusPending = "pending"
	StatusMapped  = "mapped"
	StatusIgnored = "ignored"
)

// Observation records an unmapped source field. Count is the number of new
// occurrences being reported; stores add it to the running total.
type Observation struct {
	CollectionID    string    `json:"collection_id"`
	SourceField     string    `json:"source_field"`
	GeneratedColumn string    `json:"generated_column"`
	Count           int64     `json:"occurrence_count"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	SampleValue     string    `json:"sample_value"`
	Status          string    `json:"status"`
}

// MaxSampleRunes caps the stored sample value.
const MaxSampleRunes = 500

func truncateSample(s string) string {
	n := 0
	for i := range s {
		if n == MaxSampleRunes {
			return s[:i]
		}
		n++
	}
	return s
}
