package fieldmap

import (
	"context"
	"sort"
)

// RuleSource loads the administrator-maintained rules.
type RuleSource interface {
	Rules(ctx context.Context) ([]Rule, error)
}

type ruleKey struct {
	collection string
	field      string
}

// RuleSnapshot is an immutable view of the rules taken at run start.
type RuleSnapshot struct {
	byKey    map[ruleKey]Rule
	required map[string][]Rule // collection -> required rules
	degraded error
}

// NewSnapshot indexes rules. For each (collection, field) the rule with the
// lowest Priority wins; on a tie the first one wins.
func NewSnapshot(rules []Rule) *RuleSnapshot {
	s := &RuleSnapshot{byKey: make(map[ruleKey]Rule, len(rules)), required: map[string][]Rule{}}
	for _, r := range rules {
		if r.SourceField == "" || r.Column == "" {
			continue
		}
		k := ruleKey{collection: r.CollectionID, field: r.SourceField}
		if cur, ok := s.byKey[k]; ok && cur.Priority <= r.Priority {
			continue
		}
		s.byKey[k] = r
	}
	for k, r := range s.byKey {
		if r.Required {
			s.required[k.collection] = append(s.required[k.collection], r)
		}
	}
	for c := range s.required {
		rs := s.required[c]
		sort.Slice(rs, func(i, j int) bool { return rs[i].Column < rs[j].Column })
	}
	return s
}

// DegradedSnapshot is used when the rule store cannot be read. It holds no
// rules and reports err through Degraded.
func DegradedSnapshot(err error) *RuleSnapshot {
	return &RuleSnapshot{byKey: map[ruleKey]Rule{}, required: map[string][]Rule{}, degraded: err}
}

// LoadSnapshot reads all rules from src. A read failure yields a degraded
// snapshot rather than an error.
func LoadSnapshot(ctx context.Context, src RuleSource) *RuleSnapshot {
	if src == nil {
		return NewSnapshot(nil)
	}
	rules, err := src.Rules(ctx)
	if err != nil {
		return DegradedSnapshot(err)
	}
	return NewSnapshot(rules)
}

// Degraded returns the load error, or nil when the snapshot is complete.
func (s *RuleSnapshot) Degraded() error { return s.degraded }

// Len returns the number of distinct rules.
func (s *RuleSnapshot) Len() int { return len(s.byKey) }

func (s *RuleSnapshot) lookup(collection, field string) (Rule, bool) {
	r, ok := s.byKey[ruleKey{collection: collection, field: field}]
	return r, ok
}
