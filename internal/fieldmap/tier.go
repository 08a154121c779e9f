package fieldmap

import "sheetsync/pkg/records"

// Tier is one level of the resolution chain.
type Tier interface {
	Name() string
	TryResolve(collectionID, sourceField string) (Resolution, bool)
}

type collectionTier struct{ snap *RuleSnapshot }

func (collectionTier) Name() string { return TierCollection }

func (t collectionTier) TryResolve(collectionID, sourceField string) (Resolution, bool) {
	if collectionID == Wildcard {
		return Resolution{}, false
	}
	r, ok := t.snap.lookup(collectionID, sourceField)
	if !ok {
		return Resolution{}, false
	}
	return fromRule(r, TierCollection), true
}

type wildcardTier struct{ snap *RuleSnapshot }

func (wildcardTier) Name() string { return TierWildcard }

func (t wildcardTier) TryResolve(_, sourceField string) (Resolution, bool) {
	r, ok := t.snap.lookup(Wildcard, sourceField)
	if !ok {
		return Resolution{}, false
	}
	return fromRule(r, TierWildcard), true
}

type baselineTier struct{ base *Baseline }

func (baselineTier) Name() string { return TierBaseline }

func (t baselineTier) TryResolve(collectionID, sourceField string) (Resolution, bool) {
	r, ok := t.base.lookup(collectionID, sourceField)
	if !ok {
		return Resolution{}, false
	}
	return fromRule(r, TierBaseline), true
}

type fallbackTier struct{}

func (fallbackTier) Name() string { return TierFallback }

func (fallbackTier) TryResolve(_, sourceField string) (Resolution, bool) {
	return Resolution{
		Column:  GenerateName(sourceField),
		Type:    records.TypeString,
		Unknown: true,
		Tier:    TierFallback,
	}, true
}

// CollectionTier, WildcardTier, BaselineTier and FallbackTier expose the
// individual tiers for callers composing their own chain.
func CollectionTier(s *RuleSnapshot) Tier { return collectionTier{snap: s} }
func WildcardTier(s *RuleSnapshot) Tier   { return wildcardTier{snap: s} }
func BaselineTier(b *Baseline) Tier       { return baselineTier{base: b} }
func FallbackTier() Tier                  { return fallbackTier{} }
