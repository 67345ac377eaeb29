package internal

import (
	"context"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
)

// DefaultLinkEvaluationSize bounds how many refs per link name are examined.
const DefaultLinkEvaluationSize = 50

// linkEvaluator resolves $$links clauses in memory from the denormalized
// links map, reading linked cards through the cache.
type linkEvaluator struct {
	lookup  *cardLookup
	maxRefs int
}

func newLinkEvaluator(lookup *cardLookup, maxRefs int) *linkEvaluator {
	if maxRefs <= 0 {
		maxRefs = DefaultLinkEvaluationSize
	}
	return &linkEvaluator{lookup: lookup, maxRefs: maxRefs}
}

// EvaluateCard returns a copy of card with every link clause of filter
// resolved into Linked, and Links narrowed to the matching refs. It returns
// nil when a required link has no match or a negated link has any.
func (e *linkEvaluator) EvaluateCard(ctx context.Context, card *cardbase.Card, filter *CardFilter) (*cardbase.Card, error) {
	if card == nil {
		return nil, nil
	}
	if !filter.HasLinks() {
		return card, nil
	}

	out := card.Clone()
	out.Linked = make(map[string][]*cardbase.Card, len(filter.links))
	if out.Links == nil {
		out.Links = map[string][]cardbase.LinkRef{}
	}
	for _, name := range filter.linkNames() {
		sub := filter.links[name]
		refs := card.Links[name]
		if sub == nil {
			if len(refs) > 0 {
				return nil, nil
			}
			continue
		}
		linked, matched, err := e.Evaluate(ctx, refs, sub)
		if err != nil {
			return nil, err
		}
		if len(linked) == 0 {
			return nil, nil
		}
		out.Linked[name] = linked
		out.Links[name] = matched
	}
	return out, nil
}

// Evaluate resolves the most recent refs against sub, recursing into nested
// link clauses, and returns the matching cards with their refs.
func (e *linkEvaluator) Evaluate(ctx context.Context, refs []cardbase.LinkRef, sub *CardFilter) ([]*cardbase.Card, []cardbase.LinkRef, error) {
	var linked []*cardbase.Card
	var matched []cardbase.LinkRef
	seen := map[uuid.UUID]bool{}
	for _, ref := range recentRefs(refs, e.maxRefs) {
		if seen[ref.ID] {
			continue
		}
		card, err := e.lookup.ByID(ctx, ref.ID)
		if err != nil {
			return nil, nil, err
		}
		if !sub.Matches(card) {
			continue
		}
		resolved, err := e.EvaluateCard(ctx, card, sub)
		if err != nil {
			return nil, nil, err
		}
		if resolved == nil {
			continue
		}
		seen[ref.ID] = true
		linked = append(linked, resolved)
		matched = append(matched, ref)
	}
	return linked, matched, nil
}
