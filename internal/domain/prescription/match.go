package prescription

import (
	"context"
	"strings"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

// MaxCandidates caps the candidate list returned for one prescribed item.
const MaxCandidates = 10

// MatchFilter builds the catalog filter for a prescribed item and a search term.
func MatchFilter(item PrescribedItem, term string) inventory.Filter {
	return inventory.Filter{
		Term:  strings.TrimSpace(term),
		Names: []string{item.MedicationName, item.GenericName},
		Limit: MaxCandidates,
	}
}

// FindCandidates returns catalog entries that plausibly fulfill item.
// An empty term yields no candidates and no catalog query.
func FindCandidates(ctx context.Context, catalog inventory.Catalog, item PrescribedItem, term string) ([]inventory.Entry, error) {
	if strings.TrimSpace(term) == "" {
		return []inventory.Entry{}, nil
	}
	entries, err := catalog.List(ctx, MatchFilter(item, term))
	if err != nil {
		return nil, err
	}
	return SelectCandidates(item, term, entries), nil
}

// SelectCandidates applies the match rule to entries, preserving their order
// and keeping at most MaxCandidates.
func SelectCandidates(item PrescribedItem, term string, entries []inventory.Entry) []inventory.Entry {
	out := make([]inventory.Entry, 0, min(len(entries), MaxCandidates))
	if strings.TrimSpace(term) == "" {
		return out
	}
	f := MatchFilter(item, term)
	for _, e := range entries {
		if len(out) == MaxCandidates {
			break
		}
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
