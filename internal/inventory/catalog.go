// Package inventory defines the read-only view of the pharmacy stock catalog
// consumed by the fulfillment engine. The catalog's own CRUD lives elsewhere.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the catalog cannot be queried (e.g. the
// circuit breaker guarding it is open).
var ErrUnavailable = errors.New("inventory catalog unavailable")

// ErrEntryNotFound is returned when a lookup by ID finds nothing.
var ErrEntryNotFound = errors.New("inventory entry not found")

// Entry is a single stock record.
type Entry struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	GenericName    string          `json:"generic_name,omitempty"`
	QuantityOnHand int             `json:"quantity_on_hand"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Unit           string          `json:"unit,omitempty"`
	Category       string          `json:"category,omitempty"`
}

// Filter narrows a catalog listing.
//
// When IDs is non-empty only entries with those IDs are returned and the text
// criteria are ignored. Otherwise an entry matches when its name or generic
// name contains Term, or when one of its names and one of Names contain each
// other. All comparisons are case-insensitive.
type Filter struct {
	Term  string
	Names []string
	IDs   []string
	Limit int
}

// Catalog is the query interface of the stock catalog.
type Catalog interface {
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Empty reports whether the filter can match nothing.
func (f Filter) Empty() bool {
	if len(f.IDs) > 0 {
		return false
	}
	if strings.TrimSpace(f.Term) != "" {
		return false
	}
	for _, n := range f.Names {
		if strings.TrimSpace(n) != "" {
			return false
		}
	}
	return true
}

// Matches applies the filter predicate to a single entry.
func (f Filter) Matches(e Entry) bool {
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == e.ID {
				return true
			}
		}
		return false
	}

	candidates := nonEmptyLower(e.Name, e.GenericName)

	if term := strings.ToLower(strings.TrimSpace(f.Term)); term != "" {
		for _, c := range candidates {
			if strings.Contains(c, term) {
				return true
			}
		}
	}

	for _, n := range nonEmptyLower(f.Names...) {
		for _, c := range candidates {
			if strings.Contains(c, n) || strings.Contains(n, c) {
				return true
			}
		}
	}
	return false
}

// NormalizedNames returns the trimmed, lower-cased, non-empty names.
func (f Filter) NormalizedNames() []string {
	return nonEmptyLower(f.Names...)
}

// Get fetches a single entry by ID through the List interface.
func Get(ctx context.Context, c Catalog, id string) (*Entry, error) {
	entries, err := c.List(ctx, Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

func nonEmptyLower(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
