package inventory

import (
	"context"
	"fmt"

	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

// GuardedCatalog routes catalog queries through a circuit breaker so a slow
// or failing catalog degrades to ErrUnavailable instead of piling up requests.
type GuardedCatalog struct {
	next    Catalog
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedCatalog wraps next with breaker.
func NewGuardedCatalog(next Catalog, breaker *circuitbreaker.CircuitBreaker) *GuardedCatalog {
	return &GuardedCatalog{next: next, breaker: breaker}
}

// List implements Catalog.
func (g *GuardedCatalog) List(ctx context.Context, f Filter) ([]Entry, error) {
	res, err := g.breaker.Execute(ctx, func() (any, error) {
		return g.next.List(ctx, f)
	})
	if err != nil {
		if circuitbreaker.IsRejected(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	entries, _ := res.([]Entry)
	return entries, nil
}

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedCatalog) Breaker() *circuitbreaker.CircuitBreaker { return g.breaker }
