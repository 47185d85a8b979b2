package prescription

import (
	"context"
	"time"
)

// Repository persists prescriptions. Save writes the aggregate's pending
// rounds, status, total and events in one transaction, guarded by an
// optimistic check on BaseVersion; a stale aggregate fails with
// ErrConcurrentModification and nothing is written.
type Repository interface {
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
	Events(ctx context.Context, id string) ([]*Event, error)
	// ListExpirable returns IDs of fillable prescriptions whose validity
	// ended before cutoff.
	ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}
