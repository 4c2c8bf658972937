package webhook

import (
	"context"
	"time"
)

// Store persists subscriptions. The Postgres implementation
// (internal/storage/postgres) backs production.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, applicationID, id string) (*Subscription, error)
	List(ctx context.Context, applicationID string) ([]*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	Delete(ctx context.Context, applicationID, id string) error

	// ActiveForApplication returns every active subscription for a tenant;
	// the engine filters by event/queue/status/metadata in-process since
	// those filters are cheap relative to a round trip per event.
	ActiveForApplication(ctx context.Context, applicationID string) ([]*Subscription, error)

	RecordDelivery(ctx context.Context, s *Subscription, triggeredAt time.Time) error
	RecordFailure(ctx context.Context, s *Subscription) error
}
