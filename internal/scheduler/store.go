package scheduler

import (
	"context"
	"time"
)

// Store persists schedules and their execution bookkeeping. The Postgres
// implementation (internal/storage/postgres) backs production; tests use
// the in-memory implementation in this package.
type Store interface {
	Create(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, applicationID, id string) (*Schedule, error)
	List(ctx context.Context, applicationID string) ([]*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, applicationID, id string) error
	SetEnabled(ctx context.Context, applicationID, id string, enabled bool, now time.Time) error

	// ClaimDue atomically selects schedules with enabled=true and
	// nextExecutionAt<=now, recomputes their next fire and bumps
	// executionCount in the same update, and returns the post-claim
	// snapshots for execution. A schedule claimed by one leader is not
	// visible to a concurrent ClaimDue call until its claim's effects are
	// committed.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)

	// RecordExecution persists the outcome of a fire that ClaimDue already
	// selected; it never touches nextExecutionAt or executionCount.
	RecordExecution(ctx context.Context, id string, status ExecutionStatus, execErr string, executedAt time.Time) error
}
