package session

import "context"

// Store persists sessions and their checkpoints. The Postgres
// implementation (internal/storage/postgres) backs production.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, applicationID, id string) (*Session, error)
	List(ctx context.Context, applicationID string) ([]*Session, error)
	Update(ctx context.Context, applicationID, id string, upd Update) (*Session, error)
	End(ctx context.Context, applicationID, id string, status Status) error

	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)
}
