package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mechlabs/mech-queue/internal/apperrors"
)

// Service wraps a Store with the session-lifecycle rules spec.md §4.9
// describes: updates that refresh lastActivity, and checkpoints stored
// separately by session id; RestoreCheckpoint is not implemented.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Create(ctx context.Context, applicationID, projectID, title string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:            uuid.NewString(),
		ApplicationID: applicationID,
		ProjectID:     projectID,
		Title:         title,
		Status:        StatusActive,
		Statistics:    Statistics{StartTime: now, LastActivity: now, Counters: map[string]int{}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) Get(ctx context.Context, applicationID, id string) (*Session, error) {
	return s.store.Get(ctx, applicationID, id)
}

func (s *Service) List(ctx context.Context, applicationID string) ([]*Session, error) {
	return s.store.List(ctx, applicationID)
}

// Update delegates to the store, which sets Title and Status when given,
// replaces Context as a whole when given (no key-wise merge), adds the
// given counters onto the existing ones, and refreshes lastActivity.
func (s *Service) Update(ctx context.Context, applicationID, id string, upd Update) (*Session, error) {
	return s.store.Update(ctx, applicationID, id, upd)
}

func (s *Service) End(ctx context.Context, applicationID, id string, status Status) error {
	if status == StatusActive {
		return fmt.Errorf("end: cannot end a session into the active status")
	}
	return s.store.End(ctx, applicationID, id, status)
}

func (s *Service) Checkpoint(ctx context.Context, sessionID, label string, state map[string]any) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Label:     label,
		State:     state,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *Service) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return s.store.ListCheckpoints(ctx, sessionID)
}

// RestoreCheckpoint is left unimplemented: the contract of restoration
// (revert session metadata only, vs. also reverting the reasoning chain)
// is an open question spec.md §9 leaves unresolved.
func (s *Service) RestoreCheckpoint(ctx context.Context, sessionID, checkpointID string) error {
	return apperrors.ErrNotImplemented
}
