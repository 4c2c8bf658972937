package reasoning

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service validates and forwards reasoning-chain operations to a Store.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// StoreStep appends a step to its session's chain.
func (s *Service) StoreStep(ctx context.Context, step Step) (*Step, error) {
	if step.SessionID == "" {
		return nil, fmt.Errorf("store step: sessionId is required")
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	clampQuality(&step.Quality)
	if step.Content.Confidence < 0 {
		step.Content.Confidence = 0
	}
	if step.Content.Confidence > 1 {
		step.Content.Confidence = 1
	}
	if err := s.store.AppendStep(ctx, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

func clampQuality(q *Quality) {
	q.Clarity = clamp01(q.Clarity)
	q.Completeness = clamp01(q.Completeness)
	q.Usefulness = clamp01(q.Usefulness)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Service) GetChain(ctx context.Context, applicationID, sessionID string) ([]Step, error) {
	return s.store.GetChain(ctx, applicationID, sessionID)
}

func (s *Service) Search(ctx context.Context, applicationID, query string, filters SearchFilters) ([]SearchResult, error) {
	return s.store.Search(ctx, applicationID, query, filters)
}

func (s *Service) Analyze(ctx context.Context, applicationID, sessionID string) (*Analysis, error) {
	return s.store.Analyze(ctx, applicationID, sessionID)
}
