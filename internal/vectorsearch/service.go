package vectorsearch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mechlabs/mech-queue/internal/embedding"
)

const (
	defaultLimit          = 10
	defaultScoreThreshold = 0.7
	candidateFanOut       = 10
)

// Service ties the embedding provider to the vector store, implementing the
// indexing and search contract of spec.md §4.7.
type Service struct {
	store    Store
	provider embedding.Provider
}

func New(store Store, provider embedding.Provider) *Service {
	return &Service{store: store, provider: provider}
}

// IndexChunk embeds and stores one code chunk.
func (s *Service) IndexChunk(ctx context.Context, chunk CodeChunk) error {
	vec, err := s.provider.Embed(ctx, chunk.Content)
	if err != nil {
		return fmt.Errorf("embed chunk: %w", err)
	}
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	chunk.Embedding = vec
	chunk.IndexedAt = time.Now()
	return s.store.InsertChunk(ctx, chunk)
}

// SearchCode embeds the query and issues the k-NN search, applying the
// score threshold and limit defaults.
func (s *Service) SearchCode(ctx context.Context, query string, filters Filters, opts SearchOptions) ([]Hit, error) {
	if filters.ProjectID == "" {
		return nil, fmt.Errorf("searchCode: projectId is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = defaultScoreThreshold
	}

	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	numCandidates := opts.Limit * candidateFanOut
	hits, err := s.store.SearchCode(ctx, vec, filters, opts, numCandidates)
	if err != nil {
		return nil, fmt.Errorf("search code: %w", err)
	}
	return hits, nil
}

func (s *Service) DeleteRepositoryEmbeddings(ctx context.Context, projectID, repositoryName string) (int, error) {
	return s.store.DeleteRepositoryEmbeddings(ctx, projectID, repositoryName)
}

func (s *Service) EnsureVectorIndex(ctx context.Context) error {
	return s.store.EnsureVectorIndex(ctx, s.provider.Dimension())
}
