package vectorsearch

import "context"

// Store persists code-chunk embeddings and serves the approximate-cosine
// k-NN query. The Postgres implementation (internal/storage/postgres) uses
// pgvector; numCandidates is the first-stage ivfflat fan-out (limit x 10).
type Store interface {
	InsertChunk(ctx context.Context, chunk CodeChunk) error
	SearchCode(ctx context.Context, queryEmbedding []float32, filters Filters, opts SearchOptions, numCandidates int) ([]Hit, error)
	DeleteRepositoryEmbeddings(ctx context.Context, projectID, repositoryName string) (int, error)
	EnsureVectorIndex(ctx context.Context, dimension int) error

	CreateIndexingJob(ctx context.Context, job *IndexingJob) error
	UpdateIndexingJob(ctx context.Context, job *IndexingJob) error
	GetIndexingJob(ctx context.Context, projectID, id string) (*IndexingJob, error)
}
