package vectorsearch

import "time"

// CodeChunk is one embedded slice of source, scoped to a project and repo.
type CodeChunk struct {
	ID             string
	ProjectID      string
	RepositoryName string
	FilePath       string
	StartLine      int
	EndLine        int
	Language       string
	Content        string
	Embedding      []float32
	IndexedAt      time.Time
}

// Filters narrows a search to a subset of the index. ProjectID is
// mandatory per spec.md §4.7; the rest are optional.
type Filters struct {
	ProjectID      string
	RepositoryName string
	Language       string
	FilePathRegex  string
}

// SearchOptions bounds result size and relevance.
type SearchOptions struct {
	Limit          int     // defaults to 10
	ScoreThreshold float64 // defaults to 0.7
}

// Hit is one search result with its similarity score.
type Hit struct {
	Chunk CodeChunk
	Score float64
}

// IndexingJob tracks the progress of embedding a repository.
type IndexingJob struct {
	ID             string
	ProjectID      string
	RepositoryName string
	Status         string // pending|running|completed|failed
	ChunksIndexed  int
	Error          string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}
