package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mechlabs/mech-queue/internal/apperrors"
	"github.com/mechlabs/mech-queue/internal/vectorsearch"
)

// VectorSearchStore implements vectorsearch.Store against Postgres's
// pgvector extension. No Go vector-math or pgvector client library appears
// in the example pack, so embeddings are marshalled to/from pgvector's
// text literal format ("[v1,v2,...]") by hand and compared with the
// <=> cosine-distance operator (see DESIGN.md).
type VectorSearchStore struct {
	db *sqlx.DB
}

func NewVectorSearchStore(db *sqlx.DB) *VectorSearchStore {
	return &VectorSearchStore{db: db}
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s *VectorSearchStore) InsertChunk(ctx context.Context, chunk vectorsearch.CodeChunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO code_embeddings (
			id, application_id, repo, file_path, chunk_index, end_line, language, content, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding,
			end_line = EXCLUDED.end_line, language = EXCLUDED.language`,
		chunk.ID, chunk.ProjectID, chunk.RepositoryName, chunk.FilePath, chunk.StartLine,
		chunk.EndLine, chunk.Language, chunk.Content, vectorLiteral(chunk.Embedding))
	if err != nil {
		return fmt.Errorf("insert code embedding: %w", err)
	}
	return nil
}

type embeddingRow struct {
	ID        string  `db:"id"`
	ProjectID string  `db:"application_id"`
	Repo      string  `db:"repo"`
	FilePath  string  `db:"file_path"`
	ChunkIdx  int     `db:"chunk_index"`
	EndLine   int     `db:"end_line"`
	Language  string  `db:"language"`
	Content   string  `db:"content"`
	Distance  float64 `db:"distance"`
}

// SearchCode runs the ivfflat-accelerated approximate k-NN query. Cosine
// distance (<=>) is converted to the spec's similarity score as 1 -
// distance; numCandidates bounds the first-stage fan-out via LIMIT, then
// rows scoring below scoreThreshold are dropped in Go and the result stops
// at opts.Limit hits.
func (s *VectorSearchStore) SearchCode(ctx context.Context, queryEmbedding []float32, filters vectorsearch.Filters, opts vectorsearch.SearchOptions, numCandidates int) ([]vectorsearch.Hit, error) {
	lit := vectorLiteral(queryEmbedding)
	query := `
		SELECT id, application_id, repo, file_path, chunk_index, end_line, language, content,
		       (embedding <=> $1::vector) AS distance
		FROM code_embeddings
		WHERE application_id = $2`
	args := []any{lit, filters.ProjectID}
	argN := 3

	if filters.RepositoryName != "" {
		query += fmt.Sprintf(" AND repo = $%d", argN)
		args = append(args, filters.RepositoryName)
		argN++
	}
	if filters.Language != "" {
		query += fmt.Sprintf(" AND language = $%d", argN)
		args = append(args, filters.Language)
		argN++
	}
	if filters.FilePathRegex != "" {
		query += fmt.Sprintf(" AND file_path ~ $%d", argN)
		args = append(args, filters.FilePathRegex)
		argN++
	}

	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", argN)
	args = append(args, numCandidates)

	var rows []embeddingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("search code embeddings: %w", err)
	}

	hits := make([]vectorsearch.Hit, 0, len(rows))
	for _, r := range rows {
		score := 1 - r.Distance
		if score < opts.ScoreThreshold {
			continue
		}
		hits = append(hits, vectorsearch.Hit{
			Chunk: vectorsearch.CodeChunk{
				ID: r.ID, ProjectID: r.ProjectID, RepositoryName: r.Repo,
				FilePath: r.FilePath, StartLine: r.ChunkIdx, EndLine: r.EndLine,
				Language: r.Language, Content: r.Content,
			},
			Score: score,
		})
		if len(hits) >= opts.Limit {
			break
		}
	}
	return hits, nil
}

func (s *VectorSearchStore) DeleteRepositoryEmbeddings(ctx context.Context, projectID, repositoryName string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM code_embeddings WHERE application_id = $1 AND repo = $2`, projectID, repositoryName)
	if err != nil {
		return 0, fmt.Errorf("delete repository embeddings: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// EnsureVectorIndex creates the ivfflat cosine index if it does not exist,
// with lists fixed at 100; an existing index is left as it is, and dimension
// is not used. The migration runner already creates the index once
// (migrations/00004_vector_index.sql); this exists for operators who
// bulk-load embeddings before an index exists and build it afterward.
func (s *VectorSearchStore) EnsureVectorIndex(ctx context.Context, dimension int) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS code_embeddings_embedding_idx ON code_embeddings
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`)
	if err != nil {
		return fmt.Errorf("ensure vector index: %w", err)
	}
	return nil
}

func (s *VectorSearchStore) CreateIndexingJob(ctx context.Context, job *vectorsearch.IndexingJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexing_jobs (id, application_id, repo, status)
		VALUES ($1, $2, $3, $4)`, job.ID, job.ProjectID, job.RepositoryName, job.Status)
	if err != nil {
		return fmt.Errorf("create indexing job: %w", err)
	}
	return nil
}

func (s *VectorSearchStore) UpdateIndexingJob(ctx context.Context, job *vectorsearch.IndexingJob) error {
	var completedAt *time.Time
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE indexing_jobs SET status = $1, chunks_indexed = $2, error = $3, completed_at = $4
		WHERE id = $5`, job.Status, job.ChunksIndexed, job.Error, completedAt, job.ID)
	if err != nil {
		return fmt.Errorf("update indexing job: %w", err)
	}
	return nil
}

func (s *VectorSearchStore) GetIndexingJob(ctx context.Context, projectID, id string) (*vectorsearch.IndexingJob, error) {
	var row struct {
		ID          string     `db:"id"`
		ProjectID   string     `db:"application_id"`
		Repo        string     `db:"repo"`
		Status      string     `db:"status"`
		Chunks      int        `db:"chunks_indexed"`
		Error       string     `db:"error"`
		CreatedAt   time.Time  `db:"created_at"`
		CompletedAt *time.Time `db:"completed_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM indexing_jobs WHERE id = $1 AND application_id = $2`, id, projectID)
	if err != nil {
		return nil, apperrors.NotFound(fmt.Sprintf("indexing job %s not found", id))
	}
	return &vectorsearch.IndexingJob{
		ID: row.ID, ProjectID: row.ProjectID, RepositoryName: row.Repo,
		Status: row.Status, ChunksIndexed: row.Chunks, Error: row.Error,
		CreatedAt: row.CreatedAt, CompletedAt: row.CompletedAt,
	}, nil
}
