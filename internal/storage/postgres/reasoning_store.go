package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/mechlabs/mech-queue/internal/reasoning"
)

// ReasoningStore implements reasoning.Store against Postgres.
type ReasoningStore struct {
	db *sqlx.DB
}

func NewReasoningStore(db *sqlx.DB) *ReasoningStore {
	return &ReasoningStore{db: db}
}

// AppendStep assigns the next stepNumber under a row lock on the owning
// session, persists the step, and bumps the session's reasoningSteps
// counter — all inside one transaction so two concurrent appends to the
// same session never collide on stepNumber (spec.md §4.8, invariant I5).
func (s *ReasoningStore) AppendStep(ctx context.Context, step *reasoning.Step) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, step.SessionID); err != nil {
		return fmt.Errorf("lock session: %w", err)
	}

	var maxStep int
	err = tx.GetContext(ctx, &maxStep, `
		SELECT COALESCE(MAX(step_number), 0) FROM reasoning_steps
		WHERE session_id = $1`, step.SessionID)
	if err != nil {
		return fmt.Errorf("lock chain length: %w", err)
	}
	step.StepNumber = maxStep + 1

	blob, err := (jsonColumn[reasoningBlob]{Val: reasoningBlob{
		Context:    step.Context,
		Metadata:   step.Metadata,
		Summary:    step.Content.Summary,
		Confidence: step.Content.Confidence,
		Keywords:   step.Content.Keywords,
		Entities:   step.Content.Entities,
		Quality:    step.Quality,
	}}).Value()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reasoning_steps (
			application_id, session_id, step_number, role, content, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		step.ApplicationID, step.SessionID, step.StepNumber, step.Type, step.Content.Raw, blob)
	if err != nil {
		return fmt.Errorf("insert reasoning step: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			statistics = jsonb_set(statistics, '{reasoningSteps}',
				((COALESCE(statistics->>'reasoningSteps', '0'))::int + 1)::text::jsonb),
			updated_at = now()
		WHERE id = $1`, step.SessionID)
	if err != nil {
		return fmt.Errorf("bump session reasoning counter: %w", err)
	}

	return tx.Commit()
}

// reasoningBlob folds every non-content/non-role field into the single
// metadata JSONB column, since the schema keeps one flexible column rather
// than one per nested struct.
type reasoningBlob struct {
	Context    reasoning.StepContext `json:"context"`
	Metadata   reasoning.Metadata    `json:"metadata"`
	Summary    string                `json:"summary"`
	Confidence float64               `json:"confidence"`
	Keywords   []string              `json:"keywords"`
	Entities   []string              `json:"entities"`
	Quality    reasoning.Quality     `json:"quality"`
}

type reasoningRow struct {
	ID            int64  `db:"id"`
	ApplicationID string `db:"application_id"`
	SessionID     string `db:"session_id"`
	StepNumber    int    `db:"step_number"`
	Role          string `db:"role"`
	Content       string `db:"content"`
	Metadata      []byte `db:"metadata"`
}

func (r *reasoningRow) toStep() reasoning.Step {
	var blob reasoningBlob
	_ = unmarshalInto(r.Metadata, &blob)
	return reasoning.Step{
		ID:            fmt.Sprintf("%d", r.ID),
		ApplicationID: r.ApplicationID,
		SessionID:     r.SessionID,
		StepNumber:    r.StepNumber,
		Type:          reasoning.StepType(r.Role),
		Content: reasoning.Content{
			Raw:        r.Content,
			Summary:    blob.Summary,
			Confidence: blob.Confidence,
			Keywords:   blob.Keywords,
			Entities:   blob.Entities,
		},
		Context:  blob.Context,
		Quality:  blob.Quality,
		Metadata: blob.Metadata,
	}
}

func (s *ReasoningStore) GetChain(ctx context.Context, applicationID, sessionID string) ([]reasoning.Step, error) {
	var rows []reasoningRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, application_id, session_id, step_number, role, content, metadata
		FROM reasoning_steps
		WHERE application_id = $1 AND session_id = $2
		ORDER BY step_number ASC`, applicationID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get chain: %w", err)
	}
	out := make([]reasoning.Step, len(rows))
	for i := range rows {
		out[i] = rows[i].toStep()
	}
	return out, nil
}

// Search runs a Postgres full-text query against the generated tsvector
// column, ranked by relevance then recency, optionally scoped to a session.
func (s *ReasoningStore) Search(ctx context.Context, applicationID, query string, filters reasoning.SearchFilters) ([]reasoning.SearchResult, error) {
	sqlQuery := `
		SELECT id, application_id, session_id, step_number, role, content, metadata,
		       ts_rank(content_tsv, plainto_tsquery('english', $2)) AS rank
		FROM reasoning_steps
		WHERE application_id = $1 AND content_tsv @@ plainto_tsquery('english', $2)`
	args := []any{applicationID, query}
	argN := 3
	if filters.SessionID != "" {
		sqlQuery += fmt.Sprintf(" AND session_id = $%d", argN)
		args = append(args, filters.SessionID)
		argN++
	}
	sqlQuery += " ORDER BY rank DESC, created_at DESC LIMIT 100"

	rows, err := s.db.QueryxContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search reasoning steps: %w", err)
	}
	defer rows.Close()

	var out []reasoning.SearchResult
	for rows.Next() {
		var row reasoningRow
		var rank float64
		if err := rows.Scan(&row.ID, &row.ApplicationID, &row.SessionID, &row.StepNumber,
			&row.Role, &row.Content, &row.Metadata, &rank); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, reasoning.SearchResult{Step: row.toStep(), Rank: rank})
	}
	return out, rows.Err()
}

func (s *ReasoningStore) Analyze(ctx context.Context, applicationID, sessionID string) (*reasoning.Analysis, error) {
	steps, err := s.GetChain(ctx, applicationID, sessionID)
	if err != nil {
		return nil, err
	}
	a := &reasoning.Analysis{
		TypeDistribution: make(map[reasoning.StepType]int),
		ToolUsage:        make(map[string]int),
		FileTouches:      make(map[string]int),
	}
	keywordCounts := make(map[string]int)
	var clarity, completeness, usefulness float64
	for _, st := range steps {
		a.TypeDistribution[st.Type]++
		a.Phases = append(a.Phases, st.Type)
		for _, tool := range st.Context.ToolsUsed {
			a.ToolUsage[tool]++
		}
		for _, f := range st.Context.FilesModified {
			a.FileTouches[f]++
		}
		for _, kw := range st.Content.Keywords {
			keywordCounts[kw]++
		}
		clarity += st.Quality.Clarity
		completeness += st.Quality.Completeness
		usefulness += st.Quality.Usefulness
	}
	if n := float64(len(steps)); n > 0 {
		a.AverageQuality = reasoning.Quality{
			Clarity: clarity / n, Completeness: completeness / n, Usefulness: usefulness / n,
		}
	}
	a.TopKeywords = topKeywords(keywordCounts, 10)
	return a, nil
}

// topKeywords returns the n most frequent keywords, breaking frequency ties
// alphabetically so the result is deterministic.
func topKeywords(counts map[string]int, n int) []string {
	type kv struct {
		keyword string
		count   int
	}
	ordered := make([]kv, 0, len(counts))
	for k, c := range counts {
		ordered = append(ordered, kv{k, c})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].keyword < ordered[j].keyword
	})
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	out := make([]string, len(ordered))
	for i, e := range ordered {
		out[i] = e.keyword
	}
	return out
}
