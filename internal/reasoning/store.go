package reasoning

import "context"

// SearchFilters narrows a lexical search.
type SearchFilters struct {
	SessionID string // optional, scopes to one session's chain
	Types     []StepType
}

// SearchResult pairs a step with its full-text relevance rank.
type SearchResult struct {
	Step Step
	Rank float64
}

// Analysis summarizes a session's reasoning chain.
type Analysis struct {
	TypeDistribution map[StepType]int
	ToolUsage        map[string]int
	FileTouches      map[string]int
	AverageQuality   Quality
	TopKeywords      []string
	Phases           []StepType // ordered sequence of step types across the chain
}

// Store persists reasoning steps. The Postgres implementation
// (internal/storage/postgres) backs production.
type Store interface {
	// AppendStep assigns stepNumber = session.chainLength+1 atomically,
	// persists the step, and bumps the owning session's reasoningSteps
	// counter in the same transaction.
	AppendStep(ctx context.Context, step *Step) error
	GetChain(ctx context.Context, applicationID, sessionID string) ([]Step, error)
	Search(ctx context.Context, applicationID, query string, filters SearchFilters) ([]SearchResult, error)
	Analyze(ctx context.Context, applicationID, sessionID string) (*Analysis, error)
}
