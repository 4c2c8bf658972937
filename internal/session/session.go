// Package session manages agent work sessions: lifecycle, merged-update
// semantics, and checkpointing.
package session

import "time"

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusAbandoned Status = "abandoned"
)

// Context captures the working environment a session operates in.
type Context struct {
	WorkingDirectory string
	GitBranch        string
	GitCommit        string
	ActiveFiles      []string
	ModifiedFiles    []string
}

// Statistics accumulates counters over a session's lifetime.
type Statistics struct {
	StartTime      time.Time
	LastActivity   time.Time
	TotalDurationMs int64
	ReasoningSteps int
	Counters       map[string]int
}

// Session is one unit of agent work, owning its reasoning chain by
// reference (a length counter, not a list of step IDs — spec.md §9).
type Session struct {
	ID            string
	ApplicationID string
	ProjectID     string
	Title         string
	Status        Status
	Context       Context
	Statistics    Statistics
	CreatedAt     time.Time
	UpdatedAt     time.Time
	EndedAt       *time.Time
}

// Checkpoint is a named snapshot of session state taken at a point in time.
type Checkpoint struct {
	ID        string
	SessionID string
	Label     string
	State     map[string]any
	CreatedAt time.Time
}

// Update carries the dot-wise merge a caller wants applied to a session;
// zero-value fields are left untouched.
type Update struct {
	Title   *string
	Status  *Status
	Context *Context
	// Statistics merges counter-by-counter; nil entries are left alone.
	StatisticsCounters map[string]int
}
