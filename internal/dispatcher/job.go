package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/mechlabs/mech-queue/internal/queue"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Job is the dispatcher's domain view of a unit of work. The broker only
// ever sees it as an opaque JSON blob keyed by ID.
type Job struct {
	ID            string           `json:"id"`
	Queue         string           `json:"queue"`
	ApplicationID string           `json:"application_id"`
	Data          json.RawMessage  `json:"data"`
	Options       queue.JobOptions `json:"options"`
	Status        Status           `json:"status"`
	AttemptNumber int             `json:"attempt_number"`
	Progress      int             `json:"progress"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}
