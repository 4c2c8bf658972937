// Package audit records tenant-scoped mutating actions (job submit, queue
// pause/resume, schedule/subscription CRUD) to the audit_log table,
// generalizing the teacher's policy-decision JSONL/DB audit trail
// (internal/audit/audit.go) to per-tenant REST mutations.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Entry is one recorded mutating action.
type Entry struct {
	ApplicationID string
	Actor         string
	Action        string
	ResourceType  string
	ResourceID    string
	Detail        map[string]any
}

// Logger persists Entries to the audit_log table. A nil db makes every
// call a no-op so components can hold a *Logger unconditionally.
type Logger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(db *sqlx.DB, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{db: db, logger: logger}
}

// Record writes one audit entry. Failures are logged, not returned: an
// audit-log write must never block or fail the mutation it's recording.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil || l.db == nil {
		return
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		l.logger.Error("marshal audit detail", "error", err)
		return
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_log (application_id, actor, action, resource_type, resource_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ApplicationID, e.Actor, e.Action, e.ResourceType, e.ResourceID, detail, time.Now())
	if err != nil {
		l.logger.Error("write audit entry", "error", err, "action", e.Action)
	}
}

// List returns the most recent audit entries for a tenant, newest first.
func (l *Logger) List(ctx context.Context, applicationID string, limit int) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ApplicationID string `db:"application_id"`
		Actor         string `db:"actor"`
		Action        string `db:"action"`
		ResourceType  string `db:"resource_type"`
		ResourceID    string `db:"resource_id"`
		Detail        []byte `db:"detail"`
	}
	err := l.db.SelectContext(ctx, &rows, `
		SELECT application_id, actor, action, resource_type, resource_id, detail
		FROM audit_log WHERE application_id = $1 ORDER BY created_at DESC LIMIT $2`,
		applicationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		var detail map[string]any
		_ = json.Unmarshal(r.Detail, &detail)
		out[i] = Entry{
			ApplicationID: r.ApplicationID, Actor: r.Actor, Action: r.Action,
			ResourceType: r.ResourceType, ResourceID: r.ResourceID, Detail: detail,
		}
	}
	return out, nil
}
