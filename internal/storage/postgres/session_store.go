package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mechlabs/mech-queue/internal/session"
)

// SessionStore implements session.Store against Postgres.
type SessionStore struct {
	db *sqlx.DB
}

func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

type sessionRow struct {
	ID            string       `db:"id"`
	ApplicationID string       `db:"application_id"`
	ProjectID     string       `db:"project_id"`
	Title         string       `db:"title"`
	Status        string       `db:"status"`
	Context       []byte       `db:"context"`
	Statistics    []byte       `db:"statistics"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	EndedAt       sql.NullTime `db:"ended_at"`
}

func (r *sessionRow) toSession() (*session.Session, error) {
	var ctx session.Context
	if len(r.Context) > 0 {
		if err := unmarshalInto(r.Context, &ctx); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
	}
	var stats session.Statistics
	if len(r.Statistics) > 0 {
		if err := unmarshalInto(r.Statistics, &stats); err != nil {
			return nil, fmt.Errorf("decode statistics: %w", err)
		}
	}
	s := &session.Session{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		ProjectID:     r.ProjectID,
		Title:         r.Title,
		Status:        session.Status(r.Status),
		Context:       ctx,
		Statistics:    stats,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.EndedAt.Valid {
		s.EndedAt = &r.EndedAt.Time
	}
	return s, nil
}

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	contextJSON, err := (jsonColumn[session.Context]{Val: sess.Context}).Value()
	if err != nil {
		return err
	}
	statsJSON, err := (jsonColumn[session.Statistics]{Val: sess.Statistics}).Value()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, application_id, project_id, title, status, context, statistics, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.ApplicationID, sess.ProjectID, sess.Title, sess.Status,
		contextJSON, statsJSON, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, applicationID, id string) (*session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, application_id, project_id, title, status, context, statistics, created_at, updated_at, ended_at
		FROM sessions WHERE application_id = $1 AND id = $2`, applicationID, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toSession()
}

func (s *SessionStore) List(ctx context.Context, applicationID string) ([]*session.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, application_id, project_id, title, status, context, statistics, created_at, updated_at, ended_at
		FROM sessions WHERE application_id = $1 ORDER BY created_at DESC`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*session.Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Update applies upd's non-nil fields as a dot-wise merge: Context replaces
// wholesale when set, StatisticsCounters adds onto the existing per-key
// counts, and lastActivity is refreshed unconditionally (spec.md §4.9).
func (s *SessionStore) Update(ctx context.Context, applicationID, id string, upd session.Update) (*session.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var row sessionRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, application_id, project_id, title, status, context, statistics, created_at, updated_at, ended_at
		FROM sessions WHERE application_id = $1 AND id = $2 FOR UPDATE`, applicationID, id)
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	sess, err := row.toSession()
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		sess.Title = *upd.Title
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.Context != nil {
		sess.Context = *upd.Context
	}
	if sess.Statistics.Counters == nil {
		sess.Statistics.Counters = map[string]int{}
	}
	for k, v := range upd.StatisticsCounters {
		sess.Statistics.Counters[k] += v
	}
	sess.Statistics.LastActivity = time.Now()
	sess.UpdatedAt = time.Now()

	contextJSON, err := (jsonColumn[session.Context]{Val: sess.Context}).Value()
	if err != nil {
		return nil, err
	}
	statsJSON, err := (jsonColumn[session.Statistics]{Val: sess.Statistics}).Value()
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET title = $1, status = $2, context = $3, statistics = $4, updated_at = $5
		WHERE application_id = $6 AND id = $7`,
		sess.Title, sess.Status, contextJSON, statsJSON, sess.UpdatedAt, applicationID, id)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := checkAffected(res, "session", id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) End(ctx context.Context, applicationID, id string, status session.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, ended_at = now(), updated_at = now()
		WHERE application_id = $2 AND id = $3`, status, applicationID, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return checkAffected(res, "session", id)
}

func (s *SessionStore) CreateCheckpoint(ctx context.Context, cp *session.Checkpoint) error {
	stateJSON, err := (jsonColumn[map[string]any]{Val: cp.State}).Value()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_checkpoints (id, session_id, label, state, created_at)
		VALUES ($1, $2, $3, $4, $5)`, cp.ID, cp.SessionID, cp.Label, stateJSON, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

type checkpointRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Label     string    `db:"label"`
	State     []byte    `db:"state"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *SessionStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*session.Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, label, state, created_at FROM session_checkpoints
		WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*session.Checkpoint, 0, len(rows))
	for _, r := range rows {
		var state map[string]any
		if len(r.State) > 0 {
			if err := unmarshalInto(r.State, &state); err != nil {
				return nil, fmt.Errorf("decode checkpoint state: %w", err)
			}
		}
		out = append(out, &session.Checkpoint{
			ID: r.ID, SessionID: r.SessionID, Label: r.Label, State: state, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
