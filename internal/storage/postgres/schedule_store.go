package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mechlabs/mech-queue/internal/apperrors"
	"github.com/mechlabs/mech-queue/internal/scheduler"
)

// ScheduleStore implements scheduler.Store against Postgres.
type ScheduleStore struct {
	db *sqlx.DB
}

func NewScheduleStore(db *sqlx.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

type scheduleRow struct {
	ID                 string         `db:"id"`
	ApplicationID      string         `db:"application_id"`
	Name               string         `db:"name"`
	CronExpr           sql.NullString `db:"cron_expr"`
	Timezone           string         `db:"timezone"`
	AtTime             sql.NullTime   `db:"at_time"`
	EndDate            sql.NullTime   `db:"end_date"`
	ExecLimit          int            `db:"exec_limit"`
	EndpointURL        string         `db:"endpoint_url"`
	EndpointMethod     string         `db:"endpoint_method"`
	EndpointHeaders    []byte         `db:"endpoint_headers"`
	EndpointBody       string         `db:"endpoint_body"`
	EndpointTimeoutMs  int            `db:"endpoint_timeout_ms"`
	RetryMaxAttempts   int            `db:"retry_max_attempts"`
	RetryInitialDelay  int            `db:"retry_initial_delay_ms"`
	RetryBackoffMult   float64        `db:"retry_backoff_mult"`
	Enabled            bool           `db:"enabled"`
	CreatedBy          string         `db:"created_by"`
	CreatedAt          time.Time      `db:"created_at"`
	LastExecutedAt     sql.NullTime   `db:"last_executed_at"`
	LastExecutionStatus string        `db:"last_execution_status"`
	LastExecutionError string         `db:"last_execution_error"`
	NextExecutionAt    time.Time      `db:"next_execution_at"`
	ExecutionCount     int            `db:"execution_count"`
}

func (r *scheduleRow) toSchedule() (*scheduler.Schedule, error) {
	headers := jsonColumn[map[string]string]{}
	if len(r.EndpointHeaders) > 0 {
		if err := (&headers).Scan(r.EndpointHeaders); err != nil {
			return nil, fmt.Errorf("decode endpoint headers: %w", err)
		}
	}

	s := &scheduler.Schedule{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		Name:          r.Name,
		Timezone:      r.Timezone,
		Limit:         r.ExecLimit,
		Endpoint: scheduler.Endpoint{
			URL:       r.EndpointURL,
			Method:    r.EndpointMethod,
			Headers:   headers.Val,
			Body:      r.EndpointBody,
			TimeoutMs: r.EndpointTimeoutMs,
		},
		RetryPolicy: scheduler.RetryPolicy{
			MaxAttempts:       r.RetryMaxAttempts,
			InitialDelayMs:    r.RetryInitialDelay,
			BackoffMultiplier: r.RetryBackoffMult,
		},
		Enabled:             r.Enabled,
		CreatedBy:           r.CreatedBy,
		CreatedAt:           r.CreatedAt,
		LastExecutionStatus: scheduler.ExecutionStatus(r.LastExecutionStatus),
		LastExecutionError:  r.LastExecutionError,
		NextExecutionAt:     r.NextExecutionAt,
		ExecutionCount:      r.ExecutionCount,
	}
	if r.CronExpr.Valid {
		s.CronExpr = r.CronExpr.String
	}
	if r.AtTime.Valid {
		at := r.AtTime.Time
		s.At = &at
	}
	if r.EndDate.Valid {
		end := r.EndDate.Time
		s.EndDate = &end
	}
	if r.LastExecutedAt.Valid {
		last := r.LastExecutedAt.Time
		s.LastExecutedAt = &last
	}
	return s, nil
}

func (s *ScheduleStore) Create(ctx context.Context, sched *scheduler.Schedule) error {
	headers, err := (jsonColumn[map[string]string]{Val: sched.Endpoint.Headers}).Value()
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO schedules (
			id, application_id, name, cron_expr, timezone, at_time, end_date,
			exec_limit, endpoint_url, endpoint_method, endpoint_headers, endpoint_body,
			endpoint_timeout_ms, retry_max_attempts, retry_initial_delay_ms, retry_backoff_mult,
			enabled, created_by, next_execution_at
		) VALUES (
			:id, :application_id, :name, :cron_expr, :timezone, :at_time, :end_date,
			:exec_limit, :endpoint_url, :endpoint_method, :endpoint_headers, :endpoint_body,
			:endpoint_timeout_ms, :retry_max_attempts, :retry_initial_delay_ms, :retry_backoff_mult,
			:enabled, :created_by, :next_execution_at
		)`
	args := map[string]any{
		"id":                     sched.ID,
		"application_id":         sched.ApplicationID,
		"name":                   sched.Name,
		"cron_expr":              nullString(sched.CronExpr),
		"timezone":               sched.Timezone,
		"at_time":                nullTimePtr(sched.At),
		"end_date":               nullTimePtr(sched.EndDate),
		"exec_limit":             sched.Limit,
		"endpoint_url":           sched.Endpoint.URL,
		"endpoint_method":        sched.Endpoint.Method,
		"endpoint_headers":       headers,
		"endpoint_body":          sched.Endpoint.Body,
		"endpoint_timeout_ms":    sched.Endpoint.TimeoutMs,
		"retry_max_attempts":     sched.RetryPolicy.MaxAttempts,
		"retry_initial_delay_ms": sched.RetryPolicy.InitialDelayMs,
		"retry_backoff_mult":     sched.RetryPolicy.BackoffMultiplier,
		"enabled":                sched.Enabled,
		"created_by":             sched.CreatedBy,
		"next_execution_at":      sched.NextExecutionAt,
	}
	_, err = s.db.NamedExecContext(ctx, q, args)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, applicationID, id string) (*scheduler.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM schedules WHERE id = $1 AND application_id = $2`, id, applicationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("schedule %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return row.toSchedule()
}

func (s *ScheduleStore) List(ctx context.Context, applicationID string) ([]*scheduler.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM schedules WHERE application_id = $1 ORDER BY created_at`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]*scheduler.Schedule, 0, len(rows))
	for i := range rows {
		sched, err := rows[i].toSchedule()
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, nil
}

func (s *ScheduleStore) Update(ctx context.Context, sched *scheduler.Schedule) error {
	headers, err := (jsonColumn[map[string]string]{Val: sched.Endpoint.Headers}).Value()
	if err != nil {
		return err
	}
	const q = `
		UPDATE schedules SET
			name = :name, cron_expr = :cron_expr, timezone = :timezone, at_time = :at_time,
			end_date = :end_date, exec_limit = :exec_limit, endpoint_url = :endpoint_url,
			endpoint_method = :endpoint_method, endpoint_headers = :endpoint_headers,
			endpoint_body = :endpoint_body, endpoint_timeout_ms = :endpoint_timeout_ms,
			retry_max_attempts = :retry_max_attempts, retry_initial_delay_ms = :retry_initial_delay_ms,
			retry_backoff_mult = :retry_backoff_mult, enabled = :enabled,
			next_execution_at = :next_execution_at
		WHERE id = :id AND application_id = :application_id`
	args := map[string]any{
		"id":                     sched.ID,
		"application_id":         sched.ApplicationID,
		"name":                   sched.Name,
		"cron_expr":              nullString(sched.CronExpr),
		"timezone":               sched.Timezone,
		"at_time":                nullTimePtr(sched.At),
		"end_date":               nullTimePtr(sched.EndDate),
		"exec_limit":             sched.Limit,
		"endpoint_url":           sched.Endpoint.URL,
		"endpoint_method":        sched.Endpoint.Method,
		"endpoint_headers":       headers,
		"endpoint_body":          sched.Endpoint.Body,
		"endpoint_timeout_ms":    sched.Endpoint.TimeoutMs,
		"retry_max_attempts":     sched.RetryPolicy.MaxAttempts,
		"retry_initial_delay_ms": sched.RetryPolicy.InitialDelayMs,
		"retry_backoff_mult":     sched.RetryPolicy.BackoffMultiplier,
		"enabled":                sched.Enabled,
		"next_execution_at":      sched.NextExecutionAt,
	}
	res, err := s.db.NamedExecContext(ctx, q, args)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return checkAffected(res, "schedule", sched.ID)
}

func (s *ScheduleStore) Delete(ctx context.Context, applicationID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = $1 AND application_id = $2`, id, applicationID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) SetEnabled(ctx context.Context, applicationID, id string, enabled bool, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sched, err := s.Get(ctx, applicationID, id)
	if err != nil {
		return err
	}
	sched.Enabled = enabled
	if enabled {
		next, err := scheduler.NextFire(sched, now)
		if err != nil {
			return err
		}
		sched.NextExecutionAt = next
	}
	if err := s.Update(ctx, sched); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimDue selects due schedules with SELECT ... FOR UPDATE SKIP LOCKED so
// that multiple scheduler replicas never double-claim the same row, then
// recomputes nextExecutionAt and bumps executionCount in the same
// transaction — the CAS spec.md §4.4 calls for.
func (s *ScheduleStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*scheduler.Schedule, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rows []scheduleRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT * FROM schedules
		WHERE enabled = true AND next_execution_at <= $1
		  AND (end_date IS NULL OR end_date > $1)
		  AND (exec_limit = 0 OR execution_count < exec_limit)
		ORDER BY next_execution_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}

	claimed := make([]*scheduler.Schedule, 0, len(rows))
	for i := range rows {
		sched, err := rows[i].toSchedule()
		if err != nil {
			return nil, err
		}
		sched.ExecutionCount++
		if sched.IsOneShot() {
			sched.Enabled = false
		} else {
			next, err := scheduler.NextFire(sched, now)
			if err != nil {
				return nil, fmt.Errorf("recompute next fire for %s: %w", sched.ID, err)
			}
			sched.NextExecutionAt = next
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE schedules SET enabled = $1, next_execution_at = $2, execution_count = $3
			WHERE id = $4`, sched.Enabled, sched.NextExecutionAt, sched.ExecutionCount, sched.ID)
		if err != nil {
			return nil, fmt.Errorf("claim schedule %s: %w", sched.ID, err)
		}
		claimed = append(claimed, sched)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

func (s *ScheduleStore) RecordExecution(ctx context.Context, id string, status scheduler.ExecutionStatus, execErr string, executedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			last_executed_at = $1, last_execution_status = $2, last_execution_error = $3
		WHERE id = $4`, executedAt, string(status), execErr, id)
	if err != nil {
		return fmt.Errorf("record execution for %s: %w", id, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound(fmt.Sprintf("%s %s not found", kind, id))
	}
	return nil
}
