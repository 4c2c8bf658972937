package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mechlabs/mech-queue/internal/apperrors"
	"github.com/mechlabs/mech-queue/internal/webhook"
)

// WebhookStore implements webhook.Store against Postgres.
type WebhookStore struct {
	db *sqlx.DB
}

func NewWebhookStore(db *sqlx.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

type subscriptionRow struct {
	ID                     string         `db:"id"`
	ApplicationID          string         `db:"application_id"`
	URL                    string         `db:"url"`
	Method                 string         `db:"method"`
	Headers                []byte         `db:"headers"`
	Secret                 string         `db:"secret"`
	Events                 []byte         `db:"events"`
	FilterQueues           []byte         `db:"filter_queues"`
	FilterStatuses         []byte         `db:"filter_statuses"`
	FilterMetadata         []byte         `db:"filter_metadata"`
	Active                 bool           `db:"active"`
	MaxAttempts            int            `db:"max_attempts"`
	InitialDelayMs         int            `db:"initial_delay_ms"`
	BackoffMult            float64        `db:"backoff_mult"`
	TimeoutMs              int            `db:"timeout_ms"`
	FailureCount           int            `db:"failure_count"`
	FailureWindowStartedAt sql.NullTime   `db:"failure_window_started_at"`
	LastTriggeredAt        sql.NullTime   `db:"last_triggered_at"`
	CreatedAt              time.Time      `db:"created_at"`
}

func (r *subscriptionRow) toSubscription() (*webhook.Subscription, error) {
	var headers map[string]string
	if err := unmarshalInto(r.Headers, &headers); err != nil {
		return nil, err
	}
	var events []string
	if err := unmarshalInto(r.Events, &events); err != nil {
		return nil, err
	}
	var queues []string
	if err := unmarshalInto(r.FilterQueues, &queues); err != nil {
		return nil, err
	}
	var statuses []string
	if err := unmarshalInto(r.FilterStatuses, &statuses); err != nil {
		return nil, err
	}
	var metadata map[string]string
	if err := unmarshalInto(r.FilterMetadata, &metadata); err != nil {
		return nil, err
	}

	sub := &webhook.Subscription{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		URL:           r.URL,
		Method:        r.Method,
		Headers:       headers,
		Secret:        r.Secret,
		Events:        events,
		Filter: webhook.Filter{
			Queues:   queues,
			Statuses: statuses,
			Metadata: metadata,
		},
		Active: r.Active,
		RetryPolicy: webhook.RetryPolicy{
			MaxAttempts:       r.MaxAttempts,
			InitialDelayMs:    r.InitialDelayMs,
			BackoffMultiplier: r.BackoffMult,
		},
		TimeoutMs:    r.TimeoutMs,
		FailureCount: r.FailureCount,
		CreatedAt:    r.CreatedAt,
	}
	if r.FailureWindowStartedAt.Valid {
		t := r.FailureWindowStartedAt.Time
		sub.FailureWindowStartedAt = &t
	}
	if r.LastTriggeredAt.Valid {
		t := r.LastTriggeredAt.Time
		sub.LastTriggeredAt = &t
	}
	return sub, nil
}

func unmarshalInto[T any](raw []byte, dst *T) error {
	if len(raw) == 0 {
		return nil
	}
	col := jsonColumn[T]{}
	if err := (&col).Scan(raw); err != nil {
		return err
	}
	*dst = col.Val
	return nil
}

func (s *WebhookStore) Create(ctx context.Context, sub *webhook.Subscription) error {
	args, err := subscriptionArgs(sub)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO subscriptions (
			id, application_id, url, method, headers, secret, events,
			filter_queues, filter_statuses, filter_metadata, active,
			max_attempts, initial_delay_ms, backoff_mult, timeout_ms
		) VALUES (
			:id, :application_id, :url, :method, :headers, :secret, :events,
			:filter_queues, :filter_statuses, :filter_metadata, :active,
			:max_attempts, :initial_delay_ms, :backoff_mult, :timeout_ms
		)`
	if _, err := s.db.NamedExecContext(ctx, q, args); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *WebhookStore) Get(ctx context.Context, applicationID, id string) (*webhook.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM subscriptions WHERE id = $1 AND application_id = $2`, id, applicationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("subscription %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return row.toSubscription()
}

func (s *WebhookStore) List(ctx context.Context, applicationID string) ([]*webhook.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM subscriptions WHERE application_id = $1 ORDER BY created_at`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return rowsToSubscriptions(rows)
}

func (s *WebhookStore) ActiveForApplication(ctx context.Context, applicationID string) ([]*webhook.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM subscriptions WHERE application_id = $1 AND active = true`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return rowsToSubscriptions(rows)
}

func rowsToSubscriptions(rows []subscriptionRow) ([]*webhook.Subscription, error) {
	out := make([]*webhook.Subscription, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].toSubscription()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *WebhookStore) Update(ctx context.Context, sub *webhook.Subscription) error {
	args, err := subscriptionArgs(sub)
	if err != nil {
		return err
	}
	const q = `
		UPDATE subscriptions SET
			url = :url, method = :method, headers = :headers, secret = :secret,
			events = :events, filter_queues = :filter_queues, filter_statuses = :filter_statuses,
			filter_metadata = :filter_metadata, active = :active, max_attempts = :max_attempts,
			initial_delay_ms = :initial_delay_ms, backoff_mult = :backoff_mult, timeout_ms = :timeout_ms
		WHERE id = :id AND application_id = :application_id`
	res, err := s.db.NamedExecContext(ctx, q, args)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return checkAffected(res, "subscription", sub.ID)
}

func (s *WebhookStore) Delete(ctx context.Context, applicationID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = $1 AND application_id = $2`, id, applicationID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (s *WebhookStore) RecordDelivery(ctx context.Context, sub *webhook.Subscription, triggeredAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_triggered_at = $1, failure_count = 0 WHERE id = $2`,
		triggeredAt, sub.ID)
	if err != nil {
		return fmt.Errorf("record delivery for %s: %w", sub.ID, err)
	}
	return nil
}

func (s *WebhookStore) RecordFailure(ctx context.Context, sub *webhook.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			failure_count = $1, failure_window_started_at = $2, active = $3
		WHERE id = $4`,
		sub.FailureCount, sub.FailureWindowStartedAt, sub.Active, sub.ID)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", sub.ID, err)
	}
	return nil
}

func subscriptionArgs(sub *webhook.Subscription) (map[string]any, error) {
	headers, err := (jsonColumn[map[string]string]{Val: sub.Headers}).Value()
	if err != nil {
		return nil, err
	}
	events, err := (jsonColumn[[]string]{Val: sub.Events}).Value()
	if err != nil {
		return nil, err
	}
	queues, err := (jsonColumn[[]string]{Val: sub.Filter.Queues}).Value()
	if err != nil {
		return nil, err
	}
	statuses, err := (jsonColumn[[]string]{Val: sub.Filter.Statuses}).Value()
	if err != nil {
		return nil, err
	}
	metadata, err := (jsonColumn[map[string]string]{Val: sub.Filter.Metadata}).Value()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":               sub.ID,
		"application_id":   sub.ApplicationID,
		"url":              sub.URL,
		"method":           sub.Method,
		"headers":          headers,
		"secret":           sub.Secret,
		"events":           events,
		"filter_queues":    queues,
		"filter_statuses":  statuses,
		"filter_metadata":  metadata,
		"active":           sub.Active,
		"max_attempts":     sub.RetryPolicy.MaxAttempts,
		"initial_delay_ms": sub.RetryPolicy.InitialDelayMs,
		"backoff_mult":     sub.RetryPolicy.BackoffMultiplier,
		"timeout_ms":       sub.TimeoutMs,
	}, nil
}
