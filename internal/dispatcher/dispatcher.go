// Package dispatcher drives per-queue worker pools: reservation, processor
// invocation, retry/backoff, removal policy, and stalled-lease recovery.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mechlabs/mech-queue/internal/broker"
	"github.com/mechlabs/mech-queue/internal/eventbus"
	mqotel "github.com/mechlabs/mech-queue/internal/otel"
	"github.com/mechlabs/mech-queue/internal/queue"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 5
	maintenanceTick    = 500 * time.Millisecond
)

// Processor runs a job's payload and returns a result or an error. The
// dispatcher never inspects Data itself — only the registered processor
// for a queue parses it.
type Processor func(ctx context.Context, job *Job) (json.RawMessage, error)

// Config holds the dependencies for a Dispatcher.
type Config struct {
	Broker   *broker.Broker
	Registry *queue.Registry
	Bus      *eventbus.Bus
	Logger   *slog.Logger
	Metrics  *mqotel.Metrics // optional
}

// Dispatcher owns per-queue worker pools and retry semantics.
type Dispatcher struct {
	brk      *broker.Broker
	registry *queue.Registry
	bus      *eventbus.Bus
	logger   *slog.Logger
	metrics  *mqotel.Metrics

	mu         sync.RWMutex
	processors map[string]Processor
	pools      map[string]*pool
}

// New creates a Dispatcher. Call RegisterProcessor for each queue before
// Start.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		brk:        cfg.Broker,
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		logger:     logger,
		metrics:    cfg.Metrics,
		processors: make(map[string]Processor),
		pools:      make(map[string]*pool),
	}
}

// RegisterProcessor binds a processor function to a queue name. Must be
// called before Start.
func (d *Dispatcher) RegisterProcessor(queueName string, p Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processors[queueName] = p
}

// Submit enqueues a job and returns its generated ID.
func (d *Dispatcher) Submit(ctx context.Context, queueName, applicationID string, data json.RawMessage, opts queue.JobOptions) (string, error) {
	def, err := d.registry.Get(queueName)
	if err != nil {
		return "", err
	}
	merged := queue.MergeJobOptions(def, opts)

	now := time.Now()
	job := &Job{
		ID:            uuid.NewString(),
		Queue:         queueName,
		ApplicationID: applicationID,
		Data:          data,
		Options:       merged,
		Status:        StatusWaiting,
		AttemptNumber: 0,
		CreatedAt:     now,
	}
	if merged.DelayUntil.After(now) {
		job.Status = StatusDelayed
	}

	if err := d.saveJob(ctx, job); err != nil {
		return "", err
	}

	d.publish(eventbus.TopicJobCreated, eventbus.JobEvent{JobID: job.ID, Queue: queueName, ApplicationID: job.ApplicationID, Status: string(job.Status), Metadata: job.Options.Metadata})
	return job.ID, nil
}

// Status returns the current state of a job.
func (d *Dispatcher) Status(ctx context.Context, queueName, jobID string) (*Job, error) {
	return d.loadJob(ctx, queueName, jobID)
}

// Cancel removes a waiting or delayed job outright; an active job is left
// to complete or expire its lease (best-effort, per spec.md §4.3); a
// terminal job is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, queueName, jobID string) error {
	job, err := d.loadJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusWaiting, StatusDelayed:
		return d.brk.RemoveFromWaiting(ctx, queueName, jobID)
	default:
		return nil
	}
}

// Pause stops new reservations on a queue.
func (d *Dispatcher) Pause(ctx context.Context, queueName string) error {
	if err := d.brk.Pause(ctx, queueName); err != nil {
		return err
	}
	d.registry.SetPaused(queueName, true)
	d.publish(eventbus.TopicQueuePaused, eventbus.QueueEvent{Queue: queueName})
	return nil
}

// Resume re-enables reservations on a queue.
func (d *Dispatcher) Resume(ctx context.Context, queueName string) error {
	if err := d.brk.Resume(ctx, queueName); err != nil {
		return err
	}
	d.registry.SetPaused(queueName, false)
	d.publish(eventbus.TopicQueueResumed, eventbus.QueueEvent{Queue: queueName})
	return nil
}

// Stats returns waiting/active/delayed counts for a queue.
func (d *Dispatcher) Stats(ctx context.Context, queueName string) (broker.Counts, error) {
	return d.brk.Counts(ctx, queueName)
}

// Clean bulk-removes terminal jobs older than grace, then removes the oldest
// remaining ones until at most limit are left (limit <= 0 skips that trim).
func (d *Dispatcher) Clean(ctx context.Context, queueName string, grace time.Duration, limit int, status Status) (int, error) {
	var state broker.JobState
	switch status {
	case StatusCompleted:
		state = broker.StateCompleted
	case StatusFailed:
		state = broker.StateFailed
	default:
		return 0, fmt.Errorf("clean: status must be completed or failed, got %q", status)
	}
	return d.brk.Trim(ctx, queueName, state, grace, int64(limit))
}

func (d *Dispatcher) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	rec := broker.Record{
		ID:         job.ID,
		Queue:      job.Queue,
		Priority:   job.Options.Priority,
		EnqueuedAt: job.CreatedAt,
		Payload:    data,
	}
	return d.brk.Push(ctx, rec, job.Options.DelayUntil)
}

func (d *Dispatcher) loadJob(ctx context.Context, queueName, jobID string) (*Job, error) {
	rec, err := d.brk.Get(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(rec.Payload, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (d *Dispatcher) publish(topic string, payload interface{}) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}
