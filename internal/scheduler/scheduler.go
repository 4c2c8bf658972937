package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mechlabs/mech-queue/internal/eventbus"
	"github.com/mechlabs/mech-queue/internal/transport"
)

const (
	defaultInterval    = 1 * time.Second
	defaultClaimLimit  = 100
	defaultConcurrency = 16
	defaultEndpointTimeout = 10 * time.Second
	minEndpointTimeout     = 1 * time.Second
	maxEndpointTimeout     = 300 * time.Second
)

// Config holds the dependencies for a Scheduler.
type Config struct {
	Store       Store
	Bus         *eventbus.Bus
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 1s per spec.md §4.4
	ClaimLimit  int           // schedules claimed per tick; defaults to 100
	Concurrency int           // bounded parallel executions; defaults to 16
}

// Scheduler runs the single-leader tick loop described in spec.md §4.4:
// claim due schedules, recompute their next fire, execute their endpoint.
type Scheduler struct {
	store       Store
	bus         *eventbus.Bus
	logger      *slog.Logger
	interval    time.Duration
	claimLimit  int
	concurrency int
	client      *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	limit := cfg.ClaimLimit
	if limit <= 0 {
		limit = defaultClaimLimit
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Scheduler{
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger,
		interval:    interval,
		claimLimit:  limit,
		concurrency: concurrency,
		client:      transport.NewClient(0),
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the tick loop and waits for in-flight executions to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.ClaimDue(ctx, now, s.claimLimit)
	if err != nil {
		s.logger.Error("scheduler: claim due schedules failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, sched := range due {
		sched := sched
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.execute(ctx, sched)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) execute(ctx context.Context, sched *Schedule) {
	now := time.Now()
	err := s.callEndpoint(ctx, sched)

	status := ExecutionSuccess
	errMsg := ""
	if err != nil {
		status = ExecutionFailed
		errMsg = err.Error()
		s.logger.Warn("schedule.fire.failed", "schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
	} else {
		s.logger.Info("schedule.fire.succeeded", "schedule_id", sched.ID, "schedule_name", sched.Name, "next_execution_at", sched.NextExecutionAt)
	}

	if err := s.store.RecordExecution(ctx, sched.ID, status, errMsg, now); err != nil {
		s.logger.Error("scheduler: record execution failed", "schedule_id", sched.ID, "error", err)
	}

	topic := eventbus.TopicScheduleFired
	if status == ExecutionFailed {
		topic = eventbus.TopicScheduleFailed
	}
	if s.bus != nil {
		s.bus.Publish(topic, eventbus.ScheduleEvent{ScheduleID: sched.ID, Queue: sched.Endpoint.URL, Error: errMsg})
	}
}

// ExecuteNow fires a schedule's endpoint immediately without disturbing its
// next execution time or execution count (spec.md §4.4's manual executeNow).
func (s *Scheduler) ExecuteNow(ctx context.Context, applicationID, id string) error {
	sched, err := s.store.Get(ctx, applicationID, id)
	if err != nil {
		return err
	}
	now := time.Now()
	err = s.callEndpoint(ctx, sched)
	status := ExecutionSuccess
	errMsg := ""
	if err != nil {
		status = ExecutionFailed
		errMsg = err.Error()
	}
	return s.store.RecordExecution(ctx, sched.ID, status, errMsg, now)
}

func (s *Scheduler) callEndpoint(ctx context.Context, sched *Schedule) error {
	timeoutMs := sched.Endpoint.TimeoutMs
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout < minEndpointTimeout || timeout > maxEndpointTimeout {
		timeout = defaultEndpointTimeout
	}

	policy := sched.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = defaultRetryPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = s.doRequest(callCtx, sched.Endpoint)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt < policy.MaxAttempts {
			delay := backoffDelay(policy, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	ms := float64(policy.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		ms *= mult
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Scheduler) doRequest(ctx context.Context, ep Endpoint) error {
	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if ep.Body != "" {
		body = bytes.NewBufferString(ep.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint call: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
