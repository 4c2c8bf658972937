package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mechlabs/mech-queue/internal/eventbus"
	"github.com/mechlabs/mech-queue/internal/transport"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultWorkers    = 8
	deliveryQueueSize = 1024
)

// Config holds the dependencies for an Engine.
type Config struct {
	Store   Store
	Bus     *eventbus.Bus
	Logger  *slog.Logger
	Workers int // concurrent delivery workers; defaults to 8
}

// delivery is one matched (subscription, event) pair queued for sending.
type delivery struct {
	sub   *Subscription
	event eventbus.Event
}

// Engine consumes lifecycle events from the bus and delivers them to
// matching subscriptions with signed, retried HTTP requests.
type Engine struct {
	store   Store
	bus     *eventbus.Bus
	logger  *slog.Logger
	client  *http.Client
	workers int

	queue chan delivery
	sub   *eventbus.Subscription

	// breakers holds one circuit breaker per subscription, so a target
	// that's consistently down trips fast instead of burning every
	// worker's retry budget against it. Separate from recordDeliveryFailure's
	// auto-deactivation: the breaker resets itself after its timeout,
	// auto-deactivation does not.
	breakers sync.Map // map[string]*gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. Call Start to begin consuming events.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Engine{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		client:  transport.NewClient(0),
		workers: workers,
		queue:   make(chan delivery, deliveryQueueSize),
	}
}

// Start subscribes to the bus and launches the delivery worker pool plus
// the matching goroutine that fans matched events into the delivery queue.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.sub = e.bus.Subscribe("job.")

	e.wg.Add(1)
	go e.matchLoop(ctx)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.deliveryWorker(ctx)
	}
	e.logger.Info("webhook engine started", "workers", e.workers)
}

// Stop cancels the engine's context (aborting in-flight delivery requests
// and retry waits), unsubscribes from the bus, and waits for the goroutines
// to exit. Deliveries still queued are dropped.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.sub != nil {
		e.bus.Unsubscribe(e.sub)
	}
	e.wg.Wait()
	e.logger.Info("webhook engine stopped")
}

func (e *Engine) matchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-e.sub.Ch():
			if !ok {
				return
			}
			e.dispatchMatches(ctx, evt)
		}
	}
}

func (e *Engine) dispatchMatches(ctx context.Context, evt eventbus.Event) {
	je, ok := evt.Payload.(eventbus.JobEvent)
	if !ok {
		return
	}
	subs, err := e.store.ActiveForApplication(ctx, je.ApplicationID)
	if err != nil {
		e.logger.Error("webhook: list subscriptions failed", "application_id", je.ApplicationID, "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.matchesEvent(evt.Topic, je.Queue, je.Status, je.Metadata) {
			continue
		}
		select {
		case e.queue <- delivery{sub: sub, event: evt}:
		default:
			e.logger.Warn("webhook: delivery queue full, dropping delivery", "subscription_id", sub.ID, "event", evt.Topic)
		}
	}
}

func (e *Engine) deliveryWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-e.queue:
			if !ok {
				return
			}
			e.deliver(ctx, d)
		}
	}
}

type envelope struct {
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func (e *Engine) deliver(ctx context.Context, d delivery) {
	body, err := json.Marshal(envelope{Event: d.event.Topic, Timestamp: time.Now().Unix(), Data: d.event.Payload})
	if err != nil {
		e.logger.Error("webhook: marshal envelope failed", "error", err)
		return
	}

	policy := d.sub.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = defaultRetryPolicy()
	}
	timeout := time.Duration(d.sub.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	jobID := ""
	if je, ok := d.event.Payload.(eventbus.JobEvent); ok {
		jobID = je.JobID
	}

	cb := e.breakerFor(d.sub)
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		attempt := attempt
		_, lastErr = cb.Execute(func() (interface{}, error) {
			return nil, e.send(reqCtx, d.sub, body, d.event.Topic, jobID, attempt)
		})
		cancel()
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, gobreaker.ErrOpenState) {
			e.logger.Warn("webhook: circuit open, skipping remaining attempts", "subscription_id", d.sub.ID)
			break
		}
		if attempt < policy.MaxAttempts {
			delay := time.Duration(float64(policy.InitialDelayMs)*pow(policy.BackoffMultiplier, attempt-1)) * time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	now := time.Now()
	if lastErr == nil {
		d.sub.LastTriggeredAt = &now
		if err := e.store.RecordDelivery(ctx, d.sub, now); err != nil {
			e.logger.Error("webhook: record delivery failed", "subscription_id", d.sub.ID, "error", err)
		}
		return
	}

	e.logger.Warn("webhook: delivery exhausted retries", "subscription_id", d.sub.ID, "url", d.sub.URL, "error", lastErr)
	if recordDeliveryFailure(d.sub, now) {
		d.sub.Active = false
		e.logger.Warn("webhook: auto-deactivating subscription after sustained failures", "subscription_id", d.sub.ID)
		if e.bus != nil {
			e.bus.Publish("webhook.subscription.deactivated", eventbus.QueueEvent{Queue: d.sub.URL})
		}
	}
	if err := e.store.RecordFailure(ctx, d.sub); err != nil {
		e.logger.Error("webhook: record failure failed", "subscription_id", d.sub.ID, "error", err)
	}
}

func (e *Engine) breakerFor(sub *Subscription) *gobreaker.CircuitBreaker {
	if v, ok := e.breakers.Load(sub.ID); ok {
		return v.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sub.ID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Info("webhook: circuit breaker state change", "subscription_id", name, "from", from, "to", to)
		},
	})
	actual, _ := e.breakers.LoadOrStore(sub.ID, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (e *Engine) send(ctx context.Context, sub *Subscription, body []byte, event, jobID string, attempt int) error {
	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mech-Signature", sign(sub.Secret, ts, body))
	req.Header.Set("X-Mech-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Mech-Subscription-Id", sub.ID)
	req.Header.Set("X-Mech-Event", event)
	req.Header.Set("X-Mech-Delivery-Id", fmt.Sprintf("%s-%s-%d", jobID, event, attempt))
	req.Header.Set("X-Mech-Attempt", strconv.Itoa(attempt))
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery returned status %d", resp.StatusCode)
	}
	return nil
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
