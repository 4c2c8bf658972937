package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memStore is a minimal in-process Store used only by this package's tests.
type memStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	seq       int
}

func newMemStore() *memStore {
	return &memStore{schedules: make(map[string]*Schedule)}
}

func (m *memStore) Create(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if s.ID == "" {
		s.ID = fmt.Sprintf("sched-%d", m.seq)
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, _, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) List(_ context.Context, applicationID string) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Schedule, 0)
	for _, s := range m.schedules {
		if applicationID == "" || s.ApplicationID == applicationID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return fmt.Errorf("schedule %s not found", s.ID)
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memStore) Delete(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *memStore) SetEnabled(_ context.Context, _, id string, enabled bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	s.Enabled = enabled
	if enabled {
		next, err := NextFire(s, now)
		if err != nil {
			return err
		}
		s.NextExecutionAt = next
	}
	return nil
}

func (m *memStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*Schedule
	for _, s := range m.schedules {
		if len(claimed) >= limit {
			break
		}
		if !Due(s, now) {
			continue
		}
		s.ExecutionCount++
		if s.IsOneShot() {
			s.Enabled = false
		} else {
			next, err := NextFire(s, now)
			if err != nil {
				return nil, err
			}
			s.NextExecutionAt = next
		}
		cp := *s
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *memStore) RecordExecution(_ context.Context, id string, status ExecutionStatus, execErr string, executedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	s.LastExecutedAt = &executedAt
	s.LastExecutionStatus = status
	s.LastExecutionError = execErr
	return nil
}

func TestNextFire_Cron(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 3, 0, 0, time.UTC)
	s := &Schedule{CronExpr: "*/5 * * * *", Timezone: "UTC"}
	next, err := NextFire(s, now)
	if err != nil {
		t.Fatalf("NextFire() error = %v", err)
	}
	want := time.Date(2026, 7, 31, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextFire() = %v, want %v", next, want)
	}
}

func TestNextFire_OneShot(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := &Schedule{At: &at}
	next, err := NextFire(s, time.Now())
	if err != nil {
		t.Fatalf("NextFire() error = %v", err)
	}
	if !next.Equal(at) {
		t.Fatalf("NextFire() = %v, want %v", next, at)
	}
}

func TestSchedulerFiresCronSchedule(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	now := time.Now()
	sched := &Schedule{
		ApplicationID:   "tenant-1",
		Name:            "ping",
		CronExpr:        "* * * * *",
		Timezone:        "UTC",
		Endpoint:        Endpoint{URL: srv.URL, Method: http.MethodPost, TimeoutMs: 2000},
		RetryPolicy:     defaultRetryPolicy(),
		Enabled:         true,
		NextExecutionAt: now.Add(-time.Second), // already due
	}
	if err := store.Create(context.Background(), sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sched2, err := store.Get(context.Background(), "tenant-1", sched.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	s := New(Config{Store: store, Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hits.Load() >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() < 1 {
		t.Fatal("endpoint was never called")
	}

	got, err := store.Get(context.Background(), "tenant-1", sched2.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ExecutionCount < 1 {
		t.Fatalf("ExecutionCount = %d, want >= 1", got.ExecutionCount)
	}
	if got.LastExecutionStatus != ExecutionSuccess {
		t.Fatalf("LastExecutionStatus = %q, want success", got.LastExecutionStatus)
	}
	if !got.NextExecutionAt.After(now) {
		t.Fatal("NextExecutionAt did not advance past the fire time")
	}
}

func TestSchedulerOneShotDisablesAfterFire(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	at := time.Now().Add(-time.Second)
	sched := &Schedule{
		ApplicationID:   "tenant-1",
		Name:            "one-off",
		At:              &at,
		Endpoint:        Endpoint{URL: srv.URL, Method: http.MethodPost, TimeoutMs: 2000},
		RetryPolicy:     defaultRetryPolicy(),
		Enabled:         true,
		NextExecutionAt: at,
	}
	if err := store.Create(context.Background(), sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s := New(Config{Store: store, Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hits.Load() < 1 {
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	got, err := store.Get(context.Background(), "tenant-1", sched.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Enabled {
		t.Fatal("one-shot schedule still enabled after firing")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want exactly 1", hits.Load())
	}
}

func TestExecuteNowDoesNotAdvanceSchedule(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	future := time.Now().Add(time.Hour)
	sched := &Schedule{
		ApplicationID:   "tenant-1",
		Name:            "future",
		CronExpr:        "0 0 1 1 *",
		Timezone:        "UTC",
		Endpoint:        Endpoint{URL: srv.URL, Method: http.MethodPost, TimeoutMs: 2000},
		RetryPolicy:     defaultRetryPolicy(),
		Enabled:         true,
		NextExecutionAt: future,
	}
	if err := store.Create(context.Background(), sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s := New(Config{Store: store})
	if err := s.ExecuteNow(context.Background(), "tenant-1", sched.ID); err != nil {
		t.Fatalf("ExecuteNow() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}

	got, err := store.Get(context.Background(), "tenant-1", sched.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ExecutionCount != 0 {
		t.Fatalf("ExecutionCount = %d, want 0 (executeNow must not touch bookkeeping counters)", got.ExecutionCount)
	}
	if !got.NextExecutionAt.Equal(future) {
		t.Fatal("ExecuteNow must not disturb NextExecutionAt")
	}
	if got.LastExecutionStatus != ExecutionSuccess {
		t.Fatalf("LastExecutionStatus = %q, want success", got.LastExecutionStatus)
	}
}

func TestEndpointRetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	sched := &Schedule{
		ID:       "sched-retry",
		Endpoint: Endpoint{URL: srv.URL, Method: http.MethodPost, TimeoutMs: 2000},
		RetryPolicy: RetryPolicy{MaxAttempts: 3, InitialDelayMs: 5, BackoffMultiplier: 2},
	}
	store.schedules[sched.ID] = sched

	s := New(Config{Store: store})
	if err := s.callEndpoint(context.Background(), sched); err != nil {
		t.Fatalf("callEndpoint() error = %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
}
