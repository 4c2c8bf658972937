package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mechlabs/mech-queue/internal/broker"
	"github.com/mechlabs/mech-queue/internal/dispatcher"
	"github.com/mechlabs/mech-queue/internal/eventbus"
	"github.com/mechlabs/mech-queue/internal/queue"
	"github.com/mechlabs/mech-queue/internal/reasoning"
	"github.com/mechlabs/mech-queue/internal/scheduler"
	"github.com/mechlabs/mech-queue/internal/session"
	"github.com/mechlabs/mech-queue/internal/vectorsearch"
	"github.com/mechlabs/mech-queue/internal/webhook"
)

type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*scheduler.Schedule
	seq       int
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{schedules: make(map[string]*scheduler.Schedule)}
}

func (f *fakeScheduleStore) Create(_ context.Context, s *scheduler.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if s.ID == "" {
		s.ID = fmt.Sprintf("sched-%d", f.seq)
	}
	f.schedules[s.ID] = s
	return nil
}
func (f *fakeScheduleStore) Get(_ context.Context, _, id string) (*scheduler.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return s, nil
}
func (f *fakeScheduleStore) List(_ context.Context, applicationID string) ([]*scheduler.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*scheduler.Schedule
	for _, s := range f.schedules {
		if s.ApplicationID == applicationID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeScheduleStore) Update(_ context.Context, s *scheduler.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	return nil
}
func (f *fakeScheduleStore) Delete(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, id)
	return nil
}
func (f *fakeScheduleStore) SetEnabled(_ context.Context, _, id string, enabled bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.schedules[id]; ok {
		s.Enabled = enabled
	}
	return nil
}
func (f *fakeScheduleStore) ClaimDue(_ context.Context, _ time.Time, _ int) ([]*scheduler.Schedule, error) {
	return nil, nil
}
func (f *fakeScheduleStore) RecordExecution(_ context.Context, _ string, _ scheduler.ExecutionStatus, _ string, _ time.Time) error {
	return nil
}

type fakeWebhookStore struct {
	mu   sync.Mutex
	subs map[string]*webhook.Subscription
}

func newFakeWebhookStore() *fakeWebhookStore { return &fakeWebhookStore{subs: make(map[string]*webhook.Subscription)} }

func (f *fakeWebhookStore) Create(_ context.Context, s *webhook.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[s.ID] = s
	return nil
}
func (f *fakeWebhookStore) Get(_ context.Context, _, id string) (*webhook.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return s, nil
}
func (f *fakeWebhookStore) List(_ context.Context, applicationID string) ([]*webhook.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*webhook.Subscription
	for _, s := range f.subs {
		if s.ApplicationID == applicationID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeWebhookStore) Update(_ context.Context, s *webhook.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[s.ID] = s
	return nil
}
func (f *fakeWebhookStore) Delete(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}
func (f *fakeWebhookStore) ActiveForApplication(_ context.Context, applicationID string) ([]*webhook.Subscription, error) {
	return f.List(context.Background(), applicationID)
}
func (f *fakeWebhookStore) RecordDelivery(_ context.Context, _ *webhook.Subscription, _ time.Time) error {
	return nil
}
func (f *fakeWebhookStore) RecordFailure(_ context.Context, _ *webhook.Subscription) error { return nil }

type fakeVectorStore struct {
	mu     sync.Mutex
	chunks []vectorsearch.CodeChunk
}

func (f *fakeVectorStore) InsertChunk(_ context.Context, chunk vectorsearch.CodeChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}
func (f *fakeVectorStore) SearchCode(_ context.Context, _ []float32, filters vectorsearch.Filters, opts vectorsearch.SearchOptions, _ int) ([]vectorsearch.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vectorsearch.Hit
	for _, c := range f.chunks {
		if c.ProjectID == filters.ProjectID {
			out = append(out, vectorsearch.Hit{Chunk: c, Score: 0.9})
		}
	}
	return out, nil
}
func (f *fakeVectorStore) DeleteRepositoryEmbeddings(_ context.Context, _, _ string) (int, error) {
	return 0, nil
}
func (f *fakeVectorStore) EnsureVectorIndex(_ context.Context, _ int) error { return nil }
func (f *fakeVectorStore) CreateIndexingJob(_ context.Context, _ *vectorsearch.IndexingJob) error {
	return nil
}
func (f *fakeVectorStore) UpdateIndexingJob(_ context.Context, _ *vectorsearch.IndexingJob) error {
	return nil
}
func (f *fakeVectorStore) GetIndexingJob(_ context.Context, _, _ string) (*vectorsearch.IndexingJob, error) {
	return nil, fmt.Errorf("not found")
}

type fakeProvider struct{}

func (fakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 2}, nil
}
func (fakeProvider) Dimension() int { return 3 }

type fakeReasoningStore struct {
	mu    sync.Mutex
	steps map[string][]reasoning.Step
}

func newFakeReasoningStore() *fakeReasoningStore {
	return &fakeReasoningStore{steps: make(map[string][]reasoning.Step)}
}
func (f *fakeReasoningStore) AppendStep(_ context.Context, step *reasoning.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	step.StepNumber = len(f.steps[step.SessionID]) + 1
	f.steps[step.SessionID] = append(f.steps[step.SessionID], *step)
	return nil
}
func (f *fakeReasoningStore) GetChain(_ context.Context, _, sessionID string) ([]reasoning.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps[sessionID], nil
}
func (f *fakeReasoningStore) Search(_ context.Context, _, _ string, _ reasoning.SearchFilters) ([]reasoning.SearchResult, error) {
	return nil, nil
}
func (f *fakeReasoningStore) Analyze(_ context.Context, applicationID, sessionID string) (*reasoning.Analysis, error) {
	chain, _ := f.GetChain(context.Background(), applicationID, sessionID)
	return &reasoning.Analysis{TypeDistribution: map[reasoning.StepType]int{}, Phases: func() []reasoning.StepType {
		var out []reasoning.StepType
		for _, s := range chain {
			out = append(out, s.Type)
		}
		return out
	}()}, nil
}

type fakeSessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	checkpoints map[string][]*session.Checkpoint
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*session.Session), checkpoints: make(map[string][]*session.Checkpoint)}
}
func (f *fakeSessionStore) Create(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}
func (f *fakeSessionStore) Get(_ context.Context, _, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return s, nil
}
func (f *fakeSessionStore) List(_ context.Context, applicationID string) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Session
	for _, s := range f.sessions {
		if s.ApplicationID == applicationID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSessionStore) Update(_ context.Context, _, id string, upd session.Update) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	if upd.Title != nil {
		s.Title = *upd.Title
	}
	return s, nil
}
func (f *fakeSessionStore) End(_ context.Context, _, id string, status session.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	s.Status = status
	return nil
}
func (f *fakeSessionStore) CreateCheckpoint(_ context.Context, cp *session.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[cp.SessionID] = append(f.checkpoints[cp.SessionID], cp)
	return nil
}
func (f *fakeSessionStore) ListCheckpoints(_ context.Context, sessionID string) ([]*session.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[sessionID], nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	brk := broker.NewWithClient(rdb, nil)
	reg := queue.New([]queue.Definition{{Name: "email", Attempts: 3, MaxConcurrency: 2}}, queue.ServiceDefaults{Attempts: 3, MaxConcurrency: 2})
	bus := eventbus.New()
	d := dispatcher.New(dispatcher.Config{Broker: brk, Registry: reg, Bus: bus})

	vsStore := &fakeVectorStore{}
	vs := vectorsearch.New(vsStore, fakeProvider{})
	rs := reasoning.New(newFakeReasoningStore())
	ss := session.New(newFakeSessionStore())

	return NewRouter(Config{
		Dispatcher:    d,
		ScheduleStore: newFakeScheduleStore(),
		WebhookStore:  newFakeWebhookStore(),
		VectorSearch:  vs,
		Reasoning:     rs,
		Session:       ss,
		KeyResolver:   StaticKeyResolver(map[string]string{"test-key": "tenant-1"}),
	})
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Api-Key", "test-key")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadyzDoNotRequireAuth(t *testing.T) {
	h := newTestRouter(t)
	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestSubmitAndGetJob(t *testing.T) {
	h := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/api/jobs/email", map[string]any{
		"data": map[string]any{"to": "a@example.com"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var submitResp struct {
		Success bool
		Data    struct{ JobID string }
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if !submitResp.Success || submitResp.Data.JobID == "" {
		t.Fatalf("unexpected submit response: %s", rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/jobs/email/"+submitResp.Data.JobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAndListSchedules(t *testing.T) {
	h := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/api/schedules", map[string]any{
		"name":     "nightly-report",
		"cronExpr": "0 2 * * *",
		"endpoint": map[string]any{"url": "https://example.com/run"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/schedules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var listResp struct {
		Data []map[string]any
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listResp.Data) != 1 {
		t.Fatalf("len(schedules) = %d, want 1", len(listResp.Data))
	}
}

func TestCreateSessionAndCheckpointFlow(t *testing.T) {
	h := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/api/sessions", map[string]any{"projectId": "proj-1", "title": "debug run"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Data struct{ ID string }
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/sessions/"+created.Data.ID+"/checkpoints", map[string]any{
		"label": "before-refactor", "state": map[string]any{"step": 1},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkpoint: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/api/sessions/"+created.Data.ID+"/checkpoints/cp-1/restore", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("restore: status = %d, want 500 (not implemented)", rec.Code)
	}
}

func TestSearchAndIndexCode(t *testing.T) {
	h := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/api/code/index", map[string]any{
		"projectId": "proj-1", "repositoryName": "repo", "filePath": "main.go", "content": "package main",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("index: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/api/code/search", map[string]any{
		"query": "main", "projectId": "proj-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestStoreAndGetReasoningChain(t *testing.T) {
	h := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/api/reasoning/store", map[string]any{
		"sessionId": "sess-1", "type": "analysis", "content": map[string]any{"raw": "looked at the bug"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("store step: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/reasoning/chain/sess-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get chain: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
