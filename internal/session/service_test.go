package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mechlabs/mech-queue/internal/apperrors"
)

type memStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	checkpoints map[string][]*Checkpoint
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session), checkpoints: make(map[string][]*Checkpoint)}
}

func (m *memStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) Get(_ context.Context, _, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

func (m *memStore) List(_ context.Context, applicationID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ApplicationID == applicationID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, _, id string, upd Update) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if upd.Title != nil {
		s.Title = *upd.Title
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.Context != nil {
		s.Context = *upd.Context
	}
	for k, v := range upd.StatisticsCounters {
		if s.Statistics.Counters == nil {
			s.Statistics.Counters = map[string]int{}
		}
		s.Statistics.Counters[k] += v
	}
	s.Statistics.LastActivity = time.Now()
	s.UpdatedAt = time.Now()
	return s, nil
}

func (m *memStore) End(_ context.Context, _, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.Status = status
	now := time.Now()
	s.EndedAt = &now
	return nil
}

func (m *memStore) CreateCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.SessionID] = append(m.checkpoints[cp.SessionID], cp)
	return nil
}

func (m *memStore) ListCheckpoints(_ context.Context, sessionID string) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[sessionID], nil
}

func TestCreateAndUpdateMergesCounters(t *testing.T) {
	svc := New(newMemStore())
	ctx := context.Background()

	sess, err := svc.Create(ctx, "tenant-1", "proj-1", "debug session")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	firstActivity := sess.Statistics.LastActivity

	time.Sleep(2 * time.Millisecond)
	updated, err := svc.Update(ctx, "tenant-1", sess.ID, Update{StatisticsCounters: map[string]int{"toolCalls": 3}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Statistics.Counters["toolCalls"] != 3 {
		t.Fatalf("toolCalls = %d, want 3", updated.Statistics.Counters["toolCalls"])
	}
	if !updated.Statistics.LastActivity.After(firstActivity) {
		t.Fatal("lastActivity was not refreshed on update")
	}

	updated2, err := svc.Update(ctx, "tenant-1", sess.ID, Update{StatisticsCounters: map[string]int{"toolCalls": 2}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated2.Statistics.Counters["toolCalls"] != 5 {
		t.Fatalf("toolCalls after second merge = %d, want 5 (dot-wise merge, not replace)", updated2.Statistics.Counters["toolCalls"])
	}
}

func TestEndRejectsActiveStatus(t *testing.T) {
	svc := New(newMemStore())
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "tenant-1", "proj-1", "s")
	if err := svc.End(ctx, "tenant-1", sess.ID, StatusActive); err == nil {
		t.Fatal("End() with StatusActive should error")
	}
}

func TestRestoreCheckpointIsUnimplemented(t *testing.T) {
	svc := New(newMemStore())
	err := svc.RestoreCheckpoint(context.Background(), "sess-1", "cp-1")
	if !errors.Is(err, apperrors.ErrNotImplemented) {
		t.Fatalf("RestoreCheckpoint() error = %v, want ErrNotImplemented", err)
	}
}

func TestCheckpointAndListCheckpoints(t *testing.T) {
	svc := New(newMemStore())
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "tenant-1", "proj-1", "s")

	if _, err := svc.Checkpoint(ctx, sess.ID, "before-refactor", map[string]any{"step": 3}); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	cps, err := svc.ListCheckpoints(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(cps) != 1 || cps[0].Label != "before-refactor" {
		t.Fatalf("ListCheckpoints() = %+v", cps)
	}
}
