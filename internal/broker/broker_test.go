package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, nil)
}

func mustRecord(t *testing.T, id, queue string) Record {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"to": "x@y"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Record{ID: id, Queue: queue, Priority: 0, EnqueuedAt: time.Now(), Payload: payload}
}

func TestPushReserveAck(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	rec := mustRecord(t, "job-1", "email")
	if err := b.Push(ctx, rec, time.Time{}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	counts, err := b.Counts(ctx, "email")
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("Waiting = %d, want 1", counts.Waiting)
	}

	resv, err := b.Reserve(ctx, "email", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if resv == nil || resv.Record.ID != "job-1" {
		t.Fatalf("Reserve() = %v, want job-1", resv)
	}

	if err := b.Ack(ctx, "email", "job-1"); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	counts, err = b.Counts(ctx, "email")
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Active != 0 {
		t.Fatalf("Active = %d, want 0 after ack", counts.Active)
	}
}

func TestReserve_EmptyQueue(t *testing.T) {
	b := newTestBroker(t)
	resv, err := b.Reserve(context.Background(), "email", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if resv != nil {
		t.Fatalf("Reserve() = %v, want nil on empty queue", resv)
	}
}

func TestPauseBlocksReserve(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Push(ctx, mustRecord(t, "job-1", "email"), time.Time{}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := b.Pause(ctx, "email"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	resv, err := b.Reserve(ctx, "email", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if resv != nil {
		t.Fatal("Reserve() returned a job while queue is paused")
	}

	if err := b.Resume(ctx, "email"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	resv, err = b.Reserve(ctx, "email", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Reserve() after resume error = %v", err)
	}
	if resv == nil {
		t.Fatal("Reserve() returned nil after resume")
	}
}

func TestPriorityOrdering(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	low := mustRecord(t, "job-low", "email")
	low.Priority = 10
	high := mustRecord(t, "job-high", "email")
	high.Priority = 1
	high.EnqueuedAt = low.EnqueuedAt.Add(time.Millisecond)

	if err := b.Push(ctx, low, time.Time{}); err != nil {
		t.Fatalf("push low: %v", err)
	}
	if err := b.Push(ctx, high, time.Time{}); err != nil {
		t.Fatalf("push high: %v", err)
	}

	resv, err := b.Reserve(ctx, "email", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if resv == nil || resv.Record.ID != "job-high" {
		t.Fatalf("Reserve() = %v, want job-high (lower priority value first)", resv)
	}
}

func TestNackRequeueAndScanDelayed(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	rec := mustRecord(t, "job-1", "email")
	if err := b.Push(ctx, rec, time.Time{}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if _, err := b.Reserve(ctx, "email", "worker-1", time.Second); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	if err := b.Nack(ctx, "email", "job-1", 10*time.Millisecond); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	counts, err := b.Counts(ctx, "email")
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Delayed != 1 {
		t.Fatalf("Delayed = %d, want 1", counts.Delayed)
	}

	moved, err := b.ScanDelayed(ctx, "email", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ScanDelayed() error = %v", err)
	}
	if moved != 1 {
		t.Fatalf("ScanDelayed() moved = %d, want 1", moved)
	}

	resv, err := b.Reserve(ctx, "email", "worker-2", time.Second)
	if err != nil {
		t.Fatalf("Reserve() after scan error = %v", err)
	}
	if resv == nil || resv.Record.ID != "job-1" {
		t.Fatal("expected job-1 to be reservable again after delayed scan")
	}
}

func TestScanStalled(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Push(ctx, mustRecord(t, "job-1", "email"), time.Time{}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if _, err := b.Reserve(ctx, "email", "worker-1", time.Millisecond); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	stalled, err := b.ScanStalled(ctx, "email", time.Now())
	if err != nil {
		t.Fatalf("ScanStalled() error = %v", err)
	}
	if len(stalled) != 1 || stalled[0] != "job-1" {
		t.Fatalf("ScanStalled() = %v, want [job-1]", stalled)
	}
}
