// Package broker is a thin façade over the ordered-set broker used by the
// dispatcher and scheduler: push, reserve, ack, nack, delayed-set draining,
// pause/resume, and state listings. Redis sorted sets hold each queue's
// waiting, delayed, active, completed, and failed sets, and plain string keys
// hold job records and the pause flag; everything else about job semantics
// (retries, attempts, backoff) lives in the dispatcher.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobState is a job's position within the broker.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Record is the broker's view of a job: enough to reserve, lease, and
// requeue it. The dispatcher owns the richer domain Job type and persists
// it here as an opaque JSON blob alongside the fields the broker itself
// needs to reason about ordering and leases.
type Record struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Priority   int64           `json:"priority"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Reservation is returned by Reserve: a record plus the lease it now holds.
type Reservation struct {
	Record        Record
	WorkerID      string
	LeaseExpireAt time.Time
}

// Broker wraps a Redis client with the operations C1 needs.
type Broker struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
	script *redis.Script
}

// New dials a standalone Redis instance at addr.
func New(addr string, logger *slog.Logger) *Broker {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewWithClient(rdb, logger)
}

// NewWithClient wraps an existing client (production pool or a miniredis
// client in tests).
func NewWithClient(rdb redis.UniversalClient, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		rdb:    rdb,
		logger: logger,
		script: redis.NewScript(reserveScript),
	}
}

// Ping verifies connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	if c, ok := b.rdb.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func waitingKey(queue string) string   { return fmt.Sprintf("mechqueue:%s:waiting", queue) }
func delayedKey(queue string) string   { return fmt.Sprintf("mechqueue:%s:delayed", queue) }
func activeKey(queue string) string    { return fmt.Sprintf("mechqueue:%s:active", queue) }
func pausedKey(queue string) string    { return fmt.Sprintf("mechqueue:%s:paused", queue) }
func completedKey(queue string) string { return fmt.Sprintf("mechqueue:%s:completed", queue) }
func failedKey(queue string) string    { return fmt.Sprintf("mechqueue:%s:failed", queue) }
func recordKey(queue, jobID string) string {
	return fmt.Sprintf("mechqueue:%s:job:%s", queue, jobID)
}

// priorityScore packs priority (lower = earlier) and enqueue order into a
// single float64 score so ZPOPMIN yields (priority, FIFO) order in one call.
func priorityScore(priority int64, enqueuedAt time.Time) float64 {
	return float64(priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

// Push adds a job to the waiting set, or to the delayed set if
// delayUntil is in the future.
func (b *Broker) Push(ctx context.Context, rec Record, delayUntil time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(rec.Queue, rec.ID), data, 0)
	if delayUntil.After(time.Now()) {
		pipe.ZAdd(ctx, delayedKey(rec.Queue), redis.Z{
			Score:  float64(delayUntil.UnixMilli()),
			Member: rec.ID,
		})
	} else {
		pipe.ZAdd(ctx, waitingKey(rec.Queue), redis.Z{
			Score:  priorityScore(rec.Priority, rec.EnqueuedAt),
			Member: rec.ID,
		})
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("push job %s: %w", rec.ID, err)
	}
	return nil
}

// reserveScript atomically checks the pause flag, pops the highest-priority
// waiting job, and moves it into the active set scored by lease expiry.
// KEYS: 1=waiting 2=active 3=paused
// ARGV: 1=leaseExpiresAtUnixMilli
const reserveScript = `
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local jobID = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], jobID)
return jobID
`

// Reserve atomically moves the next eligible job from waiting to active,
// returning nil if the queue is empty or paused.
func (b *Broker) Reserve(ctx context.Context, queue, workerID string, visibility time.Duration) (*Reservation, error) {
	leaseExpireAt := time.Now().Add(visibility)
	res, err := b.script.Run(ctx, b.rdb,
		[]string{waitingKey(queue), activeKey(queue), pausedKey(queue)},
		leaseExpireAt.UnixMilli(),
	).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reserve script: %w", err)
	}
	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	data, err := b.rdb.Get(ctx, recordKey(queue, jobID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load reserved record %s: %w", jobID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", jobID, err)
	}
	return &Reservation{Record: rec, WorkerID: workerID, LeaseExpireAt: leaseExpireAt}, nil
}

// ExtendLease updates an active job's lease expiry score once the actual
// job-specific visibility window is known (Reserve itself must guess a
// default before the record is loaded).
func (b *Broker) ExtendLease(ctx context.Context, queue, jobID string, newExpireAt time.Time) error {
	return b.rdb.ZAdd(ctx, activeKey(queue), redis.Z{Score: float64(newExpireAt.UnixMilli()), Member: jobID}).Err()
}

// Ack removes a job from the active set and deletes its record on
// successful completion.
func (b *Broker) Ack(ctx context.Context, queue, jobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(queue), jobID)
	pipe.Del(ctx, recordKey(queue, jobID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}
	return nil
}

// Nack removes a job from active and requeues it after requeueAfter,
// used both for processor failures awaiting retry and for stalled recovery.
func (b *Broker) Nack(ctx context.Context, queue, jobID string, requeueAfter time.Duration) error {
	data, err := b.rdb.Get(ctx, recordKey(queue, jobID)).Bytes()
	if err != nil {
		return fmt.Errorf("load nacked record %s: %w", jobID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("unmarshal record %s: %w", jobID, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(queue), jobID)
	if requeueAfter > 0 {
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
			Score:  float64(time.Now().Add(requeueAfter).UnixMilli()),
			Member: jobID,
		})
	} else {
		pipe.ZAdd(ctx, waitingKey(queue), redis.Z{
			Score:  priorityScore(rec.Priority, time.Now()),
			Member: jobID,
		})
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("nack job %s: %w", jobID, err)
	}
	return nil
}

// Fail removes a job from active and its record entirely (terminal failure,
// no further attempts). The dispatcher is expected to have already persisted
// the terminal job state before calling this.
func (b *Broker) Fail(ctx context.Context, queue, jobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(queue), jobID)
	pipe.Del(ctx, recordKey(queue, jobID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

// ScanDelayed moves due delayed jobs back to waiting. Idempotent; safe to
// call from every worker's periodic tick.
func (b *Broker) ScanDelayed(ctx context.Context, queue string, now time.Time) (int, error) {
	due, err := b.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	pipe := b.rdb.TxPipeline()
	for _, jobID := range due {
		pipe.ZRem(ctx, delayedKey(queue), jobID)
		pipe.ZAdd(ctx, waitingKey(queue), redis.Z{
			Score:  priorityScore(0, now),
			Member: jobID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("move delayed jobs: %w", err)
	}
	return len(due), nil
}

// ScanStalled finds active jobs whose lease has expired (score < now) and
// returns their IDs without mutating state; the dispatcher decides whether
// to retry or fail them and calls Nack/Fail accordingly.
func (b *Broker) ScanStalled(ctx context.Context, queue string, now time.Time) ([]string, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, activeKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan stalled: %w", err)
	}
	return ids, nil
}

// Pause marks a queue as paused; Reserve returns nil while set.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	return b.rdb.Set(ctx, pausedKey(queue), "1", 0).Err()
}

// Resume clears a queue's paused flag.
func (b *Broker) Resume(ctx context.Context, queue string) error {
	return b.rdb.Del(ctx, pausedKey(queue)).Err()
}

// IsPaused reports whether a queue is currently paused.
func (b *Broker) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := b.rdb.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Counts reports the current size of each ordered set for a queue.
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
}

// Counts returns the size of each state set for a queue.
func (b *Broker) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := b.rdb.TxPipeline()
	waiting := pipe.ZCard(ctx, waitingKey(queue))
	active := pipe.ZCard(ctx, activeKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counts: %w", err)
	}
	return Counts{Waiting: waiting.Val(), Active: active.Val(), Delayed: delayed.Val()}, nil
}

// ListByState returns a page of job IDs in the given state, ordered by
// score (priority/FIFO for waiting, lease expiry for active, fire time for
// delayed).
func (b *Broker) ListByState(ctx context.Context, queue string, state JobState, offset, limit int64) ([]string, error) {
	var key string
	switch state {
	case StateWaiting:
		key = waitingKey(queue)
	case StateActive:
		key = activeKey(queue)
	case StateDelayed:
		key = delayedKey(queue)
	case StateCompleted:
		key = completedKey(queue)
	case StateFailed:
		key = failedKey(queue)
	default:
		return nil, fmt.Errorf("listByState: unsupported state %q", state)
	}
	return b.rdb.ZRange(ctx, key, offset, offset+limit-1).Result()
}

// RemoveFromWaiting removes a job from the waiting set and deletes its
// record — used by Cancel when a job has not yet been reserved.
func (b *Broker) RemoveFromWaiting(ctx context.Context, queue, jobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, waitingKey(queue), jobID)
	pipe.ZRem(ctx, delayedKey(queue), jobID)
	pipe.Del(ctx, recordKey(queue, jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Get loads a job's record by ID regardless of which state set it is in.
func (b *Broker) Get(ctx context.Context, queue, jobID string) (Record, error) {
	data, err := b.rdb.Get(ctx, recordKey(queue, jobID)).Bytes()
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", jobID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal record %s: %w", jobID, err)
	}
	return rec, nil
}

// Update overwrites a job's stored record without touching its membership
// in any ordered set — used for progress/result updates while active.
func (b *Broker) Update(ctx context.Context, queue, jobID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.rdb.Set(ctx, recordKey(queue, jobID), data, 0).Err()
}

// Complete moves a job from active into the completed set, scored by
// completion time for removal-policy trimming.
func (b *Broker) Complete(ctx context.Context, queue, jobID string, rec Record, completedAt time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(queue), jobID)
	pipe.ZAdd(ctx, completedKey(queue), redis.Z{Score: float64(completedAt.UnixMilli()), Member: jobID})
	pipe.Set(ctx, recordKey(queue, jobID), data, 0)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// FailTerminal moves a job from active into the failed set after its
// attempts are exhausted.
func (b *Broker) FailTerminal(ctx context.Context, queue, jobID string, rec Record, failedAt time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(queue), jobID)
	pipe.ZAdd(ctx, failedKey(queue), redis.Z{Score: float64(failedAt.UnixMilli()), Member: jobID})
	pipe.Set(ctx, recordKey(queue, jobID), data, 0)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

// Trim enforces a removal policy on a terminal state set: anything older
// than maxAge is dropped, then the oldest entries beyond maxCount are
// dropped too, newest retained.
func (b *Broker) Trim(ctx context.Context, queue string, state JobState, maxAge time.Duration, maxCount int64) (int, error) {
	var key string
	switch state {
	case StateCompleted:
		key = completedKey(queue)
	case StateFailed:
		key = failedKey(queue)
	default:
		return 0, fmt.Errorf("trim: unsupported terminal state %q", state)
	}

	removed := 0
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixMilli()
		ids, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", cutoff)}).Result()
		if err != nil {
			return removed, fmt.Errorf("trim scan age: %w", err)
		}
		if len(ids) > 0 {
			if err := b.deleteTerminal(ctx, queue, key, ids); err != nil {
				return removed, err
			}
			removed += len(ids)
		}
	}
	if maxCount > 0 {
		total, err := b.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("trim card: %w", err)
		}
		if total > maxCount {
			ids, err := b.rdb.ZRange(ctx, key, 0, total-maxCount-1).Result()
			if err != nil {
				return removed, fmt.Errorf("trim scan count: %w", err)
			}
			if len(ids) > 0 {
				if err := b.deleteTerminal(ctx, queue, key, ids); err != nil {
					return removed, err
				}
				removed += len(ids)
			}
		}
	}
	return removed, nil
}

func (b *Broker) deleteTerminal(ctx context.Context, queue, setKey string, ids []string) error {
	pipe := b.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, setKey, id)
		pipe.Del(ctx, recordKey(queue, id))
	}
	_, err := pipe.Exec(ctx)
	return err
}
