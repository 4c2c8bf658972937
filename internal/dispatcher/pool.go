package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mechlabs/mech-queue/internal/broker"
	"github.com/mechlabs/mech-queue/internal/eventbus"
	"github.com/mechlabs/mech-queue/internal/queue"
)

// pool is the set of worker goroutines plus the maintenance loop for one
// queue. Lifetimes follow the teacher's cron.Scheduler shape: a
// context.CancelFunc paired with a sync.WaitGroup.
type pool struct {
	queueName string
	def       *queue.Definition
	processor Processor
	limiter   *slidingWindowLimiter

	d *Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches worker pools for every queue with a registered processor.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for queueName, proc := range d.processors {
		def, err := d.registry.Get(queueName)
		if err != nil {
			return err
		}
		concurrency := def.MaxConcurrency
		if concurrency <= 0 {
			concurrency = defaultConcurrency
		}

		p := &pool{
			queueName: queueName,
			def:       def,
			processor: proc,
			limiter:   newSlidingWindowLimiter(def.RateLimit.Max, time.Duration(def.RateLimit.WindowMs)*time.Millisecond),
			d:         d,
		}
		poolCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel

		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			workerID := fmt.Sprintf("%s-worker-%d", queueName, i)
			go p.workerLoop(poolCtx, workerID)
		}
		p.wg.Add(1)
		go p.maintenanceLoop(poolCtx)

		d.pools[queueName] = p
		d.logger.Info("dispatcher pool started", "queue", queueName, "concurrency", concurrency)
	}
	return nil
}

// Stop cancels every pool's workers, which also cancels the context passed
// to any in-flight processor, and waits for them to exit. It applies no
// deadline of its own: a processor that ignores cancellation keeps Stop
// waiting, and leases of interrupted jobs are not released.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	pools := make([]*pool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.RUnlock()

	for _, p := range pools {
		p.cancel()
	}
	for _, p := range pools {
		p.wg.Wait()
	}
	d.logger.Info("dispatcher stopped")
}

func (p *pool) workerLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if paused, err := p.d.brk.IsPaused(ctx, p.queueName); err != nil {
			p.d.logger.Error("dispatcher: check paused failed", "queue", p.queueName, "error", err)
			sleepOrDone(ctx, 200*time.Millisecond)
			continue
		} else if paused {
			sleepOrDone(ctx, 200*time.Millisecond)
			continue
		}

		if !p.limiter.Allow() {
			sleepOrDone(ctx, 50*time.Millisecond)
			continue
		}

		defaultVisibility := time.Duration(defaultTimeout) * 2
		resv, err := p.d.brk.Reserve(ctx, p.queueName, workerID, defaultVisibility)
		if err != nil {
			p.d.logger.Error("dispatcher: reserve failed", "queue", p.queueName, "error", err)
			sleepOrDone(ctx, 200*time.Millisecond)
			continue
		}
		if resv == nil {
			sleepOrDone(ctx, 100*time.Millisecond)
			continue
		}

		p.process(ctx, workerID, resv)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *pool) process(ctx context.Context, workerID string, resv *broker.Reservation) {
	d := p.d
	var job Job
	if err := json.Unmarshal(resv.Record.Payload, &job); err != nil {
		d.logger.Error("dispatcher: corrupt job payload", "queue", p.queueName, "job_id", resv.Record.ID, "error", err)
		return
	}

	timeoutMs := job.Options.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = int(defaultTimeout / time.Millisecond)
	}
	visibility := time.Duration(timeoutMs) * time.Millisecond * 2
	leaseExpireAt := time.Now().Add(visibility)
	if err := d.brk.ExtendLease(ctx, p.queueName, job.ID, leaseExpireAt); err != nil {
		d.logger.Warn("dispatcher: extend lease failed", "queue", p.queueName, "job_id", job.ID, "error", err)
	}

	job.AttemptNumber++
	now := time.Now()
	job.Status = StatusActive
	job.StartedAt = &now
	d.persistActive(ctx, &job)
	d.publish(eventbus.TopicJobStarted, eventbus.JobEvent{JobID: job.ID, Queue: p.queueName, ApplicationID: job.ApplicationID, Attempt: job.AttemptNumber, Status: string(job.Status), Metadata: job.Options.Metadata})

	procCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	result, err := runProcessor(procCtx, p.processor, &job)

	if err == nil {
		d.complete(ctx, p.queueName, &job, result)
		return
	}
	d.fail(ctx, p, &job, err)
}

// runProcessor recovers from a panicking processor, surfacing it as an
// ordinary processor error so attempts accounting stays correct.
func runProcessor(ctx context.Context, proc Processor, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, job)
}

func (d *Dispatcher) persistActive(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		d.logger.Error("dispatcher: marshal active job", "job_id", job.ID, "error", err)
		return
	}
	rec := broker.Record{ID: job.ID, Queue: job.Queue, Priority: job.Options.Priority, EnqueuedAt: job.CreatedAt, Payload: data}
	if err := d.brk.Update(ctx, job.Queue, job.ID, rec); err != nil {
		d.logger.Error("dispatcher: persist active job", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) complete(ctx context.Context, queueName string, job *Job, result json.RawMessage) {
	now := time.Now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.Result = result
	job.Error = ""

	data, err := json.Marshal(job)
	if err != nil {
		d.logger.Error("dispatcher: marshal completed job", "job_id", job.ID, "error", err)
		return
	}
	rec := broker.Record{ID: job.ID, Queue: queueName, Priority: job.Options.Priority, EnqueuedAt: job.CreatedAt, Payload: data}
	if err := d.brk.Complete(ctx, queueName, job.ID, rec, now); err != nil {
		d.logger.Error("dispatcher: complete job", "job_id", job.ID, "error", err)
		return
	}
	d.publish(eventbus.TopicJobCompleted, eventbus.JobEvent{JobID: job.ID, Queue: queueName, ApplicationID: job.ApplicationID, Attempt: job.AttemptNumber, Status: string(job.Status), Metadata: job.Options.Metadata})
	if job.Options.RemoveOnComplete != nil {
		age := time.Duration(job.Options.RemoveOnComplete.AgeSec) * time.Second
		if _, err := d.brk.Trim(ctx, queueName, broker.StateCompleted, age, int64(job.Options.RemoveOnComplete.MaxCount)); err != nil {
			d.logger.Warn("dispatcher: trim completed", "queue", queueName, "error", err)
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, p *pool, job *Job, procErr error) {
	queueName := p.queueName
	job.Error = procErr.Error()

	if job.AttemptNumber < job.Options.Attempts {
		delay := ComputeDelay(job.Options.Backoff, job.AttemptNumber)
		job.Status = StatusDelayed

		data, err := json.Marshal(job)
		if err != nil {
			d.logger.Error("dispatcher: marshal retrying job", "job_id", job.ID, "error", err)
			return
		}
		if err := d.brk.Update(ctx, queueName, job.ID, broker.Record{ID: job.ID, Queue: queueName, Priority: job.Options.Priority, EnqueuedAt: job.CreatedAt, Payload: data}); err != nil {
			d.logger.Error("dispatcher: persist retrying job", "job_id", job.ID, "error", err)
		}
		if err := d.brk.Nack(ctx, queueName, job.ID, delay); err != nil {
			d.logger.Error("dispatcher: nack job", "job_id", job.ID, "error", err)
		}
		d.publish(eventbus.TopicJobRetrying, eventbus.JobEvent{JobID: job.ID, Queue: queueName, ApplicationID: job.ApplicationID, Attempt: job.AttemptNumber, Status: string(job.Status), Error: job.Error, Metadata: job.Options.Metadata})
		return
	}

	now := time.Now()
	job.Status = StatusFailed
	job.FailedAt = &now

	data, err := json.Marshal(job)
	if err != nil {
		d.logger.Error("dispatcher: marshal failed job", "job_id", job.ID, "error", err)
		return
	}
	rec := broker.Record{ID: job.ID, Queue: queueName, Priority: job.Options.Priority, EnqueuedAt: job.CreatedAt, Payload: data}
	if err := d.brk.FailTerminal(ctx, queueName, job.ID, rec, now); err != nil {
		d.logger.Error("dispatcher: fail job", "job_id", job.ID, "error", err)
		return
	}
	d.publish(eventbus.TopicJobFailed, eventbus.JobEvent{JobID: job.ID, Queue: queueName, ApplicationID: job.ApplicationID, Attempt: job.AttemptNumber, Status: string(job.Status), Error: job.Error, Metadata: job.Options.Metadata})
	if job.Options.RemoveOnFail != nil {
		age := time.Duration(job.Options.RemoveOnFail.AgeSec) * time.Second
		if _, err := d.brk.Trim(ctx, queueName, broker.StateFailed, age, int64(job.Options.RemoveOnFail.MaxCount)); err != nil {
			d.logger.Warn("dispatcher: trim failed", "queue", queueName, "error", err)
		}
	}
}

// maintenanceLoop periodically drains due delayed jobs back to waiting and
// recovers jobs whose lease expired without an ack (stalled recovery).
func (p *pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepDelayed(ctx)
			p.sweepStalled(ctx)
		}
	}
}

func (p *pool) sweepDelayed(ctx context.Context) {
	if _, err := p.d.brk.ScanDelayed(ctx, p.queueName, time.Now()); err != nil {
		p.d.logger.Error("dispatcher: scan delayed failed", "queue", p.queueName, "error", err)
	}
}

func (p *pool) sweepStalled(ctx context.Context) {
	d := p.d
	stalledIDs, err := d.brk.ScanStalled(ctx, p.queueName, time.Now())
	if err != nil {
		d.logger.Error("dispatcher: scan stalled failed", "queue", p.queueName, "error", err)
		return
	}
	for _, jobID := range stalledIDs {
		job, err := d.loadJob(ctx, p.queueName, jobID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		if job.AttemptNumber < job.Options.Attempts {
			job.Status = StatusDelayed
			data, err := json.Marshal(job)
			if err != nil {
				continue
			}
			_ = d.brk.Update(ctx, p.queueName, jobID, broker.Record{ID: jobID, Queue: p.queueName, Priority: job.Options.Priority, EnqueuedAt: job.CreatedAt, Payload: data})
			_ = d.brk.Nack(ctx, p.queueName, jobID, 0)
			d.publish(eventbus.TopicJobStalled, eventbus.JobEvent{JobID: jobID, Queue: p.queueName, ApplicationID: job.ApplicationID, Attempt: job.AttemptNumber, Status: string(job.Status), Metadata: job.Options.Metadata})
		} else {
			now := time.Now()
			job.Status = StatusFailed
			job.FailedAt = &now
			job.Error = "stalled: lease expired after attempts exhausted"
			data, err := json.Marshal(job)
			if err != nil {
				continue
			}
			_ = d.brk.FailTerminal(ctx, p.queueName, jobID, broker.Record{ID: jobID, Queue: p.queueName, Priority: job.Options.Priority, EnqueuedAt: job.CreatedAt, Payload: data}, now)
			d.publish(eventbus.TopicJobFailed, eventbus.JobEvent{JobID: jobID, Queue: p.queueName, ApplicationID: job.ApplicationID, Attempt: job.AttemptNumber, Status: string(job.Status), Error: job.Error, Metadata: job.Options.Metadata})
		}
	}
}
