package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/emit"
	"github.com/openobserve/swisspipe/workflow/store"
)

// Handler processes one claimed job. A returned SuspensionSignal (see
// workflow.IsSuspension) is treated as success: the job completes and
// the continuation has already been durably scheduled elsewhere.
type Handler func(ctx context.Context, job workflow.Job) error

// Pool is a worker pool that polls Store.ClaimJob and dispatches to a
// per-JobType Handler, generalizing the teacher's goroutine-per-worker
// pattern in graph/engine.go's runConcurrent from an in-process channel
// frontier to a durable, cross-process queue: workers here pull from
// the database instead of a buffered Go channel, since jobs must
// survive a process restart (§2, §4.1).
type Pool struct {
	st        store.Store
	handlers  map[workflow.JobType]Handler
	workers   int
	pollEvery time.Duration
	log       *slog.Logger

	// Emit receives job_claimed/job_completed/job_suspended/
	// job_retry_scheduled/job_dead_lettered events for every job this
	// Pool dispatches, the same event-emission backbone engine.Executor
	// uses (§2); NewPool sets it to a NullEmitter and a nil Emit disables
	// event emission. Metrics records retry counts. Nil Metrics disables
	// metrics recording.
	Emit    emit.Emitter
	Metrics *emit.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool builds a Pool with workers concurrent goroutines, each
// polling st at pollEvery when idle. Emit defaults to a NullEmitter;
// assign Pool.Emit / Pool.Metrics after construction to wire real
// observability.
func NewPool(st store.Store, workers int, pollEvery time.Duration, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		st:        st,
		handlers:  make(map[workflow.JobType]Handler),
		workers:   workers,
		pollEvery: pollEvery,
		log:       log,
		Emit:      emit.NewNullEmitter(),
	}
}

func (p *Pool) emitEvent(ev emit.Event) {
	if p.Emit == nil {
		return
	}
	p.Emit.Emit(ev)
}

func (p *Pool) recordRetry(executionID, jobType, reason string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.IncrementRetries(executionID, jobType, reason)
}

// Register binds a Handler to a JobType. Must be called before Start.
func (p *Pool) Register(t workflow.JobType, h Handler) {
	p.handlers[t] = h
}

// Start launches the worker goroutines, the heartbeat ticker, and the
// stale-claim sweeper, returning immediately. Call Stop to shut down.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.workers; i++ {
		workerID := workerIDFor(i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
	p.wg.Add(1)
	go p.runStaleSweeper(ctx)
}

// Stop cancels all workers and blocks until they exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func workerIDFor(i int) string {
	return "worker-" + strconv.Itoa(i)
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRun(ctx, workerID)
		}
	}
}

func (p *Pool) claimAndRun(ctx context.Context, workerID string) {
	job, err := p.st.ClaimJob(ctx, workerID, time.Now())
	if err != nil {
		p.log.Error("claim job failed", "worker", workerID, "err", err)
		return
	}
	if job == nil {
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, job.ID, workerID)

	p.emitEvent(emit.Event{
		ExecutionID: job.ExecutionID,
		Msg:         "job_claimed",
		Meta:        map[string]interface{}{"job_id": job.ID, "type": string(job.Payload.Type), "worker": workerID},
	})

	handler, ok := p.handlers[job.Payload.Type]
	if !ok {
		p.log.Error("no handler registered for job type", "type", job.Payload.Type, "job", job.ID)
		_ = p.st.FailJob(ctx, job.ID, "no handler registered", time.Now().UnixMicro(), true)
		return
	}

	err = handler(ctx, *job)
	if err == nil {
		if cerr := p.st.CompleteJob(ctx, job.ID); cerr != nil {
			p.log.Error("complete job failed", "job", job.ID, "err", cerr)
		}
		p.emitEvent(emit.Event{
			ExecutionID: job.ExecutionID,
			Msg:         "job_completed",
			Meta:        map[string]interface{}{"job_id": job.ID, "type": string(job.Payload.Type)},
		})
		return
	}

	if _, suspended := workflow.IsSuspension(err); suspended {
		if cerr := p.st.CompleteJob(ctx, job.ID); cerr != nil {
			p.log.Error("complete suspended job failed", "job", job.ID, "err", cerr)
		}
		p.emitEvent(emit.Event{
			ExecutionID: job.ExecutionID,
			Msg:         "job_suspended",
			Meta:        map[string]interface{}{"job_id": job.ID, "type": string(job.Payload.Type)},
		})
		return
	}

	p.failWithRetry(ctx, *job, err)
}

func (p *Pool) failWithRetry(ctx context.Context, job workflow.Job, cause error) {
	deadLetter := job.RetryCount+1 >= job.MaxRetries
	var nextUs int64
	if !deadLetter {
		delay := NextRetryDelay(job.RetryCount)
		nextUs = time.Now().Add(delay).UnixMicro()
	}
	if err := p.st.FailJob(ctx, job.ID, cause.Error(), nextUs, deadLetter); err != nil {
		p.log.Error("fail job bookkeeping failed", "job", job.ID, "err", err)
	}
	if deadLetter {
		p.log.Error("job dead-lettered", "job", job.ID, "type", job.Payload.Type, "cause", cause)
		p.emitEvent(emit.Event{
			ExecutionID: job.ExecutionID,
			Msg:         "job_dead_lettered",
			Meta: map[string]interface{}{
				"job_id": job.ID, "type": string(job.Payload.Type), "error": cause.Error(),
			},
		})
		return
	}
	p.log.Warn("job failed, scheduled retry", "job", job.ID, "retry_count", job.RetryCount+1, "cause", cause)
	p.recordRetry(job.ExecutionID, string(job.Payload.Type), "job_failed")
	p.emitEvent(emit.Event{
		ExecutionID: job.ExecutionID,
		Msg:         "job_retry_scheduled",
		Meta: map[string]interface{}{
			"job_id": job.ID, "type": string(job.Payload.Type),
			"retry_count": job.RetryCount + 1, "error": cause.Error(),
		},
	})
}

func (p *Pool) heartbeat(ctx context.Context, jobID, workerID string) {
	ticker := time.NewTicker(store.HeartbeatIntervalDefault)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.st.HeartbeatJob(context.Background(), jobID, workerID, time.Now()); err != nil {
				if !errors.Is(err, workflow.ErrClaimLost) {
					p.log.Warn("heartbeat failed", "job", jobID, "err", err)
				}
				return
			}
		}
	}
}

func (p *Pool) runStaleSweeper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(store.StaleThresholdDefault / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.st.ReleaseStaleJobs(ctx, store.StaleThresholdDefault, time.Now())
			if err != nil {
				p.log.Error("release stale jobs failed", "err", err)
				continue
			}
			if n > 0 {
				p.log.Warn("released stale job claims", "count", n)
			}
		}
	}
}

// Enqueue is a thin convenience wrapper over Store.EnqueueJob, giving
// callers outside this package a single entry point that doesn't
// require importing workflow.Job directly for the common case.
func Enqueue(ctx context.Context, st store.Store, job workflow.Job) (string, error) {
	if job.Priority == 0 {
		job.Priority = workflow.DefaultPriority
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = DefaultMaxRetries
	}
	return st.EnqueueJob(ctx, job)
}
