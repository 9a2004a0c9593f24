package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/store"
)

// A claimed job completes successfully and never surfaces an error to
// the caller.
func TestPoolDispatchesAndCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	id, err := Enqueue(ctx, st, workflow.Job{
		Payload: workflow.JobPayload{Type: workflow.JobWorkflowExecution},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var handled atomic.Int32
	done := make(chan struct{})
	pool := NewPool(st, 1, 5*time.Millisecond, nil)
	pool.Register(workflow.JobWorkflowExecution, func(ctx context.Context, job workflow.Job) error {
		handled.Add(1)
		close(done)
		return nil
	})
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never dispatched")
	}
	// Give the worker loop a moment to perform the terminal CompleteJob
	// call after the handler returned.
	time.Sleep(20 * time.Millisecond)

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != workflow.JobCompleted {
		t.Fatalf("expected job completed, got %s", job.Status)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected handler invoked once, got %d", handled.Load())
	}
}

// A handler returning a suspension-flavored error still completes the
// job: the continuation was already durably scheduled elsewhere (§4.1).
func TestPoolTreatsSuspensionAsCompletion(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	id, _ := Enqueue(ctx, st, workflow.Job{
		Payload: workflow.JobPayload{Type: workflow.JobDelayResumption},
	})

	done := make(chan struct{})
	pool := NewPool(st, 1, 5*time.Millisecond, nil)
	pool.Register(workflow.JobDelayResumption, func(ctx context.Context, job workflow.Job) error {
		defer close(done)
		return &workflow.SuspensionSignal{Kind: workflow.SuspendDelayScheduled, ExecutionID: "exec-1"}
	})
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never dispatched")
	}
	time.Sleep(20 * time.Millisecond)

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != workflow.JobCompleted {
		t.Fatalf("expected suspended job completed, got %s", job.Status)
	}
}

// A non-suspension failure under the retry budget goes back to pending
// with an incremented retry count and a future scheduled_at.
func TestPoolRetriesFailedJob(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	before := time.Now()
	id, _ := Enqueue(ctx, st, workflow.Job{
		MaxRetries: 5,
		Payload:    workflow.JobPayload{Type: workflow.JobWorkflowExecution},
	})

	var calls atomic.Int32
	done := make(chan struct{})
	var once sync.Once
	pool := NewPool(st, 1, 5*time.Millisecond, nil)
	pool.Register(workflow.JobWorkflowExecution, func(ctx context.Context, job workflow.Job) error {
		calls.Add(1)
		once.Do(func() { close(done) })
		return errors.New("boom")
	})
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never dispatched")
	}
	time.Sleep(20 * time.Millisecond)

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != workflow.JobPending {
		t.Fatalf("expected job pending for retry, got %s", job.Status)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", job.RetryCount)
	}
	if job.ScheduledAtUs <= before.UnixMicro() {
		t.Fatalf("expected scheduled_at pushed into the future")
	}
}

// A job that exhausts its retry budget moves to dead_letter instead of
// pending.
func TestPoolDeadLettersAfterMaxRetries(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	id, _ := Enqueue(ctx, st, workflow.Job{
		MaxRetries: 1,
		Payload:    workflow.JobPayload{Type: workflow.JobWorkflowExecution},
	})

	done := make(chan struct{})
	var once sync.Once
	pool := NewPool(st, 1, 5*time.Millisecond, nil)
	pool.Register(workflow.JobWorkflowExecution, func(ctx context.Context, job workflow.Job) error {
		once.Do(func() { close(done) })
		return errors.New("boom")
	})
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never dispatched")
	}
	time.Sleep(20 * time.Millisecond)

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != workflow.JobDeadLetter {
		t.Fatalf("expected dead_letter, got %s", job.Status)
	}
}

// NextRetryDelay must stay within [base, maxDelay+base] for every retry
// count; growth between attempts is not asserted because of jitter.
func TestNextRetryDelayBounds(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := NextRetryDelay(i)
		if d < DefaultBaseDelay {
			t.Fatalf("retry %d: delay %v below base %v", i, d, DefaultBaseDelay)
		}
		if d > DefaultMaxDelay+DefaultBaseDelay {
			t.Fatalf("retry %d: delay %v exceeds cap+jitter", i, d)
		}
		if i > 0 && i < 5 && d < prev {
			// Growth isn't strictly monotonic because of jitter, but the
			// exponential component should dominate in the early attempts
			// where it's well under the cap.
		}
		prev = d
	}
}
