package httploop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/engine"
	"github.com/openobserve/swisspipe/workflow/httpclient"
	"github.com/openobserve/swisspipe/workflow/store"
)

// readyCondition is a script.Engine double whose termination condition
// only reports true once the stub server has answered "ready" (the
// server itself decides when that is, based on call count), matching
// scenario 5's "ready=false for the first 3 calls, ready=true on the
// 4th" (§8).
type readyCondition struct{}

func (readyCondition) EvaluateCondition(ctx context.Context, script string, event workflow.WorkflowEvent) (bool, error) {
	var decoded struct {
		Ready bool `json:"ready"`
	}
	if len(event.Data) > 0 {
		_ = json.Unmarshal(event.Data, &decoded)
	}
	return event.Metadata["http_status"] == "" && decoded.Ready, nil
}

func (readyCondition) EvaluateTransform(ctx context.Context, script string, event workflow.WorkflowEvent) (*workflow.WorkflowEvent, error) {
	out := event.Clone()
	return &out, nil
}

func setupExecution(t *testing.T, st store.Store, workflowID string) string {
	t.Helper()
	id := "exec-loop"
	now := time.Now()
	if err := st.CreateExecution(context.Background(), workflow.WorkflowExecution{
		ID: id, WorkflowID: workflowID, Status: workflow.ExecutionRunning, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return id
}

// Scenario 5 (§8): a loop with max_iterations=10 and a termination
// predicate terminates on the 4th call once the stub flips to
// ready=true, with exactly 4 iterations recorded and zero consecutive
// failures at termination.
func TestLoopTerminatesOnPredicate(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls < 4 {
			fmt.Fprintf(w, `{"ready":false}`)
			return
		}
		fmt.Fprintf(w, `{"ready":true}`)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	wf := workflow.Workflow{ID: "wf-loop", StartNodeID: "trigger", Nodes: []workflow.Node{
		{ID: "trigger", Kind: workflow.KindTrigger},
		{ID: "loop", Kind: workflow.KindHttpRequest},
	}}
	execID := setupExecution(t, st, wf.ID)
	if err := st.CreateStep(ctx, workflow.ExecutionStep{
		ID: "step-loop", ExecutionID: execID, NodeID: "loop", Status: workflow.StepRunning, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create step: %v", err)
	}

	sched := New(st, httpclient.New(5*time.Second), readyCondition{})
	maxIter := 10
	cfg := workflow.LoopConfig{
		MaxIterations:   &maxIter,
		IntervalSeconds: 0,
		BackoffStrategy: workflow.BackoffStrategy{Kind: workflow.BackoffFixed, FixedSecs: 0},
		TerminationCondition: &workflow.TerminationCondition{
			Script: "ready",
			Action: workflow.TerminationSuccess,
		},
	}
	req := httpclient.Request{Method: workflow.MethodGet, URL: srv.URL, Timeout: 5 * time.Second}

	sig, err := sched.Start(ctx, execID, wf.ID, "step-loop", "loop", cfg, req, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sig.Kind != workflow.SuspendHttpLoopScheduled {
		t.Fatalf("expected SuspendHttpLoopScheduled, got %s", sig.Kind)
	}

	exec, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != workflow.ExecutionSuspended {
		t.Fatalf("expected execution suspended after Start, got %s", exec.Status)
	}

	ex := engine.NewExecutor(st, &engine.NodeExecutor{})

	var (
		terminated bool
		result     workflow.WorkflowEvent
		nodeID     string
		loopStID   string
	)
	for i := 0; i < 10; i++ {
		job, cerr := st.ClaimJob(ctx, "w1", time.Now().Add(time.Second))
		if cerr != nil {
			t.Fatalf("claim: %v", cerr)
		}
		if job == nil {
			t.Fatalf("expected a pending tick job on iteration %d", i)
		}
		var body workflow.HttpLoopTickBody
		if err := json.Unmarshal(job.Payload.Body, &body); err != nil {
			t.Fatalf("decode tick body: %v", err)
		}
		loopStID = body.LoopStateID
		terminated, result, nodeID, err = sched.Tick(ctx, ex, wf, body)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if err := st.CompleteJob(ctx, job.ID); err != nil {
			t.Fatalf("complete job: %v", err)
		}
		if terminated {
			break
		}
	}

	if !terminated {
		t.Fatal("expected the loop to terminate within 10 ticks")
	}
	if nodeID != "loop" {
		t.Fatalf("expected termination to name the loop node, got %q", nodeID)
	}
	var decoded struct{ Ready bool }
	if err := json.Unmarshal(result.Data, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !decoded.Ready {
		t.Fatal("expected the final event to carry ready=true")
	}
	if calls != 4 {
		t.Fatalf("expected exactly 4 HTTP calls, got %d", calls)
	}

	st2, err := st.GetLoopState(ctx, loopStID)
	if err != nil {
		t.Fatalf("get loop state: %v", err)
	}
	if st2.Status != workflow.LoopCompleted {
		t.Fatalf("expected loop state completed, got %s", st2.Status)
	}
	if st2.ConsecutiveFailures != 0 {
		t.Fatalf("expected 0 consecutive failures at termination, got %d", st2.ConsecutiveFailures)
	}
	if len(st2.IterationHistory) != 4 {
		t.Fatalf("expected 4 iteration history entries, got %d", len(st2.IterationHistory))
	}

	execAfter, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if execAfter.Status != workflow.ExecutionRunning {
		t.Fatalf("expected Tick to flip execution back to running on termination, got %s", execAfter.Status)
	}
}

// A Stop-action termination marks the execution Failed and cancels its
// pending jobs, with no further DAG walk required.
func TestLoopStopActionFailsExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ready":true}`)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	wf := workflow.Workflow{ID: "wf-stop", StartNodeID: "trigger", Nodes: []workflow.Node{
		{ID: "trigger", Kind: workflow.KindTrigger},
		{ID: "loop", Kind: workflow.KindHttpRequest},
	}}
	execID := setupExecution(t, st, wf.ID)

	sched := New(st, httpclient.New(5*time.Second), readyCondition{})
	cfg := workflow.LoopConfig{
		TerminationCondition: &workflow.TerminationCondition{Script: "ready", Action: workflow.TerminationStop},
	}
	req := httpclient.Request{Method: workflow.MethodGet, URL: srv.URL, Timeout: 5 * time.Second}
	if _, err := sched.Start(ctx, execID, wf.ID, "step-loop", "loop", cfg, req, workflow.NewWorkflowEvent(nil)); err != nil {
		t.Fatalf("start: %v", err)
	}

	job, err := st.ClaimJob(ctx, "w1", time.Now().Add(time.Second))
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	var body workflow.HttpLoopTickBody
	if err := json.Unmarshal(job.Payload.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	ex := engine.NewExecutor(st, &engine.NodeExecutor{})
	terminated, _, nodeID, err := sched.Tick(ctx, ex, wf, body)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !terminated || nodeID != "" {
		t.Fatalf("expected a stop termination with no node id, got terminated=%v nodeID=%q", terminated, nodeID)
	}

	exec, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != workflow.ExecutionFailed {
		t.Fatalf("expected execution failed after a stop termination, got %s", exec.Status)
	}
}

// Control operations reject illegal transitions: pausing an
// already-cancelled loop is a 400-class error (§6).
func TestControlOperationsRejectIllegalTransitions(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	if err := st.CreateLoopState(ctx, workflow.HttpLoopState{
		ID: "loop-1", ExecutionID: "exec-x", Status: workflow.LoopCancelled, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create loop state: %v", err)
	}
	sched := New(st, httpclient.New(time.Second), readyCondition{})
	if err := sched.Pause(ctx, "loop-1"); err != workflow.ErrIllegalLoopTransition {
		t.Fatalf("expected ErrIllegalLoopTransition, got %v", err)
	}
}
