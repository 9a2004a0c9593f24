package hil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/engine"
	"github.com/openobserve/swisspipe/workflow/script"
	"github.com/openobserve/swisspipe/workflow/store"
)

func hilWorkflow() workflow.Workflow {
	return workflow.Workflow{
		ID:          "wf-hil",
		StartNodeID: "trigger",
		Nodes: []workflow.Node{
			{ID: "trigger", Kind: workflow.KindTrigger},
			{ID: "hil", Kind: workflow.KindHumanInLoop},
			{ID: "notify", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "notify"}},
			{ID: "a", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "approved"}},
			{ID: "b", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "denied"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "hil"},
			{ID: "e2", FromNodeID: "hil", ToNodeID: "notify", SourceHandleID: workflow.HandleNotification},
			{ID: "e3", FromNodeID: "hil", ToNodeID: "a", SourceHandleID: workflow.HandleApproved},
			{ID: "e4", FromNodeID: "hil", ToNodeID: "b", SourceHandleID: workflow.HandleDenied},
		},
	}
}

func setupExecution(t *testing.T, st store.Store, wf workflow.Workflow) string {
	t.Helper()
	id := "exec-hil"
	now := time.Now()
	if err := st.CreateExecution(context.Background(), workflow.WorkflowExecution{
		ID: id, WorkflowID: wf.ID, Status: workflow.ExecutionRunning, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return id
}

// Start creates a pending HilTask, suspends the execution, and its own
// multi-path outcome carries exactly the notification handle (§4.6).
func TestStartSuspendsAndNotifies(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	wf := hilWorkflow()
	execID := setupExecution(t, st, wf)

	g := New(st)
	timeout := int64(3600)
	node := wf.Nodes[1]
	node.Config.HilTimeoutSecs = &timeout
	node.Config.TimeoutAction = "denied"

	outcome, err := g.Start(ctx, execID, node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if outcome.Kind != engine.OutcomeMultiPath {
		t.Fatalf("expected OutcomeMultiPath, got %s", outcome.Kind)
	}
	if len(outcome.Paths) != 1 || outcome.Paths[0].HandleID != workflow.HandleNotification {
		t.Fatalf("expected exactly one notification path, got %+v", outcome.Paths)
	}

	exec, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != workflow.ExecutionSuspended {
		t.Fatalf("expected execution suspended, got %s", exec.Status)
	}

	nodeExecID := outcome.Paths[0].Event.Metadata["hil_node_execution_id"]
	if nodeExecID == "" {
		t.Fatal("expected notification event to carry hil_node_execution_id")
	}
	task, err := st.GetHilTaskByNodeExecutionID(ctx, nodeExecID)
	if err != nil {
		t.Fatalf("get hil task: %v", err)
	}
	if task.Status != workflow.HilPending {
		t.Fatalf("expected pending task, got %s", task.Status)
	}
}

// Respond records the decision, enqueues exactly one resumption job
// matching the decided path, and is idempotent on replay.
func TestRespondEnqueuesResumptionAndIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	wf := hilWorkflow()
	execID := setupExecution(t, st, wf)

	g := New(st)
	outcome, err := g.Start(ctx, execID, wf.Nodes[1], workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	nodeExecID := outcome.Paths[0].Event.Metadata["hil_node_execution_id"]

	if err := g.Respond(ctx, nodeExecID, true, json.RawMessage(`{"ok":true}`), "looks good"); err != nil {
		t.Fatalf("respond: %v", err)
	}

	task, err := st.GetHilTaskByNodeExecutionID(ctx, nodeExecID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != workflow.HilApproved {
		t.Fatalf("expected approved, got %s", task.Status)
	}
	if task.ResponseReceivedAt == nil {
		t.Fatal("expected response_received_at to be set")
	}

	if err := g.Respond(ctx, nodeExecID, false, nil, "too late"); err != workflow.ErrTaskNotPending {
		t.Fatalf("expected ErrTaskNotPending on replay, got %v", err)
	}
}

// Resume runs exactly the approved branch and leaves the denied branch
// untouched (cancellation of the sibling is the caller's job; here we
// verify only the approved path is what fires).
func TestResumeRunsOnlyTheDecidedPath(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	wf := hilWorkflow()
	execID := setupExecution(t, st, wf)

	g := New(st)
	outcome, err := g.Start(ctx, execID, wf.Nodes[1], workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	nodeExecID := outcome.Paths[0].Event.Metadata["hil_node_execution_id"]
	if err := g.Respond(ctx, nodeExecID, true, json.RawMessage(`{"ok":true}`), ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	task, err := st.GetHilTaskByNodeExecutionID(ctx, nodeExecID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	mock := &script.Mock{TransformResults: map[string]*workflow.WorkflowEvent{
		"approved": func() *workflow.WorkflowEvent {
			e := workflow.NewWorkflowEvent(json.RawMessage(`{"path":"approved"}`))
			return &e
		}(),
	}}
	ex := engine.NewExecutor(st, &engine.NodeExecutor{Script: mock})

	out, err := Resume(ctx, st, ex, wf, workflow.HilResumptionBody{
		ExecutionID: execID, WorkflowID: wf.ID, NodeExecutionID: task.NodeExecutionID,
		HilTaskID: task.ID, ResumePath: "approved", Event: workflow.NewWorkflowEvent(json.RawMessage(`{"ok":true}`)),
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	var decoded struct{ Path string }
	if err := json.Unmarshal(out.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Path != "approved" {
		t.Fatalf("expected approved path output, got %s", out.Data)
	}
	if got := len(mock.TransformCalls); got != 1 {
		t.Fatalf("expected exactly one transform call (the approved branch), got %d", got)
	}
}

// SweepExpired applies timeout_action to pending tasks past their
// deadline and returns a resumption body per expired task.
func TestSweepExpiredAppliesTimeoutAction(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	wf := hilWorkflow()
	execID := setupExecution(t, st, wf)

	g := New(st)
	node := wf.Nodes[1]
	node.Config.TimeoutAction = "denied"
	past := time.Now().Add(-time.Hour)
	outcome, err := g.Start(ctx, execID, node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	nodeExecID := outcome.Paths[0].Event.Metadata["hil_node_execution_id"]
	task, err := st.GetHilTaskByNodeExecutionID(ctx, nodeExecID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	task.TimeoutAt = &past
	if err := st.UpdateHilTask(ctx, *task); err != nil {
		t.Fatalf("backdate timeout: %v", err)
	}

	bodies, err := SweepExpired(ctx, st, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected 1 expired task, got %d", len(bodies))
	}
	if bodies[0].ResumePath != "denied" {
		t.Fatalf("expected timeout_action=denied to drive the resume path, got %s", bodies[0].ResumePath)
	}

	finalTask, err := st.GetHilTaskByNodeExecutionID(ctx, nodeExecID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if finalTask.Status != workflow.HilDenied {
		t.Fatalf("expected task status denied after sweep, got %s", finalTask.Status)
	}
}
