package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/script"
	"github.com/openobserve/swisspipe/workflow/store"
)

func newTestExecutor(se script.Engine) (*Executor, store.Store) {
	st := store.NewMemoryStore()
	ne := &NodeExecutor{Script: se}
	return NewExecutor(st, ne), st
}

func transformEvent(data string) *workflow.WorkflowEvent {
	e := workflow.NewWorkflowEvent(json.RawMessage(data))
	return &e
}

// Scenario 1 (§8): Trigger -> Transformer(n+1) -> Transformer(n*2).
// Input {"n":3} must produce a final event with data.n == 8 and three
// completed steps in order.
func TestLinearWorkflow(t *testing.T) {
	mock := &script.Mock{
		TransformResults: map[string]*workflow.WorkflowEvent{
			"n+1": transformEvent(`{"n":4}`),
			"n*2": transformEvent(`{"n":8}`),
		},
	}
	ex, st := newTestExecutor(mock)

	wf := workflow.Workflow{
		ID:          "wf-linear",
		StartNodeID: "trigger",
		Nodes: []workflow.Node{
			{ID: "trigger", Kind: workflow.KindTrigger},
			{ID: "t1", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "n+1"}},
			{ID: "t2", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "n*2"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "t1"},
			{ID: "e2", FromNodeID: "t1", ToNodeID: "t2"},
		},
	}

	ctx := context.Background()
	out, err := ex.Execute(ctx, "exec-1", wf, *transformEvent(`{"n":3}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var decoded struct{ N int }
	if err := json.Unmarshal(out.Data, &decoded); err != nil {
		t.Fatalf("decode final data: %v", err)
	}
	if decoded.N != 8 {
		t.Fatalf("expected n=8, got %d", decoded.N)
	}

	steps, err := st.ListStepsForExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for _, s := range steps {
		if s.Status != workflow.StepCompleted {
			t.Fatalf("expected step %s completed, got %s", s.NodeID, s.Status)
		}
	}
}

// Scenario 2 (§8): condition routing. v=50 must route to the false
// branch, and condition_results[cond] must be false.
func TestConditionRouting(t *testing.T) {
	mock := &script.Mock{
		ConditionResults: map[string]bool{"v>100": false},
		TransformResults: map[string]*workflow.WorkflowEvent{
			"path=hi": transformEvent(`{"path":"hi"}`),
			"path=lo": transformEvent(`{"path":"lo"}`),
		},
	}
	ex, _ := newTestExecutor(mock)

	tr := true
	fa := false
	wf := workflow.Workflow{
		ID:          "wf-cond",
		StartNodeID: "trigger",
		Nodes: []workflow.Node{
			{ID: "trigger", Kind: workflow.KindTrigger},
			{ID: "cond", Kind: workflow.KindCondition, Config: workflow.NodeConfig{Script: "v>100"}},
			{ID: "hi", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "path=hi"}},
			{ID: "lo", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "path=lo"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "cond"},
			{ID: "e2", FromNodeID: "cond", ToNodeID: "hi", ConditionResult: &tr},
			{ID: "e3", FromNodeID: "cond", ToNodeID: "lo", ConditionResult: &fa},
		},
	}

	out, err := ex.Execute(context.Background(), "exec-2", wf, *transformEvent(`{"v":50}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var decoded struct{ Path string }
	if err := json.Unmarshal(out.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Path != "lo" {
		t.Fatalf("expected path=lo, got %q", decoded.Path)
	}
	if out.ConditionResults["cond"] != false {
		t.Fatalf("expected condition_results[cond]=false, got %v", out.ConditionResults["cond"])
	}
}

// Scenario 3 (§8): fan-out/fan-in with WaitForAll. T1 sets a=1, T2 sets
// b=2; the merge node's output data is an array of both inputs' data
// and metadata carries merge_info/input_count.
func TestFanOutFanIn(t *testing.T) {
	mock := &script.Mock{
		TransformResults: map[string]*workflow.WorkflowEvent{
			"a=1": transformEvent(`{"a":1}`),
			"b=2": transformEvent(`{"b":2}`),
		},
	}
	ex, _ := newTestExecutor(mock)

	wait := workflow.MergeWaitForAll
	wf := workflow.Workflow{
		ID:          "wf-fanin",
		StartNodeID: "trigger",
		Nodes: []workflow.Node{
			{ID: "trigger", Kind: workflow.KindTrigger},
			{ID: "t1", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "a=1"}},
			{ID: "t2", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "b=2"}},
			{ID: "merge", Kind: workflow.KindTransformer, InputMergeStrategy: &wait},
		},
		Edges: []workflow.Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "t1"},
			{ID: "e2", FromNodeID: "trigger", ToNodeID: "t2"},
			{ID: "e3", FromNodeID: "t1", ToNodeID: "merge"},
			{ID: "e4", FromNodeID: "t2", ToNodeID: "merge"},
		},
	}

	out, err := ex.Execute(context.Background(), "exec-3", wf, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Metadata["merge_info"] != "multiple_inputs_merged" {
		t.Fatalf("expected merge_info metadata, got %v", out.Metadata)
	}
	if out.Metadata["input_count"] != "2" {
		t.Fatalf("expected input_count=2, got %v", out.Metadata["input_count"])
	}
	var arr []map[string]int
	if err := json.Unmarshal(out.Data, &arr); err != nil {
		t.Fatalf("decode merged data: %v", err)
	}
	if len(arr) != 2 {
		t.Fatalf("expected 2 merged entries, got %d", len(arr))
	}
}

// Boundary behavior (§8): a single-node workflow runs and completes
// with its single step.
func TestSingleNodeWorkflow(t *testing.T) {
	ex, st := newTestExecutor(&script.Mock{})
	wf := workflow.Workflow{
		ID:          "wf-single",
		StartNodeID: "trigger",
		Nodes:       []workflow.Node{{ID: "trigger", Kind: workflow.KindTrigger}},
	}
	out, err := ex.Execute(context.Background(), "exec-4", wf, *transformEvent(`{"ok":true}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out.Data) != `{"ok":true}` {
		t.Fatalf("expected pass-through data, got %s", out.Data)
	}
	steps, _ := st.ListStepsForExecution(context.Background(), "exec-4")
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
}

// A transformer returning a dropped event must not traverse downstream
// edges (§4.3).
func TestTransformerDropEndsTheBranch(t *testing.T) {
	mock := &script.Mock{
		TransformResults: map[string]*workflow.WorkflowEvent{
			"drop": nil,
		},
	}
	ex, st := newTestExecutor(mock)
	wf := workflow.Workflow{
		ID:          "wf-drop",
		StartNodeID: "trigger",
		Nodes: []workflow.Node{
			{ID: "trigger", Kind: workflow.KindTrigger},
			{ID: "t1", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "drop"}},
			{ID: "t2", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "unused"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "t1"},
			{ID: "e2", FromNodeID: "t1", ToNodeID: "t2"},
		},
	}
	_, err := ex.Execute(context.Background(), "exec-5", wf, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	steps, _ := st.ListStepsForExecution(context.Background(), "exec-5")
	if len(steps) != 2 {
		t.Fatalf("expected only the trigger's and the dropped node's steps, got %d steps", len(steps))
	}
}

// Invalid workflows must be rejected before traversal begins.
func TestExecuteRejectsInvalidWorkflow(t *testing.T) {
	ex, _ := newTestExecutor(&script.Mock{})
	wf := workflow.Workflow{ID: "wf-bad", StartNodeID: "missing"}
	if _, err := ex.Execute(context.Background(), "exec-6", wf, workflow.NewWorkflowEvent(nil)); err == nil {
		t.Fatal("expected validation error for missing start node")
	}
}

// Resumption semantics (§4.2): resuming a suspended execution advances
// past the node being resumed without re-dispatching it, and a node
// downstream whose step already completed during the original run is
// not re-executed either — its recorded output is canonical.
func TestResumeAdvancesWithoutReExecutingCompletedNodes(t *testing.T) {
	mock := &script.Mock{
		TransformResults: map[string]*workflow.WorkflowEvent{
			"n*2": transformEvent(`{"n":16}`),
		},
	}
	ex, st := newTestExecutor(mock)
	wf := workflow.Workflow{
		ID:          "wf-resume",
		StartNodeID: "trigger",
		Nodes: []workflow.Node{
			{ID: "trigger", Kind: workflow.KindTrigger},
			{ID: "delay", Kind: workflow.KindDelay},
			{ID: "t3", Kind: workflow.KindTransformer, Config: workflow.NodeConfig{Script: "n*2"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "delay"},
			{ID: "e2", FromNodeID: "delay", ToNodeID: "t3"},
		},
	}
	ctx := context.Background()
	now := time.Now()

	// Simulate the state a delay suspension would have left behind: the
	// trigger step already completed, the delay step still Running.
	if err := st.CreateExecution(ctx, workflow.WorkflowExecution{
		ID: "exec-8", WorkflowID: wf.ID, Status: workflow.ExecutionSuspended,
		CurrentNodeID: "delay", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	triggerOut, _ := json.Marshal(*transformEvent(`{"n":8}`))
	if err := st.CreateStep(ctx, workflow.ExecutionStep{
		ID: "step-trigger", ExecutionID: "exec-8", NodeID: "trigger",
		Status: workflow.StepCompleted, OutputData: triggerOut, CreatedAt: now,
	}); err != nil {
		t.Fatalf("create trigger step: %v", err)
	}
	if err := st.CreateStep(ctx, workflow.ExecutionStep{
		ID: "step-delay", ExecutionID: "exec-8", NodeID: "delay",
		Status: workflow.StepRunning, CreatedAt: now,
	}); err != nil {
		t.Fatalf("create delay step: %v", err)
	}

	out, err := ex.Resume(ctx, "exec-8", wf, "delay", *transformEvent(`{"n":8}`))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	var decoded struct{ N int }
	if err := json.Unmarshal(out.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.N != 16 {
		t.Fatalf("expected n=16 from t3, got %d", decoded.N)
	}
	if got := len(mock.TransformCalls); got != 1 {
		t.Fatalf("expected exactly 1 transform call (t3 only), got %d", got)
	}

	steps, _ := st.ListStepsForExecution(ctx, "exec-8")
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps total (trigger, delay, t3), got %d", len(steps))
	}
	delayStep, err := st.GetStepByNode(ctx, "exec-8", "delay")
	if err != nil || delayStep == nil {
		t.Fatalf("get delay step: %v", err)
	}
	if delayStep.Status != workflow.StepCompleted {
		t.Fatalf("expected delay step completed after resume, got %s", delayStep.Status)
	}
}
