package workflow

import "testing"

func linearWorkflow() Workflow {
	return Workflow{
		ID:          "wf-1",
		StartNodeID: "trigger",
		Nodes: []Node{
			{ID: "trigger", Kind: KindTrigger},
			{ID: "t1", Kind: KindTransformer},
		},
		Edges: []Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "t1"},
		},
	}
}

func TestValidateAcceptsLinearWorkflow(t *testing.T) {
	wf := linearWorkflow()
	if err := wf.Validate(); err != nil {
		t.Fatalf("expected valid workflow, got %v", err)
	}
}

func TestValidateSingleNodeWorkflow(t *testing.T) {
	wf := Workflow{
		ID:          "wf-single",
		StartNodeID: "trigger",
		Nodes:       []Node{{ID: "trigger", Kind: KindTrigger}},
	}
	if err := wf.Validate(); err != nil {
		t.Fatalf("expected single-node workflow to be valid, got %v", err)
	}
}

func TestValidateRejectsMissingStartNode(t *testing.T) {
	wf := linearWorkflow()
	wf.StartNodeID = "does-not-exist"
	if err := wf.Validate(); err == nil {
		t.Fatal("expected error for missing start node")
	}
}

func TestValidateRejectsUnknownEdgeTarget(t *testing.T) {
	wf := linearWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e2", FromNodeID: "t1", ToNodeID: "ghost"})
	if err := wf.Validate(); err == nil {
		t.Fatal("expected error for edge referencing unknown node")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	wf := linearWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e2", FromNodeID: "t1", ToNodeID: "trigger"})
	if err := wf.Validate(); err == nil {
		t.Fatal("expected error for cycle")
	}
}

func TestValidateRejectsUnreachableNode(t *testing.T) {
	wf := linearWorkflow()
	wf.Nodes = append(wf.Nodes, Node{ID: "orphan", Kind: KindTransformer})
	if err := wf.Validate(); err == nil {
		t.Fatal("expected error for unreachable node")
	}
}

func TestValidateRejectsConditionResultFromNonConditionNode(t *testing.T) {
	wf := linearWorkflow()
	ok := true
	wf.Edges[0].ConditionResult = &ok
	if err := wf.Validate(); err == nil {
		t.Fatal("expected error for condition_result edge not originating from a Condition node")
	}
}

func TestValidateAcceptsConditionRouting(t *testing.T) {
	condTrue, condFalse := true, false
	wf := Workflow{
		ID:          "wf-cond",
		StartNodeID: "trigger",
		Nodes: []Node{
			{ID: "trigger", Kind: KindTrigger},
			{ID: "cond", Kind: KindCondition},
			{ID: "hi", Kind: KindTransformer},
			{ID: "lo", Kind: KindTransformer},
		},
		Edges: []Edge{
			{ID: "e1", FromNodeID: "trigger", ToNodeID: "cond"},
			{ID: "e2", FromNodeID: "cond", ToNodeID: "hi", ConditionResult: &condTrue},
			{ID: "e3", FromNodeID: "cond", ToNodeID: "lo", ConditionResult: &condFalse},
		},
	}
	if err := wf.Validate(); err != nil {
		t.Fatalf("expected valid condition-routing workflow, got %v", err)
	}
}
