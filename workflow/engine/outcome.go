// Package engine implements the DAG executor and the per-kind node
// dispatch table, generalizing graph/engine.go's generic-state
// Engine[S] into a concrete, Store-backed executor over WorkflowEvent.
package engine

import "github.com/openobserve/swisspipe/workflow"

// OutcomeKind tags a NodeOutcome's variant, mirroring the original
// source's NodeOutput enum (Continue, MultiPath, Complete, AsyncPending).
type OutcomeKind string

const (
	OutcomeContinue  OutcomeKind = "continue"
	OutcomeMultiPath OutcomeKind = "multi_path"
	OutcomeComplete  OutcomeKind = "complete"
	OutcomeSuspend   OutcomeKind = "suspend"
	OutcomeDropped   OutcomeKind = "dropped"
)

// PathResult pairs one outbound handle with the event it carries, used
// by OutcomeMultiPath (e.g. a HIL node's notification/approved/denied
// fan-out).
type PathResult struct {
	HandleID string
	Event    workflow.WorkflowEvent
}

// NodeOutcome is a single node dispatch's result: exactly one of its
// fields is meaningful, selected by Kind.
type NodeOutcome struct {
	Kind OutcomeKind

	// OutcomeContinue
	Event workflow.WorkflowEvent

	// OutcomeMultiPath
	Paths []PathResult

	// OutcomeSuspend — the sub-scheduler has already durably enqueued
	// the continuation; the caller must complete the current job/step
	// without traversing successors.
	Suspension *workflow.SuspensionSignal
}
