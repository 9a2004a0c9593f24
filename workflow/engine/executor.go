package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/emit"
	"github.com/openobserve/swisspipe/workflow/inputsync"
	"github.com/openobserve/swisspipe/workflow/store"
)

// Executor is the DAG executor (§4.2): it walks a Workflow's graph from a
// starting node, fanning ready successors out as concurrent branches,
// persisting one ExecutionStep per node attempt, and merging multiple
// terminal leaves with WaitForAll. It generalizes graph/engine.go's
// runConcurrent (worker fan-out over a ready frontier) from an
// in-memory frontier queue to Store-backed steps, since progress must
// survive a process restart.
type Executor struct {
	St   store.Store
	Node *NodeExecutor

	// Emit receives a node_dispatch/node_complete/node_suspend/node_failed
	// event for every step this Executor runs, the event-emission
	// backbone in place of a separate log.Printf path (§2). NewExecutor
	// sets it to a NullEmitter; a nil Emit disables event emission.
	Emit emit.Emitter
	// Metrics records step latency, active-step concurrency, and fan-in
	// conflicts. Nil disables metrics recording (default: unset).
	Metrics *emit.Metrics

	activeSteps atomic.Int64
}

// NewExecutor builds an Executor over st, dispatching node work through
// node. Emit defaults to a NullEmitter; assign Executor.Emit /
// Executor.Metrics after construction to wire real observability.
func NewExecutor(st store.Store, node *NodeExecutor) *Executor {
	return &Executor{St: st, Node: node, Emit: emit.NewNullEmitter()}
}

// emitEvent fires ev if an Emitter is set, defaulting to a no-op so a
// bare &Executor{} literal (as used in tests) never has to wire one.
func (ex *Executor) emitEvent(ev emit.Event) {
	if ex.Emit == nil {
		return
	}
	ex.Emit.Emit(ev)
}

func (ex *Executor) recordLatency(executionID, nodeID string, latency time.Duration, status string) {
	if ex.Metrics == nil {
		return
	}
	ex.Metrics.RecordStepLatency(executionID, nodeID, latency, status)
}

func (ex *Executor) setActiveSteps(count int64) {
	if ex.Metrics == nil {
		return
	}
	ex.Metrics.UpdateActiveSteps(int(count))
}

func (ex *Executor) recordFaninConflict(executionID, nodeID string) {
	if ex.Metrics == nil {
		return
	}
	ex.Metrics.IncrementFaninConflicts(executionID, nodeID)
}

// run is one top-level Execute/Resume call's shared traversal state.
type run struct {
	ex          *Executor
	wf          workflow.Workflow
	executionID string
	succ        map[string][]workflow.Edge // nodeID -> outbound edges
	predCount   map[string]int             // nodeID -> number of inbound edges

	seq atomic.Int64

	mu      sync.Mutex
	visited map[string]bool // nodes this run has actually dispatched
}

func newRun(ex *Executor, wf workflow.Workflow, executionID string) *run {
	succ := make(map[string][]workflow.Edge)
	predCount := make(map[string]int)
	for _, e := range wf.Edges {
		succ[e.FromNodeID] = append(succ[e.FromNodeID], e)
		predCount[e.ToNodeID]++
	}
	return &run{
		ex:          ex,
		wf:          wf,
		executionID: executionID,
		succ:        succ,
		predCount:   predCount,
		visited:     make(map[string]bool),
	}
}

// Execute dispatches the workflow's start node with initial and walks
// the DAG to completion, failure, or suspension.
func (ex *Executor) Execute(ctx context.Context, executionID string, wf workflow.Workflow, initial workflow.WorkflowEvent) (workflow.WorkflowEvent, error) {
	if err := wf.Validate(); err != nil {
		return workflow.WorkflowEvent{}, err
	}
	r := newRun(ex, wf, executionID)
	r.seedSequence(ctx)
	leaves, err := r.enter(ctx, wf.StartNodeID, initial)
	if err != nil {
		return workflow.WorkflowEvent{}, err
	}
	return finalize(leaves), nil
}

// Resume continues a suspended execution at resumeNodeID, treating
// resumeEvent as that node's already-computed output: the node itself
// is not re-dispatched (it never left Running), only its successors are
// fanned out (§4.2 resumption semantics).
func (ex *Executor) Resume(ctx context.Context, executionID string, wf workflow.Workflow, resumeNodeID string, resumeEvent workflow.WorkflowEvent) (workflow.WorkflowEvent, error) {
	r := newRun(ex, wf, executionID)
	r.seedSequence(ctx)
	if err := r.finalizeRunningStep(ctx, resumeNodeID, resumeEvent); err != nil {
		return workflow.WorkflowEvent{}, err
	}
	r.mu.Lock()
	r.visited[resumeNodeID] = true
	r.mu.Unlock()
	leaves, err := r.fanOut(ctx, resumeNodeID, resumeEvent)
	if err != nil {
		return workflow.WorkflowEvent{}, err
	}
	return finalize(leaves), nil
}

// ResumeHandle continues a suspended HumanInLoop execution along exactly
// the edges leaving nodeID whose SourceHandleID is handle ("approved" or
// "denied"); the HIL node's own step already completed when it was first
// dispatched (§4.6), so only the handle-specific fan-out runs here.
func (ex *Executor) ResumeHandle(ctx context.Context, executionID string, wf workflow.Workflow, nodeID, handle string, event workflow.WorkflowEvent) (workflow.WorkflowEvent, error) {
	r := newRun(ex, wf, executionID)
	r.seedSequence(ctx)
	r.mu.Lock()
	r.visited[nodeID] = true
	r.mu.Unlock()
	leaves, err := r.fanOutHandle(ctx, nodeID, handle, event)
	if err != nil {
		return workflow.WorkflowEvent{}, err
	}
	return finalize(leaves), nil
}

// finalize applies §4.2 step 6: a single leaf is returned verbatim,
// multiple leaves are merged with WaitForAll.
func finalize(leaves []workflow.WorkflowEvent) workflow.WorkflowEvent {
	switch len(leaves) {
	case 0:
		return workflow.NewWorkflowEvent(nil)
	case 1:
		return leaves[0]
	default:
		return inputsync.Merge(leaves)
	}
}

func (r *run) seedSequence(ctx context.Context) {
	steps, err := r.ex.St.ListStepsForExecution(ctx, r.executionID)
	if err == nil {
		r.seq.Store(int64(len(steps)))
	}
}

// enter dispatches (or, if a finished step already exists, reuses the
// recorded output of) nodeID given inputEvent, then fans out to its
// successors. It is the single entry point for every node a live run or
// a cold restart reaches, honoring the invariant that a completed step's
// output_data is canonical over re-execution.
func (r *run) enter(ctx context.Context, nodeID string, inputEvent workflow.WorkflowEvent) ([]workflow.WorkflowEvent, error) {
	r.mu.Lock()
	if r.visited[nodeID] {
		r.mu.Unlock()
		return nil, workflow.ErrCycleDetected
	}
	r.visited[nodeID] = true
	r.mu.Unlock()

	node, ok := r.wf.NodeByID(nodeID)
	if !ok {
		return nil, workflow.NewValidationError(nodeID, "edge references unknown node")
	}

	if existing, err := r.ex.St.GetStepByNode(ctx, r.executionID, nodeID); err == nil && existing != nil && existing.Finished() {
		if existing.Status == workflow.StepSkipped || existing.Status == workflow.StepCancelled {
			return nil, nil
		}
		out, err := decodeEvent(existing.OutputData)
		if err != nil {
			return nil, fmt.Errorf("engine: decode cached output for %s: %w", nodeID, err)
		}
		return r.fanOut(ctx, nodeID, out)
	}

	outcome, err := r.dispatch(ctx, node, inputEvent)
	if err != nil {
		return nil, err
	}

	switch outcome.Kind {
	case OutcomeDropped:
		return nil, nil
	case OutcomeSuspend:
		return nil, nil
	case OutcomeMultiPath:
		return r.fanOutPaths(ctx, nodeID, outcome.Paths)
	default:
		return r.fanOut(ctx, nodeID, outcome.Event)
	}
}

// dispatch creates the pending->running step, stamps provenance, calls
// the node executor, and persists the terminal step state.
func (r *run) dispatch(ctx context.Context, node workflow.Node, inputEvent workflow.WorkflowEvent) (NodeOutcome, error) {
	stepID := uuid.NewString()
	now := time.Now()

	stamped := inputEvent.Clone()
	stamped.Sources = append(stamped.Sources, workflow.NodeSource{
		NodeID:    node.ID,
		NodeName:  node.Name,
		NodeKind:  node.Kind,
		Data:      append(json.RawMessage(nil), inputEvent.Data...),
		Sequence:  int(r.seq.Add(1)),
		Timestamp: now,
	})

	inputJSON, _ := json.Marshal(stamped)
	step := workflow.ExecutionStep{
		ID:          stepID,
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		Status:      workflow.StepPending,
		InputData:   inputJSON,
		CreatedAt:   now,
	}
	if err := r.ex.St.CreateStep(ctx, step); err != nil {
		return NodeOutcome{}, workflow.NewDbTransientError(node.ID, err)
	}

	started := now
	step.Status = workflow.StepRunning
	step.StartedAt = &started
	if err := r.ex.St.UpdateStep(ctx, step); err != nil {
		return NodeOutcome{}, workflow.NewDbTransientError(node.ID, err)
	}

	active := r.ex.activeSteps.Add(1)
	r.ex.setActiveSteps(active)
	r.ex.emitEvent(emit.Event{
		ExecutionID: r.executionID,
		StepSeq:     r.seq.Load(),
		NodeID:      node.ID,
		Msg:         "node_dispatch",
	})

	outcome, execErr := r.ex.Node.Execute(ctx, r.executionID, stepID, node, stamped)

	remaining := r.ex.activeSteps.Add(-1)
	r.ex.setActiveSteps(remaining)

	completed := time.Now()
	step.CompletedAt = &completed
	latency := completed.Sub(started)

	if execErr != nil {
		if _, suspended := workflow.IsSuspension(execErr); suspended {
			// The sub-scheduler already recorded the continuation;
			// the step stays Running until its resumption finalizes it.
			r.ex.emitEvent(emit.Event{
				ExecutionID: r.executionID,
				NodeID:      node.ID,
				Msg:         "node_suspend",
				Meta:        map[string]interface{}{"duration_ms": latency.Milliseconds()},
			})
			return outcome, execErr
		}
		step.Status = workflow.StepFailed
		step.ErrorMessage = execErr.Error()
		_ = r.ex.St.UpdateStep(ctx, step)
		r.ex.recordLatency(r.executionID, node.ID, latency, "error")
		r.ex.emitEvent(emit.Event{
			ExecutionID: r.executionID,
			NodeID:      node.ID,
			Msg:         "node_failed",
			Meta: map[string]interface{}{
				"duration_ms": latency.Milliseconds(),
				"error":       execErr.Error(),
			},
		})
		return NodeOutcome{}, execErr
	}

	switch outcome.Kind {
	case OutcomeSuspend:
		// Outcome carries a SuspensionSignal but no execErr: treat the
		// same as the error-path suspension case above.
		r.ex.emitEvent(emit.Event{
			ExecutionID: r.executionID,
			NodeID:      node.ID,
			Msg:         "node_suspend",
			Meta:        map[string]interface{}{"duration_ms": latency.Milliseconds()},
		})
		return outcome, outcome.Suspension
	case OutcomeDropped:
		step.Status = workflow.StepCompleted
		out, _ := json.Marshal(workflow.NewWorkflowEvent(json.RawMessage(`null`)))
		step.OutputData = out
	case OutcomeMultiPath:
		step.Status = workflow.StepCompleted
		combined := stamped.Clone()
		for _, p := range outcome.Paths {
			combined = p.Event
			break
		}
		out, _ := json.Marshal(combined)
		step.OutputData = out
	default:
		step.Status = workflow.StepCompleted
		out, _ := json.Marshal(outcome.Event)
		step.OutputData = out
	}
	if err := r.ex.St.UpdateStep(ctx, step); err != nil {
		return NodeOutcome{}, workflow.NewDbTransientError(node.ID, err)
	}
	r.ex.recordLatency(r.executionID, node.ID, latency, "success")
	r.ex.emitEvent(emit.Event{
		ExecutionID: r.executionID,
		NodeID:      node.ID,
		Msg:         "node_complete",
		Meta:        map[string]interface{}{"duration_ms": latency.Milliseconds()},
	})
	return outcome, nil
}

// finalizeRunningStep marks a suspended node's already-Running step
// Completed with event as its recorded output, without invoking the
// node executor again.
func (r *run) finalizeRunningStep(ctx context.Context, nodeID string, event workflow.WorkflowEvent) error {
	step, err := r.ex.St.GetStepByNode(ctx, r.executionID, nodeID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return workflow.NewNotFoundError(nodeID, "no step found to resume")
		}
		return workflow.NewDbTransientError(nodeID, err)
	}
	if step == nil {
		return workflow.NewNotFoundError(nodeID, "no step found to resume")
	}
	if step.Finished() {
		return nil
	}
	now := time.Now()
	step.Status = workflow.StepCompleted
	step.CompletedAt = &now
	out, _ := json.Marshal(event)
	step.OutputData = out
	if err := r.ex.St.UpdateStep(ctx, step); err != nil {
		return workflow.NewDbTransientError(nodeID, err)
	}
	return nil
}

// fanOut routes out along every outbound edge of nodeID whose condition
// is satisfied (or which is unconditional), running each ready successor
// concurrently and collecting their leaves.
func (r *run) fanOut(ctx context.Context, nodeID string, out workflow.WorkflowEvent) ([]workflow.WorkflowEvent, error) {
	edges := r.succ[nodeID]
	var satisfied []workflow.Edge
	for _, e := range edges {
		if e.ConditionResult == nil {
			satisfied = append(satisfied, e)
			continue
		}
		if result, ok := out.ConditionResults[nodeID]; ok && result == *e.ConditionResult {
			satisfied = append(satisfied, e)
		}
	}
	if len(satisfied) == 0 {
		return []workflow.WorkflowEvent{out}, nil
	}
	return r.branchOut(ctx, satisfied, out)
}

// fanOutHandle routes only along edges whose SourceHandleID matches
// handle, used for a HIL node's approved/denied resumption.
func (r *run) fanOutHandle(ctx context.Context, nodeID, handle string, event workflow.WorkflowEvent) ([]workflow.WorkflowEvent, error) {
	var matched []workflow.Edge
	for _, e := range r.succ[nodeID] {
		if e.SourceHandleID == handle {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return r.branchOut(ctx, matched, event)
}

// fanOutPaths handles a multi-path dispatch outcome (only the
// HumanInLoop kind produces one today): each path's handle selects the
// matching outbound edges, fed that path's own event.
func (r *run) fanOutPaths(ctx context.Context, nodeID string, paths []PathResult) ([]workflow.WorkflowEvent, error) {
	type branch struct {
		edges []workflow.Edge
		event workflow.WorkflowEvent
	}
	var branches []branch
	for _, p := range paths {
		var matched []workflow.Edge
		for _, e := range r.succ[nodeID] {
			if e.SourceHandleID == p.HandleID {
				matched = append(matched, e)
			}
		}
		if len(matched) > 0 {
			branches = append(branches, branch{edges: matched, event: p.Event})
		}
	}

	var (
		mu     sync.Mutex
		leaves []workflow.WorkflowEvent
		firstErr error
	)
	var wg sync.WaitGroup
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, b := range branches {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			ls, err := r.branchOut(cctx, b.edges, b.event)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			leaves = append(leaves, ls...)
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return leaves, nil
}

// branchOut dispatches the target of each edge concurrently, routing
// multi-predecessor targets through the input synchronizer first.
func (r *run) branchOut(ctx context.Context, edges []workflow.Edge, out workflow.WorkflowEvent) ([]workflow.WorkflowEvent, error) {
	var (
		mu       sync.Mutex
		leaves   []workflow.WorkflowEvent
		firstErr error
	)
	var wg sync.WaitGroup
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, e := range edges {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			ls, err := r.advance(cctx, e.ToNodeID, out)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			leaves = append(leaves, ls...)
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return leaves, nil
}

// advance delivers out as one arriving input to nodeID: a single-
// predecessor node is entered directly, a multi-predecessor node is
// routed through the input synchronizer and only entered by whichever
// call causes it to fire (§4.7).
func (r *run) advance(ctx context.Context, nodeID string, out workflow.WorkflowEvent) ([]workflow.WorkflowEvent, error) {
	if r.predCount[nodeID] <= 1 {
		return r.enter(ctx, nodeID, out)
	}

	node, ok := r.wf.NodeByID(nodeID)
	if !ok {
		return nil, workflow.NewValidationError(nodeID, "edge references unknown node")
	}
	strategy := workflow.MergeWaitForAll
	if node.InputMergeStrategy != nil {
		strategy = *node.InputMergeStrategy
	}
	var timeoutSecs *int64
	if strategy == workflow.MergeTimeoutBased {
		timeoutSecs = node.Config.MergeTimeoutSeconds
	}

	merged, fires, err := inputsync.Submit(ctx, r.ex.St, r.executionID, nodeID, r.predCount[nodeID], strategy, timeoutSecs, out)
	if err != nil {
		if err == workflow.ErrAlreadyCompleted {
			return nil, nil
		}
		if err == workflow.ErrSyncOverflow {
			r.ex.recordFaninConflict(r.executionID, nodeID)
		}
		return nil, workflow.NewDbTransientError(nodeID, err)
	}
	if !fires {
		return nil, nil
	}
	return r.enter(ctx, nodeID, merged)
}

func decodeEvent(raw json.RawMessage) (workflow.WorkflowEvent, error) {
	var e workflow.WorkflowEvent
	if len(raw) == 0 {
		return workflow.NewWorkflowEvent(nil), nil
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return workflow.WorkflowEvent{}, err
	}
	return e, nil
}
