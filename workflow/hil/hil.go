// Package hil implements the human-in-the-loop gate (§4.6): a
// HumanInLoop node creates a durable task, synchronously emits a
// notification path, and suspends until an external caller approves or
// denies it (or the task's timeout elapses).
package hil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/engine"
	"github.com/openobserve/swisspipe/workflow/store"
)

// Gate implements engine.HilGate and the external respond/timeout-sweep
// operations a HumanInLoop node's approved/denied paths depend on.
type Gate struct {
	St store.Store
}

// New returns a Gate backed by st.
func New(st store.Store) *Gate {
	return &Gate{St: st}
}

// Start creates the HilTask, marks the execution Suspended, and returns
// the node's single synchronous notification path; the node's own step
// completes with that path's event. Its approved/denied successors are
// only walked later, by Respond or a timeout sweep, via
// Executor.ResumeHandle (§4.6).
func (g *Gate) Start(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (engine.NodeOutcome, error) {
	nodeExecutionID := uuid.NewString()
	now := time.Now()

	var timeoutAt *time.Time
	if node.Config.HilTimeoutSecs != nil {
		t := now.Add(time.Duration(*node.Config.HilTimeoutSecs) * time.Second)
		timeoutAt = &t
	}

	task := workflow.HilTask{
		ID:              uuid.NewString(),
		ExecutionID:     executionID,
		NodeID:          node.ID,
		NodeExecutionID: nodeExecutionID,
		Status:          workflow.HilPending,
		TimeoutAt:       timeoutAt,
		TimeoutAction:   node.Config.TimeoutAction,
		RequiredFields:  node.Config.RequiredFields,
		Metadata:        node.Config.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := g.St.CreateHilTask(ctx, task); err != nil {
		return engine.NodeOutcome{}, workflow.NewDbTransientError(node.ID, err)
	}

	// The node's own step completes synchronously (its output is the
	// notification path's event, per dispatch()'s OutcomeMultiPath
	// handling) but the execution as a whole is parked here until
	// Respond or a timeout sweep enqueues its resumption — so, unlike a
	// Delay or HTTP-loop suspension, the SuspensionSignal isn't threaded
	// back through NodeOutcome (OutcomeMultiPath only carries Paths);
	// this marks the execution Suspended directly instead.
	exec, err := g.St.GetExecution(ctx, executionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return engine.NodeOutcome{}, err
		}
		return engine.NodeOutcome{}, workflow.NewDbTransientError(executionID, err)
	}
	if exec == nil {
		return engine.NodeOutcome{}, workflow.NewNotFoundError(executionID, "execution not found")
	}
	exec.Status = workflow.ExecutionSuspended
	exec.CurrentNodeID = node.ID
	if err := g.St.UpdateExecution(ctx, *exec); err != nil {
		return engine.NodeOutcome{}, workflow.NewDbTransientError(executionID, err)
	}

	notify := event.Clone()
	notify.HilTask, _ = json.Marshal(task)
	notify.Metadata["hil_node_execution_id"] = nodeExecutionID
	notify.Metadata["hil_task_id"] = task.ID

	return engine.NodeOutcome{
		Kind: engine.OutcomeMultiPath,
		Paths: []engine.PathResult{
			{HandleID: workflow.HandleNotification, Event: notify},
		},
	}, nil
}

var _ engine.HilGate = (*Gate)(nil)

// Respond records an external approve/deny decision against
// nodeExecutionID and enqueues a hil_resumption job so the queue
// dispatches it back onto the DAG — idempotent: a task no longer
// Pending returns workflow.ErrTaskNotPending rather than firing twice.
func (g *Gate) Respond(ctx context.Context, nodeExecutionID string, approved bool, responseData json.RawMessage, comments string) error {
	task, err := g.St.GetHilTaskByNodeExecutionID(ctx, nodeExecutionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return err
		}
		return workflow.NewDbTransientError(nodeExecutionID, err)
	}
	if task == nil {
		return workflow.NewNotFoundError(nodeExecutionID, "hil task not found")
	}
	if task.Status != workflow.HilPending {
		return workflow.ErrTaskNotPending
	}

	now := time.Now()
	if approved {
		task.Status = workflow.HilApproved
	} else {
		task.Status = workflow.HilDenied
	}
	task.ResponseData = responseData
	task.ResponseComments = comments
	task.ResponseReceivedAt = &now
	task.UpdatedAt = now
	if err := g.St.UpdateHilTask(ctx, *task); err != nil {
		return workflow.NewDbTransientError(nodeExecutionID, err)
	}

	return g.enqueueResumption(ctx, *task, responseData)
}

func (g *Gate) enqueueResumption(ctx context.Context, task workflow.HilTask, responseData json.RawMessage) error {
	exec, err := g.St.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return err
		}
		return workflow.NewDbTransientError(task.ExecutionID, err)
	}
	if exec == nil {
		return workflow.NewNotFoundError(task.ExecutionID, "execution not found")
	}

	event := workflow.NewWorkflowEvent(responseData)
	if len(responseData) == 0 {
		event.Data = json.RawMessage(`{}`)
	}
	event.Metadata["hil_node_execution_id"] = task.NodeExecutionID
	event.Metadata["hil_task_id"] = task.ID
	event.Metadata["hil_comments"] = task.ResponseComments

	path := "denied"
	if task.Status == workflow.HilApproved {
		path = "approved"
	}

	body, err := json.Marshal(workflow.HilResumptionBody{
		ExecutionID:     task.ExecutionID,
		WorkflowID:      exec.WorkflowID,
		NodeExecutionID: task.NodeExecutionID,
		HilTaskID:       task.ID,
		ResumePath:      path,
		Event:           event,
	})
	if err != nil {
		return fmt.Errorf("hil: marshal resumption body: %w", err)
	}

	job := workflow.Job{
		ExecutionID:   task.ExecutionID,
		Priority:      workflow.DefaultPriority,
		ScheduledAtUs: time.Now().UnixMicro(),
		MaxRetries:    5,
		Status:        workflow.JobPending,
		Payload:       workflow.JobPayload{Type: workflow.JobHilResumption, Body: body},
	}
	if _, err := g.St.EnqueueJob(ctx, job); err != nil {
		return workflow.NewDbTransientError(task.ExecutionID, err)
	}
	return nil
}

// Resume wakes a hil_resumption job: it flips the execution back to
// Running and walks forward from nodeID along exactly the approved or
// denied edges (§4.6).
func Resume(ctx context.Context, st store.Store, ex *engine.Executor, wf workflow.Workflow, body workflow.HilResumptionBody) (workflow.WorkflowEvent, error) {
	exec, err := st.GetExecution(ctx, body.ExecutionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return workflow.WorkflowEvent{}, err
		}
		return workflow.WorkflowEvent{}, workflow.NewDbTransientError(body.ExecutionID, err)
	}
	if exec == nil {
		return workflow.WorkflowEvent{}, workflow.NewNotFoundError(body.ExecutionID, "execution not found")
	}
	exec.Status = workflow.ExecutionRunning
	if err := st.UpdateExecution(ctx, *exec); err != nil {
		return workflow.WorkflowEvent{}, workflow.NewDbTransientError(body.ExecutionID, err)
	}

	task, err := st.GetHilTaskByNodeExecutionID(ctx, body.NodeExecutionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return workflow.WorkflowEvent{}, err
		}
		return workflow.WorkflowEvent{}, workflow.NewDbTransientError(body.NodeExecutionID, err)
	}
	if task == nil {
		return workflow.WorkflowEvent{}, workflow.NewNotFoundError(body.NodeExecutionID, "hil task not found")
	}

	return ex.ResumeHandle(ctx, body.ExecutionID, wf, task.NodeID, body.ResumePath, body.Event)
}

// SweepExpired applies timeout_action to every Pending HilTask whose
// deadline has passed, returning one resumption body per expired task
// for the caller to dispatch the same way a hil_resumption job would
// be (§4.6 timeout semantics).
func SweepExpired(ctx context.Context, st store.Store, now time.Time) ([]workflow.HilResumptionBody, error) {
	expired, err := st.ListExpiredHilTasks(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("hil: list expired: %w", err)
	}
	out := make([]workflow.HilResumptionBody, 0, len(expired))
	for _, task := range expired {
		path := task.TimeoutAction
		if path == "" {
			path = "denied"
		}
		if path == "approved" {
			task.Status = workflow.HilApproved
		} else {
			task.Status = workflow.HilDenied
		}
		task.UpdatedAt = now
		if err := st.UpdateHilTask(ctx, task); err != nil {
			return nil, fmt.Errorf("hil: mark expired task %s: %w", task.ID, err)
		}
		event := workflow.NewWorkflowEvent(nil)
		event.Metadata["hil_node_execution_id"] = task.NodeExecutionID
		event.Metadata["hil_task_id"] = task.ID
		event.Metadata["hil_timeout"] = "true"
		out = append(out, workflow.HilResumptionBody{
			ExecutionID:     task.ExecutionID,
			NodeExecutionID: task.NodeExecutionID,
			HilTaskID:       task.ID,
			ResumePath:      path,
			Event:           event,
		})
	}
	return out, nil
}
