// Package delay implements the durable delay scheduler (§4.4): a Delay
// node whose duration exceeds the in-process sleep ceiling suspends the
// execution by recording a wake time and enqueuing a delay_resumption
// job, rather than blocking a worker goroutine for hours.
package delay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/engine"
	"github.com/openobserve/swisspipe/workflow/store"
)

// Scheduler implements engine.DelayScheduler.
type Scheduler struct {
	St store.Store
}

// New returns a Scheduler backed by st.
func New(st store.Store) *Scheduler {
	return &Scheduler{St: st}
}

// Suspend records the execution's current node as nodeID, enqueues a
// delay_resumption job scheduled at wakeAt, and returns the suspension
// signal the executor propagates to end the current dispatch (§4.4).
func (s *Scheduler) Suspend(ctx context.Context, executionID, workflowID, nodeID string, wakeAt time.Time, event workflow.WorkflowEvent) (*workflow.SuspensionSignal, error) {
	exec, err := s.St.GetExecution(ctx, executionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return nil, err
		}
		return nil, workflow.NewDbTransientError(executionID, err)
	}
	if exec == nil {
		return nil, workflow.NewNotFoundError(executionID, "execution not found")
	}
	exec.Status = workflow.ExecutionSuspended
	exec.CurrentNodeID = nodeID
	if err := s.St.UpdateExecution(ctx, *exec); err != nil {
		return nil, workflow.NewDbTransientError(executionID, err)
	}

	body := workflow.DelayResumptionBody{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		DelayNodeID: nodeID,
		Event:       event,
	}
	payloadBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("delay: marshal resumption body: %w", err)
	}

	job := workflow.Job{
		ExecutionID:   executionID,
		Priority:      workflow.DefaultPriority,
		ScheduledAtUs: wakeAt.UnixMicro(),
		MaxRetries:    5,
		Status:        workflow.JobPending,
		Payload: workflow.JobPayload{
			Type: workflow.JobDelayResumption,
			Body: payloadBody,
		},
	}
	if _, err := s.St.EnqueueJob(ctx, job); err != nil {
		return nil, workflow.NewDbTransientError(executionID, err)
	}

	return &workflow.SuspensionSignal{
		Kind:          workflow.SuspendDelayScheduled,
		ExecutionID:   executionID,
		CurrentNodeID: nodeID,
	}, nil
}

var _ engine.DelayScheduler = (*Scheduler)(nil)

// Resume wakes a delay_resumption job: it re-enters the DAG at the delay
// node with event as its recorded output, and flips the execution back
// to Running before walking forward.
func Resume(ctx context.Context, st store.Store, ex *engine.Executor, wf workflow.Workflow, body workflow.DelayResumptionBody) (workflow.WorkflowEvent, error) {
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
	return ex.Resume(ctx, body.ExecutionID, wf, body.DelayNodeID, body.Event)
}
