package workflow

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is WorkflowExecution.Status's closed value set.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSuspended ExecutionStatus = "suspended"
)

// WorkflowExecution is one invocation of a workflow, owned by the core.
//
// Invariant: a Completed or Failed execution has a non-nil CompletedAt; a
// Suspended execution always has an associated future-dated row in the
// job queue (a delay wake job, an http_loop_tick, or a pending HilTask).
type WorkflowExecution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       ExecutionStatus `json:"status"`
	CurrentNodeID string         `json:"current_node_id,omitempty"`
	InputData    json.RawMessage `json:"input_data"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StepStatus is ExecutionStep.Status's closed value set.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// ExecutionStep is one attempted execution of one node within one
// execution, owned by the core.
//
// Invariant: exactly one ExecutionStep is written per attempt. A
// successful attempt stamps CompletedAt and stores OutputData; a failed
// attempt stamps CompletedAt and stores ErrorMessage but not OutputData.
// A suspending attempt stays Running until its resumption completes.
type ExecutionStep struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	NodeID        string          `json:"node_id"`
	Status        StepStatus      `json:"status"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
	OutputData    json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Sources       []NodeSource    `json:"sources,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Finished reports whether the step's status requires no further
// execution during a resumption walk: completed, skipped, or cancelled.
// Failed is deliberately excluded — spec §4.2 treats a failed step as
// fatal to the execution, never as something resumption silently skips
// over.
func (s ExecutionStep) Finished() bool {
	switch s.Status {
	case StepCompleted, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}
