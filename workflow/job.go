package workflow

import "encoding/json"

// JobStatus is Job.Status's closed value set.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// JobType tags a Job's payload (§2 "dispatch on job type").
type JobType string

const (
	JobWorkflowExecution JobType = "workflow_execution"
	JobDelayResumption   JobType = "delay_resumption"
	JobHilResumption     JobType = "hil_resumption"
	JobHttpLoopTick      JobType = "http_loop_tick"
)

// JobPayload is the tagged JSON envelope carried by a Job: {type,
// payload}. Body holds the type-specific data, kept as raw JSON so the
// queue layer never needs to know about workflow-engine-specific shapes.
type JobPayload struct {
	Type JobType         `json:"type"`
	Body json.RawMessage `json:"payload"`
}

// WorkflowExecutionBody is JobPayload.Body's shape for
// JobWorkflowExecution: a fresh execution, or a resumption at a specific
// node.
type WorkflowExecutionBody struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	ResumeNodeID string          `json:"resume_node_id,omitempty"`
	Event        WorkflowEvent   `json:"event"`
}

// DelayResumptionBody is JobPayload.Body's shape for JobDelayResumption.
type DelayResumptionBody struct {
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	DelayNodeID string        `json:"delay_node_id"`
	Event       WorkflowEvent `json:"event"`
}

// HilResumptionBody is JobPayload.Body's shape for JobHilResumption.
type HilResumptionBody struct {
	ExecutionID     string        `json:"execution_id"`
	WorkflowID      string        `json:"workflow_id"`
	NodeExecutionID string        `json:"node_execution_id"`
	HilTaskID       string        `json:"hil_task_id"`
	ResumePath      string        `json:"resume_path"` // "approved" | "denied"
	Event           WorkflowEvent `json:"event"`
}

// HttpLoopTickBody is JobPayload.Body's shape for JobHttpLoopTick.
type HttpLoopTickBody struct {
	ExecutionID    string `json:"execution_id"`
	WorkflowID     string `json:"workflow_id"`
	LoopStateID    string `json:"loop_state_id"`
	ExecutionStepID string `json:"execution_step_id"`
}

// Job is a durable unit of work in the queue.
//
// Invariant: at most one worker may hold a job in Processing at any
// instant; the claim record is renewed by periodic heartbeats, and
// claims older than the stale-claim threshold are reclaimable.
type Job struct {
	ID            string     `json:"id"`
	ExecutionID   string     `json:"execution_id"`
	Priority      int        `json:"priority"` // 0-10, higher = sooner
	ScheduledAtUs int64      `json:"scheduled_at_us"`
	ClaimedAtUs   *int64     `json:"claimed_at_us,omitempty"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	MaxRetries    int        `json:"max_retries"`
	RetryCount    int        `json:"retry_count"`
	Status        JobStatus  `json:"status"`
	Payload       JobPayload `json:"payload"`
	CreatedAtUs   int64      `json:"created_at_us"`
	UpdatedAtUs   int64      `json:"updated_at_us"`
}

// DefaultPriority is used when a caller does not specify one.
const DefaultPriority = 5

// MaxPriority is the highest legal Job.Priority value (§3).
const MaxPriority = 10
