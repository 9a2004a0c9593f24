package workflow

import (
	"encoding/json"
	"time"
)

// HttpLoopStatus is HttpLoopState.Status's closed value set (§4.5).
type HttpLoopStatus string

const (
	LoopRunning   HttpLoopStatus = "running"
	LoopPaused    HttpLoopStatus = "paused"
	LoopCompleted HttpLoopStatus = "completed"
	LoopCancelled HttpLoopStatus = "cancelled"
	LoopFailed    HttpLoopStatus = "failed"
)

// LoopIterationRecord is one entry of HttpLoopState.IterationHistory.
type LoopIterationRecord struct {
	Iteration  int       `json:"iteration"`
	Status     int       `json:"status"`
	BodyDigest string    `json:"body_digest"`
	Timestamp  time.Time `json:"timestamp"`
}

// HttpLoopRequestSnapshot is the frozen request shape a loop replays on
// every tick, so the loop survives a process restart without needing
// the originating Node definition in hand.
type HttpLoopRequestSnapshot struct {
	URL            string            `json:"url"`
	Method         HttpMethod        `json:"method"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
}

// HttpLoopState is the durable record of one HttpRequest-with-loop_config
// node's polling progress (§3, §4.5).
type HttpLoopState struct {
	ID                  string                  `json:"id"`
	ExecutionID         string                  `json:"execution_id"`
	WorkflowID          string                  `json:"workflow_id"`
	NodeID              string                  `json:"node_id"`
	ExecutionStepID     string                  `json:"execution_step_id"`
	CurrentIteration    int                     `json:"current_iteration"`
	MaxIterations       *int                    `json:"max_iterations,omitempty"`
	NextExecutionAt     *time.Time              `json:"next_execution_at,omitempty"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	LastResponseStatus  *int                    `json:"last_response_status,omitempty"`
	LastResponseBody    string                  `json:"last_response_body,omitempty"`
	IterationHistory    []LoopIterationRecord   `json:"iteration_history"`
	Status              HttpLoopStatus          `json:"status"`
	TerminationReason   string                  `json:"termination_reason,omitempty"`
	Request             HttpLoopRequestSnapshot `json:"request"`
	LoopConfiguration   LoopConfig              `json:"loop_configuration"`
	// CurrentEvent is the latest event.data/metadata carried between
	// ticks; it seeds the next request and becomes the final output on
	// termination.
	CurrentEvent WorkflowEvent `json:"current_event"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HilTaskStatus is HilTask.Status's closed value set (§4.6).
type HilTaskStatus string

const (
	HilPending  HilTaskStatus = "pending"
	HilApproved HilTaskStatus = "approved"
	HilDenied   HilTaskStatus = "denied"
	HilExpired  HilTaskStatus = "expired"
)

// HilTask is the durable record gating a HumanInLoop node's approved/
// denied paths (§3, §4.6).
type HilTask struct {
	ID                 string          `json:"id"`
	ExecutionID        string          `json:"execution_id"`
	NodeID             string          `json:"node_id"`
	NodeExecutionID    string          `json:"node_execution_id"` // globally unique
	Status             HilTaskStatus   `json:"status"`
	TimeoutAt          *time.Time      `json:"timeout_at,omitempty"`
	TimeoutAction      string          `json:"timeout_action,omitempty"` // "approved" | "denied"
	RequiredFields     []string        `json:"required_fields,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	ResponseData       json.RawMessage `json:"response_data,omitempty"`
	ResponseComments   string          `json:"response_comments,omitempty"`
	ResponseReceivedAt *time.Time      `json:"response_received_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// InputSyncStatus is NodeInputSync.Status's closed value set (§4.7).
type InputSyncStatus string

const (
	SyncWaiting   InputSyncStatus = "waiting"
	SyncReady     InputSyncStatus = "ready"
	SyncCompleted InputSyncStatus = "completed"
	SyncTimeout   InputSyncStatus = "timeout"
)

// NodeInputSync is the durable accumulator for a fan-in node's arriving
// inputs (§3, §4.7). Created when the node receives its first input;
// mutated under an exclusive row lock on (ExecutionID, NodeID).
type NodeInputSync struct {
	ExecutionID         string          `json:"execution_id"`
	NodeID              string          `json:"node_id"`
	ExpectedInputCount  int             `json:"expected_input_count"`
	ReceivedInputs      []WorkflowEvent `json:"received_inputs"`
	MergeStrategy       InputMergeStrategy `json:"merge_strategy"`
	TimeoutAt           *time.Time      `json:"timeout_at,omitempty"`
	Status              InputSyncStatus `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// ScheduledTrigger is a cron-driven trigger on a workflow's Trigger node
// (§3, §4.8). Unique on (WorkflowID, TriggerNodeID).
type ScheduledTrigger struct {
	WorkflowID        string          `json:"workflow_id"`
	TriggerNodeID     string          `json:"trigger_node_id"`
	CronExpression    string          `json:"cron_expression"`
	Timezone          string          `json:"timezone"` // IANA name
	TestPayload       json.RawMessage `json:"test_payload,omitempty"`
	Enabled           bool            `json:"enabled"`
	StartDate         *time.Time      `json:"start_date,omitempty"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	LastExecutionTime *time.Time      `json:"last_execution_time,omitempty"`
	NextExecutionTime *time.Time      `json:"next_execution_time,omitempty"`
	ExecutionCount    int64           `json:"execution_count"`
	FailureCount      int64           `json:"failure_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// EnvironmentVariableType is EnvironmentVariable.ValueType's closed
// value set (§3, §4.10).
type EnvironmentVariableType string

const (
	VarText   EnvironmentVariableType = "text"
	VarSecret EnvironmentVariableType = "secret"
)

// EnvironmentVariable is a named value exposed in templates under the
// `env` namespace. For ValueType Secret, Value holds AES-256-GCM
// ciphertext (12-byte nonce prefix, base64-wrapped); for Text it holds
// plaintext.
type EnvironmentVariable struct {
	Name        string                  `json:"name"` // UPPER_SNAKE
	ValueType   EnvironmentVariableType `json:"value_type"`
	Value       string                  `json:"value"`
	Description string                  `json:"description,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}
