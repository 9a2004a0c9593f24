// Package emit provides pluggable observability for workflow execution:
// structured events, logging, in-memory history, and OpenTelemetry spans.
package emit

// Event is one observability event emitted during a workflow execution.
//
// Events cover node dispatch/completion, suspensions, retries, and
// workflow-level start/complete/fail. Workflow-level events carry a
// zero StepSeq and empty NodeID.
type Event struct {
	// ExecutionID identifies the workflow execution that emitted this event.
	ExecutionID string

	// StepSeq is the execution step's sequence number (1-indexed).
	// Zero for workflow-level events.
	StepSeq int64

	// NodeID identifies which node emitted this event. Empty for
	// workflow-level events.
	NodeID string

	// Msg is a short machine-matchable event name, e.g. "node_dispatch",
	// "node_complete", "node_suspend", "execution_complete".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "duration_ms": node execution duration
	//   - "error": error detail string
	//   - "status": terminal status ("success", "error", "timeout")
	//   - "attempt": retry attempt number
	Meta map[string]interface{}
}
