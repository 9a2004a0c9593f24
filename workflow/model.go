// Package workflow defines the core domain model shared by every
// component of the execution engine: workflows, nodes, edges, the event
// that flows along them, and the durable job queue's payload shape.
package workflow

import (
	"encoding/json"
	"time"
)

// NodeKind is the closed, finite tag set a Node's config is polymorphic
// over. New kinds are added by extending this set and the serialized
// schema of the corresponding config struct; both are a wire contract
// that migrations must consider.
type NodeKind string

const (
	KindTrigger     NodeKind = "trigger"
	KindCondition   NodeKind = "condition"
	KindTransformer NodeKind = "transformer"
	KindHttpRequest NodeKind = "http_request"
	KindDelay       NodeKind = "delay"
	KindEmail       NodeKind = "email"
	KindAnthropic   NodeKind = "anthropic"
	KindHumanInLoop NodeKind = "human_in_loop"
	KindOpenObserve NodeKind = "open_observe"
)

// InputMergeStrategy governs how a fan-in node combines inputs arriving
// from more than one predecessor (§4.7).
type InputMergeStrategy string

const (
	MergeFirstWins     InputMergeStrategy = "first_wins"
	MergeWaitForAll    InputMergeStrategy = "wait_for_all"
	MergeTimeoutBased  InputMergeStrategy = "timeout_based"
)

// FailureAction governs how a side-effectful node reacts to an error.
type FailureAction string

const (
	FailureStop     FailureAction = "stop"
	FailureContinue FailureAction = "continue"
	FailureRetry    FailureAction = "retry"
)

// RetryConfig is the per-node retry policy for side-effectful kinds.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
	MaxDelayMs        int64   `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// DefaultRetryConfig mirrors the original's Default impl: 3 attempts,
// 100ms initial delay, 5s cap, 2x multiplier.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelayMs:    100,
		MaxDelayMs:        5000,
		BackoffMultiplier: 2.0,
	}
}

// DelayUnit is the unit a Delay node's duration is expressed in.
type DelayUnit string

const (
	DelaySeconds DelayUnit = "seconds"
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// BackoffKind tags a BackoffStrategy's variant.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
	BackoffCustom      BackoffKind = "custom"
)

// BackoffStrategy governs the interval between HTTP-loop ticks.
type BackoffStrategy struct {
	Kind       BackoffKind `json:"kind"`
	FixedSecs  int64       `json:"fixed_seconds,omitempty"`
	BaseSecs   int64       `json:"base_seconds,omitempty"`
	Multiplier float64     `json:"multiplier,omitempty"`
	MaxSecs    int64       `json:"max_seconds,omitempty"`
	Script     string      `json:"script,omitempty"`
}

// TerminationAction is applied when an HTTP-loop termination predicate
// fires.
type TerminationAction string

const (
	TerminationSuccess TerminationAction = "success"
	TerminationFailure TerminationAction = "failure"
	TerminationStop    TerminationAction = "stop"
)

// TerminationCondition is the HTTP-loop's termination predicate.
type TerminationCondition struct {
	Script string            `json:"script"`
	Action TerminationAction `json:"action"`
}

// LoopConfig turns an HttpRequest node into a recurring, suspending poll.
type LoopConfig struct {
	MaxIterations        *int                  `json:"max_iterations,omitempty"`
	IntervalSeconds       int64                 `json:"interval_seconds"`
	BackoffStrategy       BackoffStrategy       `json:"backoff_strategy"`
	TerminationCondition  *TerminationCondition `json:"termination_condition,omitempty"`
	MaxHistoryEntries     int                   `json:"max_history_entries,omitempty"`
}

// HttpMethod is the subset of HTTP methods a node may issue.
type HttpMethod string

const (
	MethodGet    HttpMethod = "GET"
	MethodPost   HttpMethod = "POST"
	MethodPut    HttpMethod = "PUT"
	MethodDelete HttpMethod = "DELETE"
	MethodPatch  HttpMethod = "PATCH"
)

// NodeConfig is the union of every per-kind configuration. Only the
// fields relevant to Node.Kind are populated; the rest are zero values.
// A tagged struct (rather than `any`) keeps the config a plain
// JSON-serializable value, matching how the original's NodeType enum is
// persisted and how the teacher's own config-struct-per-node-type
// pattern (HttpRequestConfig, AnthropicNodeConfig, OpenObserveConfig in
// node_executor.rs) groups related parameters.
type NodeConfig struct {
	// Trigger
	Methods []HttpMethod `json:"methods,omitempty"`

	// Condition / Transformer
	Script string `json:"script,omitempty"`

	// HttpRequest / OpenObserve
	URL                  string            `json:"url,omitempty"`
	Method               HttpMethod        `json:"method,omitempty"`
	TimeoutSeconds       int64             `json:"timeout_seconds,omitempty"`
	FailureAction        FailureAction     `json:"failure_action,omitempty"`
	RetryConfig          RetryConfig       `json:"retry_config,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
	LoopConfig           *LoopConfig       `json:"loop_config,omitempty"`
	AuthorizationHeader  string            `json:"authorization_header,omitempty"`

	// Email
	Email *EmailConfig `json:"email,omitempty"`

	// Delay
	Duration int64     `json:"duration,omitempty"`
	Unit     DelayUnit `json:"unit,omitempty"`

	// Anthropic
	Model          string  `json:"model,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	UserPrompt     string  `json:"user_prompt,omitempty"`

	// Fan-in (§4.7) — only meaningful when Node.InputMergeStrategy is
	// TimeoutBased.
	MergeTimeoutSeconds *int64 `json:"merge_timeout_seconds,omitempty"`

	// HumanInLoop
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	HilTimeoutSecs  *int64         `json:"timeout_seconds_hil,omitempty"`
	TimeoutAction   string         `json:"timeout_action,omitempty"` // "approved" | "denied"
	RequiredFields  []string       `json:"required_fields,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// EmailConfig describes how an Email node renders and addresses its
// message.
type EmailConfig struct {
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Bcc         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	BodyText    string   `json:"body_text"`
	BodyHTML    string   `json:"body_html,omitempty"`
	ReplyTo     string   `json:"reply_to,omitempty"`
}

// Node is one processing unit of a Workflow's DAG.
type Node struct {
	ID                 string              `json:"id"`
	WorkflowID         string              `json:"workflow_id"`
	Name               string              `json:"name"`
	Kind               NodeKind            `json:"kind"`
	Config             NodeConfig          `json:"config"`
	InputMergeStrategy *InputMergeStrategy `json:"input_merge_strategy,omitempty"`
}

// Edge connects two nodes. If ConditionResult is non-nil, the edge only
// fires when the source Condition node's result equals it; otherwise the
// edge is unconditional. SourceHandleID distinguishes a HIL node's three
// outbound handles (notification/approved/denied).
type Edge struct {
	ID               string  `json:"id"`
	WorkflowID       string  `json:"workflow_id"`
	FromNodeID       string  `json:"from_node_id"`
	ToNodeID         string  `json:"to_node_id"`
	ConditionResult  *bool   `json:"condition_result,omitempty"`
	SourceHandleID   string  `json:"source_handle_id,omitempty"`
}

// HIL handle names used as SourceHandleID on edges leaving a
// HumanInLoop node.
const (
	HandleNotification = "notification"
	HandleApproved      = "approved"
	HandleDenied        = "denied"
)

// Workflow is the external collaborator's loaded definition: a connected
// DAG rooted at StartNodeID. Immutable during a single execution.
type Workflow struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	StartNodeID  string  `json:"start_node_id"`
	Enabled      bool    `json:"enabled"`
	Nodes        []Node  `json:"nodes"`
	Edges        []Edge  `json:"edges"`
}

// NodeByID returns the node with the given id, or false.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// ContainsHilNodes reports whether the workflow has any HumanInLoop
// nodes.
func (w *Workflow) ContainsHilNodes() bool {
	for _, n := range w.Nodes {
		if n.Kind == KindHumanInLoop {
			return true
		}
	}
	return false
}

// RequiresSyncExecution reports whether the workflow contains any node
// that requires specialized scheduling and blocking behavior: HIL nodes,
// HTTP nodes with a loop config, or Delay nodes.
func (w *Workflow) RequiresSyncExecution() bool {
	for _, n := range w.Nodes {
		switch n.Kind {
		case KindHumanInLoop, KindDelay:
			return true
		case KindHttpRequest:
			if n.Config.LoopConfig != nil {
				return true
			}
		}
	}
	return false
}

// NodeSource records, for one node traversed by an event, the exact
// input it received, its position, and when it ran. Appended to
// WorkflowEvent.Sources before the node executes; the node's own
// transformation overwrites Data but Sources itself is preserved and
// grown, never rewritten (§4.2 provenance rule).
type NodeSource struct {
	NodeID    string          `json:"node_id"`
	NodeName  string          `json:"node_name"`
	NodeKind  NodeKind        `json:"node_kind"`
	Data      json.RawMessage `json:"data"`
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// WorkflowEvent is the in-memory value that flows along edges between
// nodes. It round-trips through JSON as the identity on Data, Metadata,
// Headers, ConditionResults, and Sources (§8 round-trip law).
type WorkflowEvent struct {
	Data             json.RawMessage `json:"data"`
	Metadata         map[string]string `json:"metadata"`
	Headers          map[string]string `json:"headers"`
	ConditionResults map[string]bool   `json:"condition_results"`
	HilTask          json.RawMessage   `json:"hil_task,omitempty"`
	Sources          []NodeSource      `json:"sources"`
}

// NewWorkflowEvent returns an event whose Data is the supplied JSON
// value and whose maps/slices are non-nil and empty, mirroring the
// original's Default impl (an empty JSON object, empty maps, no hil
// task).
func NewWorkflowEvent(data json.RawMessage) WorkflowEvent {
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	return WorkflowEvent{
		Data:             data,
		Metadata:         map[string]string{},
		Headers:          map[string]string{},
		ConditionResults: map[string]bool{},
		Sources:          []NodeSource{},
	}
}

// Clone returns a deep copy of the event, safe to hand to a parallel
// branch without aliasing its maps/slices with the original.
func (e WorkflowEvent) Clone() WorkflowEvent {
	out := WorkflowEvent{
		Data:             append(json.RawMessage(nil), e.Data...),
		Metadata:         make(map[string]string, len(e.Metadata)),
		Headers:          make(map[string]string, len(e.Headers)),
		ConditionResults: make(map[string]bool, len(e.ConditionResults)),
		Sources:          append([]NodeSource(nil), e.Sources...),
	}
	if e.HilTask != nil {
		out.HilTask = append(json.RawMessage(nil), e.HilTask...)
	}
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range e.Headers {
		out.Headers[k] = v
	}
	for k, v := range e.ConditionResults {
		out.ConditionResults[k] = v
	}
	return out
}
