// Package script defines the embedded-script capability boundary used
// by Condition and Transformer nodes, matching spec §9's note that the
// script runtime is an interface, not a bundled engine — mirroring how
// the teacher keeps graph/tool.Tool and graph/model's LLM clients as
// interfaces behind one swappable concrete adapter.
package script

import (
	"context"

	"github.com/openobserve/swisspipe/workflow"
)

// Engine evaluates a node's script against the current event.
type Engine interface {
	// EvaluateCondition runs script as a Condition node's predicate.
	EvaluateCondition(ctx context.Context, script string, event workflow.WorkflowEvent) (bool, error)

	// EvaluateTransform runs script as a Transformer node's mapping. A
	// nil returned event (with nil error) signals the event should be
	// dropped (§4.3's null-return sentinel); the engine's Transformer
	// dispatch turns that into an OutcomeDropped outcome.
	EvaluateTransform(ctx context.Context, script string, event workflow.WorkflowEvent) (*workflow.WorkflowEvent, error)
}
