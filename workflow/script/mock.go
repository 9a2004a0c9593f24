package script

import (
	"context"
	"sync"

	"github.com/openobserve/swisspipe/workflow"
)

// Mock is a test double for Engine keyed by the literal script text,
// mirroring graph/model/mock.go's MockChatModel: configurable
// responses, call history, and error injection, with no embedded
// runtime behind it.
type Mock struct {
	// ConditionResults maps a script string to the bool it should
	// return. Scripts not present default to false.
	ConditionResults map[string]bool

	// TransformResults maps a script string to the event it should
	// return. A nil entry present in the map returns a dropped event. A
	// script absent from the map is passed through unchanged.
	TransformResults map[string]*workflow.WorkflowEvent

	// Err, if set, is returned by every call instead of a result.
	Err error

	mu              sync.Mutex
	ConditionCalls  []string
	TransformCalls  []string
}

func (m *Mock) EvaluateCondition(ctx context.Context, script string, event workflow.WorkflowEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConditionCalls = append(m.ConditionCalls, script)
	if m.Err != nil {
		return false, m.Err
	}
	return m.ConditionResults[script], nil
}

func (m *Mock) EvaluateTransform(ctx context.Context, script string, event workflow.WorkflowEvent) (*workflow.WorkflowEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransformCalls = append(m.TransformCalls, script)
	if m.Err != nil {
		return nil, m.Err
	}
	if result, ok := m.TransformResults[script]; ok {
		return result, nil
	}
	out := event.Clone()
	return &out, nil
}

var _ Engine = (*Mock)(nil)
