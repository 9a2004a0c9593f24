package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/anthropic"
	"github.com/openobserve/swisspipe/workflow/email"
	"github.com/openobserve/swisspipe/workflow/emit"
	"github.com/openobserve/swisspipe/workflow/httpclient"
	"github.com/openobserve/swisspipe/workflow/script"
)

// DelayScheduler is the collaborator a Delay node hands off to for
// durations beyond the in-process sleep ceiling (§4.4).
type DelayScheduler interface {
	Suspend(ctx context.Context, executionID, workflowID, nodeID string, wakeAt time.Time, event workflow.WorkflowEvent) (*workflow.SuspensionSignal, error)
}

// HttpLoopScheduler is the collaborator an HttpRequest node with a
// loop_config hands off to (§4.5).
type HttpLoopScheduler interface {
	Start(ctx context.Context, executionID, workflowID, executionStepID, nodeID string, cfg workflow.LoopConfig, req httpclient.Request, event workflow.WorkflowEvent) (*workflow.SuspensionSignal, error)
}

// HilGate is the collaborator a HumanInLoop node hands off to (§4.6).
type HilGate interface {
	Start(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error)
}

// EnvResolver returns the current plaintext environment-variable map
// for template resolution (§4.10).
type EnvResolver func(ctx context.Context) (map[string]string, error)

// NodeExecutor dispatches one node by Kind, generalizing the original
// source's node_executor.rs 1:1 at the semantic level: same kinds, same
// failure_action branching, same delay-unit/backoff tables.
type NodeExecutor struct {
	Script     script.Engine
	HTTP       *httpclient.Client
	Anthropic  anthropic.Client
	Email      email.Sender
	ResolveEnv EnvResolver

	Delay    DelayScheduler
	HttpLoop HttpLoopScheduler
	Hil      HilGate

	// Emit and Metrics are optional observability collaborators: nil is
	// valid (a bare &NodeExecutor{} literal, as every test in this
	// package builds, never needs to wire one).
	Emit    emit.Emitter
	Metrics *emit.Metrics
}

func (ne *NodeExecutor) emitEvent(ev emit.Event) {
	if ne.Emit == nil {
		return
	}
	ne.Emit.Emit(ev)
}

func (ne *NodeExecutor) recordRetry(executionID, nodeID, reason string) {
	if ne.Metrics == nil {
		return
	}
	ne.Metrics.IncrementRetries(executionID, nodeID, reason)
}

// Execute dispatches node against event, returning the outcome. The
// caller (the DAG executor) is responsible for step persistence and
// provenance-stamping; Execute is pure dispatch.
func (ne *NodeExecutor) Execute(ctx context.Context, executionID, executionStepID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	switch node.Kind {
	case workflow.KindTrigger:
		return NodeOutcome{Kind: OutcomeContinue, Event: event}, nil

	case workflow.KindCondition:
		return ne.executeCondition(ctx, node, event)

	case workflow.KindTransformer:
		return ne.executeTransformer(ctx, node, event)

	case workflow.KindHttpRequest:
		if node.Config.LoopConfig != nil {
			return ne.executeHttpLoop(ctx, executionID, node.WorkflowID, executionStepID, node, event)
		}
		return ne.executeHttpRequest(ctx, executionID, node, event)

	case workflow.KindOpenObserve:
		return ne.executeOpenObserve(ctx, executionID, node, event)

	case workflow.KindDelay:
		return ne.executeDelay(ctx, executionID, node, event)

	case workflow.KindEmail:
		return ne.executeEmail(ctx, executionID, node, event)

	case workflow.KindAnthropic:
		return ne.executeAnthropic(ctx, executionID, node, event)

	case workflow.KindHumanInLoop:
		return ne.Hil.Start(ctx, executionID, node, event)

	default:
		return NodeOutcome{}, workflow.NewValidationError(node.ID, fmt.Sprintf("unknown node kind %q", node.Kind))
	}
}

func (ne *NodeExecutor) executeCondition(ctx context.Context, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	result, err := ne.Script.EvaluateCondition(ctx, node.Config.Script, event)
	if err != nil {
		return NodeOutcome{}, workflow.NewScriptError(node.ID, err)
	}
	out := event.Clone()
	out.ConditionResults[node.ID] = result
	return NodeOutcome{Kind: OutcomeContinue, Event: out}, nil
}

func (ne *NodeExecutor) executeTransformer(ctx context.Context, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	result, err := ne.Script.EvaluateTransform(ctx, node.Config.Script, event)
	if err != nil {
		return NodeOutcome{}, workflow.NewScriptError(node.ID, err)
	}
	if result == nil {
		return NodeOutcome{Kind: OutcomeDropped}, nil
	}
	out := *result
	// condition_results is preserved from the input per §4.3, regardless
	// of what the transform script's own output carries.
	out.ConditionResults = event.ConditionResults
	return NodeOutcome{Kind: OutcomeContinue, Event: out}, nil
}

// withFailureAction runs attempt (a single HTTP/Anthropic/etc. call)
// under node's failure_action policy: Retry exhausts retry_config with
// exponential backoff, Continue swallows a single failure and returns
// the original event unchanged, Stop propagates a single failure.
func (ne *NodeExecutor) withFailureAction(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent, attempt func(ctx context.Context) (workflow.WorkflowEvent, error)) (NodeOutcome, error) {
	action := node.Config.FailureAction
	if action == "" {
		action = workflow.FailureStop
	}

	switch action {
	case workflow.FailureContinue:
		out, err := attempt(ctx)
		if err != nil {
			ne.emitEvent(emit.Event{
				ExecutionID: executionID,
				NodeID:      node.ID,
				Msg:         "node_failure_continue",
				Meta:        map[string]interface{}{"error": err.Error()},
			})
			return NodeOutcome{Kind: OutcomeContinue, Event: event}, nil
		}
		return NodeOutcome{Kind: OutcomeContinue, Event: out}, nil

	case workflow.FailureRetry:
		cfg := node.Config.RetryConfig
		if cfg.MaxAttempts <= 0 {
			cfg = workflow.DefaultRetryConfig()
		}
		var lastErr error
		delay := time.Duration(cfg.InitialDelayMs) * time.Millisecond
		maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond
		for attemptNum := 0; attemptNum < cfg.MaxAttempts; attemptNum++ {
			if attemptNum > 0 {
				select {
				case <-ctx.Done():
					return NodeOutcome{}, ctx.Err()
				case <-time.After(delay):
				}
				next := time.Duration(float64(delay) * cfg.BackoffMultiplier)
				if next > maxDelay {
					next = maxDelay
				}
				delay = next
			}
			out, err := attempt(ctx)
			if err == nil {
				return NodeOutcome{Kind: OutcomeContinue, Event: out}, nil
			}
			lastErr = err
			ne.recordRetry(executionID, node.ID, "attempt_failed")
			ne.emitEvent(emit.Event{
				ExecutionID: executionID,
				NodeID:      node.ID,
				Msg:         "node_retry",
				Meta: map[string]interface{}{
					"attempt": attemptNum + 1,
					"error":   err.Error(),
				},
			})
		}
		return NodeOutcome{}, workflow.NewHttpCallError(node.ID, lastErr)

	default: // Stop
		out, err := attempt(ctx)
		if err != nil {
			return NodeOutcome{}, workflow.NewHttpCallError(node.ID, err)
		}
		return NodeOutcome{Kind: OutcomeContinue, Event: out}, nil
	}
}

func (ne *NodeExecutor) executeHttpRequest(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	return ne.withFailureAction(ctx, executionID, node, event, func(ctx context.Context) (workflow.WorkflowEvent, error) {
		resp, err := ne.HTTP.Do(ctx, httpclient.Request{
			Method:  node.Config.Method,
			URL:     node.Config.URL,
			Headers: node.Config.Headers,
			Body:    event.Data,
			Timeout: time.Duration(node.Config.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return workflow.WorkflowEvent{}, err
		}
		out := event.Clone()
		if resp.OK() {
			if json.Valid(resp.Body) {
				out.Data = resp.Body
			}
		} else {
			out.Metadata["http_status"] = fmt.Sprintf("%d", resp.StatusCode)
			return out, fmt.Errorf("http request: non-2xx status %d", resp.StatusCode)
		}
		return out, nil
	})
}

func (ne *NodeExecutor) executeOpenObserve(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	return ne.withFailureAction(ctx, executionID, node, event, func(ctx context.Context) (workflow.WorkflowEvent, error) {
		headers := make(map[string]string, len(node.Config.Headers)+1)
		for k, v := range node.Config.Headers {
			headers[k] = v
		}
		if node.Config.AuthorizationHeader != "" {
			headers["Authorization"] = node.Config.AuthorizationHeader
		}
		resp, err := ne.HTTP.Do(ctx, httpclient.Request{
			Method:  workflow.MethodPost,
			URL:     node.Config.URL,
			Headers: headers,
			Body:    event.Data,
			Timeout: time.Duration(node.Config.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return workflow.WorkflowEvent{}, err
		}
		if resp.StatusCode == 401 {
			return workflow.WorkflowEvent{}, fmt.Errorf("open_observe: authorization rejected (401)")
		}
		if !resp.OK() {
			return workflow.WorkflowEvent{}, fmt.Errorf("open_observe: non-2xx status %d", resp.StatusCode)
		}
		return event.Clone(), nil
	})
}

func (ne *NodeExecutor) executeHttpLoop(ctx context.Context, executionID, workflowID, executionStepID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	signal, err := ne.HttpLoop.Start(ctx, executionID, workflowID, executionStepID, node.ID, *node.Config.LoopConfig, httpclient.Request{
		Method:  node.Config.Method,
		URL:     node.Config.URL,
		Headers: node.Config.Headers,
		Timeout: time.Duration(node.Config.TimeoutSeconds) * time.Second,
	}, event)
	if err != nil {
		return NodeOutcome{}, err
	}
	return NodeOutcome{Kind: OutcomeSuspend, Suspension: signal}, nil
}

// delayDurationMs converts node.Config.Duration/Unit into milliseconds
// following the original's unit table, and reports whether it exceeds
// the 1-hour in-process sleep ceiling.
func delayDurationMs(node workflow.Node) (ms int64, capped bool) {
	d := node.Config.Duration
	switch node.Config.Unit {
	case workflow.DelayMinutes:
		ms = d * 60_000
	case workflow.DelayHours:
		ms = d * 3_600_000
	case workflow.DelayDays:
		ms = d * 86_400_000
	default: // Seconds
		ms = d * 1000
	}
	const ceilingMs = 3_600_000
	if ms > ceilingMs {
		return ms, true
	}
	return ms, false
}

func (ne *NodeExecutor) executeDelay(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	ms, durable := delayDurationMs(node)
	if !durable {
		select {
		case <-ctx.Done():
			return NodeOutcome{}, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		return NodeOutcome{Kind: OutcomeContinue, Event: event}, nil
	}

	wakeAt := time.Now().Add(time.Duration(ms) * time.Millisecond)
	signal, err := ne.Delay.Suspend(ctx, executionID, node.WorkflowID, node.ID, wakeAt, event)
	if err != nil {
		return NodeOutcome{}, err
	}
	return NodeOutcome{Kind: OutcomeSuspend, Suspension: signal}, nil
}

func (ne *NodeExecutor) executeEmail(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	if node.Config.Email == nil {
		return NodeOutcome{}, workflow.NewValidationError(node.ID, "email node missing config.email")
	}
	env, err := ne.ResolveEnv(ctx)
	if err != nil {
		return NodeOutcome{}, workflow.NewDbTransientError(node.ID, err)
	}
	msg, err := email.Render(*node.Config.Email, env, event)
	if err != nil {
		return NodeOutcome{}, workflow.NewScriptError(node.ID, err)
	}
	msg.MessageID = fmt.Sprintf("<%s.%s@swisspipe>", node.ID, event.Metadata["swisspipe_step_id"])

	return ne.withFailureAction(ctx, executionID, node, event, func(ctx context.Context) (workflow.WorkflowEvent, error) {
		if err := ne.Email.Send(ctx, msg); err != nil {
			return workflow.WorkflowEvent{}, err
		}
		return event.Clone(), nil
	})
}

func (ne *NodeExecutor) executeAnthropic(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	env, err := ne.ResolveEnv(ctx)
	if err != nil {
		return NodeOutcome{}, workflow.NewDbTransientError(node.ID, err)
	}
	systemPrompt, err := renderOrEmpty(node.Config.SystemPrompt, env, event)
	if err != nil {
		return NodeOutcome{}, workflow.NewScriptError(node.ID, err)
	}
	userPrompt, err := renderOrEmpty(node.Config.UserPrompt, env, event)
	if err != nil {
		return NodeOutcome{}, workflow.NewScriptError(node.ID, err)
	}

	return ne.withFailureAction(ctx, executionID, node, event, func(ctx context.Context) (workflow.WorkflowEvent, error) {
		reply, err := ne.Anthropic.Complete(ctx, anthropic.Request{
			Model:        node.Config.Model,
			MaxTokens:    node.Config.MaxTokens,
			Temperature:  node.Config.Temperature,
			SystemPrompt: systemPrompt,
			UserPrompt:   userPrompt,
		})
		if err != nil {
			return workflow.WorkflowEvent{}, err
		}
		out := event.Clone()
		replyJSON, merr := json.Marshal(map[string]string{"reply": reply})
		if merr != nil {
			return workflow.WorkflowEvent{}, merr
		}
		out.Data = replyJSON
		return out, nil
	})
}

func renderOrEmpty(tmpl string, env map[string]string, event workflow.WorkflowEvent) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	return renderTemplate(tmpl, env, event)
}

// renderTemplate is a small indirection point, assigned in template.go
// of this package to workflow/variables's Render — kept as a var
// rather than a direct call so tests can substitute a renderer.
var renderTemplate func(tmpl string, env map[string]string, event workflow.WorkflowEvent) (string, error)
