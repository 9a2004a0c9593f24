package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/anthropic"
	"github.com/openobserve/swisspipe/workflow/email"
	"github.com/openobserve/swisspipe/workflow/httpclient"
	"github.com/openobserve/swisspipe/workflow/script"
)

type fakeAnthropic struct {
	reply string
	err   error
	calls int
}

func (f *fakeAnthropic) Complete(ctx context.Context, req anthropic.Request) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeSender struct {
	sent []email.RenderedMessage
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg email.RenderedMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeDelay struct {
	calls int
}

func (f *fakeDelay) Suspend(ctx context.Context, executionID, workflowID, nodeID string, wakeAt time.Time, event workflow.WorkflowEvent) (*workflow.SuspensionSignal, error) {
	f.calls++
	return &workflow.SuspensionSignal{Kind: workflow.SuspendDelayScheduled, ExecutionID: executionID, CurrentNodeID: nodeID}, nil
}

func noEnv(ctx context.Context) (map[string]string, error) { return map[string]string{}, nil }

// An HttpRequest node with no loop_config calls HTTP.Do directly and
// replaces event.Data with the response body on a 2xx.
func TestExecuteHttpRequestReplacesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	ne := &NodeExecutor{HTTP: httpclient.New(5 * time.Second)}
	node := workflow.Node{ID: "http", Kind: workflow.KindHttpRequest, Config: workflow.NodeConfig{
		Method: workflow.MethodGet, URL: srv.URL, TimeoutSeconds: 5,
	}}
	out, err := ne.Execute(context.Background(), "exec-1", "step-1", node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue, got %s", out.Kind)
	}
	if string(out.Event.Data) != `{"received":true}` {
		t.Fatalf("expected response body as new data, got %s", out.Event.Data)
	}
}

// failure_action=continue swallows an HTTP error and passes the
// original event through unchanged.
func TestExecuteHttpRequestContinueOnFailureSwallowsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ne := &NodeExecutor{HTTP: httpclient.New(5 * time.Second)}
	node := workflow.Node{ID: "http", Kind: workflow.KindHttpRequest, Config: workflow.NodeConfig{
		Method: workflow.MethodGet, URL: srv.URL, TimeoutSeconds: 5, FailureAction: workflow.FailureContinue,
	}}
	original := workflow.NewWorkflowEvent(json.RawMessage(`{"unchanged":true}`))
	out, err := ne.Execute(context.Background(), "exec-2", "step-1", node, original)
	if err != nil {
		t.Fatalf("expected continue to swallow the error, got %v", err)
	}
	if string(out.Event.Data) != `{"unchanged":true}` {
		t.Fatalf("expected original event passed through, got %s", out.Event.Data)
	}
}

// failure_action=stop (the default) propagates a non-2xx as a hard
// error.
func TestExecuteHttpRequestStopPropagatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ne := &NodeExecutor{HTTP: httpclient.New(5 * time.Second)}
	node := workflow.Node{ID: "http", Kind: workflow.KindHttpRequest, Config: workflow.NodeConfig{
		Method: workflow.MethodGet, URL: srv.URL, TimeoutSeconds: 5,
	}}
	if _, err := ne.Execute(context.Background(), "exec-3", "step-1", node, workflow.NewWorkflowEvent(nil)); err == nil {
		t.Fatal("expected a non-2xx response to fail under the default stop action")
	}
}

// An HttpRequest node carrying loop_config suspends via HttpLoop
// instead of calling HTTP.Do inline.
func TestExecuteHttpRequestWithLoopConfigSuspends(t *testing.T) {
	fl := &fakeHttpLoop{}
	ne := &NodeExecutor{HttpLoop: fl}
	node := workflow.Node{ID: "loop", WorkflowID: "wf-1", Kind: workflow.KindHttpRequest, Config: workflow.NodeConfig{
		Method: workflow.MethodGet, URL: "http://example.com", LoopConfig: &workflow.LoopConfig{},
	}}
	out, err := ne.Execute(context.Background(), "exec-4", "step-1", node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeSuspend {
		t.Fatalf("expected OutcomeSuspend, got %s", out.Kind)
	}
	if fl.calls != 1 {
		t.Fatalf("expected HttpLoop.Start called once, got %d", fl.calls)
	}
}

type fakeHttpLoop struct{ calls int }

func (f *fakeHttpLoop) Start(ctx context.Context, executionID, workflowID, executionStepID, nodeID string, cfg workflow.LoopConfig, req httpclient.Request, event workflow.WorkflowEvent) (*workflow.SuspensionSignal, error) {
	f.calls++
	return &workflow.SuspensionSignal{Kind: workflow.SuspendHttpLoopScheduled, ExecutionID: executionID, CurrentNodeID: nodeID}, nil
}

// A Delay node whose duration is within the in-process ceiling sleeps
// inline and never calls the durable scheduler.
func TestExecuteDelayShortDurationSleepsInline(t *testing.T) {
	fd := &fakeDelay{}
	ne := &NodeExecutor{Delay: fd}
	node := workflow.Node{ID: "delay", Kind: workflow.KindDelay, Config: workflow.NodeConfig{Duration: 1, Unit: workflow.DelaySeconds}}
	event := workflow.NewWorkflowEvent(json.RawMessage(`{"x":1}`))

	out, err := ne.Execute(context.Background(), "exec-5", "step-1", node, event)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue for an in-process delay, got %s", out.Kind)
	}
	if fd.calls != 0 {
		t.Fatalf("expected the durable scheduler untouched for a short delay, got %d calls", fd.calls)
	}
}

// A Delay node whose duration exceeds the 1-hour ceiling suspends via
// the durable scheduler instead of sleeping.
func TestExecuteDelayLongDurationSuspends(t *testing.T) {
	fd := &fakeDelay{}
	ne := &NodeExecutor{Delay: fd}
	node := workflow.Node{ID: "delay", WorkflowID: "wf-1", Kind: workflow.KindDelay, Config: workflow.NodeConfig{Duration: 2, Unit: workflow.DelayHours}}

	out, err := ne.Execute(context.Background(), "exec-6", "step-1", node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeSuspend {
		t.Fatalf("expected OutcomeSuspend for a 2h delay, got %s", out.Kind)
	}
	if fd.calls != 1 {
		t.Fatalf("expected exactly 1 durable suspend call, got %d", fd.calls)
	}
}

// An Email node renders its template fields against the resolved
// environment and hands the result to the Sender.
func TestExecuteEmailSendsRenderedMessage(t *testing.T) {
	sender := &fakeSender{}
	ne := &NodeExecutor{Email: sender, ResolveEnv: noEnv}
	node := workflow.Node{ID: "email", Kind: workflow.KindEmail, Config: workflow.NodeConfig{
		Email: &workflow.EmailConfig{To: []string{"ops@example.com"}, Subject: "s", BodyText: "b"},
	}}
	event := workflow.NewWorkflowEvent(nil)
	event.Metadata["swisspipe_step_id"] = "step-1"

	out, err := ne.Execute(context.Background(), "exec-7", "step-1", node, event)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue, got %s", out.Kind)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly 1 message sent, got %d", len(sender.sent))
	}
	if sender.sent[0].Subject != "s" {
		t.Fatalf("unexpected subject: %q", sender.sent[0].Subject)
	}
}

// An Email node with no config.email fails validation before
// attempting to render or send.
func TestExecuteEmailRequiresConfig(t *testing.T) {
	ne := &NodeExecutor{Email: &fakeSender{}, ResolveEnv: noEnv}
	node := workflow.Node{ID: "email", Kind: workflow.KindEmail}
	if _, err := ne.Execute(context.Background(), "exec-8", "step-1", node, workflow.NewWorkflowEvent(nil)); err == nil {
		t.Fatal("expected a validation error for a missing email config")
	}
}

// An Anthropic node renders its prompts and wraps the reply as
// {"reply": "..."} in the outgoing event's data.
func TestExecuteAnthropicWrapsReply(t *testing.T) {
	fa := &fakeAnthropic{reply: "hello there"}
	ne := &NodeExecutor{Anthropic: fa, ResolveEnv: noEnv}
	node := workflow.Node{ID: "llm", Kind: workflow.KindAnthropic, Config: workflow.NodeConfig{UserPrompt: "hi"}}

	out, err := ne.Execute(context.Background(), "exec-9", "step-1", node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var decoded struct{ Reply string }
	if err := json.Unmarshal(out.Event.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Reply != "hello there" {
		t.Fatalf("expected wrapped reply, got %q", decoded.Reply)
	}
	if fa.calls != 1 {
		t.Fatalf("expected exactly 1 Anthropic call, got %d", fa.calls)
	}
}

// failure_action=retry retries the failing attempt up to max_attempts
// and succeeds once the underlying call stops failing.
func TestExecuteAnthropicRetriesThenSucceeds(t *testing.T) {
	fa := &fakeAnthropicFlaky{failFirst: 2, reply: "ok"}
	ne := &NodeExecutor{Anthropic: fa, ResolveEnv: noEnv}
	node := workflow.Node{ID: "llm", Kind: workflow.KindAnthropic, Config: workflow.NodeConfig{
		UserPrompt:    "hi",
		FailureAction: workflow.FailureRetry,
		RetryConfig:   workflow.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 2, BackoffMultiplier: 1},
	}}
	out, err := ne.Execute(context.Background(), "exec-10", "step-1", node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var decoded struct{ Reply string }
	if err := json.Unmarshal(out.Event.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Reply != "ok" {
		t.Fatalf("expected eventual success, got %q", decoded.Reply)
	}
	if fa.calls != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", fa.calls)
	}
}

type fakeAnthropicFlaky struct {
	failFirst int
	reply     string
	calls     int
}

func (f *fakeAnthropicFlaky) Complete(ctx context.Context, req anthropic.Request) (string, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return "", errors.New("transient failure")
	}
	return f.reply, nil
}

// An OpenObserve node rejects a 401 as an authorization failure,
// distinct from a generic non-2xx.
func TestExecuteOpenObserveRejects401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ne := &NodeExecutor{HTTP: httpclient.New(5 * time.Second)}
	node := workflow.Node{ID: "oo", Kind: workflow.KindOpenObserve, Config: workflow.NodeConfig{URL: srv.URL, TimeoutSeconds: 5}}
	if _, err := ne.Execute(context.Background(), "exec-11", "step-1", node, workflow.NewWorkflowEvent(nil)); err == nil {
		t.Fatal("expected a 401 response to fail")
	}
}

// A HumanInLoop node delegates entirely to the Hil collaborator.
func TestExecuteHumanInLoopDelegatesToGate(t *testing.T) {
	fh := &fakeHil{}
	ne := &NodeExecutor{Hil: fh}
	node := workflow.Node{ID: "hil", Kind: workflow.KindHumanInLoop}
	out, err := ne.Execute(context.Background(), "exec-12", "step-1", node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeMultiPath {
		t.Fatalf("expected the gate's own outcome to pass through, got %s", out.Kind)
	}
	if fh.calls != 1 {
		t.Fatalf("expected the gate called exactly once, got %d", fh.calls)
	}
}

type fakeHil struct{ calls int }

func (f *fakeHil) Start(ctx context.Context, executionID string, node workflow.Node, event workflow.WorkflowEvent) (NodeOutcome, error) {
	f.calls++
	return NodeOutcome{Kind: OutcomeMultiPath, Paths: []PathResult{{HandleID: workflow.HandleNotification, Event: event}}}, nil
}

// script.Mock is still exercised by Condition/Transformer dispatch,
// confirming executeCondition and executeTransformer hand off to the
// configured script.Engine rather than any node-kind-specific logic.
func TestExecuteConditionUsesScriptEngine(t *testing.T) {
	mock := &script.Mock{ConditionResults: map[string]bool{"v>1": true}}
	ne := &NodeExecutor{Script: mock}
	node := workflow.Node{ID: "cond", Kind: workflow.KindCondition, Config: workflow.NodeConfig{Script: "v>1"}}
	out, err := ne.Execute(context.Background(), "exec-13", "step-1", node, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Event.ConditionResults["cond"] != true {
		t.Fatalf("expected condition_results[cond]=true, got %v", out.Event.ConditionResults)
	}
}
