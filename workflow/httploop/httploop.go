// Package httploop implements the HTTP-loop scheduler (§4.5): an
// HttpRequest node carrying a loop_config becomes a recurring,
// suspending poll whose termination is governed by max_iterations
// and/or a script predicate, with each tick a separately enqueued
// http_loop_tick job so the poll survives a process restart.
package httploop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/engine"
	"github.com/openobserve/swisspipe/workflow/httpclient"
	"github.com/openobserve/swisspipe/workflow/script"
	"github.com/openobserve/swisspipe/workflow/store"
)

// DefaultMaxHistoryEntries bounds HttpLoopState.IterationHistory when a
// loop_config doesn't set one.
const DefaultMaxHistoryEntries = 20

// Scheduler implements engine.HttpLoopScheduler and owns the tick/
// control-operation logic.
type Scheduler struct {
	St     store.Store
	HTTP   *httpclient.Client
	Script script.Engine
}

// New returns a Scheduler backed by st, http, and se.
func New(st store.Store, http *httpclient.Client, se script.Engine) *Scheduler {
	return &Scheduler{St: st, HTTP: http, Script: se}
}

// Start creates the loop's durable state, suspends the execution at
// nodeID, and enqueues the first tick immediately.
func (s *Scheduler) Start(ctx context.Context, executionID, workflowID, executionStepID, nodeID string, cfg workflow.LoopConfig, req httpclient.Request, event workflow.WorkflowEvent) (*workflow.SuspensionSignal, error) {
	now := time.Now()
	loopState := workflow.HttpLoopState{
		ID:               uuid.NewString(),
		ExecutionID:      executionID,
		WorkflowID:       workflowID,
		NodeID:           nodeID,
		ExecutionStepID:  executionStepID,
		MaxIterations:    cfg.MaxIterations,
		Status:           workflow.LoopRunning,
		IterationHistory: []workflow.LoopIterationRecord{},
		Request: workflow.HttpLoopRequestSnapshot{
			URL:            req.URL,
			Method:         req.Method,
			Headers:        req.Headers,
			TimeoutSeconds: int64(req.Timeout / time.Second),
		},
		LoopConfiguration: cfg,
		CurrentEvent:      event,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.St.CreateLoopState(ctx, loopState); err != nil {
		return nil, workflow.NewDbTransientError(nodeID, err)
	}

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

	if err := s.enqueueTick(ctx, loopState, time.Now()); err != nil {
		return nil, err
	}

	return &workflow.SuspensionSignal{
		Kind:          workflow.SuspendHttpLoopScheduled,
		ExecutionID:   executionID,
		CurrentNodeID: nodeID,
	}, nil
}

var _ engine.HttpLoopScheduler = (*Scheduler)(nil)

func (s *Scheduler) enqueueTick(ctx context.Context, st workflow.HttpLoopState, at time.Time) error {
	body, err := json.Marshal(workflow.HttpLoopTickBody{
		ExecutionID:     st.ExecutionID,
		WorkflowID:      st.WorkflowID,
		LoopStateID:     st.ID,
		ExecutionStepID: st.ExecutionStepID,
	})
	if err != nil {
		return fmt.Errorf("httploop: marshal tick body: %w", err)
	}
	job := workflow.Job{
		ExecutionID:   st.ExecutionID,
		Priority:      workflow.DefaultPriority,
		ScheduledAtUs: at.UnixMicro(),
		MaxRetries:    5,
		Status:        workflow.JobPending,
		Payload:       workflow.JobPayload{Type: workflow.JobHttpLoopTick, Body: body},
	}
	if _, err := s.St.EnqueueJob(ctx, job); err != nil {
		return workflow.NewDbTransientError(st.ExecutionID, err)
	}
	return nil
}

// Tick runs one poll iteration identified by body.LoopStateID.
//
// When the loop terminates under Success or Failure, terminated is
// true, nodeID names the loop node, and result is the event the caller
// must resume the DAG with via ex.Resume(ctx, executionID, wf, nodeID,
// result) — mirroring the division of labor delay.Resume's caller
// already handles, the execution's final Completed stamp included. A
// Stop termination is fully handled here (the execution is marked
// Failed and its pending jobs cancelled): terminated is true but nodeID
// is empty, signaling no further DAG walk is needed. A
// not-yet-terminated tick reschedules itself and returns
// (false, zero, "", nil).
func (s *Scheduler) Tick(ctx context.Context, ex *engine.Executor, wf workflow.Workflow, body workflow.HttpLoopTickBody) (terminated bool, result workflow.WorkflowEvent, nodeID string, err error) {
	st, err := s.St.GetLoopState(ctx, body.LoopStateID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return false, workflow.WorkflowEvent{}, "", err
		}
		return false, workflow.WorkflowEvent{}, "", workflow.NewDbTransientError(body.LoopStateID, err)
	}
	if st == nil {
		return false, workflow.WorkflowEvent{}, "", workflow.NewNotFoundError(body.LoopStateID, "loop state not found")
	}
	if st.Status != workflow.LoopRunning {
		// Paused or already terminal: a stray tick (e.g. a race with a
		// control operation) is a no-op.
		return false, workflow.WorkflowEvent{}, "", nil
	}

	req := httpclient.Request{
		Method:  st.Request.Method,
		URL:     st.Request.URL,
		Headers: st.Request.Headers,
		Body:    st.CurrentEvent.Data,
		Timeout: time.Duration(st.Request.TimeoutSeconds) * time.Second,
	}

	resp, callErr := s.HTTP.Do(ctx, req)

	event := st.CurrentEvent.Clone()
	record := workflow.LoopIterationRecord{
		Iteration: st.CurrentIteration + 1,
		Timestamp: time.Now(),
	}
	if callErr != nil {
		st.ConsecutiveFailures++
		record.Status = 0
		record.BodyDigest = digest([]byte(callErr.Error()))
	} else {
		st.ConsecutiveFailures = 0
		status := resp.StatusCode
		st.LastResponseStatus = &status
		st.LastResponseBody = string(resp.Body)
		record.Status = resp.StatusCode
		record.BodyDigest = digest(resp.Body)
		if resp.OK() && json.Valid(resp.Body) {
			event.Data = resp.Body
		} else if !resp.OK() {
			event.Metadata["http_status"] = fmt.Sprintf("%d", resp.StatusCode)
		}
	}
	st.CurrentIteration++
	st.IterationHistory = appendBounded(st.IterationHistory, record, maxHistory(st.LoopConfiguration))
	st.CurrentEvent = event
	st.UpdatedAt = time.Now()

	done, action, reason := s.evaluateTermination(ctx, st.LoopConfiguration, st, event)
	if !done {
		next := time.Now().Add(backoffInterval(ctx, s.Script, st.LoopConfiguration.BackoffStrategy, st.ConsecutiveFailures, event))
		st.NextExecutionAt = &next
		if err := s.St.UpdateLoopState(ctx, *st); err != nil {
			return false, workflow.WorkflowEvent{}, "", workflow.NewDbTransientError(body.LoopStateID, err)
		}
		if err := s.enqueueTick(ctx, *st, next); err != nil {
			return false, workflow.WorkflowEvent{}, "", err
		}
		return false, workflow.WorkflowEvent{}, "", nil
	}

	st.TerminationReason = reason
	if action == workflow.TerminationStop {
		st.Status = workflow.LoopFailed
		if err := s.St.UpdateLoopState(ctx, *st); err != nil {
			return false, workflow.WorkflowEvent{}, "", workflow.NewDbTransientError(body.LoopStateID, err)
		}
		if err := s.stopExecution(ctx, st.ExecutionID, reason); err != nil {
			return false, workflow.WorkflowEvent{}, "", err
		}
		return true, workflow.WorkflowEvent{}, "", nil
	}

	if action == workflow.TerminationFailure {
		st.Status = workflow.LoopFailed
	} else {
		st.Status = workflow.LoopCompleted
	}
	if err := s.St.UpdateLoopState(ctx, *st); err != nil {
		return false, workflow.WorkflowEvent{}, "", workflow.NewDbTransientError(body.LoopStateID, err)
	}

	exec, err := s.St.GetExecution(ctx, st.ExecutionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return false, workflow.WorkflowEvent{}, "", err
		}
		return false, workflow.WorkflowEvent{}, "", workflow.NewDbTransientError(st.ExecutionID, err)
	}
	if exec == nil {
		return false, workflow.WorkflowEvent{}, "", workflow.NewNotFoundError(st.ExecutionID, "execution not found")
	}
	exec.Status = workflow.ExecutionRunning
	if err := s.St.UpdateExecution(ctx, *exec); err != nil {
		return false, workflow.WorkflowEvent{}, "", workflow.NewDbTransientError(st.ExecutionID, err)
	}

	return true, event, st.NodeID, nil
}

func (s *Scheduler) stopExecution(ctx context.Context, executionID, reason string) error {
	exec, err := s.St.GetExecution(ctx, executionID)
	if err != nil {
		if workflow.IsNotFound(err) {
			return err
		}
		return workflow.NewDbTransientError(executionID, err)
	}
	if exec == nil {
		return workflow.NewNotFoundError(executionID, "execution not found")
	}
	now := time.Now()
	exec.Status = workflow.ExecutionFailed
	exec.ErrorMessage = reason
	exec.CompletedAt = &now
	if err := s.St.UpdateExecution(ctx, *exec); err != nil {
		return workflow.NewDbTransientError(executionID, err)
	}
	_, err = s.St.CancelPendingJobsForExecution(ctx, executionID)
	return err
}

func (s *Scheduler) evaluateTermination(ctx context.Context, cfg workflow.LoopConfig, st *workflow.HttpLoopState, event workflow.WorkflowEvent) (terminated bool, action workflow.TerminationAction, reason string) {
	if cfg.MaxIterations != nil && st.CurrentIteration >= *cfg.MaxIterations {
		return true, workflow.TerminationSuccess, "max_iterations reached"
	}
	if cfg.TerminationCondition != nil {
		ok, err := s.Script.EvaluateCondition(ctx, cfg.TerminationCondition.Script, event)
		if err == nil && ok {
			return true, cfg.TerminationCondition.Action, "termination_condition satisfied"
		}
	}
	return false, "", ""
}

func maxHistory(cfg workflow.LoopConfig) int {
	if cfg.MaxHistoryEntries > 0 {
		return cfg.MaxHistoryEntries
	}
	return DefaultMaxHistoryEntries
}

func appendBounded(hist []workflow.LoopIterationRecord, rec workflow.LoopIterationRecord, max int) []workflow.LoopIterationRecord {
	hist = append(hist, rec)
	if len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	return hist
}

// backoffInterval computes the delay before the next tick under strat.
// Custom delegates to the script engine, decoding the transformed
// event's data as {"next_interval_seconds": N}; any decoding failure
// falls back to one second.
func backoffInterval(ctx context.Context, se script.Engine, strat workflow.BackoffStrategy, consecutiveFailures int, event workflow.WorkflowEvent) time.Duration {
	switch strat.Kind {
	case workflow.BackoffFixed:
		if strat.FixedSecs > 0 {
			return time.Duration(strat.FixedSecs) * time.Second
		}
	case workflow.BackoffExponential:
		base := strat.BaseSecs
		if base <= 0 {
			base = 1
		}
		mult := strat.Multiplier
		if mult <= 0 {
			mult = 2
		}
		secs := float64(base)
		for i := 0; i < consecutiveFailures; i++ {
			secs *= mult
		}
		if strat.MaxSecs > 0 && int64(secs) > strat.MaxSecs {
			secs = float64(strat.MaxSecs)
		}
		return time.Duration(secs) * time.Second
	case workflow.BackoffCustom:
		if out, err := se.EvaluateTransform(ctx, strat.Script, event); err == nil && out != nil {
			var decoded struct {
				NextIntervalSeconds int64 `json:"next_interval_seconds"`
			}
			if json.Unmarshal(out.Data, &decoded) == nil && decoded.NextIntervalSeconds > 0 {
				return time.Duration(decoded.NextIntervalSeconds) * time.Second
			}
		}
	}
	return time.Second
}

func digest(b []byte) string {
	const maxLen = 64
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return fmt.Sprintf("%x", b)
}

// Pause transitions a running loop to paused (§6 loop control).
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, id, workflow.LoopRunning, workflow.LoopPaused)
}

// Resume transitions a paused loop back to running and schedules an
// immediate tick.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	st, err := s.St.GetLoopState(ctx, id)
	if err != nil {
		if workflow.IsNotFound(err) {
			return err
		}
		return workflow.NewDbTransientError(id, err)
	}
	if st == nil {
		return workflow.NewNotFoundError(id, "loop not found")
	}
	if st.Status != workflow.LoopPaused {
		return workflow.ErrIllegalLoopTransition
	}
	st.Status = workflow.LoopRunning
	st.UpdatedAt = time.Now()
	if err := s.St.UpdateLoopState(ctx, *st); err != nil {
		return workflow.NewDbTransientError(id, err)
	}
	return s.enqueueTick(ctx, *st, time.Now())
}

// Cancel transitions a running or paused loop to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	st, err := s.St.GetLoopState(ctx, id)
	if err != nil {
		if workflow.IsNotFound(err) {
			return err
		}
		return workflow.NewDbTransientError(id, err)
	}
	if st == nil {
		return workflow.NewNotFoundError(id, "loop not found")
	}
	if st.Status != workflow.LoopRunning && st.Status != workflow.LoopPaused {
		return workflow.ErrIllegalLoopTransition
	}
	st.Status = workflow.LoopCancelled
	st.UpdatedAt = time.Now()
	return s.St.UpdateLoopState(ctx, *st)
}

// GetStatus returns the loop's current durable state.
func (s *Scheduler) GetStatus(ctx context.Context, id string) (*workflow.HttpLoopState, error) {
	return s.St.GetLoopState(ctx, id)
}

// ListActive returns every loop not yet in a terminal state.
func (s *Scheduler) ListActive(ctx context.Context) ([]workflow.HttpLoopState, error) {
	return s.St.ListActiveLoopStates(ctx)
}

func (s *Scheduler) transition(ctx context.Context, id string, from, to workflow.HttpLoopStatus) error {
	st, err := s.St.GetLoopState(ctx, id)
	if err != nil {
		if workflow.IsNotFound(err) {
			return err
		}
		return workflow.NewDbTransientError(id, err)
	}
	if st == nil {
		return workflow.NewNotFoundError(id, "loop not found")
	}
	if st.Status != from {
		return workflow.ErrIllegalLoopTransition
	}
	st.Status = to
	st.UpdatedAt = time.Now()
	return s.St.UpdateLoopState(ctx, *st)
}
