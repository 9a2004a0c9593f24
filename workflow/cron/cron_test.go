package cron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/store"
)

// A due trigger fires: a pending execution and a matching
// workflow_execution job are created, and the trigger's bookkeeping
// (last/next execution time, execution_count) advances (§4.8).
func TestTickFiresDueTrigger(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	due := now.Add(-time.Minute)

	trigger := workflow.ScheduledTrigger{
		WorkflowID:      "wf-1",
		TriggerNodeID:   "trigger",
		CronExpression:  "* * * * *",
		Timezone:        "UTC",
		TestPayload:     json.RawMessage(`{"seed":true}`),
		Enabled:         true,
		NextExecutionTime: &due,
	}
	if err := st.UpsertScheduledTrigger(ctx, trigger); err != nil {
		t.Fatalf("upsert trigger: %v", err)
	}

	s := New(st)
	if err := s.tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	ids, err := st.ListWorkflowIDsWithExecutions(ctx)
	if err != nil {
		t.Fatalf("list workflow ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "wf-1" {
		t.Fatalf("expected one execution created for wf-1, got %v", ids)
	}

	execIDs, err := st.ListExecutionIDsForWorkflow(ctx, "wf-1")
	if err != nil || len(execIDs) != 1 {
		t.Fatalf("expected 1 execution id, got %v err=%v", execIDs, err)
	}
	exec, err := st.GetExecution(ctx, execIDs[0])
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != workflow.ExecutionPending {
		t.Fatalf("expected pending execution, got %s", exec.Status)
	}
	if string(exec.InputData) != `{"seed":true}` {
		t.Fatalf("expected test_payload seeded as input_data, got %s", exec.InputData)
	}

	job, err := st.ClaimJob(ctx, "w1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("expected a workflow_execution job enqueued for the fired trigger")
	}
	if job.Payload.Type != workflow.JobWorkflowExecution {
		t.Fatalf("expected workflow_execution job, got %s", job.Payload.Type)
	}

	due2, err := st.ListDueScheduledTriggers(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due2) != 0 {
		t.Fatalf("expected the trigger's next_execution_time to move past now, still due: %v", due2)
	}
}

// A not-yet-due trigger never fires.
func TestTickSkipsNotDueTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	if err := st.UpsertScheduledTrigger(ctx, workflow.ScheduledTrigger{
		WorkflowID: "wf-2", TriggerNodeID: "trigger", CronExpression: "* * * * *",
		Timezone: "UTC", Enabled: true, NextExecutionTime: &future,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s := New(st)
	if err := s.tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	ids, err := st.ListWorkflowIDsWithExecutions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no executions created for a not-yet-due trigger, got %v", ids)
	}
}

// nextRun computes a strictly later fire time than the reference
// instant, honoring the configured timezone.
func TestNextRunIsStrictlyAfterNow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := workflow.ScheduledTrigger{CronExpression: "*/5 * * * *", Timezone: "UTC"}
	next := nextRun(tr, now)
	if !next.After(now) {
		t.Fatalf("expected next run after now, got %v vs %v", next, now)
	}
	if next.Sub(now) > 5*time.Minute {
		t.Fatalf("expected next run within 5 minutes for a */5 schedule, got %v", next.Sub(now))
	}
}
