// Package cron implements the trigger scheduler (§4.8): a polling loop
// that fires ScheduledTrigger rows whose next_execution_time has
// elapsed, enqueuing a fresh workflow_execution job seeded with the
// trigger's test_payload, grounded on the teacher's own "parse the cron
// expression, compute Next, run a poll ticker" scheduler shape.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/store"
)

// PollInterval is how often the scheduler checks for due triggers.
const PollInterval = 10 * time.Second

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler polls St for due ScheduledTrigger rows and fires them.
type Scheduler struct {
	St store.Store
}

// New returns a Scheduler backed by st.
func New(st store.Store) *Scheduler {
	return &Scheduler{St: st}
}

// Run blocks, polling every PollInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	due, err := s.St.ListDueScheduledTriggers(ctx, now)
	if err != nil {
		return fmt.Errorf("cron: list due triggers: %w", err)
	}
	for _, t := range due {
		if err := s.fire(ctx, t, now); err != nil {
			_ = s.St.UpdateScheduledTriggerFire(ctx, t.WorkflowID, t.TriggerNodeID, now, nextRun(t, now), true)
			continue
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, t workflow.ScheduledTrigger, now time.Time) error {
	event := workflow.NewWorkflowEvent(t.TestPayload)

	exec := workflow.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: t.WorkflowID,
		Status:     workflow.ExecutionPending,
		InputData:  t.TestPayload,
		StartedAt:  &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.St.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("cron: create execution: %w", err)
	}

	execBody, err := json.Marshal(workflow.WorkflowExecutionBody{
		ExecutionID: exec.ID,
		WorkflowID:  t.WorkflowID,
		Event:       event,
	})
	if err != nil {
		return fmt.Errorf("cron: marshal execution body: %w", err)
	}

	job := workflow.Job{
		ExecutionID:   exec.ID,
		Priority:      workflow.DefaultPriority,
		ScheduledAtUs: now.UnixMicro(),
		MaxRetries:    5,
		Status:        workflow.JobPending,
		Payload:       workflow.JobPayload{Type: workflow.JobWorkflowExecution, Body: execBody},
	}
	if _, err := s.St.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("cron: enqueue job: %w", err)
	}

	return s.St.UpdateScheduledTriggerFire(ctx, t.WorkflowID, t.TriggerNodeID, now, nextRun(t, now), false)
}

// nextRun computes the trigger's next fire time in its configured
// timezone. An unknown timezone falls back to UTC; a cron expression
// that fails to parse falls back to now+PollInterval (the trigger was
// validated at creation, so these paths only guard against a corrupted
// row).
func nextRun(t workflow.ScheduledTrigger, now time.Time) time.Time {
	loc := time.UTC
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	sched, err := parser.Parse(t.CronExpression)
	if err != nil {
		return now.Add(PollInterval)
	}
	return sched.Next(now.In(loc))
}
