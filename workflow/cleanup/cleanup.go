// Package cleanup implements the background retention and timeout
// sweeps (§4.9): per-workflow execution retention, fan-in and
// human-in-the-loop deadline enforcement. Stale job-claim release is
// handled by workflow/queue's own sweeper and is not duplicated here.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/hil"
	"github.com/openobserve/swisspipe/workflow/inputsync"
	"github.com/openobserve/swisspipe/workflow/store"
)

// MaxRetentionCount and MaxIntervalMinutes bound Service's constructor
// parameters, mirroring the original's own sanity limits.
const (
	MaxRetentionCount = 100_000
	MaxIntervalMinutes = 1440
)

// Service runs the periodic retention and timeout sweeps.
type Service struct {
	St             store.Store
	RetentionCount int
	Interval       time.Duration
}

// New validates retentionCount and intervalMinutes and returns a
// Service, or an error describing which parameter is out of range.
func New(st store.Store, retentionCount, intervalMinutes int) (*Service, error) {
	if retentionCount <= 0 {
		return nil, fmt.Errorf("cleanup: retention_count must be greater than 0")
	}
	if retentionCount > MaxRetentionCount {
		return nil, fmt.Errorf("cleanup: retention_count too large (max %d)", MaxRetentionCount)
	}
	if intervalMinutes <= 0 {
		return nil, fmt.Errorf("cleanup: cleanup_interval_minutes must be greater than 0")
	}
	if intervalMinutes > MaxIntervalMinutes {
		return nil, fmt.Errorf("cleanup: cleanup_interval_minutes too large (max %d)", MaxIntervalMinutes)
	}
	return &Service{
		St:             st,
		RetentionCount: retentionCount,
		Interval:       time.Duration(intervalMinutes) * time.Minute,
	}, nil
}

// Run blocks, sweeping every Interval until ctx is cancelled. Each tick
// runs execution retention, then the HIL and fan-in timeout sweeps; a
// failure in one sweep is passed to onError (when non-nil) and the
// remaining sweeps and future ticks still run, matching the cron
// scheduler's tick/poll shape.
func (s *Service) Run(ctx context.Context, onError func(error)) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupOldExecutions(ctx); err != nil && onError != nil {
				onError(fmt.Errorf("cleanup: retention sweep: %w", err))
			}
			if err := s.SweepHilTimeouts(ctx, time.Now()); err != nil && onError != nil {
				onError(fmt.Errorf("cleanup: hil sweep: %w", err))
			}
			if err := s.SweepInputSyncTimeouts(ctx, time.Now()); err != nil && onError != nil {
				onError(fmt.Errorf("cleanup: inputsync sweep: %w", err))
			}
		}
	}
}

// CleanupOldExecutions deletes every execution past the s.RetentionCount
// most recent, per workflow, and returns the total number deleted.
func (s *Service) CleanupOldExecutions(ctx context.Context) (int, error) {
	workflowIDs, err := s.St.ListWorkflowIDsWithExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup: list workflows: %w", err)
	}
	deleted := 0
	for _, wfID := range workflowIDs {
		ids, err := s.St.ListExecutionIDsForWorkflow(ctx, wfID) // newest first
		if err != nil {
			return deleted, fmt.Errorf("cleanup: list executions for %s: %w", wfID, err)
		}
		if len(ids) <= s.RetentionCount {
			continue
		}
		toDelete := ids[s.RetentionCount:]
		if err := s.St.DeleteExecutions(ctx, toDelete); err != nil {
			return deleted, fmt.Errorf("cleanup: delete executions for %s: %w", wfID, err)
		}
		deleted += len(toDelete)
	}
	return deleted, nil
}

// WorkflowExecutionCount is one workflow's execution count and whether
// it currently exceeds the configured retention.
type WorkflowExecutionCount struct {
	WorkflowID       string
	ExecutionCount   int
	ExceedsRetention bool
}

// Stats summarizes the retention sweep's current workload without
// deleting anything.
type Stats struct {
	TotalExecutions int
	RetentionCount  int
	WorkflowCounts  []WorkflowExecutionCount
}

// GetCleanupStats reports, per workflow, how many executions exist and
// whether retention would trim them on the next sweep.
func (s *Service) GetCleanupStats(ctx context.Context) (Stats, error) {
	workflowIDs, err := s.St.ListWorkflowIDsWithExecutions(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cleanup: list workflows: %w", err)
	}
	stats := Stats{RetentionCount: s.RetentionCount}
	for _, wfID := range workflowIDs {
		ids, err := s.St.ListExecutionIDsForWorkflow(ctx, wfID)
		if err != nil {
			return Stats{}, fmt.Errorf("cleanup: list executions for %s: %w", wfID, err)
		}
		stats.TotalExecutions += len(ids)
		stats.WorkflowCounts = append(stats.WorkflowCounts, WorkflowExecutionCount{
			WorkflowID:       wfID,
			ExecutionCount:   len(ids),
			ExceedsRetention: len(ids) > s.RetentionCount,
		})
	}
	return stats, nil
}

// SweepHilTimeouts applies timeout_action to every expired HilTask and
// enqueues its resumption as a hil_resumption job, the same job type
// Gate.Respond enqueues for a live decision (§4.6).
func (s *Service) SweepHilTimeouts(ctx context.Context, now time.Time) error {
	bodies, err := hil.SweepExpired(ctx, s.St, now)
	if err != nil {
		return err
	}
	for _, body := range bodies {
		exec, err := s.St.GetExecution(ctx, body.ExecutionID)
		if err != nil {
			return fmt.Errorf("cleanup: get execution %s: %w", body.ExecutionID, err)
		}
		if exec == nil {
			continue
		}
		body.WorkflowID = exec.WorkflowID
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cleanup: marshal hil resumption: %w", err)
		}
		job := workflow.Job{
			ExecutionID:   body.ExecutionID,
			Priority:      workflow.DefaultPriority,
			ScheduledAtUs: now.UnixMicro(),
			MaxRetries:    5,
			Status:        workflow.JobPending,
			Payload:       workflow.JobPayload{Type: workflow.JobHilResumption, Body: payload},
		}
		if _, err := s.St.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("cleanup: enqueue hil resumption: %w", err)
		}
	}
	return nil
}

// SweepInputSyncTimeouts merges whatever inputs arrived at every
// TimeoutBased fan-in node whose deadline elapsed, and resumes the DAG
// at that node via a workflow_execution job carrying ResumeNodeID — the
// same mechanism a node-level resumption uses, since a timed-out fan-in
// continues forward rather than replaying from the start (§4.7).
func (s *Service) SweepInputSyncTimeouts(ctx context.Context, now time.Time) error {
	syncs, err := inputsync.SweepTimedOut(ctx, s.St, now)
	if err != nil {
		return err
	}
	for _, sy := range syncs {
		exec, err := s.St.GetExecution(ctx, sy.ExecutionID)
		if err != nil {
			return fmt.Errorf("cleanup: get execution %s: %w", sy.ExecutionID, err)
		}
		if exec == nil {
			continue
		}
		body := workflow.WorkflowExecutionBody{
			ExecutionID:  sy.ExecutionID,
			WorkflowID:   exec.WorkflowID,
			ResumeNodeID: sy.NodeID,
			Event:        sy.Event,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cleanup: marshal inputsync resumption: %w", err)
		}
		job := workflow.Job{
			ExecutionID:   sy.ExecutionID,
			Priority:      workflow.DefaultPriority,
			ScheduledAtUs: now.UnixMicro(),
			MaxRetries:    5,
			Status:        workflow.JobPending,
			Payload:       workflow.JobPayload{Type: workflow.JobWorkflowExecution, Body: payload},
		}
		if _, err := s.St.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("cleanup: enqueue inputsync resumption: %w", err)
		}
	}
	return nil
}
