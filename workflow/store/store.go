// Package store defines the persistence boundary for the workflow
// engine and its two concrete implementations (SQLite, MySQL) plus an
// in-memory fixture for tests, mirroring the shape of
// graph/store/store.go's Store[S] interface and graph/store/memory.go's
// test-fixture convention in the teacher, generalized from an arbitrary
// generic state type to the engine's concrete row types.
package store

import (
	"context"
	"time"

	"github.com/openobserve/swisspipe/workflow"
)

// Store is the single relational persistence boundary every other
// component depends on. Implementations MUST make ClaimJob atomic under
// N concurrent callers sharing one store (§4.1).
type Store interface {
	// Jobs (§4.1)
	EnqueueJob(ctx context.Context, job workflow.Job) (string, error)
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*workflow.Job, error)
	HeartbeatJob(ctx context.Context, jobID, workerID string, now time.Time) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, errMsg string, nextScheduledAtUs int64, deadLetter bool) error
	ReleaseStaleJobs(ctx context.Context, staleThreshold time.Duration, now time.Time) (int, error)
	CancelPendingJobsForExecution(ctx context.Context, executionID string) (int, error)
	GetJob(ctx context.Context, jobID string) (*workflow.Job, error)

	// Executions (§3, §4.2)
	CreateExecution(ctx context.Context, exec workflow.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, exec workflow.WorkflowExecution) error
	ListActiveExecutions(ctx context.Context) ([]workflow.WorkflowExecution, error)
	ListExecutionIDsForWorkflow(ctx context.Context, workflowID string) ([]string, error)
	ListWorkflowIDsWithExecutions(ctx context.Context) ([]string, error)
	DeleteExecutions(ctx context.Context, ids []string) error

	// Steps (§3, §4.2)
	CreateStep(ctx context.Context, step workflow.ExecutionStep) error
	UpdateStep(ctx context.Context, step workflow.ExecutionStep) error
	ListStepsForExecution(ctx context.Context, executionID string) ([]workflow.ExecutionStep, error)
	GetStepByNode(ctx context.Context, executionID, nodeID string) (*workflow.ExecutionStep, error)

	// HTTP loop state (§3, §4.5)
	CreateLoopState(ctx context.Context, st workflow.HttpLoopState) error
	GetLoopState(ctx context.Context, id string) (*workflow.HttpLoopState, error)
	GetLoopStateByStep(ctx context.Context, executionStepID string) (*workflow.HttpLoopState, error)
	UpdateLoopState(ctx context.Context, st workflow.HttpLoopState) error
	ListActiveLoopStates(ctx context.Context) ([]workflow.HttpLoopState, error)

	// HIL tasks (§3, §4.6)
	CreateHilTask(ctx context.Context, t workflow.HilTask) error
	GetHilTaskByNodeExecutionID(ctx context.Context, nodeExecutionID string) (*workflow.HilTask, error)
	UpdateHilTask(ctx context.Context, t workflow.HilTask) error
	ListExpiredHilTasks(ctx context.Context, now time.Time) ([]workflow.HilTask, error)

	// Input synchronizer (§3, §4.7) — AppendInput must execute under a
	// row-exclusive lock on (executionID, nodeID) and returns the
	// post-append state together with whether this call is the one that
	// should fire execution.
	AppendInput(ctx context.Context, executionID, nodeID string, expected int, strategy workflow.InputMergeStrategy, timeoutAt *time.Time, event workflow.WorkflowEvent) (sync *workflow.NodeInputSync, fires bool, err error)
	GetInputSync(ctx context.Context, executionID, nodeID string) (*workflow.NodeInputSync, error)
	ListTimedOutInputSyncs(ctx context.Context, now time.Time) ([]workflow.NodeInputSync, error)
	MarkInputSyncCompleted(ctx context.Context, executionID, nodeID string) error
	MarkInputSyncTimeout(ctx context.Context, executionID, nodeID string) error

	// Scheduled triggers (§3, §4.8)
	UpsertScheduledTrigger(ctx context.Context, t workflow.ScheduledTrigger) error
	ListDueScheduledTriggers(ctx context.Context, now time.Time) ([]workflow.ScheduledTrigger, error)
	UpdateScheduledTriggerFire(ctx context.Context, workflowID, triggerNodeID string, lastExecution, nextExecution time.Time, failed bool) error

	// Environment variables (§3, §4.10)
	GetEnvironmentVariable(ctx context.Context, name string) (*workflow.EnvironmentVariable, error)
	ListEnvironmentVariables(ctx context.Context) ([]workflow.EnvironmentVariable, error)
	PutEnvironmentVariable(ctx context.Context, v workflow.EnvironmentVariable) error

	Close() error
}

// StaleThresholdDefault is release_stale's default claim-age threshold
// (§4.1 algorithm: heartbeat ticks at ~1/3 of this).
const StaleThresholdDefault = 90 * time.Second

// HeartbeatIntervalDefault is ~1/3 of StaleThresholdDefault, matching
// §4.1's "heartbeat ticker at ~⅓ of the stale-claim threshold".
const HeartbeatIntervalDefault = StaleThresholdDefault / 3
