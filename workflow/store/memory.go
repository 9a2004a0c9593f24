package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openobserve/swisspipe/workflow"
)

// MemoryStore is an in-memory Store, the default test fixture for every
// other package in this module — mirroring graph/store/memory.go's role
// in the teacher's own test suite. Not durable: state is lost on
// process exit, so it must never back a production deployment (§3
// requires a single relational store).
type MemoryStore struct {
	mu sync.Mutex

	jobs       map[string]*workflow.Job
	executions map[string]*workflow.WorkflowExecution
	steps      map[string][]*workflow.ExecutionStep // executionID -> steps
	loops      map[string]*workflow.HttpLoopState
	loopByStep map[string]string // executionStepID -> loop id
	hilTasks   map[string]*workflow.HilTask // nodeExecutionID -> task
	inputSyncs map[string]*workflow.NodeInputSync // executionID|nodeID -> sync
	triggers   map[string]*workflow.ScheduledTrigger // workflowID|triggerNodeID -> trigger
	envVars    map[string]*workflow.EnvironmentVariable
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*workflow.Job),
		executions: make(map[string]*workflow.WorkflowExecution),
		steps:      make(map[string][]*workflow.ExecutionStep),
		loops:      make(map[string]*workflow.HttpLoopState),
		loopByStep: make(map[string]string),
		hilTasks:   make(map[string]*workflow.HilTask),
		inputSyncs: make(map[string]*workflow.NodeInputSync),
		triggers:   make(map[string]*workflow.ScheduledTrigger),
		envVars:    make(map[string]*workflow.EnvironmentVariable),
	}
}

func (m *MemoryStore) Close() error { return nil }

func syncKey(executionID, nodeID string) string { return executionID + "|" + nodeID }
func triggerKey(workflowID, triggerNodeID string) string { return workflowID + "|" + triggerNodeID }

// --- Jobs ---

func (m *MemoryStore) EnqueueJob(_ context.Context, job workflow.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = workflow.JobPending
	}
	now := time.Now().UnixMicro()
	job.CreatedAtUs, job.UpdatedAtUs = now, now
	cp := job
	m.jobs[job.ID] = &cp
	return job.ID, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, workerID string, now time.Time) (*workflow.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowUs := now.UnixMicro()
	var candidates []*workflow.Job
	for _, j := range m.jobs {
		if j.Status == workflow.JobPending && j.ScheduledAtUs <= nowUs {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	// Highest priority, earliest scheduled_at (§4.1 claim ordering,
	// mirroring graph/scheduler.go's ComputeOrderKey ranking).
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ScheduledAtUs < candidates[j].ScheduledAtUs
	})
	j := candidates[0]
	j.Status = workflow.JobProcessing
	claimedAt := nowUs
	j.ClaimedAtUs = &claimedAt
	j.ClaimedBy = workerID
	j.UpdatedAtUs = nowUs
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) HeartbeatJob(_ context.Context, jobID, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return workflow.NewNotFoundError(jobID, "job not found")
	}
	if j.ClaimedBy != workerID || j.Status != workflow.JobProcessing {
		return workflow.ErrClaimLost
	}
	nowUs := now.UnixMicro()
	j.ClaimedAtUs = &nowUs
	j.UpdatedAtUs = nowUs
	return nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return workflow.NewNotFoundError(jobID, "job not found")
	}
	j.Status = workflow.JobCompleted
	j.UpdatedAtUs = time.Now().UnixMicro()
	return nil
}

func (m *MemoryStore) FailJob(_ context.Context, jobID string, errMsg string, nextScheduledAtUs int64, deadLetter bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return workflow.NewNotFoundError(jobID, "job not found")
	}
	now := time.Now().UnixMicro()
	if deadLetter {
		j.Status = workflow.JobDeadLetter
	} else {
		j.Status = workflow.JobPending
		j.RetryCount++
		j.ScheduledAtUs = nextScheduledAtUs
		j.ClaimedAtUs = nil
		j.ClaimedBy = ""
	}
	j.UpdatedAtUs = now
	_ = errMsg // retained on the job payload by callers that need it surfaced
	return nil
}

func (m *MemoryStore) ReleaseStaleJobs(_ context.Context, staleThreshold time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-staleThreshold).UnixMicro()
	n := 0
	for _, j := range m.jobs {
		if j.Status == workflow.JobProcessing && j.ClaimedAtUs != nil && *j.ClaimedAtUs < cutoff {
			j.Status = workflow.JobPending
			j.ClaimedAtUs = nil
			j.ClaimedBy = ""
			j.UpdatedAtUs = now.UnixMicro()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CancelPendingJobsForExecution(_ context.Context, executionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.ExecutionID == executionID && (j.Status == workflow.JobPending || j.Status == workflow.JobProcessing) {
			j.Status = workflow.JobFailed
			j.UpdatedAtUs = time.Now().UnixMicro()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*workflow.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, workflow.NewNotFoundError(jobID, "job not found")
	}
	cp := *j
	return &cp, nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec workflow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	cp := exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*workflow.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, workflow.NewNotFoundError(id, "execution not found")
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec workflow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return workflow.NewNotFoundError(exec.ID, "execution not found")
	}
	exec.UpdatedAt = time.Now()
	cp := exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActiveExecutions(_ context.Context) ([]workflow.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.WorkflowExecution
	for _, e := range m.executions {
		if e.Status == workflow.ExecutionPending || e.Status == workflow.ExecutionRunning || e.Status == workflow.ExecutionSuspended {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExecutionIDsForWorkflow(_ context.Context, workflowID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		id string
		ts time.Time
	}
	var entries []entry
	for _, e := range m.executions {
		if e.WorkflowID == workflowID {
			entries = append(entries, entry{e.ID, e.CreatedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.After(entries[j].ts) })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (m *MemoryStore) ListWorkflowIDsWithExecutions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, e := range m.executions {
		if !seen[e.WorkflowID] {
			seen[e.WorkflowID] = true
			ids = append(ids, e.WorkflowID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) DeleteExecutions(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.executions, id)
		delete(m.steps, id) // cascade delete (§4.9)
	}
	return nil
}

// --- Steps ---

func (m *MemoryStore) CreateStep(_ context.Context, step workflow.ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	cp := step
	m.steps[step.ExecutionID] = append(m.steps[step.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) UpdateStep(_ context.Context, step workflow.ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.steps[step.ExecutionID]
	for i, s := range list {
		if s.ID == step.ID {
			cp := step
			list[i] = &cp
			return nil
		}
	}
	return workflow.NewNotFoundError(step.ID, "step not found")
}

func (m *MemoryStore) ListStepsForExecution(_ context.Context, executionID string) ([]workflow.ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.steps[executionID]
	out := make([]workflow.ExecutionStep, len(list))
	for i, s := range list {
		out[i] = *s
	}
	return out, nil
}

func (m *MemoryStore) GetStepByNode(_ context.Context, executionID, nodeID string) (*workflow.ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *workflow.ExecutionStep
	for _, s := range m.steps[executionID] {
		if s.NodeID == nodeID {
			if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, workflow.NewNotFoundError(nodeID, "step not found for node")
	}
	cp := *latest
	return &cp, nil
}

// --- HTTP loop state ---

func (m *MemoryStore) CreateLoopState(_ context.Context, st workflow.HttpLoopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now()
	st.CreatedAt, st.UpdatedAt = now, now
	cp := st
	m.loops[st.ID] = &cp
	m.loopByStep[st.ExecutionStepID] = st.ID
	return nil
}

func (m *MemoryStore) GetLoopState(_ context.Context, id string) (*workflow.HttpLoopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.loops[id]
	if !ok {
		return nil, workflow.NewNotFoundError(id, "loop state not found")
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) GetLoopStateByStep(_ context.Context, executionStepID string) (*workflow.HttpLoopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.loopByStep[executionStepID]
	if !ok {
		return nil, workflow.NewNotFoundError(executionStepID, "loop state not found for step")
	}
	cp := *m.loops[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateLoopState(_ context.Context, st workflow.HttpLoopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loops[st.ID]; !ok {
		return workflow.NewNotFoundError(st.ID, "loop state not found")
	}
	st.UpdatedAt = time.Now()
	cp := st
	m.loops[st.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActiveLoopStates(_ context.Context) ([]workflow.HttpLoopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.HttpLoopState
	for _, st := range m.loops {
		if st.Status == workflow.LoopRunning || st.Status == workflow.LoopPaused {
			out = append(out, *st)
		}
	}
	return out, nil
}

// --- HIL tasks ---

func (m *MemoryStore) CreateHilTask(_ context.Context, t workflow.HilTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := t
	m.hilTasks[t.NodeExecutionID] = &cp
	return nil
}

func (m *MemoryStore) GetHilTaskByNodeExecutionID(_ context.Context, nodeExecutionID string) (*workflow.HilTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hilTasks[nodeExecutionID]
	if !ok {
		return nil, workflow.NewNotFoundError(nodeExecutionID, "hil task not found")
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateHilTask(_ context.Context, t workflow.HilTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hilTasks[t.NodeExecutionID]; !ok {
		return workflow.NewNotFoundError(t.NodeExecutionID, "hil task not found")
	}
	t.UpdatedAt = time.Now()
	cp := t
	m.hilTasks[t.NodeExecutionID] = &cp
	return nil
}

func (m *MemoryStore) ListExpiredHilTasks(_ context.Context, now time.Time) ([]workflow.HilTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.HilTask
	for _, t := range m.hilTasks {
		if t.Status == workflow.HilPending && t.TimeoutAt != nil && !t.TimeoutAt.After(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// --- Input synchronizer ---
//
// AppendInput holds the store-wide mutex for its whole critical section,
// which stands in for the "exclusive row lock on (execution_id, node_id)"
// the spec requires (§4.7) — a single mutex is a stricter, not weaker,
// guarantee for an in-memory fixture.

func (m *MemoryStore) AppendInput(_ context.Context, executionID, nodeID string, expected int, strategy workflow.InputMergeStrategy, timeoutAt *time.Time, event workflow.WorkflowEvent) (*workflow.NodeInputSync, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := syncKey(executionID, nodeID)
	sy, ok := m.inputSyncs[key]
	now := time.Now()
	if !ok {
		sy = &workflow.NodeInputSync{
			ExecutionID:        executionID,
			NodeID:             nodeID,
			ExpectedInputCount: expected,
			MergeStrategy:      strategy,
			TimeoutAt:          timeoutAt,
			Status:             workflow.SyncWaiting,
			CreatedAt:          now,
		}
		m.inputSyncs[key] = sy
	}

	if sy.Status == workflow.SyncCompleted {
		if strategy == workflow.MergeFirstWins {
			return sy, false, workflow.ErrAlreadyCompleted
		}
		return sy, false, workflow.ErrSyncOverflow
	}

	if len(sy.ReceivedInputs) >= sy.ExpectedInputCount && strategy != workflow.MergeFirstWins {
		return sy, false, workflow.ErrSyncOverflow
	}

	sy.ReceivedInputs = append(sy.ReceivedInputs, event)
	sy.UpdatedAt = now

	fires := false
	switch strategy {
	case workflow.MergeFirstWins:
		fires = len(sy.ReceivedInputs) == 1
	case workflow.MergeWaitForAll:
		fires = len(sy.ReceivedInputs) >= sy.ExpectedInputCount
	case workflow.MergeTimeoutBased:
		fires = len(sy.ReceivedInputs) >= sy.ExpectedInputCount || (sy.TimeoutAt != nil && !sy.TimeoutAt.After(now))
	}
	if fires {
		sy.Status = workflow.SyncReady
	}
	cp := *sy
	cp.ReceivedInputs = append([]workflow.WorkflowEvent(nil), sy.ReceivedInputs...)
	return &cp, fires, nil
}

func (m *MemoryStore) GetInputSync(_ context.Context, executionID, nodeID string) (*workflow.NodeInputSync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sy, ok := m.inputSyncs[syncKey(executionID, nodeID)]
	if !ok {
		return nil, workflow.NewNotFoundError(nodeID, "input sync not found")
	}
	cp := *sy
	return &cp, nil
}

func (m *MemoryStore) ListTimedOutInputSyncs(_ context.Context, now time.Time) ([]workflow.NodeInputSync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.NodeInputSync
	for _, sy := range m.inputSyncs {
		if sy.Status == workflow.SyncWaiting && sy.TimeoutAt != nil && !sy.TimeoutAt.After(now) {
			out = append(out, *sy)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkInputSyncCompleted(_ context.Context, executionID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sy, ok := m.inputSyncs[syncKey(executionID, nodeID)]
	if !ok {
		return workflow.NewNotFoundError(nodeID, "input sync not found")
	}
	sy.Status = workflow.SyncCompleted
	sy.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkInputSyncTimeout(_ context.Context, executionID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sy, ok := m.inputSyncs[syncKey(executionID, nodeID)]
	if !ok {
		return workflow.NewNotFoundError(nodeID, "input sync not found")
	}
	sy.Status = workflow.SyncTimeout
	sy.UpdatedAt = time.Now()
	return nil
}

// --- Scheduled triggers ---

func (m *MemoryStore) UpsertScheduledTrigger(_ context.Context, t workflow.ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := t
	m.triggers[triggerKey(t.WorkflowID, t.TriggerNodeID)] = &cp
	return nil
}

func (m *MemoryStore) ListDueScheduledTriggers(_ context.Context, now time.Time) ([]workflow.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.ScheduledTrigger
	for _, t := range m.triggers {
		if !t.Enabled {
			continue
		}
		if t.NextExecutionTime == nil || t.NextExecutionTime.After(now) {
			continue
		}
		if t.EndDate != nil && !now.Before(*t.EndDate) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *MemoryStore) UpdateScheduledTriggerFire(_ context.Context, workflowID, triggerNodeID string, lastExecution, nextExecution time.Time, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[triggerKey(workflowID, triggerNodeID)]
	if !ok {
		return workflow.NewNotFoundError(triggerNodeID, "scheduled trigger not found")
	}
	t.LastExecutionTime = &lastExecution
	t.NextExecutionTime = &nextExecution
	if failed {
		t.FailureCount++
	} else {
		t.ExecutionCount++
	}
	t.UpdatedAt = time.Now()
	return nil
}

// --- Environment variables ---

func (m *MemoryStore) GetEnvironmentVariable(_ context.Context, name string) (*workflow.EnvironmentVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.envVars[name]
	if !ok {
		return nil, workflow.NewNotFoundError(name, "environment variable not found")
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) ListEnvironmentVariables(_ context.Context) ([]workflow.EnvironmentVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workflow.EnvironmentVariable, 0, len(m.envVars))
	for _, v := range m.envVars {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) PutEnvironmentVariable(_ context.Context, v workflow.EnvironmentVariable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	cp := v
	m.envVars[v.Name] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
