package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
)

// MySQL tests only run against a real server: export TEST_MYSQL_DSN to a
// DSN like "user:pass@tcp(localhost:3306)/swisspipe_test?parseTime=true"
// to exercise them.

func getTestMySQLDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Log("MySQL tests skipped: set TEST_MYSQL_DSN to run")
	}
	return dsn
}

func TestMySQLStore_NewConnection(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}

	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()

	if err := s.db.PingContext(context.Background()); err != nil {
		t.Errorf("ping after open: %v", err)
	}
}

func TestMySQLStore_InvalidDSN(t *testing.T) {
	_, err := NewMySQLStore("not a valid dsn at all")
	if err == nil {
		t.Error("expected error opening an invalid DSN")
	}
}

func TestMySQLStore_JobLifecycle(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	job := workflow.Job{
		ExecutionID:   "exec-1",
		Priority:      workflow.DefaultPriority,
		ScheduledAtUs: time.Now().UnixMicro(),
		MaxRetries:    3,
		Status:        workflow.JobPending,
		Payload: workflow.JobPayload{
			Type: workflow.JobWorkflowExecution,
			Body: json.RawMessage(`{"k":"v"}`),
		},
	}
	id, err := s.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimJob(ctx, "worker-1", time.Now())
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("expected to claim job %s, got %+v", id, claimed)
	}

	if err := s.HeartbeatJob(ctx, id, "worker-1", time.Now()); err != nil {
		t.Errorf("HeartbeatJob: %v", err)
	}
	if err := s.CompleteJob(ctx, id); err != nil {
		t.Errorf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != workflow.JobCompleted {
		t.Errorf("expected job completed, got %s", got.Status)
	}
}

func TestMySQLStore_ClaimJobIsExclusive(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, workflow.Job{
		ExecutionID: "exec-excl", Priority: workflow.DefaultPriority,
		ScheduledAtUs: time.Now().UnixMicro(), MaxRetries: 3, Status: workflow.JobPending,
		Payload: workflow.JobPayload{Type: workflow.JobWorkflowExecution, Body: json.RawMessage(`{}`)},
	}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	const workers = 8
	claims := make(chan *workflow.Job, workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			j, err := s.ClaimJob(ctx, time.Now().String(), time.Now())
			if err != nil {
				claims <- nil
				return
			}
			claims <- j
		}(i)
	}

	found := 0
	for i := 0; i < workers; i++ {
		if j := <-claims; j != nil {
			found++
		}
	}
	if found != 1 {
		t.Errorf("expected exactly 1 worker to claim the job, got %d", found)
	}
}

func TestMySQLStore_ExecutionRoundTrip(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	exec := workflow.WorkflowExecution{
		ID: "exec-rt-1", WorkflowID: "wf-1", Status: workflow.ExecutionPending,
		InputData: json.RawMessage(`{"a":1}`),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.WorkflowID != exec.WorkflowID {
		t.Errorf("expected workflow_id %s, got %s", exec.WorkflowID, got.WorkflowID)
	}

	got.Status = workflow.ExecutionRunning
	if err := s.UpdateExecution(ctx, *got); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}
	reloaded, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution after update: %v", err)
	}
	if reloaded.Status != workflow.ExecutionRunning {
		t.Errorf("expected status Running, got %s", reloaded.Status)
	}
}

func TestMySQLStore_GetExecutionNotFound(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()

	_, err = s.GetExecution(context.Background(), "does-not-exist")
	if !workflow.IsNotFound(err) {
		t.Errorf("expected a not-found error, got %v", err)
	}
}

func TestMySQLStore_StepRoundTrip(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateExecution(ctx, workflow.WorkflowExecution{
		ID: "exec-steps-1", WorkflowID: "wf-1", Status: workflow.ExecutionRunning,
		InputData: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	step := workflow.ExecutionStep{
		ID: "step-1", ExecutionID: "exec-steps-1", NodeID: "node-a", Status: workflow.StepRunning,
	}
	if err := s.CreateStep(ctx, step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	step.Status = workflow.StepCompleted
	step.OutputData = json.RawMessage(`{"ok":true}`)
	if err := s.UpdateStep(ctx, step); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}

	got, err := s.GetStepByNode(ctx, "exec-steps-1", "node-a")
	if err != nil {
		t.Fatalf("GetStepByNode: %v", err)
	}
	if got.Status != workflow.StepCompleted {
		t.Errorf("expected step completed, got %s", got.Status)
	}
}

func TestMySQLStore_AppendInputWaitForAll(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	execID, nodeID := "exec-sync-1", "join-node"
	for i := 0; i < 2; i++ {
		sy, fired, err := s.AppendInput(ctx, execID, nodeID, 3, workflow.MergeWaitForAll, nil, workflow.NewWorkflowEvent(nil))
		if err != nil {
			t.Fatalf("AppendInput %d: %v", i, err)
		}
		if fired {
			t.Errorf("expected no fire before all inputs arrive, iteration %d", i)
		}
		if len(sy.ReceivedInputs) != i+1 {
			t.Errorf("expected %d received inputs, got %d", i+1, len(sy.ReceivedInputs))
		}
	}
	_, fired, err := s.AppendInput(ctx, execID, nodeID, 3, workflow.MergeWaitForAll, nil, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("AppendInput final: %v", err)
	}
	if !fired {
		t.Error("expected fire once all 3 inputs arrived")
	}

	_, _, err = s.AppendInput(ctx, execID, nodeID, 3, workflow.MergeWaitForAll, nil, workflow.NewWorkflowEvent(nil))
	if err != workflow.ErrSyncOverflow {
		t.Errorf("expected ErrSyncOverflow after completion, got %v", err)
	}
}

func TestMySQLStore_EnvironmentVariableUpsert(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	v := workflow.EnvironmentVariable{Name: "API_KEY", ValueType: workflow.VarText, Value: "first"}
	if err := s.PutEnvironmentVariable(ctx, v); err != nil {
		t.Fatalf("PutEnvironmentVariable: %v", err)
	}
	v.Value = "second"
	if err := s.PutEnvironmentVariable(ctx, v); err != nil {
		t.Fatalf("PutEnvironmentVariable update: %v", err)
	}

	got, err := s.GetEnvironmentVariable(ctx, "API_KEY")
	if err != nil {
		t.Fatalf("GetEnvironmentVariable: %v", err)
	}
	if got.Value != "second" {
		t.Errorf("expected upserted value 'second', got %q", got.Value)
	}
}

var _ Store = (*MySQLStore)(nil)
