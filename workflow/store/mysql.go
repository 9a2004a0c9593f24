package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/openobserve/swisspipe/workflow"
)

// MySQLStore is a MySQL-backed Store for multi-node deployments where
// several swisspiped processes share one job queue — generalized from
// graph/store/mysql.go's MySQLStore[S]: same relational layout as
// SQLiteStore, but claims rows with SELECT ... FOR UPDATE inside a
// transaction instead of relying on a single-writer connection, since a
// MySQL pool genuinely serves concurrent writers.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a MySQL connection pool using dsn (a
// github.com/go-sql-driver/mysql DSN, e.g.
// "user:pass@tcp(host:3306)/swisspipe?parseTime=true&multiStatements=true")
// and creates the schema if it doesn't exist yet.
//
// parseTime=true is required in dsn so DATETIME columns scan directly
// into time.Time the way the rest of this package expects.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			current_node_id VARCHAR(128) NOT NULL DEFAULT '',
			input_data LONGTEXT NOT NULL,
			output_data LONGTEXT,
			error_message TEXT NOT NULL,
			started_at DATETIME NULL,
			completed_at DATETIME NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			INDEX idx_executions_workflow (workflow_id, created_at DESC),
			INDEX idx_executions_status (status)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS execution_steps (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_data LONGTEXT,
			output_data LONGTEXT,
			error_message TEXT NOT NULL,
			started_at DATETIME NULL,
			completed_at DATETIME NULL,
			sources LONGTEXT,
			created_at DATETIME NOT NULL,
			INDEX idx_steps_execution (execution_id, created_at),
			INDEX idx_steps_execution_node (execution_id, node_id),
			CONSTRAINT fk_steps_execution FOREIGN KEY (execution_id)
				REFERENCES workflow_executions(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS job_queue (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL DEFAULT '',
			priority INT NOT NULL DEFAULT 5,
			scheduled_at_us BIGINT NOT NULL,
			claimed_at_us BIGINT NULL,
			claimed_by VARCHAR(128) NOT NULL DEFAULT '',
			max_retries INT NOT NULL DEFAULT 3,
			retry_count INT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			payload_type VARCHAR(64) NOT NULL,
			payload_body LONGTEXT NOT NULL,
			created_at_us BIGINT NOT NULL,
			updated_at_us BIGINT NOT NULL,
			INDEX idx_jobs_claim (status, scheduled_at_us, priority DESC),
			INDEX idx_jobs_execution (execution_id),
			INDEX idx_jobs_stale (status, claimed_at_us)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS http_loop_states (
			id VARCHAR(64) PRIMARY KEY,
			execution_step_id VARCHAR(64) NOT NULL,
			current_iteration INT NOT NULL DEFAULT 0,
			max_iterations INT NULL,
			next_execution_at DATETIME NULL,
			consecutive_failures INT NOT NULL DEFAULT 0,
			last_response_status INT NULL,
			last_response_body LONGTEXT NOT NULL,
			iteration_history LONGTEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			termination_reason VARCHAR(255) NOT NULL DEFAULT '',
			request_snapshot LONGTEXT NOT NULL,
			loop_configuration LONGTEXT NOT NULL,
			current_event LONGTEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE KEY uq_loops_step (execution_step_id),
			INDEX idx_loops_status (status, next_execution_at)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS hil_tasks (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			node_execution_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			timeout_at DATETIME NULL,
			timeout_action VARCHAR(32) NOT NULL DEFAULT '',
			required_fields LONGTEXT NOT NULL,
			metadata LONGTEXT,
			response_data LONGTEXT,
			response_comments TEXT NOT NULL,
			response_received_at DATETIME NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE KEY uq_hil_node_execution (node_execution_id),
			INDEX idx_hil_status_timeout (status, timeout_at)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS node_input_sync (
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			expected_input_count INT NOT NULL,
			received_inputs LONGTEXT NOT NULL,
			merge_strategy VARCHAR(32) NOT NULL,
			timeout_at DATETIME NULL,
			status VARCHAR(32) NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY(execution_id, node_id),
			INDEX idx_input_sync_timeout (status, timeout_at)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS scheduled_triggers (
			workflow_id VARCHAR(64) NOT NULL,
			trigger_node_id VARCHAR(128) NOT NULL,
			cron_expression VARCHAR(128) NOT NULL,
			timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
			test_payload LONGTEXT,
			enabled TINYINT(1) NOT NULL DEFAULT 1,
			start_date DATETIME NULL,
			end_date DATETIME NULL,
			last_execution_time DATETIME NULL,
			next_execution_time DATETIME NULL,
			execution_count INT NOT NULL DEFAULT 0,
			failure_count INT NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY(workflow_id, trigger_node_id),
			INDEX idx_triggers_due (enabled, next_execution_time)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS environment_variables (
			name VARCHAR(128) PRIMARY KEY,
			value_type VARCHAR(32) NOT NULL,
			value LONGTEXT NOT NULL,
			description TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *MySQLStore) EnqueueJob(ctx context.Context, job workflow.Job) (string, error) {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.Status == "" {
		job.Status = workflow.JobPending
	}
	now := time.Now().UnixMicro()
	body, err := marshalJSON(job.Payload.Body)
	if err != nil {
		return "", workflow.NewValidationError(job.ID, "marshal job payload: "+err.Error())
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_queue (id, execution_id, priority, scheduled_at_us, claimed_at_us, claimed_by,
			max_retries, retry_count, status, payload_type, payload_body, created_at_us, updated_at_us)
		VALUES (?, ?, ?, ?, NULL, '', ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ExecutionID, job.Priority, job.ScheduledAtUs,
		job.MaxRetries, job.RetryCount, job.Status, job.Payload.Type, body, now, now)
	if err != nil {
		return "", workflow.NewDbFatalError(job.ID, err)
	}
	return job.ID, nil
}

// ClaimJob claims the highest-priority, earliest-due pending job inside
// a transaction using SELECT ... FOR UPDATE so concurrent workers across
// a MySQL pool's many connections don't double-claim the same row —
// unlike SQLiteStore, which gets that guarantee for free from its single
// writer connection, a MySQL pool genuinely needs the row lock.
func (s *MySQLStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (*workflow.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, workflow.NewDbTransientError("job", err)
	}
	defer tx.Rollback()

	nowUs := now.UnixMicro()
	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM job_queue
		WHERE status = ? AND scheduled_at_us <= ?
		ORDER BY priority DESC, scheduled_at_us ASC
		LIMIT 1 FOR UPDATE`, workflow.JobPending, nowUs).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, workflow.NewDbTransientError("job", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE job_queue SET status = ?, claimed_at_us = ?, claimed_by = ?, updated_at_us = ?
		WHERE id = ?`, workflow.JobProcessing, nowUs, workerID, nowUs, id); err != nil {
		return nil, workflow.NewDbTransientError(id, err)
	}

	job, err := s.scanJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, workflow.NewDbTransientError(id, err)
	}
	return job, nil
}

func (s *MySQLStore) scanJobTx(ctx context.Context, tx *sql.Tx, id string) (*workflow.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, execution_id, priority, scheduled_at_us, claimed_at_us, claimed_by,
			max_retries, retry_count, status, payload_type, payload_body, created_at_us, updated_at_us
		FROM job_queue WHERE id = ?`, id)
	return scanJobRow(row)
}

func (s *MySQLStore) HeartbeatJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET claimed_at_us = ?, updated_at_us = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		now.UnixMicro(), now.UnixMicro(), jobID, workerID, workflow.JobProcessing)
	if err != nil {
		return workflow.NewDbTransientError(jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return workflow.ErrClaimLost
	}
	return nil
}

func (s *MySQLStore) CompleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = ?, updated_at_us = ? WHERE id = ?`,
		workflow.JobCompleted, time.Now().UnixMicro(), jobID)
	if err != nil {
		return workflow.NewDbTransientError(jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(jobID, "job not found")
	}
	return nil
}

func (s *MySQLStore) FailJob(ctx context.Context, jobID string, errMsg string, nextScheduledAtUs int64, deadLetter bool) error {
	now := time.Now().UnixMicro()
	var res sql.Result
	var err error
	if deadLetter {
		res, err = s.db.ExecContext(ctx, `
			UPDATE job_queue SET status = ?, updated_at_us = ? WHERE id = ?`,
			workflow.JobDeadLetter, now, jobID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE job_queue SET status = ?, retry_count = retry_count + 1, scheduled_at_us = ?,
				claimed_at_us = NULL, claimed_by = '', updated_at_us = ?
			WHERE id = ?`, workflow.JobPending, nextScheduledAtUs, now, jobID)
	}
	if err != nil {
		return workflow.NewDbTransientError(jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(jobID, "job not found")
	}
	_ = errMsg
	return nil
}

func (s *MySQLStore) ReleaseStaleJobs(ctx context.Context, staleThreshold time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-staleThreshold).UnixMicro()
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = ?, claimed_at_us = NULL, claimed_by = '', updated_at_us = ?
		WHERE status = ? AND claimed_at_us < ?`,
		workflow.JobPending, now.UnixMicro(), workflow.JobProcessing, cutoff)
	if err != nil {
		return 0, workflow.NewDbTransientError("", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MySQLStore) CancelPendingJobsForExecution(ctx context.Context, executionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = ?, updated_at_us = ?
		WHERE execution_id = ? AND status IN (?, ?)`,
		workflow.JobFailed, time.Now().UnixMicro(), executionID, workflow.JobPending, workflow.JobProcessing)
	if err != nil {
		return 0, workflow.NewDbTransientError(executionID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MySQLStore) GetJob(ctx context.Context, jobID string) (*workflow.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, priority, scheduled_at_us, claimed_at_us, claimed_by,
			max_retries, retry_count, status, payload_type, payload_body, created_at_us, updated_at_us
		FROM job_queue WHERE id = ?`, jobID)
	return scanJobRow(row)
}

// --- Executions ---

func (s *MySQLStore) CreateExecution(ctx context.Context, exec workflow.WorkflowExecution) error {
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, current_node_id, input_data, output_data,
			error_message, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.Status, exec.CurrentNodeID, string(exec.InputData), nullableStr(exec.OutputData),
		exec.ErrorMessage, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return workflow.NewDbFatalError(exec.ID, err)
	}
	return nil
}

func (s *MySQLStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, current_node_id, input_data, output_data, error_message,
			started_at, completed_at, created_at, updated_at
		FROM workflow_executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *MySQLStore) UpdateExecution(ctx context.Context, exec workflow.WorkflowExecution) error {
	exec.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET workflow_id = ?, status = ?, current_node_id = ?, input_data = ?,
			output_data = ?, error_message = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		exec.WorkflowID, exec.Status, exec.CurrentNodeID, string(exec.InputData), nullableStr(exec.OutputData),
		exec.ErrorMessage, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt, exec.ID)
	if err != nil {
		return workflow.NewDbTransientError(exec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(exec.ID, "execution not found")
	}
	return nil
}

func (s *MySQLStore) ListActiveExecutions(ctx context.Context) ([]workflow.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, status, current_node_id, input_data, output_data, error_message,
			started_at, completed_at, created_at, updated_at
		FROM workflow_executions WHERE status IN (?, ?, ?)`,
		workflow.ExecutionPending, workflow.ExecutionRunning, workflow.ExecutionSuspended)
	if err != nil {
		return nil, workflow.NewDbTransientError("", err)
	}
	defer rows.Close()
	var out []workflow.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *MySQLStore) ListExecutionIDsForWorkflow(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflow_executions WHERE workflow_id = ? ORDER BY created_at DESC`, workflowID)
	if err != nil {
		return nil, workflow.NewDbTransientError(workflowID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, workflow.NewDbTransientError(workflowID, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MySQLStore) ListWorkflowIDsWithExecutions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM workflow_executions`)
	if err != nil {
		return nil, workflow.NewDbTransientError("", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, workflow.NewDbTransientError("", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MySQLStore) DeleteExecutions(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.NewDbTransientError("", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM execution_steps WHERE execution_id = ?`, id); err != nil {
			return workflow.NewDbTransientError(id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_executions WHERE id = ?`, id); err != nil {
			return workflow.NewDbTransientError(id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return workflow.NewDbTransientError("", err)
	}
	return nil
}

// --- Steps ---

func (s *MySQLStore) CreateStep(ctx context.Context, step workflow.ExecutionStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	sources, err := marshalJSON(step.Sources)
	if err != nil {
		return workflow.NewValidationError(step.ID, "marshal sources: "+err.Error())
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (id, execution_id, node_id, status, input_data, output_data,
			error_message, started_at, completed_at, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.NodeID, step.Status, nullableStr(step.InputData), nullableStr(step.OutputData),
		step.ErrorMessage, nullTime(step.StartedAt), nullTime(step.CompletedAt), sources, step.CreatedAt)
	if err != nil {
		return workflow.NewDbFatalError(step.ID, err)
	}
	return nil
}

func (s *MySQLStore) UpdateStep(ctx context.Context, step workflow.ExecutionStep) error {
	sources, err := marshalJSON(step.Sources)
	if err != nil {
		return workflow.NewValidationError(step.ID, "marshal sources: "+err.Error())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps SET status = ?, input_data = ?, output_data = ?, error_message = ?,
			started_at = ?, completed_at = ?, sources = ?
		WHERE id = ?`,
		step.Status, nullableStr(step.InputData), nullableStr(step.OutputData), step.ErrorMessage,
		nullTime(step.StartedAt), nullTime(step.CompletedAt), sources, step.ID)
	if err != nil {
		return workflow.NewDbTransientError(step.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(step.ID, "step not found")
	}
	return nil
}

func (s *MySQLStore) ListStepsForExecution(ctx context.Context, executionID string) ([]workflow.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, status, input_data, output_data, error_message,
			started_at, completed_at, sources, created_at
		FROM execution_steps WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, workflow.NewDbTransientError(executionID, err)
	}
	defer rows.Close()
	var out []workflow.ExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// GetStepByNode mirrors SQLiteStore's "most recent step for this node"
// semantics: a node revisited across a loop-back edge accumulates
// several step rows, and the most recent one is the one a resumption
// needs.
func (s *MySQLStore) GetStepByNode(ctx context.Context, executionID, nodeID string) (*workflow.ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, node_id, status, input_data, output_data, error_message,
			started_at, completed_at, sources, created_at
		FROM execution_steps WHERE execution_id = ? AND node_id = ?
		ORDER BY created_at DESC LIMIT 1`, executionID, nodeID)
	return scanStep(row)
}

// --- HTTP loop state ---

func (s *MySQLStore) CreateLoopState(ctx context.Context, st workflow.HttpLoopState) error {
	if st.ID == "" {
		st.ID = newID()
	}
	now := time.Now()
	st.CreatedAt, st.UpdatedAt = now, now
	return s.upsertLoopState(ctx, st, true)
}

func (s *MySQLStore) UpdateLoopState(ctx context.Context, st workflow.HttpLoopState) error {
	st.UpdatedAt = time.Now()
	return s.upsertLoopState(ctx, st, false)
}

func (s *MySQLStore) upsertLoopState(ctx context.Context, st workflow.HttpLoopState, insert bool) error {
	history, err := marshalJSON(st.IterationHistory)
	if err != nil {
		return workflow.NewValidationError(st.ID, err.Error())
	}
	req, err := marshalJSON(st.Request)
	if err != nil {
		return workflow.NewValidationError(st.ID, err.Error())
	}
	cfg, err := marshalJSON(st.LoopConfiguration)
	if err != nil {
		return workflow.NewValidationError(st.ID, err.Error())
	}
	event, err := marshalJSON(st.CurrentEvent)
	if err != nil {
		return workflow.NewValidationError(st.ID, err.Error())
	}

	if insert {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO http_loop_states (id, execution_step_id, current_iteration, max_iterations,
				next_execution_at, consecutive_failures, last_response_status, last_response_body,
				iteration_history, status, termination_reason, request_snapshot, loop_configuration,
				current_event, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.ExecutionStepID, st.CurrentIteration, st.MaxIterations, nullTime(st.NextExecutionAt),
			st.ConsecutiveFailures, st.LastResponseStatus, st.LastResponseBody, history, st.Status,
			st.TerminationReason, req, cfg, event, st.CreatedAt, st.UpdatedAt)
		if err != nil {
			return workflow.NewDbFatalError(st.ID, err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE http_loop_states SET current_iteration = ?, max_iterations = ?, next_execution_at = ?,
			consecutive_failures = ?, last_response_status = ?, last_response_body = ?, iteration_history = ?,
			status = ?, termination_reason = ?, current_event = ?, updated_at = ?
		WHERE id = ?`,
		st.CurrentIteration, st.MaxIterations, nullTime(st.NextExecutionAt), st.ConsecutiveFailures,
		st.LastResponseStatus, st.LastResponseBody, history, st.Status, st.TerminationReason, event, st.UpdatedAt, st.ID)
	if err != nil {
		return workflow.NewDbTransientError(st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(st.ID, "loop state not found")
	}
	return nil
}

func (s *MySQLStore) GetLoopState(ctx context.Context, id string) (*workflow.HttpLoopState, error) {
	row := s.db.QueryRowContext(ctx, loopStateSelect+" WHERE id = ?", id)
	return scanLoopState(row)
}

func (s *MySQLStore) GetLoopStateByStep(ctx context.Context, executionStepID string) (*workflow.HttpLoopState, error) {
	row := s.db.QueryRowContext(ctx, loopStateSelect+" WHERE execution_step_id = ?", executionStepID)
	return scanLoopState(row)
}

func (s *MySQLStore) ListActiveLoopStates(ctx context.Context) ([]workflow.HttpLoopState, error) {
	rows, err := s.db.QueryContext(ctx, loopStateSelect+" WHERE status IN (?, ?)", workflow.LoopRunning, workflow.LoopPaused)
	if err != nil {
		return nil, workflow.NewDbTransientError("", err)
	}
	defer rows.Close()
	var out []workflow.HttpLoopState
	for rows.Next() {
		st, err := scanLoopState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// --- HIL tasks ---

func (s *MySQLStore) CreateHilTask(ctx context.Context, t workflow.HilTask) error {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	fields, err := marshalJSON(t.RequiredFields)
	if err != nil {
		return workflow.NewValidationError(t.ID, err.Error())
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hil_tasks (id, execution_id, node_id, node_execution_id, status, timeout_at,
			timeout_action, required_fields, metadata, response_data, response_comments,
			response_received_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ExecutionID, t.NodeID, t.NodeExecutionID, t.Status, nullTime(t.TimeoutAt), t.TimeoutAction,
		fields, nullableStr(t.Metadata), nullableStr(t.ResponseData), t.ResponseComments,
		nullTime(t.ResponseReceivedAt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return workflow.NewDbFatalError(t.ID, err)
	}
	return nil
}

func (s *MySQLStore) GetHilTaskByNodeExecutionID(ctx context.Context, nodeExecutionID string) (*workflow.HilTask, error) {
	row := s.db.QueryRowContext(ctx, hilTaskSelect+" WHERE node_execution_id = ?", nodeExecutionID)
	return scanHilTask(row)
}

func (s *MySQLStore) UpdateHilTask(ctx context.Context, t workflow.HilTask) error {
	t.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE hil_tasks SET status = ?, response_data = ?, response_comments = ?,
			response_received_at = ?, updated_at = ?
		WHERE node_execution_id = ?`,
		t.Status, nullableStr(t.ResponseData), t.ResponseComments, nullTime(t.ResponseReceivedAt),
		t.UpdatedAt, t.NodeExecutionID)
	if err != nil {
		return workflow.NewDbTransientError(t.NodeExecutionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(t.NodeExecutionID, "hil task not found")
	}
	return nil
}

func (s *MySQLStore) ListExpiredHilTasks(ctx context.Context, now time.Time) ([]workflow.HilTask, error) {
	rows, err := s.db.QueryContext(ctx, hilTaskSelect+` WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`,
		workflow.HilPending, now)
	if err != nil {
		return nil, workflow.NewDbTransientError("", err)
	}
	defer rows.Close()
	var out []workflow.HilTask
	for rows.Next() {
		t, err := scanHilTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// --- Input synchronizer ---

// AppendInput uses SELECT ... FOR UPDATE to take the same row-exclusive
// lock SQLiteStore gets implicitly from its single connection — here the
// lock has to be explicit because MySQL's pool genuinely allows two
// goroutines to reach this method concurrently for the same
// (executionID, nodeID) pair.
func (s *MySQLStore) AppendInput(ctx context.Context, executionID, nodeID string, expected int, strategy workflow.InputMergeStrategy, timeoutAt *time.Time, event workflow.WorkflowEvent) (*workflow.NodeInputSync, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, workflow.NewDbTransientError(nodeID, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT expected_input_count, received_inputs, merge_strategy, timeout_at, status, created_at, updated_at
		FROM node_input_sync WHERE execution_id = ? AND node_id = ? FOR UPDATE`, executionID, nodeID)

	var sy workflow.NodeInputSync
	sy.ExecutionID, sy.NodeID = executionID, nodeID
	var received string
	var to sql.NullTime
	err = row.Scan(&sy.ExpectedInputCount, &received, &sy.MergeStrategy, &to, &sy.Status, &sy.CreatedAt, &sy.UpdatedAt)
	now := time.Now()
	exists := !errors.Is(err, sql.ErrNoRows)
	if err != nil && exists {
		return nil, false, workflow.NewDbTransientError(nodeID, err)
	}
	if !exists {
		sy = workflow.NodeInputSync{
			ExecutionID: executionID, NodeID: nodeID, ExpectedInputCount: expected,
			MergeStrategy: strategy, TimeoutAt: timeoutAt, Status: workflow.SyncWaiting, CreatedAt: now,
		}
	} else {
		sy.TimeoutAt = timePtr(to)
		_ = json.Unmarshal([]byte(received), &sy.ReceivedInputs)
	}

	if sy.Status == workflow.SyncCompleted {
		if strategy == workflow.MergeFirstWins {
			return &sy, false, workflow.ErrAlreadyCompleted
		}
		return &sy, false, workflow.ErrSyncOverflow
	}
	if len(sy.ReceivedInputs) >= sy.ExpectedInputCount && strategy != workflow.MergeFirstWins {
		return &sy, false, workflow.ErrSyncOverflow
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

	receivedJSON, err := marshalJSON(sy.ReceivedInputs)
	if err != nil {
		return nil, false, workflow.NewValidationError(nodeID, err.Error())
	}

	if !exists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO node_input_sync (execution_id, node_id, expected_input_count, received_inputs,
				merge_strategy, timeout_at, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			executionID, nodeID, sy.ExpectedInputCount, receivedJSON, sy.MergeStrategy, nullTime(sy.TimeoutAt),
			sy.Status, sy.CreatedAt, sy.UpdatedAt)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE node_input_sync SET received_inputs = ?, status = ?, updated_at = ?
			WHERE execution_id = ? AND node_id = ?`,
			receivedJSON, sy.Status, sy.UpdatedAt, executionID, nodeID)
	}
	if err != nil {
		return nil, false, workflow.NewDbTransientError(nodeID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, workflow.NewDbTransientError(nodeID, err)
	}
	return &sy, fires, nil
}

func (s *MySQLStore) GetInputSync(ctx context.Context, executionID, nodeID string) (*workflow.NodeInputSync, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT expected_input_count, received_inputs, merge_strategy, timeout_at, status, created_at, updated_at
		FROM node_input_sync WHERE execution_id = ? AND node_id = ?`, executionID, nodeID)
	var sy workflow.NodeInputSync
	sy.ExecutionID, sy.NodeID = executionID, nodeID
	var received string
	var to sql.NullTime
	if err := row.Scan(&sy.ExpectedInputCount, &received, &sy.MergeStrategy, &to, &sy.Status, &sy.CreatedAt, &sy.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.NewNotFoundError(nodeID, "input sync not found")
		}
		return nil, workflow.NewDbTransientError(nodeID, err)
	}
	sy.TimeoutAt = timePtr(to)
	_ = json.Unmarshal([]byte(received), &sy.ReceivedInputs)
	return &sy, nil
}

func (s *MySQLStore) ListTimedOutInputSyncs(ctx context.Context, now time.Time) ([]workflow.NodeInputSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, expected_input_count, received_inputs, merge_strategy, timeout_at,
			status, created_at, updated_at
		FROM node_input_sync WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`,
		workflow.SyncWaiting, now)
	if err != nil {
		return nil, workflow.NewDbTransientError("", err)
	}
	defer rows.Close()
	var out []workflow.NodeInputSync
	for rows.Next() {
		var sy workflow.NodeInputSync
		var received string
		var to sql.NullTime
		if err := rows.Scan(&sy.ExecutionID, &sy.NodeID, &sy.ExpectedInputCount, &received, &sy.MergeStrategy,
			&to, &sy.Status, &sy.CreatedAt, &sy.UpdatedAt); err != nil {
			return nil, workflow.NewDbTransientError("", err)
		}
		sy.TimeoutAt = timePtr(to)
		_ = json.Unmarshal([]byte(received), &sy.ReceivedInputs)
		out = append(out, sy)
	}
	return out, rows.Err()
}

func (s *MySQLStore) MarkInputSyncCompleted(ctx context.Context, executionID, nodeID string) error {
	return s.setInputSyncStatus(ctx, executionID, nodeID, workflow.SyncCompleted)
}

func (s *MySQLStore) MarkInputSyncTimeout(ctx context.Context, executionID, nodeID string) error {
	return s.setInputSyncStatus(ctx, executionID, nodeID, workflow.SyncTimeout)
}

func (s *MySQLStore) setInputSyncStatus(ctx context.Context, executionID, nodeID string, status workflow.InputSyncStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_input_sync SET status = ?, updated_at = ? WHERE execution_id = ? AND node_id = ?`,
		status, time.Now(), executionID, nodeID)
	if err != nil {
		return workflow.NewDbTransientError(nodeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(nodeID, "input sync not found")
	}
	return nil
}

// --- Scheduled triggers ---

func (s *MySQLStore) UpsertScheduledTrigger(ctx context.Context, t workflow.ScheduledTrigger) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_triggers (workflow_id, trigger_node_id, cron_expression, timezone, test_payload,
			enabled, start_date, end_date, last_execution_time, next_execution_time, execution_count,
			failure_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			cron_expression = VALUES(cron_expression),
			timezone = VALUES(timezone),
			test_payload = VALUES(test_payload),
			enabled = VALUES(enabled),
			start_date = VALUES(start_date),
			end_date = VALUES(end_date),
			next_execution_time = VALUES(next_execution_time),
			updated_at = VALUES(updated_at)`,
		t.WorkflowID, t.TriggerNodeID, t.CronExpression, t.Timezone, nullableStr(t.TestPayload), t.Enabled,
		nullTime(t.StartDate), nullTime(t.EndDate), nullTime(t.LastExecutionTime), nullTime(t.NextExecutionTime),
		t.ExecutionCount, t.FailureCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return workflow.NewDbFatalError(t.TriggerNodeID, err)
	}
	return nil
}

func (s *MySQLStore) ListDueScheduledTriggers(ctx context.Context, now time.Time) ([]workflow.ScheduledTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, trigger_node_id, cron_expression, timezone, test_payload, enabled, start_date,
			end_date, last_execution_time, next_execution_time, execution_count, failure_count, created_at, updated_at
		FROM scheduled_triggers
		WHERE enabled = 1 AND next_execution_time IS NOT NULL AND next_execution_time <= ?
			AND (end_date IS NULL OR end_date > ?)`, now, now)
	if err != nil {
		return nil, workflow.NewDbTransientError("", err)
	}
	defer rows.Close()
	var out []workflow.ScheduledTrigger
	for rows.Next() {
		var t workflow.ScheduledTrigger
		var testPayload sql.NullString
		var start, end, last, next sql.NullTime
		if err := rows.Scan(&t.WorkflowID, &t.TriggerNodeID, &t.CronExpression, &t.Timezone, &testPayload,
			&t.Enabled, &start, &end, &last, &next, &t.ExecutionCount, &t.FailureCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, workflow.NewDbTransientError("", err)
		}
		if testPayload.Valid {
			t.TestPayload = json.RawMessage(testPayload.String)
		}
		t.StartDate, t.EndDate, t.LastExecutionTime, t.NextExecutionTime = timePtr(start), timePtr(end), timePtr(last), timePtr(next)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *MySQLStore) UpdateScheduledTriggerFire(ctx context.Context, workflowID, triggerNodeID string, lastExecution, nextExecution time.Time, failed bool) error {
	col := "execution_count"
	if failed {
		col = "failure_count"
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE scheduled_triggers SET last_execution_time = ?, next_execution_time = ?, %s = %s + 1, updated_at = ?
		WHERE workflow_id = ? AND trigger_node_id = ?`, col, col),
		lastExecution, nextExecution, time.Now(), workflowID, triggerNodeID)
	if err != nil {
		return workflow.NewDbTransientError(triggerNodeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.NewNotFoundError(triggerNodeID, "scheduled trigger not found")
	}
	return nil
}

// --- Environment variables ---

func (s *MySQLStore) GetEnvironmentVariable(ctx context.Context, name string) (*workflow.EnvironmentVariable, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, value_type, value, description, created_at, updated_at
		FROM environment_variables WHERE name = ?`, name)
	var v workflow.EnvironmentVariable
	if err := row.Scan(&v.Name, &v.ValueType, &v.Value, &v.Description, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.NewNotFoundError(name, "environment variable not found")
		}
		return nil, workflow.NewDbTransientError(name, err)
	}
	return &v, nil
}

func (s *MySQLStore) ListEnvironmentVariables(ctx context.Context) ([]workflow.EnvironmentVariable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value_type, value, description, created_at, updated_at
		FROM environment_variables ORDER BY name ASC`)
	if err != nil {
		return nil, workflow.NewDbTransientError("", err)
	}
	defer rows.Close()
	var out []workflow.EnvironmentVariable
	for rows.Next() {
		var v workflow.EnvironmentVariable
		if err := rows.Scan(&v.Name, &v.ValueType, &v.Value, &v.Description, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, workflow.NewDbTransientError("", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *MySQLStore) PutEnvironmentVariable(ctx context.Context, v workflow.EnvironmentVariable) error {
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environment_variables (name, value_type, value, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value_type = VALUES(value_type),
			value = VALUES(value),
			description = VALUES(description),
			updated_at = VALUES(updated_at)`,
		v.Name, v.ValueType, v.Value, v.Description, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return workflow.NewDbFatalError(v.Name, err)
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
