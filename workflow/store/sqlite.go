package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openobserve/swisspipe/workflow"

	_ "modernc.org/sqlite"
)

func newID() string { return uuid.NewString() }

// SQLiteStore is a SQLite-backed Store, the default deployment backend
// for a single-node swisspiped process — generalized from
// graph/store/sqlite.go's SQLiteStore[S]: same WAL pragmas, same
// single-writer connection pool, same idempotent createTables
// convention, but a fixed relational schema instead of one generic
// JSON-blob table per concern, since every row type here has a known
// shape driving its own indexes (claim ordering, due triggers, expired
// hil tasks, ...).
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the SQLite database at path,
// enables WAL mode, and creates the schema if it doesn't exist yet.
//
// path may be "./swisspipe.db", an absolute path, or ":memory:" for an
// ephemeral single-connection database (data lost on Close).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	// SQLite allows exactly one writer; serializing through a single
	// connection avoids SQLITE_BUSY under our own process's concurrency
	// rather than relying solely on busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_node_id TEXT NOT NULL DEFAULT '',
			input_data TEXT NOT NULL,
			output_data TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status)`,

		`CREATE TABLE IF NOT EXISTS execution_steps (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			sources TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution ON execution_steps(execution_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution_node ON execution_steps(execution_id, node_id)`,

		`CREATE TABLE IF NOT EXISTS job_queue (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 5,
			scheduled_at_us INTEGER NOT NULL,
			claimed_at_us INTEGER,
			claimed_by TEXT NOT NULL DEFAULT '',
			max_retries INTEGER NOT NULL DEFAULT 3,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			payload_type TEXT NOT NULL,
			payload_body TEXT NOT NULL,
			created_at_us INTEGER NOT NULL,
			updated_at_us INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON job_queue(status, scheduled_at_us, priority DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_execution ON job_queue(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_stale ON job_queue(status, claimed_at_us)`,

		`CREATE TABLE IF NOT EXISTS http_loop_states (
			id TEXT PRIMARY KEY,
			execution_step_id TEXT NOT NULL,
			current_iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER,
			next_execution_at TIMESTAMP,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_response_status INTEGER,
			last_response_body TEXT NOT NULL DEFAULT '',
			iteration_history TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			termination_reason TEXT NOT NULL DEFAULT '',
			request_snapshot TEXT NOT NULL,
			loop_configuration TEXT NOT NULL,
			current_event TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(execution_step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loops_status ON http_loop_states(status, next_execution_at)`,

		`CREATE TABLE IF NOT EXISTS hil_tasks (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_execution_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			timeout_at TIMESTAMP,
			timeout_action TEXT NOT NULL DEFAULT '',
			required_fields TEXT NOT NULL DEFAULT '[]',
			metadata TEXT,
			response_data TEXT,
			response_comments TEXT NOT NULL DEFAULT '',
			response_received_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hil_status_timeout ON hil_tasks(status, timeout_at)`,

		`CREATE TABLE IF NOT EXISTS node_input_sync (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			expected_input_count INTEGER NOT NULL,
			received_inputs TEXT NOT NULL DEFAULT '[]',
			merge_strategy TEXT NOT NULL,
			timeout_at TIMESTAMP,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(execution_id, node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_input_sync_timeout ON node_input_sync(status, timeout_at)`,

		`CREATE TABLE IF NOT EXISTS scheduled_triggers (
			workflow_id TEXT NOT NULL,
			trigger_node_id TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			test_payload TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			start_date TIMESTAMP,
			end_date TIMESTAMP,
			last_execution_time TIMESTAMP,
			next_execution_time TIMESTAMP,
			execution_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(workflow_id, trigger_node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_due ON scheduled_triggers(enabled, next_execution_time)`,

		`CREATE TABLE IF NOT EXISTS environment_variables (
			name TEXT PRIMARY KEY,
			value_type TEXT NOT NULL,
			value TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// --- Jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job workflow.Job) (string, error) {
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

// ClaimJob atomically claims the highest-priority, earliest-due pending
// job with a SELECT followed by an UPDATE inside one transaction, which
// is race-free under SQLite's single-writer connection (db.SetMaxOpenConns(1)
// above serializes every write through one connection anyway).
func (s *SQLiteStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (*workflow.Job, error) {
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
		LIMIT 1`, workflow.JobPending, nowUs).Scan(&id)
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

func (s *SQLiteStore) scanJobTx(ctx context.Context, tx *sql.Tx, id string) (*workflow.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, execution_id, priority, scheduled_at_us, claimed_at_us, claimed_by,
			max_retries, retry_count, status, payload_type, payload_body, created_at_us, updated_at_us
		FROM job_queue WHERE id = ?`, id)
	return scanJobRow(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(row rowScanner) (*workflow.Job, error) {
	var j workflow.Job
	var claimedAt sql.NullInt64
	var body string
	if err := row.Scan(&j.ID, &j.ExecutionID, &j.Priority, &j.ScheduledAtUs, &claimedAt, &j.ClaimedBy,
		&j.MaxRetries, &j.RetryCount, &j.Status, &j.Payload.Type, &body, &j.CreatedAtUs, &j.UpdatedAtUs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.NewNotFoundError("", "job not found")
		}
		return nil, workflow.NewDbTransientError("", err)
	}
	if claimedAt.Valid {
		v := claimedAt.Int64
		j.ClaimedAtUs = &v
	}
	j.Payload.Body = json.RawMessage(body)
	return &j, nil
}

func (s *SQLiteStore) HeartbeatJob(ctx context.Context, jobID, workerID string, now time.Time) error {
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

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) error {
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

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, errMsg string, nextScheduledAtUs int64, deadLetter bool) error {
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

func (s *SQLiteStore) ReleaseStaleJobs(ctx context.Context, staleThreshold time.Duration, now time.Time) (int, error) {
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

func (s *SQLiteStore) CancelPendingJobsForExecution(ctx context.Context, executionID string) (int, error) {
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

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*workflow.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, priority, scheduled_at_us, claimed_at_us, claimed_by,
			max_retries, retry_count, status, payload_type, payload_body, created_at_us, updated_at_us
		FROM job_queue WHERE id = ?`, jobID)
	return scanJobRow(row)
}

// --- Executions ---

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec workflow.WorkflowExecution) error {
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

func nullableStr(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, current_node_id, input_data, output_data, error_message,
			started_at, completed_at, created_at, updated_at
		FROM workflow_executions WHERE id = ?`, id)
	return scanExecution(row)
}

func scanExecution(row rowScanner) (*workflow.WorkflowExecution, error) {
	var e workflow.WorkflowExecution
	var input string
	var output sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.Status, &e.CurrentNodeID, &input, &output, &e.ErrorMessage,
		&started, &completed, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.NewNotFoundError("", "execution not found")
		}
		return nil, workflow.NewDbTransientError("", err)
	}
	e.InputData = json.RawMessage(input)
	if output.Valid {
		e.OutputData = json.RawMessage(output.String)
	}
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	return &e, nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec workflow.WorkflowExecution) error {
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

func (s *SQLiteStore) ListActiveExecutions(ctx context.Context) ([]workflow.WorkflowExecution, error) {
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

func (s *SQLiteStore) ListExecutionIDsForWorkflow(ctx context.Context, workflowID string) ([]string, error) {
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

func (s *SQLiteStore) ListWorkflowIDsWithExecutions(ctx context.Context) ([]string, error) {
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

func (s *SQLiteStore) DeleteExecutions(ctx context.Context, ids []string) error {
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

func (s *SQLiteStore) CreateStep(ctx context.Context, step workflow.ExecutionStep) error {
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

func (s *SQLiteStore) UpdateStep(ctx context.Context, step workflow.ExecutionStep) error {
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

func scanStep(row rowScanner) (*workflow.ExecutionStep, error) {
	var st workflow.ExecutionStep
	var input, output sql.NullString
	var started, completed sql.NullTime
	var sources string
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &st.Status, &input, &output, &st.ErrorMessage,
		&started, &completed, &sources, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.NewNotFoundError("", "step not found")
		}
		return nil, workflow.NewDbTransientError("", err)
	}
	if input.Valid {
		st.InputData = json.RawMessage(input.String)
	}
	if output.Valid {
		st.OutputData = json.RawMessage(output.String)
	}
	st.StartedAt = timePtr(started)
	st.CompletedAt = timePtr(completed)
	if sources != "" {
		_ = json.Unmarshal([]byte(sources), &st.Sources)
	}
	return &st, nil
}

func (s *SQLiteStore) ListStepsForExecution(ctx context.Context, executionID string) ([]workflow.ExecutionStep, error) {
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

func (s *SQLiteStore) GetStepByNode(ctx context.Context, executionID, nodeID string) (*workflow.ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, node_id, status, input_data, output_data, error_message,
			started_at, completed_at, sources, created_at
		FROM execution_steps WHERE execution_id = ? AND node_id = ?
		ORDER BY created_at DESC LIMIT 1`, executionID, nodeID)
	return scanStep(row)
}

// --- HTTP loop state ---

func (s *SQLiteStore) CreateLoopState(ctx context.Context, st workflow.HttpLoopState) error {
	if st.ID == "" {
		st.ID = newID()
	}
	now := time.Now()
	st.CreatedAt, st.UpdatedAt = now, now
	return s.upsertLoopState(ctx, st, true)
}

func (s *SQLiteStore) UpdateLoopState(ctx context.Context, st workflow.HttpLoopState) error {
	st.UpdatedAt = time.Now()
	return s.upsertLoopState(ctx, st, false)
}

func (s *SQLiteStore) upsertLoopState(ctx context.Context, st workflow.HttpLoopState, insert bool) error {
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

func scanLoopState(row rowScanner) (*workflow.HttpLoopState, error) {
	var st workflow.HttpLoopState
	var next sql.NullTime
	var history, req, cfg, event string
	if err := row.Scan(&st.ID, &st.ExecutionStepID, &st.CurrentIteration, &st.MaxIterations, &next,
		&st.ConsecutiveFailures, &st.LastResponseStatus, &st.LastResponseBody, &history, &st.Status,
		&st.TerminationReason, &req, &cfg, &event, &st.CreatedAt, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.NewNotFoundError("", "loop state not found")
		}
		return nil, workflow.NewDbTransientError("", err)
	}
	st.NextExecutionAt = timePtr(next)
	_ = json.Unmarshal([]byte(history), &st.IterationHistory)
	_ = json.Unmarshal([]byte(req), &st.Request)
	_ = json.Unmarshal([]byte(cfg), &st.LoopConfiguration)
	_ = json.Unmarshal([]byte(event), &st.CurrentEvent)
	return &st, nil
}

const loopStateSelect = `
	SELECT id, execution_step_id, current_iteration, max_iterations, next_execution_at,
		consecutive_failures, last_response_status, last_response_body, iteration_history, status,
		termination_reason, request_snapshot, loop_configuration, current_event, created_at, updated_at
	FROM http_loop_states`

func (s *SQLiteStore) GetLoopState(ctx context.Context, id string) (*workflow.HttpLoopState, error) {
	row := s.db.QueryRowContext(ctx, loopStateSelect+" WHERE id = ?", id)
	return scanLoopState(row)
}

func (s *SQLiteStore) GetLoopStateByStep(ctx context.Context, executionStepID string) (*workflow.HttpLoopState, error) {
	row := s.db.QueryRowContext(ctx, loopStateSelect+" WHERE execution_step_id = ?", executionStepID)
	return scanLoopState(row)
}

func (s *SQLiteStore) ListActiveLoopStates(ctx context.Context) ([]workflow.HttpLoopState, error) {
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

func (s *SQLiteStore) CreateHilTask(ctx context.Context, t workflow.HilTask) error {
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

func scanHilTask(row rowScanner) (*workflow.HilTask, error) {
	var t workflow.HilTask
	var timeoutAt, receivedAt sql.NullTime
	var fields string
	var metadata, response sql.NullString
	if err := row.Scan(&t.ID, &t.ExecutionID, &t.NodeID, &t.NodeExecutionID, &t.Status, &timeoutAt,
		&t.TimeoutAction, &fields, &metadata, &response, &t.ResponseComments, &receivedAt,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.NewNotFoundError("", "hil task not found")
		}
		return nil, workflow.NewDbTransientError("", err)
	}
	t.TimeoutAt = timePtr(timeoutAt)
	t.ResponseReceivedAt = timePtr(receivedAt)
	_ = json.Unmarshal([]byte(fields), &t.RequiredFields)
	if metadata.Valid {
		t.Metadata = json.RawMessage(metadata.String)
	}
	if response.Valid {
		t.ResponseData = json.RawMessage(response.String)
	}
	return &t, nil
}

const hilTaskSelect = `
	SELECT id, execution_id, node_id, node_execution_id, status, timeout_at, timeout_action,
		required_fields, metadata, response_data, response_comments, response_received_at,
		created_at, updated_at
	FROM hil_tasks`

func (s *SQLiteStore) GetHilTaskByNodeExecutionID(ctx context.Context, nodeExecutionID string) (*workflow.HilTask, error) {
	row := s.db.QueryRowContext(ctx, hilTaskSelect+" WHERE node_execution_id = ?", nodeExecutionID)
	return scanHilTask(row)
}

func (s *SQLiteStore) UpdateHilTask(ctx context.Context, t workflow.HilTask) error {
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

func (s *SQLiteStore) ListExpiredHilTasks(ctx context.Context, now time.Time) ([]workflow.HilTask, error) {
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

// AppendInput runs its read-modify-write inside one transaction on the
// store's single connection (db.SetMaxOpenConns(1)), which gives the
// row-exclusive semantics §4.7 requires: no other statement can run
// between its SELECT and its COMMIT.
func (s *SQLiteStore) AppendInput(ctx context.Context, executionID, nodeID string, expected int, strategy workflow.InputMergeStrategy, timeoutAt *time.Time, event workflow.WorkflowEvent) (*workflow.NodeInputSync, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, workflow.NewDbTransientError(nodeID, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT expected_input_count, received_inputs, merge_strategy, timeout_at, status, created_at, updated_at
		FROM node_input_sync WHERE execution_id = ? AND node_id = ?`, executionID, nodeID)

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

func (s *SQLiteStore) GetInputSync(ctx context.Context, executionID, nodeID string) (*workflow.NodeInputSync, error) {
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

func (s *SQLiteStore) ListTimedOutInputSyncs(ctx context.Context, now time.Time) ([]workflow.NodeInputSync, error) {
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

func (s *SQLiteStore) MarkInputSyncCompleted(ctx context.Context, executionID, nodeID string) error {
	return s.setInputSyncStatus(ctx, executionID, nodeID, workflow.SyncCompleted)
}

func (s *SQLiteStore) MarkInputSyncTimeout(ctx context.Context, executionID, nodeID string) error {
	return s.setInputSyncStatus(ctx, executionID, nodeID, workflow.SyncTimeout)
}

func (s *SQLiteStore) setInputSyncStatus(ctx context.Context, executionID, nodeID string, status workflow.InputSyncStatus) error {
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

func (s *SQLiteStore) UpsertScheduledTrigger(ctx context.Context, t workflow.ScheduledTrigger) error {
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
		ON CONFLICT(workflow_id, trigger_node_id) DO UPDATE SET
			cron_expression = excluded.cron_expression,
			timezone = excluded.timezone,
			test_payload = excluded.test_payload,
			enabled = excluded.enabled,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			next_execution_time = excluded.next_execution_time,
			updated_at = excluded.updated_at`,
		t.WorkflowID, t.TriggerNodeID, t.CronExpression, t.Timezone, nullableStr(t.TestPayload), t.Enabled,
		nullTime(t.StartDate), nullTime(t.EndDate), nullTime(t.LastExecutionTime), nullTime(t.NextExecutionTime),
		t.ExecutionCount, t.FailureCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return workflow.NewDbFatalError(t.TriggerNodeID, err)
	}
	return nil
}

func (s *SQLiteStore) ListDueScheduledTriggers(ctx context.Context, now time.Time) ([]workflow.ScheduledTrigger, error) {
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

func (s *SQLiteStore) UpdateScheduledTriggerFire(ctx context.Context, workflowID, triggerNodeID string, lastExecution, nextExecution time.Time, failed bool) error {
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

func (s *SQLiteStore) GetEnvironmentVariable(ctx context.Context, name string) (*workflow.EnvironmentVariable, error) {
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

func (s *SQLiteStore) ListEnvironmentVariables(ctx context.Context) ([]workflow.EnvironmentVariable, error) {
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

func (s *SQLiteStore) PutEnvironmentVariable(ctx context.Context, v workflow.EnvironmentVariable) error {
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environment_variables (name, value_type, value, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value_type = excluded.value_type,
			value = excluded.value,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		v.Name, v.ValueType, v.Value, v.Description, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return workflow.NewDbFatalError(v.Name, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
