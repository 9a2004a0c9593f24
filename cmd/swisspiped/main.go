// Command swisspiped is the long-running server that wires the
// execution substrate together: store, job queue, worker pool, the
// delay/http-loop/HIL sub-schedulers, the cron scheduler, the cleanup
// service, and a minimal net/http mux exposing the Trigger, RespondHIL,
// and ControlLoop core interfaces (§6), generalized from
// examples/sqlite_quickstart/main.go's plain flag/os.Getenv
// construction idiom from a one-shot demo into a long-running process.
//
// The workflow catalog (workflow/node/edge CRUD) is an external
// collaborator per spec §1; this binary loads Workflow values from a
// directory of JSON files for local runnability rather than
// implementing that admin surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/anthropic"
	"github.com/openobserve/swisspipe/workflow/cache"
	"github.com/openobserve/swisspipe/workflow/cleanup"
	"github.com/openobserve/swisspipe/workflow/cron"
	"github.com/openobserve/swisspipe/workflow/delay"
	"github.com/openobserve/swisspipe/workflow/email"
	"github.com/openobserve/swisspipe/workflow/emit"
	"github.com/openobserve/swisspipe/workflow/engine"
	"github.com/openobserve/swisspipe/workflow/hil"
	"github.com/openobserve/swisspipe/workflow/httpclient"
	"github.com/openobserve/swisspipe/workflow/httploop"
	"github.com/openobserve/swisspipe/workflow/queue"
	"github.com/openobserve/swisspipe/workflow/script"
	"github.com/openobserve/swisspipe/workflow/store"
	"github.com/openobserve/swisspipe/workflow/variables"
)

const (
	maxTriggerBodyBytes = 1 << 20 // 1 MB (§6)
	maxHeaderValueBytes = 4096    // 4 KB (§6)
	maxHeaderCount      = 100
	maxJSONNesting      = 10
	maxHilDataBytes     = 10 * 1024 // 10 KB (§6)
	maxHilCommentsBytes = 5 * 1024  // 5 KB (§6)
)

// defaultHeaderBlocklist is the §6 trigger-endpoint header passthrough
// blocklist; SP_DANGEROUS_HEADERS overrides it wholesale rather than
// appending, matching the env var's documented "overrides" semantics.
var defaultHeaderBlocklist = []string{
	"authorization", "cookie", "host",
	"connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
	"te", "trailer", "transfer-encoding", "upgrade",
	"x-forwarded-for", "x-forwarded-host", "x-forwarded-proto", "forwarded",
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dbPath      = flag.String("db", "./swisspipe.db", "SQLite database path (ignored if -mysql-dsn is set)")
		mysqlDSN    = flag.String("mysql-dsn", os.Getenv("SP_MYSQL_DSN"), "MySQL DSN; when set, overrides -db")
		addr        = flag.String("addr", ":8080", "HTTP listen address")
		workers     = flag.Int("workers", 5, "fixed worker pool size (§5)")
		pollMs      = flag.Int("poll-ms", 1000, "job poll interval in milliseconds (§4.1)")
		catalogDir  = flag.String("workflows-dir", "./workflows", "directory of workflow JSON definitions")
		retention   = flag.Int("retention", 1000, "executions retained per workflow (§4.9)")
		cleanupMins = flag.Int("cleanup-interval-minutes", 60, "retention sweep interval in minutes (§4.9)")
		cacheTTL    = flag.Duration("cache-ttl", 30*time.Second, "workflow cache TTL (§4.13)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	st, err := openStore(*mysqlDSN, *dbPath)
	if err != nil {
		logger.Error("open store failed", "err", err)
		return 1
	}
	defer st.Close()

	cat, err := loadCatalog(*catalogDir, *cacheTTL)
	if err != nil {
		logger.Error("load workflow catalog failed", "err", err)
		return 1
	}

	encryptor, err := newEncryptor()
	if err != nil {
		logger.Error("build encryptor failed", "err", err)
		return 1
	}
	if os.Getenv("SP_ENCRYPTION_KEY") == "" {
		logger.Warn("SP_ENCRYPTION_KEY not set; using development key, never use this in production")
	}

	httpClient := httpclient.New(30 * time.Second)
	scriptEngine := &script.Mock{}
	anthropicClient := anthropic.New(os.Getenv("ANTHROPIC_API_KEY"))
	emailSender := buildEmailSender()

	delaySched := delay.New(st)
	loopSched := httploop.New(st, httpClient, scriptEngine)
	hilGate := hil.New(st)

	// emitter is the event-emission backbone for every node dispatch,
	// completion, suspension, and retry (§2): no separate log.Printf
	// path exists for these events, only this emitter and the slog
	// logger used for process-operational messages (startup, shutdown,
	// claim/heartbeat bookkeeping).
	emitter := emit.NewLogEmitter(os.Stdout, true)
	metrics := emit.NewMetrics(nil)

	node := &engine.NodeExecutor{
		Script:    scriptEngine,
		HTTP:      httpClient,
		Anthropic: anthropicClient,
		Email:     emailSender,
		ResolveEnv: func(ctx context.Context) (map[string]string, error) {
			vars, err := st.ListEnvironmentVariables(ctx)
			if err != nil {
				return nil, err
			}
			return variables.ResolveAll(vars, encryptor)
		},
		Delay:    delaySched,
		HttpLoop: loopSched,
		Hil:      hilGate,
		Emit:     emitter,
		Metrics:  metrics,
	}
	executor := engine.NewExecutor(st, node)
	executor.Emit = emitter
	executor.Metrics = metrics

	pool := queue.NewPool(st, *workers, time.Duration(*pollMs)*time.Millisecond, logger)
	pool.Emit = emitter
	pool.Metrics = metrics
	registerHandlers(pool, executor, delaySched, loopSched, hilGate, cat, st, logger)

	cronSched := cron.New(st)
	cleanupSvc, err := cleanup.New(st, *retention, *cleanupMins)
	if err != nil {
		logger.Error("build cleanup service failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	go cronSched.Run(ctx)
	go cleanupSvc.Run(ctx, func(err error) { logger.Error("cleanup sweep failed", "err", err) })

	app := &app{
		st:       st,
		cat:      cat,
		hil:      hilGate,
		httpLoop: loopSched,
		logger:   logger,
	}

	srv := &http.Server{Addr: *addr, Handler: app.mux()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("swisspiped listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error("http server failed", "err", err)
		pool.Stop()
		return 2
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	pool.Stop()
	return 0
}

func openStore(mysqlDSN, dbPath string) (store.Store, error) {
	if mysqlDSN != "" {
		return store.NewMySQLStore(mysqlDSN)
	}
	return store.NewSQLiteStore(dbPath)
}

func newEncryptor() (*variables.Encryptor, error) {
	keyHex := os.Getenv("SP_ENCRYPTION_KEY")
	if keyHex == "" {
		return variables.NewEncryptor(variables.DevelopmentKey)
	}
	key, err := hexDecode(keyHex)
	if err != nil {
		return nil, fmt.Errorf("SP_ENCRYPTION_KEY: %w", err)
	}
	return variables.NewEncryptor(key)
}

func hexDecode(s string) ([]byte, error) {
	if len(s) != variables.KeySize*2 {
		return nil, fmt.Errorf("expected %d hex chars, got %d", variables.KeySize*2, len(s))
	}
	out := make([]byte, variables.KeySize)
	for i := range out {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", b)
	}
}

func buildEmailSender() email.Sender {
	port, _ := strconv.Atoi(os.Getenv("SP_SMTP_PORT"))
	if port == 0 {
		port = 587
	}
	return email.NewSMTPSender(email.SMTPConfig{
		Host:     os.Getenv("SP_SMTP_HOST"),
		Port:     port,
		Username: os.Getenv("SP_SMTP_USERNAME"),
		Password: os.Getenv("SP_SMTP_PASSWORD"),
		From:     os.Getenv("SP_SMTP_FROM"),
	})
}

// catalog is a minimal, file-backed stand-in for the (external)
// workflow catalog: it loads Workflow JSON definitions from a directory
// once at startup and serves them through a cache.Cache TTL layer,
// matching how §5 describes in-memory state as derived and
// invalidated — here invalidation is a cache-expiry timer rather than
// an explicit catalog-write callback, since this binary owns no write
// path for workflow definitions.
type catalog struct {
	mu        sync.RWMutex
	workflows map[string]workflow.Workflow
	cache     *cache.Cache
}

func loadCatalog(dir string, ttl time.Duration) (*catalog, error) {
	c := &catalog{workflows: make(map[string]workflow.Workflow), cache: cache.New(ttl)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", e.Name(), err)
		}
		var wf workflow.Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			return nil, fmt.Errorf("catalog: parse %s: %w", e.Name(), err)
		}
		if err := wf.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %s is not a valid workflow: %w", wf.ID, err)
		}
		c.workflows[wf.ID] = wf
	}
	return c, nil
}

func (c *catalog) Get(id string) (workflow.Workflow, bool) {
	if wf, ok := c.cache.Get(id); ok {
		return wf, true
	}
	c.mu.RLock()
	wf, ok := c.workflows[id]
	c.mu.RUnlock()
	if ok {
		c.cache.Put(wf)
	}
	return wf, ok
}

// registerHandlers wires each JobType to its dispatcher, matching §2's
// "dispatch on job type" control flow: workflow_execution advances
// or resumes the DAG executor, the three resumption types hand off to
// their owning sub-scheduler before continuing the walk.
func registerHandlers(pool *queue.Pool, ex *engine.Executor, delaySched *delay.Scheduler, loopSched *httploop.Scheduler, hilGate *hil.Gate, cat *catalog, st store.Store, logger *slog.Logger) {
	pool.Register(workflow.JobWorkflowExecution, func(ctx context.Context, job workflow.Job) error {
		var body workflow.WorkflowExecutionBody
		if err := json.Unmarshal(job.Payload.Body, &body); err != nil {
			return fmt.Errorf("decode workflow_execution payload: %w", err)
		}
		wf, ok := cat.Get(body.WorkflowID)
		if !ok {
			return workflow.NewNotFoundError(body.WorkflowID, "workflow not found in catalog")
		}
		if err := markRunning(ctx, st, body.ExecutionID); err != nil {
			logger.Error("mark execution running failed", "execution_id", body.ExecutionID, "err", err)
			return err
		}
		var (
			out workflow.WorkflowEvent
			err error
		)
		if body.ResumeNodeID != "" {
			out, err = ex.Resume(ctx, body.ExecutionID, wf, body.ResumeNodeID, body.Event)
		} else {
			out, err = ex.Execute(ctx, body.ExecutionID, wf, body.Event)
		}
		return finishExecution(ctx, st, body.ExecutionID, out, err)
	})

	pool.Register(workflow.JobDelayResumption, func(ctx context.Context, job workflow.Job) error {
		var body workflow.DelayResumptionBody
		if err := json.Unmarshal(job.Payload.Body, &body); err != nil {
			return fmt.Errorf("decode delay_resumption payload: %w", err)
		}
		wf, ok := cat.Get(body.WorkflowID)
		if !ok {
			return workflow.NewNotFoundError(body.WorkflowID, "workflow not found in catalog")
		}
		out, err := delay.Resume(ctx, st, ex, wf, body)
		return finishExecution(ctx, st, body.ExecutionID, out, err)
	})

	pool.Register(workflow.JobHilResumption, func(ctx context.Context, job workflow.Job) error {
		var body workflow.HilResumptionBody
		if err := json.Unmarshal(job.Payload.Body, &body); err != nil {
			return fmt.Errorf("decode hil_resumption payload: %w", err)
		}
		wf, ok := cat.Get(body.WorkflowID)
		if !ok {
			return workflow.NewNotFoundError(body.WorkflowID, "workflow not found in catalog")
		}
		out, err := hil.Resume(ctx, st, ex, wf, body)
		return finishExecution(ctx, st, body.ExecutionID, out, err)
	})

	pool.Register(workflow.JobHttpLoopTick, func(ctx context.Context, job workflow.Job) error {
		var body workflow.HttpLoopTickBody
		if err := json.Unmarshal(job.Payload.Body, &body); err != nil {
			return fmt.Errorf("decode http_loop_tick payload: %w", err)
		}
		wf, ok := cat.Get(body.WorkflowID)
		if !ok {
			return workflow.NewNotFoundError(body.WorkflowID, "workflow not found in catalog")
		}
		terminated, result, nodeID, err := loopSched.Tick(ctx, ex, wf, body)
		if err != nil {
			return err
		}
		if !terminated || nodeID == "" {
			// Not yet done (next tick already enqueued), or a Stop
			// termination (already finalized to Failed inside Tick).
			return nil
		}
		out, rerr := ex.Resume(ctx, body.ExecutionID, wf, nodeID, result)
		if rerr != nil {
			logger.Warn("http loop resumption walk failed", "execution_id", body.ExecutionID, "err", rerr)
		}
		return finishExecution(ctx, st, body.ExecutionID, out, rerr)
	})
}

// markRunning flips a Pending execution to Running before the first
// dispatch; a no-op for a resumption (already Running/Suspended).
func markRunning(ctx context.Context, st store.Store, executionID string) error {
	exec, err := st.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != workflow.ExecutionPending {
		return nil
	}
	now := time.Now()
	exec.Status = workflow.ExecutionRunning
	exec.StartedAt = &now
	return st.UpdateExecution(ctx, *exec)
}

// finishExecution applies the §9 open-question decision: only the job
// dispatcher — never a sub-scheduler's Resume/Tick — knows whether the
// DAG walk that just returned actually finished the execution, since
// the walk may have immediately re-suspended at another node.
func finishExecution(ctx context.Context, st store.Store, executionID string, out workflow.WorkflowEvent, walkErr error) error {
	if walkErr != nil {
		if _, suspended := workflow.IsSuspension(walkErr); suspended {
			return walkErr
		}
		exec, err := st.GetExecution(ctx, executionID)
		if err == nil && exec != nil {
			now := time.Now()
			exec.Status = workflow.ExecutionFailed
			exec.ErrorMessage = walkErr.Error()
			exec.CompletedAt = &now
			_ = st.UpdateExecution(ctx, *exec)
			_, _ = st.CancelPendingJobsForExecution(ctx, executionID)
		}
		return walkErr
	}

	exec, err := st.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != workflow.ExecutionRunning && exec.Status != workflow.ExecutionPending {
		return nil
	}
	now := time.Now()
	exec.Status = workflow.ExecutionCompleted
	exec.OutputData, _ = json.Marshal(out)
	exec.CompletedAt = &now
	return st.UpdateExecution(ctx, *exec)
}

// app holds the collaborators the HTTP mux needs to serve the Trigger,
// RespondHIL, and ControlLoop core interfaces (§6 expansion note).
type app struct {
	st       store.Store
	cat      *catalog
	hil      *hil.Gate
	httpLoop *httploop.Scheduler
	logger   *slog.Logger
}

func (a *app) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/hil/", a.handleHilRespond)
	mux.HandleFunc("/api/v1/loops/", a.handleLoops)
	mux.HandleFunc("/api/v1/", a.handleTrigger)
	return mux
}

// handleTrigger implements POST /api/v1/{workflow_id}/trigger (§6).
func (a *app) handleTrigger(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	workflowID := strings.TrimSuffix(path, "/trigger")
	if workflowID == "" || workflowID == path {
		http.Error(w, "unknown route", http.StatusNotFound)
		return
	}

	wf, ok := a.cat.Get(workflowID)
	if !ok {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if !triggerMethodAllowed(wf, r.Method) {
		http.Error(w, "method not allowed for this workflow's trigger", http.StatusBadRequest)
		return
	}

	headers, herr := filterHeaders(r.Header)
	if herr != nil {
		http.Error(w, herr.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxTriggerBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body exceeds 1 MB", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if jsonNestingDepth(raw) > maxJSONNesting {
		http.Error(w, "request body exceeds max JSON nesting depth", http.StatusBadRequest)
		return
	}

	event := workflow.NewWorkflowEvent(json.RawMessage(raw))
	event.Headers = headers

	executionID, err := a.trigger(r.Context(), wf, event)
	if err != nil {
		writeCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID})
}

// trigger creates a new WorkflowExecution row and enqueues its first
// workflow_execution job, matching cron.Scheduler.fire's shape (§4.8) —
// the two entry points converge on the same job-queue contract.
func (a *app) trigger(ctx context.Context, wf workflow.Workflow, event workflow.WorkflowEvent) (string, error) {
	if !wf.Enabled {
		return "", workflow.NewValidationError(wf.ID, "workflow is disabled")
	}
	executionID := uuid.NewString()
	now := time.Now()
	inputJSON, _ := json.Marshal(event)
	exec := workflow.WorkflowExecution{
		ID:         executionID,
		WorkflowID: wf.ID,
		Status:     workflow.ExecutionPending,
		InputData:  inputJSON,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.st.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	body, err := json.Marshal(workflow.WorkflowExecutionBody{ExecutionID: executionID, WorkflowID: wf.ID, Event: event})
	if err != nil {
		return "", err
	}
	job := workflow.Job{
		ExecutionID:   executionID,
		Priority:      workflow.DefaultPriority,
		ScheduledAtUs: now.UnixMicro(),
		MaxRetries:    5,
		Status:        workflow.JobPending,
		Payload:       workflow.JobPayload{Type: workflow.JobWorkflowExecution, Body: body},
	}
	if _, err := queue.Enqueue(ctx, a.st, job); err != nil {
		return "", err
	}
	return executionID, nil
}

func triggerMethodAllowed(wf workflow.Workflow, method string) bool {
	for _, n := range wf.Nodes {
		if n.Kind != workflow.KindTrigger {
			continue
		}
		if len(n.Config.Methods) == 0 {
			return method == http.MethodGet || method == http.MethodPost
		}
		for _, m := range n.Config.Methods {
			if string(m) == method {
				return true
			}
		}
		return false
	}
	return false
}

func filterHeaders(h http.Header) (map[string]string, error) {
	if len(h) > maxHeaderCount {
		return nil, fmt.Errorf("request has more than %d headers", maxHeaderCount)
	}
	blocklist := headerBlocklist()
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if blocklist[strings.ToLower(k)] {
			continue
		}
		if len(vs) == 0 {
			continue
		}
		v := vs[0]
		if len(v) > maxHeaderValueBytes {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func headerBlocklist() map[string]bool {
	names := defaultHeaderBlocklist
	if raw := os.Getenv("SP_DANGEROUS_HEADERS"); raw != "" {
		names = strings.Split(raw, ",")
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return out
}

// jsonNestingDepth returns the maximum brace/bracket nesting depth in
// raw, ignoring braces and brackets that appear inside JSON strings.
func jsonNestingDepth(raw []byte) int {
	depth, maxDepth := 0, 0
	inString, escaped := false, false
	for _, b := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}

// handleHilRespond implements GET /api/v1/hil/{node_execution_id}/respond
// (§6).
func (a *app) handleHilRespond(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/hil/")
	nodeExecutionID := strings.TrimSuffix(path, "/respond")
	if nodeExecutionID == "" || nodeExecutionID == path {
		http.Error(w, "unknown route", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	decision := q.Get("decision")
	if decision != "approved" && decision != "denied" {
		http.Error(w, "decision must be 'approved' or 'denied'", http.StatusBadRequest)
		return
	}
	data := q.Get("data")
	if len(data) > maxHilDataBytes {
		http.Error(w, "data exceeds 10 KB", http.StatusBadRequest)
		return
	}
	comments := q.Get("comments")
	if len(comments) > maxHilCommentsBytes {
		http.Error(w, "comments exceeds 5 KB", http.StatusBadRequest)
		return
	}
	if strings.ContainsAny(comments, "<>") {
		http.Error(w, "comments must not contain HTML", http.StatusBadRequest)
		return
	}

	var responseData json.RawMessage
	switch {
	case data == "":
		responseData = nil
	case json.Valid([]byte(data)):
		responseData = json.RawMessage(data)
	default:
		encoded, _ := json.Marshal(data)
		responseData = encoded
	}

	err := a.hil.Respond(r.Context(), nodeExecutionID, decision == "approved", responseData, comments)
	if err != nil {
		if workflow.IsNotFound(err) || errors.Is(err, workflow.ErrTaskNotPending) {
			http.Error(w, "hil task not pending", http.StatusNotFound)
			return
		}
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLoops implements GET /api/v1/loops/active,
// GET /api/v1/loops/{id}/status, and
// POST /api/v1/loops/{id}/{pause|resume|cancel} (§6).
func (a *app) handleLoops(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/loops/")
	path = strings.TrimSuffix(path, "/")
	if path == "active" {
		active, err := a.httpLoop.ListActive(r.Context())
		if err != nil {
			writeCoreError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(active)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "unknown route", http.StatusNotFound)
		return
	}
	if len(parts) == 1 || parts[1] == "status" {
		st, err := a.httpLoop.GetStatus(r.Context(), id)
		if err != nil {
			writeCoreError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
		return
	}

	var opErr error
	switch parts[1] {
	case "pause":
		opErr = a.httpLoop.Pause(r.Context(), id)
	case "resume":
		opErr = a.httpLoop.Resume(r.Context(), id)
	case "cancel":
		opErr = a.httpLoop.Cancel(r.Context(), id)
	default:
		http.Error(w, "unknown loop operation", http.StatusBadRequest)
		return
	}
	if opErr != nil {
		if errors.Is(opErr, workflow.ErrIllegalLoopTransition) {
			http.Error(w, opErr.Error(), http.StatusBadRequest)
			return
		}
		writeCoreError(w, opErr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeCoreError maps a workflow.CoreError's category to an HTTP status,
// falling back to 500 for anything else (§7 taxonomy).
func writeCoreError(w http.ResponseWriter, err error) {
	var core *workflow.CoreError
	if errors.As(err, &core) {
		switch core.Category {
		case workflow.CategoryValidation:
			http.Error(w, core.Message, http.StatusBadRequest)
			return
		case workflow.CategoryNotFound:
			http.Error(w, core.Message, http.StatusNotFound)
			return
		}
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
