package inputsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/store"
)

// Under FirstWins, the first input fires and later arrivals return
// ErrAlreadyCompleted without re-merging (§4.7).
func TestFirstWinsFiresOnceAndDiscardsLater(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	e1 := workflow.NewWorkflowEvent(json.RawMessage(`{"a":1}`))
	merged, fires, err := Submit(ctx, st, "exec-1", "merge", 2, workflow.MergeFirstWins, nil, e1)
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if !fires {
		t.Fatal("expected the first input to fire under FirstWins")
	}
	if string(merged.Data) != string(e1.Data) {
		t.Fatalf("expected merged event to equal the first input verbatim, got %s", merged.Data)
	}

	e2 := workflow.NewWorkflowEvent(json.RawMessage(`{"b":2}`))
	_, fires2, err := Submit(ctx, st, "exec-1", "merge", 2, workflow.MergeFirstWins, nil, e2)
	if err != workflow.ErrAlreadyCompleted {
		t.Fatalf("expected ErrAlreadyCompleted on the second arrival, got %v (fires=%v)", err, fires2)
	}
}

// Under WaitForAll, execution fires only once every expected input has
// arrived, and the merged event carries per-input prefixed metadata
// plus bookkeeping metadata (§4.7).
func TestWaitForAllFiresOnlyWhenComplete(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	e1 := workflow.NewWorkflowEvent(json.RawMessage(`{"a":1}`))
	e1.Metadata["k"] = "v1"
	_, fires, err := Submit(ctx, st, "exec-2", "merge", 2, workflow.MergeWaitForAll, nil, e1)
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if fires {
		t.Fatal("expected WaitForAll not to fire with only 1/2 inputs")
	}

	e2 := workflow.NewWorkflowEvent(json.RawMessage(`{"b":2}`))
	e2.Metadata["k"] = "v2"
	merged, fires2, err := Submit(ctx, st, "exec-2", "merge", 2, workflow.MergeWaitForAll, nil, e2)
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if !fires2 {
		t.Fatal("expected WaitForAll to fire once both inputs arrived")
	}
	if merged.Metadata["input_0_k"] != "v1" || merged.Metadata["input_1_k"] != "v2" {
		t.Fatalf("expected per-input prefixed metadata, got %v", merged.Metadata)
	}
	if merged.Metadata["merge_info"] != "multiple_inputs_merged" {
		t.Fatalf("expected merge_info bookkeeping metadata, got %v", merged.Metadata)
	}
	if merged.Metadata["input_count"] != "2" {
		t.Fatalf("expected input_count=2, got %v", merged.Metadata["input_count"])
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(merged.Data, &arr); err != nil {
		t.Fatalf("decode merged data array: %v", err)
	}
	if len(arr) != 2 {
		t.Fatalf("expected 2 merged data entries, got %d", len(arr))
	}
}

// An overflow (a second input for an already-fired 1-way WaitForAll
// merge) is a hard error indicating a race (§4.7).
func TestWaitForAllOverflowIsAnError(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	_, _, err := Submit(ctx, st, "exec-3", "merge", 1, workflow.MergeWaitForAll, nil, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	_, _, err = Submit(ctx, st, "exec-3", "merge", 1, workflow.MergeWaitForAll, nil, workflow.NewWorkflowEvent(nil))
	if err != workflow.ErrSyncOverflow {
		t.Fatalf("expected ErrSyncOverflow on overflow, got %v", err)
	}
}

// TimeoutBased fires when count is reached OR the deadline has passed,
// and SweepTimedOut merges whatever partial inputs are present.
func TestTimeoutBasedSweepMergesPartialInputs(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	timeout := int64(1) // seconds: deadline not yet reached at submit
	_, fires, err := Submit(ctx, st, "exec-4", "merge", 3, workflow.MergeTimeoutBased, &timeout, workflow.NewWorkflowEvent(json.RawMessage(`{"a":1}`)))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fires {
		t.Fatal("expected no fire with 1 of 3 inputs before the deadline")
	}

	out, err := SweepTimedOut(ctx, st, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 timed-out sync, got %d", len(out))
	}
	if out[0].ExecutionID != "exec-4" || out[0].NodeID != "merge" {
		t.Fatalf("unexpected timed-out sync: %+v", out[0])
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(out[0].Event.Data, &arr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(arr) != 1 {
		t.Fatalf("expected the single partial input merged, got %d entries", len(arr))
	}

	sy, err := st.GetInputSync(ctx, "exec-4", "merge")
	if err != nil {
		t.Fatalf("get sync: %v", err)
	}
	if sy.Status != workflow.SyncCompleted {
		t.Fatalf("expected sync marked completed after sweep, got %s", sy.Status)
	}
}

