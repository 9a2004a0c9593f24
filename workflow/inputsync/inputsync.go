// Package inputsync implements the fan-in coordinator a multi-predecessor
// node hands its arriving inputs through (§4.7): count-then-merge under
// FirstWins, WaitForAll, or TimeoutBased, with the row-exclusive
// accumulation itself delegated to store.Store.AppendInput (the
// transactional part the spec requires) and this package owning the
// merge-event construction on top, grounded on the original source's
// workflow/input_sync.rs.
package inputsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openobserve/swisspipe/workflow"
	"github.com/openobserve/swisspipe/workflow/store"
)

// Submit records event as one arriving input for (executionID, nodeID)
// and reports whether this call is the one that should fire execution.
// When fires is true, merged is the event the node should actually
// execute with. A FirstWins node that has already fired returns
// workflow.ErrAlreadyCompleted; the caller discards the branch silently.
func Submit(ctx context.Context, st store.Store, executionID, nodeID string, expected int, strategy workflow.InputMergeStrategy, timeoutSeconds *int64, event workflow.WorkflowEvent) (merged workflow.WorkflowEvent, fires bool, err error) {
	if strategy == "" {
		strategy = workflow.MergeWaitForAll
	}

	var timeoutAt *time.Time
	if strategy == workflow.MergeTimeoutBased && timeoutSeconds != nil {
		t := time.Now().Add(time.Duration(*timeoutSeconds) * time.Second)
		timeoutAt = &t
	}

	sync, fires, err := st.AppendInput(ctx, executionID, nodeID, expected, strategy, timeoutAt, event)
	if err != nil {
		return workflow.WorkflowEvent{}, false, err
	}
	if !fires {
		return workflow.WorkflowEvent{}, false, nil
	}

	if strategy == workflow.MergeFirstWins {
		merged = event
	} else {
		merged = Merge(sync.ReceivedInputs)
	}
	if err := st.MarkInputSyncCompleted(ctx, executionID, nodeID); err != nil {
		return workflow.WorkflowEvent{}, false, err
	}
	return merged, true, nil
}

// Merge combines multiple arrived WorkflowEvents into one per §4.7: the
// merged data is a JSON array of each input's data, and every input's
// metadata/headers/condition_results is copied in under an
// "input_<i>_<key>" prefix, plus bookkeeping metadata (merge_info,
// input_count, merge_timestamp).
func Merge(inputs []workflow.WorkflowEvent) workflow.WorkflowEvent {
	out := workflow.NewWorkflowEvent(nil)

	datas := make([]json.RawMessage, len(inputs))
	for i, in := range inputs {
		d := in.Data
		if d == nil {
			d = json.RawMessage(`null`)
		}
		datas[i] = d

		for k, v := range in.Metadata {
			out.Metadata[fmt.Sprintf("input_%d_%s", i, k)] = v
		}
		for k, v := range in.Headers {
			out.Headers[fmt.Sprintf("input_%d_%s", i, k)] = v
		}
		for k, v := range in.ConditionResults {
			out.ConditionResults[fmt.Sprintf("input_%d_%s", i, k)] = v
		}
		out.Sources = append(out.Sources, in.Sources...)
	}

	arr, err := json.Marshal(datas)
	if err != nil {
		arr = json.RawMessage(`[]`)
	}
	out.Data = arr
	out.Metadata["merge_info"] = "multiple_inputs_merged"
	out.Metadata["input_count"] = fmt.Sprintf("%d", len(inputs))
	out.Metadata["merge_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out
}

// SweepTimedOut scans for TimeoutBased syncs whose deadline has passed
// with partial input, merges whatever arrived, and returns one
// (executionID, nodeID, mergedEvent) triple per timed-out sync so the
// caller (workflow/cleanup) can resume the DAG at that node — mirroring
// the same "resume at a specific node" shape the delay/HIL schedulers
// use, reusing workflow.JobWorkflowExecution's ResumeNodeID field rather
// than inventing a new job type for this case.
func SweepTimedOut(ctx context.Context, st store.Store, now time.Time) ([]TimedOutSync, error) {
	due, err := st.ListTimedOutInputSyncs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("inputsync: list timed out: %w", err)
	}
	out := make([]TimedOutSync, 0, len(due))
	for _, sy := range due {
		if len(sy.ReceivedInputs) == 0 {
			if err := st.MarkInputSyncTimeout(ctx, sy.ExecutionID, sy.NodeID); err != nil {
				return nil, fmt.Errorf("inputsync: mark timeout %s/%s: %w", sy.ExecutionID, sy.NodeID, err)
			}
			continue
		}
		merged := Merge(sy.ReceivedInputs)
		if err := st.MarkInputSyncCompleted(ctx, sy.ExecutionID, sy.NodeID); err != nil {
			return nil, fmt.Errorf("inputsync: mark completed %s/%s: %w", sy.ExecutionID, sy.NodeID, err)
		}
		out = append(out, TimedOutSync{ExecutionID: sy.ExecutionID, NodeID: sy.NodeID, Event: merged})
	}
	return out, nil
}

// TimedOutSync is one fan-in node a TimeoutBased deadline fired for.
type TimedOutSync struct {
	ExecutionID string
	NodeID      string
	Event       workflow.WorkflowEvent
}
