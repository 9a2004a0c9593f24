package emit

import "context"

// Emitter receives observability events from the executor and node
// schedulers. Implementations must be non-blocking and safe for
// concurrent use: Emit is called from the hot path of node dispatch and
// must never slow down or panic a workflow execution.
type Emitter interface {
	// Emit sends a single event. Implementations that need to batch or
	// export asynchronously should buffer internally rather than block.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	// Individual failures should be logged, not returned; EmitBatch only
	// errors on catastrophic failure (e.g. a misconfigured exporter).
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are delivered or ctx is
	// done. Safe to call multiple times. Call before process exit.
	Flush(ctx context.Context) error
}
