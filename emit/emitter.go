// Package emit provides pluggable observability for the durable execution
// engine: the driver and the reasoning sidecar offer execution milestones
// (step outcomes, retries, lease changes, distill cycles, workflow
// completion) to an Emitter, which is free to log them, turn them into
// trace spans, feed metrics, or discard them. Not every journal append
// produces an emitted event. Emitters are a side channel — a defect or outage here never
// affects journal correctness.
package emit

import "context"

// Emitter receives observability events derived from workflow execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down step execution.
//   - Thread-safe: called concurrently across workflows and steps.
//   - Resilient: a failing backend must not fail the workflow.
type Emitter interface {
	// Emit sends a single event to the configured backend. Must not panic.
	Emit(event Event)

	// EmitBatch sends multiple events in one operation, preserving order.
	// Returns an error only on catastrophic failure; individual event
	// failures should be logged internally rather than returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush forces any buffered events out to the backend.
	Flush(ctx context.Context) error
}
