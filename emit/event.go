package emit

// Event is an observability record describing something the engine just
// did. It is deliberately looser than the journal's Event: Meta is
// free-form, and nothing here is checksummed or replayed — this is a
// read-only side channel for humans and monitoring systems.
type Event struct {
	// WorkflowID identifies the workflow this event concerns. Empty for
	// process-level events (e.g. runner pool lifecycle).
	WorkflowID string

	// StepNumber is the step counter at the time of the event; zero for
	// lease events (acquired, lost), and the final step count for
	// workflow_completed.
	StepNumber int64

	// StepID is the deterministic step identifier (name_counter), empty
	// for workflow-level events.
	StepID string

	// Msg is a short, stable event name. The engine emits "step_completed",
	// "step_failed", "step_retry", "step_exhausted", "lease_acquired",
	// "lease_lost", "distill_cycle" and "workflow_completed".
	Msg string

	// Meta carries event-specific structured data: duration_ms, attempt_id,
	// error, fencing_token, chunks_processed, etc.
	Meta map[string]any
}
