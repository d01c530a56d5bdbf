package contd

import "time"

// EventType enumerates the kinds of record the journal accepts. Order
// here has no meaning; event_seq is what orders the journal.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventStepIntention     EventType = "step.intention"
	EventStepCompleted     EventType = "step.completed"
	EventStepFailed        EventType = "step.failed"
	EventSavepointCreated  EventType = "savepoint.created"
	EventWorkflowSuspended EventType = "workflow.suspended"
	EventWorkflowRestored  EventType = "workflow.restored"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventContextAnnotation EventType = "context.annotation"
	EventContextReasoning  EventType = "context.reasoning"
	EventContextDigest     EventType = "context.digest"
)

// schemaVersion and producerVersion are stamped on every event this module
// appends. schemaVersion tracks the payload shapes in this file;
// producerVersion identifies the engine build that wrote the record.
const (
	schemaVersion   = "1.0"
	producerVersion = "contd/0.1"
)

// Event is an immutable record appended to the journal. Payload holds one
// of the *Payload types below, matching Type.
type Event struct {
	EventID         string    `json:"event_id"`
	WorkflowID      string    `json:"workflow_id"`
	OrgID           string    `json:"org_id"`
	EventSeq        int64     `json:"event_seq"`
	Type            EventType `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	SchemaVersion   string    `json:"schema_version"`
	ProducerVersion string    `json:"producer_version"`
	Payload         any       `json:"payload"`

	// Checksum is SHA-256 of the canonical JSON of Payload plus
	// (EventID, WorkflowID, EventSeq, Type, Timestamp, SchemaVersion,
	// ProducerVersion), with Checksum itself absent. Set by the journal on
	// append; never trusted on read without recomputation.
	Checksum string `json:"checksum,omitempty"`
}

// checksumFields is the canonical shape hashed for an event's checksum:
// the record metadata plus the payload, with no checksum field present at
// all (not merely empty), matching §6's framing rule exactly.
type checksumFields struct {
	EventID         string    `json:"event_id"`
	WorkflowID      string    `json:"workflow_id"`
	EventSeq        int64     `json:"event_seq"`
	Type            EventType `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	SchemaVersion   string    `json:"schema_version"`
	ProducerVersion string    `json:"producer_version"`
	Payload         any       `json:"payload"`
}

func (e Event) computeChecksum() string {
	return checksumOf(checksumFields{
		EventID:         e.EventID,
		WorkflowID:      e.WorkflowID,
		EventSeq:        e.EventSeq,
		Type:            e.Type,
		Timestamp:       e.Timestamp,
		SchemaVersion:   e.SchemaVersion,
		ProducerVersion: e.ProducerVersion,
		Payload:         e.Payload,
	})
}

// VerifyChecksum recomputes e's checksum and compares it to the stored
// value. A mismatch is EventCorruption.
func (e Event) VerifyChecksum() error {
	if e.computeChecksum() != e.Checksum {
		return &EngineError{Kind: ErrKindEventCorruption, Message: "event checksum mismatch", WorkflowID: e.WorkflowID}
	}
	return nil
}

// WorkflowStartedPayload is the payload of the first event in every
// workflow's journal.
type WorkflowStartedPayload struct {
	WorkflowName string            `json:"workflow_name"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// StepIntentionPayload records that a step attempt is about to run the
// user function, before any side effect occurs.
type StepIntentionPayload struct {
	StepID    string `json:"step_id"`
	StepName  string `json:"step_name"`
	AttemptID int    `json:"attempt_id"`
}

// StepCompletedPayload records a successful step: the state delta it
// produced and how long the user function took.
type StepCompletedPayload struct {
	StepID     string `json:"step_id"`
	AttemptID  int    `json:"attempt_id"`
	StateDelta Delta  `json:"state_delta"`
	DurationMS int64  `json:"duration_ms"`
}

// StepFailedPayload records a failed attempt. Retries, if any, produce a
// fresh StepIntentionPayload under a new attempt id.
type StepFailedPayload struct {
	StepID    string `json:"step_id"`
	AttemptID int    `json:"attempt_id"`
	Error     string `json:"error"`
	Timeout   bool   `json:"timeout,omitempty"`
}

// SavepointCreatedPayload carries epistemic metadata: a developer-chosen
// checkpoint of reasoning state, distinct from the mechanical snapshot.
type SavepointCreatedPayload struct {
	GoalSummary       string   `json:"goal_summary,omitempty"`
	CurrentHypotheses []string `json:"current_hypotheses,omitempty"`
	OpenQuestions     []string `json:"open_questions,omitempty"`
	DecisionLog       []string `json:"decision_log,omitempty"`
	NextStep          string   `json:"next_step,omitempty"`
	SnapshotRef       string   `json:"snapshot_ref,omitempty"`
}

// WorkflowCompletedPayload marks the terminal success of a workflow
// invocation.
type WorkflowCompletedPayload struct {
	StepCount int64 `json:"step_count"`
}

// ContextAnnotationPayload is a short developer note bound to the step in
// progress when annotate() was called.
type ContextAnnotationPayload struct {
	StepNumber int64  `json:"step_number"`
	Text       string `json:"text"`
}

// ContextReasoningPayload carries one ingested raw reasoning chunk.
type ContextReasoningPayload struct {
	Chunk     string `json:"chunk"`
	ChunkSize int    `json:"chunk_size"`
}

// ContextDigestPayload carries the result of a distill cycle: either the
// developer's opaque digest, or (on distill failure) the raw chunks that
// could not be compressed.
type ContextDigestPayload struct {
	Digest          any      `json:"digest,omitempty"`
	ChunksProcessed int      `json:"chunks_processed"`
	DistillFailed   bool     `json:"distill_failed"`
	RawChunks       []string `json:"raw_chunks,omitempty"`
}
