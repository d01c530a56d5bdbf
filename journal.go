package contd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/contd/store"
	"github.com/google/uuid"
)

// Journal is the append-only, per-workflow event log. It owns sequence
// assignment (delegated to the RelationalStore, which allocates event_seq
// atomically with the insert) and checksum computation/verification; it
// never interprets payloads beyond what's needed to (de)serialize them.
type Journal struct {
	rel store.RelationalStore
}

// NewJournal returns a Journal backed by rel.
func NewJournal(rel store.RelationalStore) *Journal {
	return &Journal{rel: rel}
}

// Append writes a new event for workflowID/orgID with the given type and
// payload, stamping a fresh event id, the current time, and a checksum.
// The returned Event carries the event_seq the store assigned.
func (j *Journal) Append(ctx context.Context, workflowID, orgID string, typ EventType, payload any) (Event, error) {
	ev := Event{
		EventID:         uuid.NewString(),
		WorkflowID:      workflowID,
		OrgID:           orgID,
		Type:            typ,
		Timestamp:       time.Now().UTC(),
		SchemaVersion:   schemaVersion,
		ProducerVersion: producerVersion,
		Payload:         payload,
	}

	payloadJSON, err := canonicalJSON(payload)
	if err == nil {
		// The stored payload object carries the type's own fields plus
		// event_type and schema_version.
		var framed map[string]any
		if err = json.Unmarshal(payloadJSON, &framed); err == nil {
			if framed == nil {
				framed = map[string]any{}
			}
			framed["event_type"] = string(typ)
			framed["schema_version"] = schemaVersion
			payloadJSON, err = canonicalJSON(framed)
		}
	}
	if err != nil {
		return Event{}, &EngineError{Kind: ErrKindEventCorruption, Message: "marshal event payload", WorkflowID: workflowID, Cause: err}
	}

	row := store.EventRow{
		EventID:         ev.EventID,
		WorkflowID:      ev.WorkflowID,
		OrgID:           ev.OrgID,
		EventType:       string(ev.Type),
		Payload:         payloadJSON,
		Timestamp:       ev.Timestamp,
		SchemaVersion:   ev.SchemaVersion,
		ProducerVersion: ev.ProducerVersion,
	}
	// The checksum is defined over the record including its assigned
	// event_seq, so it can only be computed once the store has allocated
	// one; this closure runs inside the store's append transaction.
	seq, err := j.rel.AppendEvent(ctx, row, func(seq int64) string {
		ev.EventSeq = seq
		ev.Checksum = ev.computeChecksum()
		return ev.Checksum
	})
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	ev.EventSeq = seq
	return ev, nil
}

// Replay returns every event for workflowID with event_seq > afterSeq, in
// ascending order, verifying each event's checksum and failing fast with
// ErrKindEventCorruption or ErrKindSequenceGap on the first defect found.
func (j *Journal) Replay(ctx context.Context, workflowID string, afterSeq int64) ([]Event, error) {
	rows, err := j.rel.GetEvents(ctx, workflowID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	expectSeq := afterSeq
	for _, row := range rows {
		if row.EventSeq != expectSeq+1 {
			return nil, &EngineError{
				Kind:       ErrKindSequenceGap,
				Message:    fmt.Sprintf("expected event_seq %d, got %d", expectSeq+1, row.EventSeq),
				WorkflowID: workflowID,
			}
		}
		expectSeq = row.EventSeq

		ev, err := decodeEvent(row)
		if err != nil {
			return nil, err
		}
		if err := ev.VerifyChecksum(); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeEvent(row store.EventRow) (Event, error) {
	ev := Event{
		EventID:         row.EventID,
		WorkflowID:      row.WorkflowID,
		OrgID:           row.OrgID,
		EventSeq:        row.EventSeq,
		Type:            EventType(row.EventType),
		Timestamp:       row.Timestamp,
		SchemaVersion:   row.SchemaVersion,
		ProducerVersion: row.ProducerVersion,
		Checksum:        row.Checksum,
	}

	payload, err := newPayloadFor(ev.Type)
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal(row.Payload, payload); err != nil {
		return Event{}, &EngineError{Kind: ErrKindEventCorruption, Message: "unmarshal event payload", WorkflowID: row.WorkflowID, Cause: err}
	}
	ev.Payload = derefPayload(payload)
	return ev, nil
}

// newPayloadFor returns a pointer to the zero value of the payload struct
// matching typ, for json.Unmarshal to fill in.
func newPayloadFor(typ EventType) (any, error) {
	switch typ {
	case EventWorkflowStarted:
		return &WorkflowStartedPayload{}, nil
	case EventStepIntention:
		return &StepIntentionPayload{}, nil
	case EventStepCompleted:
		return &StepCompletedPayload{}, nil
	case EventStepFailed:
		return &StepFailedPayload{}, nil
	case EventSavepointCreated:
		return &SavepointCreatedPayload{}, nil
	case EventWorkflowSuspended, EventWorkflowRestored:
		return &WorkflowCompletedPayload{}, nil
	case EventWorkflowCompleted:
		return &WorkflowCompletedPayload{}, nil
	case EventContextAnnotation:
		return &ContextAnnotationPayload{}, nil
	case EventContextReasoning:
		return &ContextReasoningPayload{}, nil
	case EventContextDigest:
		return &ContextDigestPayload{}, nil
	default:
		return nil, &EngineError{Kind: ErrKindEventCorruption, Message: fmt.Sprintf("unknown event type %q", typ)}
	}
}

// derefPayload unwraps the pointer newPayloadFor handed back, so Event's
// Payload field holds the same value shape Append was given.
func derefPayload(p any) any {
	switch v := p.(type) {
	case *WorkflowStartedPayload:
		return *v
	case *StepIntentionPayload:
		return *v
	case *StepCompletedPayload:
		return *v
	case *StepFailedPayload:
		return *v
	case *SavepointCreatedPayload:
		return *v
	case *WorkflowCompletedPayload:
		return *v
	case *ContextAnnotationPayload:
		return *v
	case *ContextReasoningPayload:
		return *v
	case *ContextDigestPayload:
		return *v
	default:
		return p
	}
}
