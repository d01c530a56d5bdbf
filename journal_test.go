package contd

import (
	"context"
	"testing"

	"github.com/dshills/contd/store"
)

func TestJournalAppendAndReplay(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(store.NewMemory())

	started, err := j.Append(ctx, "wf-1", "org-1", EventWorkflowStarted, WorkflowStartedPayload{WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("append started: %v", err)
	}
	if started.EventSeq != 1 {
		t.Fatalf("EventSeq = %d, want 1", started.EventSeq)
	}

	completed, err := j.Append(ctx, "wf-1", "org-1", EventStepCompleted, StepCompletedPayload{StepID: "step_0"})
	if err != nil {
		t.Fatalf("append completed: %v", err)
	}
	if completed.EventSeq != 2 {
		t.Fatalf("EventSeq = %d, want 2", completed.EventSeq)
	}

	events, err := j.Replay(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	for _, ev := range events {
		if err := ev.VerifyChecksum(); err != nil {
			t.Errorf("VerifyChecksum: %v", err)
		}
	}

	partial, err := j.Replay(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("partial replay: %v", err)
	}
	if len(partial) != 1 || partial[0].EventSeq != 2 {
		t.Fatalf("partial replay = %+v, want one event at seq 2", partial)
	}
}

func TestJournalVerifyChecksumDetectsTamperedEvent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	j := NewJournal(mem)

	if _, err := j.Append(ctx, "wf-1", "org-1", EventWorkflowStarted, WorkflowStartedPayload{WorkflowName: "demo"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := mem.GetEvents(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	rows[0].Checksum = "deadbeef"

	// Memory doesn't expose an update path, so reload through the same
	// rows slice the store returned isn't enough to corrupt storage;
	// instead verify VerifyChecksum itself rejects a tampered event.
	ev, err := decodeEvent(rows[0])
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if err := ev.VerifyChecksum(); err == nil {
		t.Fatal("expected checksum verification to fail on tampered event")
	}
}

// gappyStore wraps a RelationalStore and returns rows with a hole in their
// event_seq sequence, simulating the only way a real backend could ever
// violate the invariant Replay checks.
type gappyStore struct {
	store.RelationalStore
}

func (g gappyStore) GetEvents(ctx context.Context, workflowID string, afterSeq int64) ([]store.EventRow, error) {
	rows, err := g.RelationalStore.GetEvents(ctx, workflowID, afterSeq)
	if err != nil || len(rows) < 2 {
		return rows, err
	}
	return []store.EventRow{rows[0], rows[len(rows)-1]}, nil
}

func TestJournalReplayDetectsSequenceGap(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	j := NewJournal(mem)

	for i := 0; i < 3; i++ {
		if _, err := j.Append(ctx, "wf-1", "org-1", EventStepCompleted, StepCompletedPayload{StepID: "step_0"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	gappy := NewJournal(gappyStore{mem})
	_, err := gappy.Replay(ctx, "wf-1", 0)
	var ee *EngineError
	if !asEngineError(err, &ee) {
		t.Fatalf("expected *EngineError, got %v (%T)", err, err)
	}
	if ee.Kind != ErrKindSequenceGap {
		t.Errorf("Kind = %q, want %q", ee.Kind, ErrKindSequenceGap)
	}
}
