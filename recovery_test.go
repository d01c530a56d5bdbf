package contd

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/contd/store"
)

func newTestRecovery() (*Journal, *Recovery) {
	rel := store.NewMemory()
	journal := NewJournal(rel)
	snapshots := NewSnapshotStore(rel, store.NewMemoryBlob())
	return journal, NewRecovery(journal, snapshots)
}

func appendStepCompleted(t *testing.T, ctx context.Context, journal *Journal, workflowID, orgID string, old, next WorkflowState) {
	t.Helper()
	patch, err := computeDelta(old, next)
	if err != nil {
		t.Fatalf("computeDelta: %v", err)
	}
	if _, err := journal.Append(ctx, workflowID, orgID, EventStepCompleted, StepCompletedPayload{StepID: "step_0", AttemptID: 1, StateDelta: patch}); err != nil {
		t.Fatalf("append step.completed: %v", err)
	}
}

func TestRestoreFromGenesisReplaysEvents(t *testing.T) {
	ctx := context.Background()
	journal, recovery := newTestRecovery()

	if _, err := journal.Append(ctx, "wf-1", "org-1", EventWorkflowStarted, WorkflowStartedPayload{WorkflowName: "demo"}); err != nil {
		t.Fatalf("append started: %v", err)
	}

	old := genesisFor("wf-1")
	old.OrgID = "org-1"
	old.Checksum = old.computeChecksum()
	next := old
	next.Variables = map[string]any{"done": true}
	next.StepNumber = 1
	next.Checksum = next.computeChecksum()
	appendStepCompleted(t, ctx, journal, "wf-1", "org-1", old, next)

	state, lastSeq, err := recovery.Restore(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if lastSeq != 2 {
		t.Errorf("lastSeq = %d, want 2", lastSeq)
	}
	if state.StepNumber != 1 {
		t.Errorf("StepNumber = %d, want 1", state.StepNumber)
	}
	if state.Variables["done"] != true {
		t.Errorf("Variables[done] = %v, want true", state.Variables["done"])
	}
	if state.Metadata["workflow_name"] != "demo" {
		t.Errorf("Metadata[workflow_name] = %v, want demo", state.Metadata["workflow_name"])
	}
}

func TestRestoreUnknownWorkflowReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	_, recovery := newTestRecovery()

	_, _, err := recovery.Restore(ctx, "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestoreUsesSnapshotAsBaseline(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	journal := NewJournal(rel)
	snapshots := NewSnapshotStore(rel, store.NewMemoryBlob())
	recovery := NewRecovery(journal, snapshots)

	if _, err := journal.Append(ctx, "wf-1", "org-1", EventWorkflowStarted, WorkflowStartedPayload{WorkflowName: "demo"}); err != nil {
		t.Fatalf("append started: %v", err)
	}

	snapState := NewWorkflowState("wf-1", "org-1")
	snapState.StepNumber = 5
	snapState.Variables = map[string]any{"checkpoint": true}
	snapState.Checksum = snapState.computeChecksum()
	if _, err := snapshots.Save(ctx, snapState, 1); err != nil {
		t.Fatalf("Save snapshot: %v", err)
	}

	next := snapState
	next.StepNumber = 6
	next.Checksum = next.computeChecksum()
	appendStepCompleted(t, ctx, journal, "wf-1", "org-1", snapState, next)

	state, lastSeq, err := recovery.Restore(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if state.StepNumber != 6 {
		t.Errorf("StepNumber = %d, want 6 (snapshot baseline + one replayed step)", state.StepNumber)
	}
	if lastSeq != 2 {
		t.Errorf("lastSeq = %d, want 2", lastSeq)
	}
}

func TestRestoreWithContextAssemblesReasoningPicture(t *testing.T) {
	ctx := context.Background()
	journal, recovery := newTestRecovery()

	if _, err := journal.Append(ctx, "wf-1", "org-1", EventWorkflowStarted, WorkflowStartedPayload{WorkflowName: "demo"}); err != nil {
		t.Fatalf("append started: %v", err)
	}
	if _, err := journal.Append(ctx, "wf-1", "org-1", EventContextReasoning, ContextReasoningPayload{Chunk: "chunk-1", ChunkSize: 7}); err != nil {
		t.Fatalf("append reasoning: %v", err)
	}
	if _, err := journal.Append(ctx, "wf-1", "org-1", EventContextDigest, ContextDigestPayload{Digest: "summary-1", ChunksProcessed: 1}); err != nil {
		t.Fatalf("append digest: %v", err)
	}
	if _, err := journal.Append(ctx, "wf-1", "org-1", EventContextReasoning, ContextReasoningPayload{Chunk: "chunk-2", ChunkSize: 3}); err != nil {
		t.Fatalf("append reasoning 2: %v", err)
	}

	old := genesisFor("wf-1")
	old.OrgID = "org-1"
	old.Checksum = old.computeChecksum()
	next := old
	next.StepNumber = 1
	next.Checksum = next.computeChecksum()
	appendStepCompleted(t, ctx, journal, "wf-1", "org-1", old, next)

	_, _, rc, err := recovery.RestoreWithContext(ctx, "wf-1")
	if err != nil {
		t.Fatalf("RestoreWithContext: %v", err)
	}
	if rc.LatestDigest != "summary-1" {
		t.Errorf("LatestDigest = %v, want summary-1", rc.LatestDigest)
	}
	if len(rc.UndigestedChunks) != 1 || rc.UndigestedChunks[0] != "chunk-2" {
		t.Errorf("UndigestedChunks = %v, want [chunk-2]", rc.UndigestedChunks)
	}
	if rc.TotalOutputBytes != 10 {
		t.Errorf("TotalOutputBytes = %d, want 10", rc.TotalOutputBytes)
	}
	if rc.CompletedSteps != 1 {
		t.Errorf("CompletedSteps = %d, want 1", rc.CompletedSteps)
	}
}
