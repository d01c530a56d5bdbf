package contd

import (
	"context"
	"strings"
	"testing"

	"github.com/dshills/contd/store"
)

func newSnapshotStore() *SnapshotStore {
	return NewSnapshotStore(store.NewMemory(), store.NewMemoryBlob())
}

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshotStore()

	state := NewWorkflowState("wf-1", "org-1")
	state.Variables = map[string]any{"x": float64(42)}
	state.Checksum = checksumOf(state)

	id, err := snaps.Save(ctx, state, 3)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := snaps.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Checksum != state.Checksum {
		t.Errorf("Checksum = %q, want %q", got.Checksum, state.Checksum)
	}
	if got.Variables["x"] != float64(42) {
		t.Errorf("Variables[x] = %v, want 42", got.Variables["x"])
	}
}

func TestSnapshotLatestAndAtSeq(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshotStore()

	s1 := NewWorkflowState("wf-1", "org-1")
	s1.StepNumber = 1
	s1.Checksum = checksumOf(s1)
	if _, err := snaps.Save(ctx, s1, 5); err != nil {
		t.Fatalf("save s1: %v", err)
	}

	s2 := s1
	s2.StepNumber = 2
	s2.Checksum = checksumOf(s2)
	if _, err := snaps.Save(ctx, s2, 10); err != nil {
		t.Fatalf("save s2: %v", err)
	}

	latest, seq, err := snaps.Latest(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if seq != 10 || latest.StepNumber != 2 {
		t.Errorf("Latest = (step %d, seq %d), want (2, 10)", latest.StepNumber, seq)
	}

	atSeq, seq, err := snaps.AtSeq(ctx, "wf-1", 7)
	if err != nil {
		t.Fatalf("AtSeq: %v", err)
	}
	if seq != 5 || atSeq.StepNumber != 1 {
		t.Errorf("AtSeq(7) = (step %d, seq %d), want (1, 5)", atSeq.StepNumber, seq)
	}
}

func TestSnapshotUsesBlobStoreAboveInlineThreshold(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	blob := store.NewMemoryBlob()
	snaps := NewSnapshotStore(rel, blob)

	state := NewWorkflowState("wf-big", "org-1")
	state.Variables = map[string]any{"blob": strings.Repeat("x", inlineThreshold*2)}
	state.Checksum = checksumOf(state)

	id, err := snaps.Save(ctx, state, 1)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := rel.LoadSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.InlineState) != 0 {
		t.Error("expected InlineState to be empty for a large snapshot")
	}
	if snap.BlobKey == "" {
		t.Error("expected BlobKey to be set for a large snapshot")
	}

	got, err := snaps.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Checksum != state.Checksum {
		t.Errorf("Checksum = %q, want %q", got.Checksum, state.Checksum)
	}
}

func TestSnapshotLoadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	blob := store.NewMemoryBlob()
	snaps := NewSnapshotStore(rel, blob)

	state := NewWorkflowState("wf-1", "org-1")
	state.Checksum = checksumOf(state)
	id, err := snaps.Save(ctx, state, 1)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := rel.LoadSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	snap.StateChecksum = "corrupted"
	if err := rel.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("re-save tampered snapshot: %v", err)
	}

	_, err = snaps.Load(ctx, id)
	var ee *EngineError
	if !asEngineError(err, &ee) {
		t.Fatalf("expected *EngineError, got %v (%T)", err, err)
	}
	if ee.Kind != ErrKindSnapshotCorruption {
		t.Errorf("Kind = %q, want %q", ee.Kind, ErrKindSnapshotCorruption)
	}
}
