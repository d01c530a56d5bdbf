package contd

import (
	"context"
	"testing"

	"github.com/dshills/contd/store"
)

func TestIdempotencyAllocateAttemptIncrements(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	guard := NewIdempotencyGuard(rel, NewSnapshotStore(rel, store.NewMemoryBlob()), 0)
	lease := store.Lease{FencingToken: 1}

	first, err := guard.AllocateAttempt(ctx, "wf-1", "step_0", lease)
	if err != nil {
		t.Fatalf("first AllocateAttempt: %v", err)
	}
	if first != 1 {
		t.Errorf("first attempt id = %d, want 1", first)
	}

	second, err := guard.AllocateAttempt(ctx, "wf-1", "step_0", lease)
	if err != nil {
		t.Fatalf("second AllocateAttempt: %v", err)
	}
	if second != 2 {
		t.Errorf("second attempt id = %d, want 2", second)
	}
}

func TestIdempotencyAllocateAttemptExhaustion(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	guard := NewIdempotencyGuard(rel, NewSnapshotStore(rel, store.NewMemoryBlob()), 2)
	lease := store.Lease{FencingToken: 1}

	if _, err := guard.AllocateAttempt(ctx, "wf-1", "step_0", lease); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if _, err := guard.AllocateAttempt(ctx, "wf-1", "step_0", lease); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}

	_, err := guard.AllocateAttempt(ctx, "wf-1", "step_0", lease)
	var ee *EngineError
	if !asEngineError(err, &ee) {
		t.Fatalf("expected *EngineError, got %v (%T)", err, err)
	}
	if ee.Kind != ErrKindTooManyAttempts {
		t.Errorf("Kind = %q, want %q", ee.Kind, ErrKindTooManyAttempts)
	}
}

func TestIdempotencyMarkAndCheckCompleted(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	guard := NewIdempotencyGuard(rel, NewSnapshotStore(rel, store.NewMemoryBlob()), 0)

	_, found, err := guard.CheckCompleted(ctx, "wf-1", "step_0")
	if err != nil {
		t.Fatalf("CheckCompleted before completion: %v", err)
	}
	if found {
		t.Fatal("expected found=false before any completion is recorded")
	}

	state := NewWorkflowState("wf-1", "org-1")
	state.StepNumber = 1
	state.Checksum = checksumOf(state)

	if err := guard.MarkCompleted(ctx, "wf-1", "step_0", 1, state, 10); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, found, err := guard.CheckCompleted(ctx, "wf-1", "step_0")
	if err != nil {
		t.Fatalf("CheckCompleted after completion: %v", err)
	}
	if !found {
		t.Fatal("expected found=true after MarkCompleted")
	}
	if got.Checksum != state.Checksum {
		t.Errorf("Checksum = %q, want %q", got.Checksum, state.Checksum)
	}
}

func TestIdempotencyMarkCompletedIsConflictFree(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	guard := NewIdempotencyGuard(rel, NewSnapshotStore(rel, store.NewMemoryBlob()), 0)

	first := NewWorkflowState("wf-1", "org-1")
	first.Checksum = checksumOf(first)
	if err := guard.MarkCompleted(ctx, "wf-1", "step_0", 1, first, 5); err != nil {
		t.Fatalf("first MarkCompleted: %v", err)
	}

	second := first
	second.StepNumber = 99
	second.Checksum = checksumOf(second)
	if err := guard.MarkCompleted(ctx, "wf-1", "step_0", 2, second, 6); err != nil {
		t.Fatalf("second MarkCompleted: %v", err)
	}

	got, _, err := guard.CheckCompleted(ctx, "wf-1", "step_0")
	if err != nil {
		t.Fatalf("CheckCompleted: %v", err)
	}
	if got.Checksum != first.Checksum {
		t.Errorf("Checksum = %q, want the first completion's %q (ON CONFLICT DO NOTHING)", got.Checksum, first.Checksum)
	}
}
