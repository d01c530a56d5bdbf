package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryAppendEventAssignsSequentialSeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := int64(1); i <= 3; i++ {
		seq, err := m.AppendEvent(ctx, EventRow{WorkflowID: "wf-1", EventID: fmt.Sprintf("ev-%d", i)}, func(seq int64) string {
			return fmt.Sprintf("sum-%d", seq)
		})
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		if seq != i {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}

	rows, err := m.GetEvents(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if got := SortedSeq(rows); got[0] != 2 || got[1] != 3 {
		t.Errorf("SortedSeq = %v, want [2 3]", got)
	}
}

func TestMemoryAppendEventRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	checksumFn := func(seq int64) string { return "c" }

	if _, err := m.AppendEvent(ctx, EventRow{WorkflowID: "wf-1", EventID: "dup"}, checksumFn); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := m.AppendEvent(ctx, EventRow{WorkflowID: "wf-1", EventID: "dup"}, checksumFn); err == nil {
		t.Fatal("expected duplicate event id to be rejected")
	}
}

func TestMemoryLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	lease, err := m.AcquireLease(ctx, "wf-1", "org-1", "owner-a", time.Minute, now)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.FencingToken != 1 {
		t.Errorf("FencingToken = %d, want 1", lease.FencingToken)
	}

	if _, err := m.AcquireLease(ctx, "wf-1", "org-1", "owner-b", time.Minute, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound (lease held), got %v", err)
	}

	ok, err := m.HeartbeatLease(ctx, lease, time.Minute, now.Add(time.Second))
	if err != nil {
		t.Fatalf("HeartbeatLease: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat to succeed for the current owner")
	}

	stale := lease
	stale.FencingToken = 99
	ok, err = m.HeartbeatLease(ctx, stale, time.Minute, now)
	if err != nil {
		t.Fatalf("HeartbeatLease (stale): %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat with a stale fencing token to fail")
	}

	if err := m.ReleaseLease(ctx, lease); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if _, err := m.AcquireLease(ctx, "wf-1", "org-1", "owner-b", time.Minute, now); err != nil {
		t.Fatalf("AcquireLease after release: %v", err)
	}
}

func TestMemorySnapshotAtSeqPicksNearestNotAfter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.SaveSnapshot(ctx, Snapshot{WorkflowID: "wf-1", LastEventSeq: 5}); err != nil {
		t.Fatalf("save snap at seq 5: %v", err)
	}
	if err := m.SaveSnapshot(ctx, Snapshot{WorkflowID: "wf-1", LastEventSeq: 10}); err != nil {
		t.Fatalf("save snap at seq 10: %v", err)
	}

	snap, err := m.SnapshotAtSeq(ctx, "wf-1", 7)
	if err != nil {
		t.Fatalf("SnapshotAtSeq: %v", err)
	}
	if snap.LastEventSeq != 5 {
		t.Errorf("LastEventSeq = %d, want 5", snap.LastEventSeq)
	}

	if _, err := m.SnapshotAtSeq(ctx, "wf-1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound below the earliest snapshot, got %v", err)
	}
}

func TestMemoryMarkCompletedIsConflictFree(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := CompletedStep{WorkflowID: "wf-1", StepID: "step_0", AttemptID: 1, ResultChecksum: "first"}
	if err := m.MarkCompleted(ctx, first); err != nil {
		t.Fatalf("first MarkCompleted: %v", err)
	}

	second := CompletedStep{WorkflowID: "wf-1", StepID: "step_0", AttemptID: 2, ResultChecksum: "second"}
	if err := m.MarkCompleted(ctx, second); err != nil {
		t.Fatalf("second MarkCompleted: %v", err)
	}

	got, err := m.CheckCompleted(ctx, "wf-1", "step_0")
	if err != nil {
		t.Fatalf("CheckCompleted: %v", err)
	}
	if got.ResultChecksum != "first" {
		t.Errorf("ResultChecksum = %q, want %q", got.ResultChecksum, "first")
	}
}
