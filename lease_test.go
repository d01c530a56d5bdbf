package contd

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/contd/store"
)

func TestLeaseAcquireTakeoverAndRelease(t *testing.T) {
	ctx := context.Background()
	lm := NewLeaseManager(store.NewMemory(), time.Minute)

	first, err := lm.Acquire(ctx, "wf-1", "org-1", "owner-a")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if first.FencingToken != 1 {
		t.Fatalf("FencingToken = %d, want 1", first.FencingToken)
	}

	if _, err := lm.Acquire(ctx, "wf-1", "org-1", "owner-b"); err == nil {
		t.Fatal("expected second acquire by a different owner to fail while the lease is live")
	} else {
		var ee *EngineError
		if !asEngineError(err, &ee) || ee.Kind != ErrKindWorkflowLocked {
			t.Fatalf("expected ErrKindWorkflowLocked, got %v", err)
		}
	}

	ok, err := lm.Heartbeat(ctx, first)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat to succeed for the current owner")
	}

	if err := lm.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, err := lm.Acquire(ctx, "wf-1", "org-1", "owner-b")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if second.FencingToken != 2 {
		t.Errorf("FencingToken = %d, want 2 after takeover", second.FencingToken)
	}
}

func TestLeaseAcquireTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	rel := store.NewMemory()
	lm := NewLeaseManager(rel, time.Millisecond)

	first, err := lm.Acquire(ctx, "wf-1", "org-1", "owner-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	second, err := lm.Acquire(ctx, "wf-1", "org-1", "owner-b")
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if second.FencingToken <= first.FencingToken {
		t.Errorf("FencingToken = %d, want greater than %d", second.FencingToken, first.FencingToken)
	}

	ok, err := lm.Heartbeat(ctx, first)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat from the superseded owner to report the lease lost")
	}
}

func TestLeaseHeartbeatLoopCallsOnLostAfterTakeover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rel := store.NewMemory()
	lm := NewLeaseManager(rel, time.Millisecond)

	lease, err := lm.Acquire(ctx, "wf-1", "org-1", "owner-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	lost := make(chan struct{})
	// The first heartbeat comes after the 1ms lease has expired and the
	// takeover below has happened, so it finds a newer fencing token.
	go lm.HeartbeatLoop(ctx, lease, 20*time.Millisecond, func() { close(lost) })

	time.Sleep(5 * time.Millisecond)
	if _, err := lm.Acquire(ctx, "wf-1", "org-1", "owner-b"); err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onLost to fire")
	}
}
