package contd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/contd/store"
)

// Default lease timing, matching the single-writer contract: an owner must
// heartbeat well inside the lease duration or risk a takeover mid-step.
const (
	DefaultLeaseDuration     = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

// LeaseManager grants and renews single-writer ownership over a workflow,
// using a fencing token to let every other component detect and reject
// writes from an owner that has since lost its lease.
type LeaseManager struct {
	rel      store.RelationalStore
	duration time.Duration
}

// NewLeaseManager returns a LeaseManager backed by rel, using duration as
// the lease TTL (DefaultLeaseDuration if zero).
func NewLeaseManager(rel store.RelationalStore, duration time.Duration) *LeaseManager {
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}
	return &LeaseManager{rel: rel, duration: duration}
}

// Acquire creates the lease row if none exists, or takes over an expired
// one, incrementing the fencing token either way. It returns
// ErrKindWorkflowLocked if another owner currently holds a live lease.
func (lm *LeaseManager) Acquire(ctx context.Context, workflowID, orgID, ownerID string) (store.Lease, error) {
	lease, err := lm.rel.AcquireLease(ctx, workflowID, orgID, ownerID, lm.duration, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return store.Lease{}, &EngineError{Kind: ErrKindWorkflowLocked, Message: "workflow is owned by another executor", WorkflowID: workflowID}
	}
	if err != nil {
		return store.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	return lease, nil
}

// Heartbeat extends lease's expiry by the manager's duration, provided the
// lease's (owner, fencing token) still matches the stored row. A false
// return means the lease was lost (taken over by someone else); the caller
// must stop all further writes for this workflow immediately.
func (lm *LeaseManager) Heartbeat(ctx context.Context, lease store.Lease) (bool, error) {
	ok, err := lm.rel.HeartbeatLease(ctx, lease, lm.duration, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	return ok, nil
}

// Release gives up lease explicitly, e.g. on graceful workflow completion.
func (lm *LeaseManager) Release(ctx context.Context, lease store.Lease) error {
	return lm.rel.ReleaseLease(ctx, lease)
}

// HeartbeatLoop runs until ctx is canceled or the lease is lost, calling
// onLost exactly once if the latter happens before ctx cancellation. It is
// meant to run in its own goroutine alongside a workflow execution.
func (lm *LeaseManager) HeartbeatLoop(ctx context.Context, lease store.Lease, interval time.Duration, onLost func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := lm.Heartbeat(ctx, lease)
			if err != nil || !ok {
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}
}
