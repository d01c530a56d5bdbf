package contd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/contd/store"
)

// idempotencyMaxAttempts bounds attempt-id allocation: a step that has
// genuinely failed this many times is almost certainly stuck in a loop,
// not racing, so the guard gives up rather than scanning forever.
const idempotencyMaxAttempts = 100

// IdempotencyGuard allocates step attempt ids and records at-most-once
// step completion, returning a cached result on replay instead of
// re-running a step whose effects already landed.
type IdempotencyGuard struct {
	rel         store.RelationalStore
	snapshots   *SnapshotStore
	maxAttempts int
}

// NewIdempotencyGuard returns an IdempotencyGuard backed by rel and
// snapshots, using idempotencyMaxAttempts unless overridden by the caller
// via Options.MaxAttemptsPerStep.
func NewIdempotencyGuard(rel store.RelationalStore, snapshots *SnapshotStore, maxAttempts int) *IdempotencyGuard {
	if maxAttempts <= 0 {
		maxAttempts = idempotencyMaxAttempts
	}
	return &IdempotencyGuard{rel: rel, snapshots: snapshots, maxAttempts: maxAttempts}
}

// AllocateAttempt reserves the next attempt id for (workflowID, stepID),
// stamping it with the lease's current fencing token so a later takeover
// can tell which attempts belong to a superseded owner.
func (g *IdempotencyGuard) AllocateAttempt(ctx context.Context, workflowID, stepID string, lease store.Lease) (int, error) {
	id, err := g.rel.AllocateAttempt(ctx, workflowID, stepID, lease.FencingToken, g.maxAttempts, time.Now().UTC())
	if errors.Is(err, store.ErrAttemptExists) {
		return 0, &EngineError{Kind: ErrKindTooManyAttempts, Message: fmt.Sprintf("%s/%s", workflowID, stepID), WorkflowID: workflowID, StepID: stepID}
	}
	if err != nil {
		return 0, fmt.Errorf("allocate attempt: %w", err)
	}
	return id, nil
}

// CheckCompleted returns the cached state for a step that has already
// completed, or (WorkflowState{}, false, nil) if it hasn't. A checksum
// mismatch between the completion row and the loaded snapshot is
// ResultCorruption.
func (g *IdempotencyGuard) CheckCompleted(ctx context.Context, workflowID, stepID string) (WorkflowState, bool, error) {
	row, err := g.rel.CheckCompleted(ctx, workflowID, stepID)
	if errors.Is(err, store.ErrNotFound) {
		return WorkflowState{}, false, nil
	}
	if err != nil {
		return WorkflowState{}, false, fmt.Errorf("check completed: %w", err)
	}

	state, err := g.snapshots.Load(ctx, row.ResultSnapshotRef)
	if err != nil {
		return WorkflowState{}, false, err
	}
	if checksumOf(state) != row.ResultChecksum {
		return WorkflowState{}, false, &EngineError{Kind: ErrKindResultCorruption, Message: fmt.Sprintf("corrupted result for %s", stepID), WorkflowID: workflowID, StepID: stepID}
	}
	return state, true, nil
}

// MarkCompleted records step stepID as completed at attemptID with the
// given resulting state. last_event_seq is the journal position the
// result snapshot corresponds to; callers always know it (it's the
// sequence of the step.completed event they just appended), so unlike the
// reference implementation this is a required parameter, not a default.
// The insert is ON CONFLICT DO NOTHING: a concurrent mark for the same
// step is harmless, and only the first one durably wins.
func (g *IdempotencyGuard) MarkCompleted(ctx context.Context, workflowID, stepID string, attemptID int, state WorkflowState, lastEventSeq int64) error {
	snapshotRef, err := g.snapshots.Save(ctx, state, lastEventSeq)
	if err != nil {
		return fmt.Errorf("save result snapshot: %w", err)
	}
	row := store.CompletedStep{
		WorkflowID:        workflowID,
		StepID:            stepID,
		AttemptID:         attemptID,
		CompletedAt:       time.Now().UTC(),
		ResultSnapshotRef: snapshotRef,
		ResultChecksum:    checksumOf(state),
	}
	if err := g.rel.MarkCompleted(ctx, row); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}
