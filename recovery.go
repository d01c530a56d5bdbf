package contd

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/contd/store"
)

// RestoredContext is the additive, read-only reasoning picture
// restore_with_context assembles alongside the mechanical state: it never
// participates in state integrity and a defect in it is never fatal to a
// workflow resume.
type RestoredContext struct {
	LatestDigest     any
	UndigestedChunks []string
	Annotations      []ContextAnnotationPayload
	DigestHistory    []ContextDigestPayload
	Savepoints       []SavepointCreatedPayload
	CompletedSteps   int
	TotalOutputBytes int64
}

// Recovery reconstructs workflow state deterministically from the
// snapshot store and event journal: this is the engine's one source of
// truth for "what happened," used both at startup and on lease takeover.
type Recovery struct {
	journal   *Journal
	snapshots *SnapshotStore
}

// NewRecovery returns a Recovery backed by journal and snapshots.
func NewRecovery(journal *Journal, snapshots *SnapshotStore) *Recovery {
	return &Recovery{journal: journal, snapshots: snapshots}
}

// Restore returns the current state for workflowID and the journal
// position it reflects, replaying from the latest snapshot (or from
// genesis if none exists) forward through every step.completed event.
func (r *Recovery) Restore(ctx context.Context, workflowID string) (WorkflowState, int64, error) {
	state, lastSeq, err := r.snapshots.Latest(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return r.restoreFromGenesis(ctx, workflowID)
	}
	if err != nil {
		return WorkflowState{}, 0, err
	}
	return r.replayFrom(ctx, workflowID, state, lastSeq)
}

// RestoreTo returns the state as of targetSeq, using the nearest snapshot
// at or before targetSeq and replaying up to and including it. Useful for
// debugging and time-travel, not part of the normal resume path.
func (r *Recovery) RestoreTo(ctx context.Context, workflowID string, targetSeq int64) (WorkflowState, int64, error) {
	state, lastSeq, err := r.snapshots.AtSeq(ctx, workflowID, targetSeq)
	if errors.Is(err, store.ErrNotFound) {
		state, lastSeq, err = r.restoreFromGenesisTo(ctx, workflowID, targetSeq)
		if err != nil {
			return WorkflowState{}, 0, err
		}
		return state, lastSeq, nil
	}
	if err != nil {
		return WorkflowState{}, 0, err
	}
	return r.replayUpTo(ctx, workflowID, state, lastSeq, targetSeq)
}

func (r *Recovery) restoreFromGenesis(ctx context.Context, workflowID string) (WorkflowState, int64, error) {
	return r.replayUpTo(ctx, workflowID, genesisFor(workflowID), 0, maxSeq)
}

func (r *Recovery) restoreFromGenesisTo(ctx context.Context, workflowID string, targetSeq int64) (WorkflowState, int64, error) {
	return r.replayUpTo(ctx, workflowID, genesisFor(workflowID), 0, targetSeq)
}

// maxSeq is used as "no upper bound" when replaying to the journal's end.
const maxSeq = int64(1<<63 - 1)

func genesisFor(workflowID string) WorkflowState {
	return NewWorkflowState(workflowID, "")
}

func (r *Recovery) replayFrom(ctx context.Context, workflowID string, state WorkflowState, lastSeq int64) (WorkflowState, int64, error) {
	return r.replayUpTo(ctx, workflowID, state, lastSeq, maxSeq)
}

// replayUpTo applies every step.completed event after lastSeq and up to
// targetSeq (inclusive) to state, recomputing the checksum after each
// apply, then verifies the final state's checksum.
func (r *Recovery) replayUpTo(ctx context.Context, workflowID string, state WorkflowState, lastSeq, targetSeq int64) (WorkflowState, int64, error) {
	events, err := r.journal.Replay(ctx, workflowID, lastSeq)
	if err != nil {
		return WorkflowState{}, 0, err
	}
	if lastSeq == 0 && len(events) == 0 {
		return WorkflowState{}, 0, fmt.Errorf("workflow %s not found: %w", workflowID, ErrNotFound)
	}

	for _, ev := range events {
		if ev.EventSeq > targetSeq {
			break
		}
		switch payload := ev.Payload.(type) {
		case WorkflowStartedPayload:
			if state.Metadata == nil {
				state.Metadata = map[string]any{}
			}
			state.Metadata["workflow_name"] = payload.WorkflowName
			if len(payload.Tags) > 0 {
				state.Metadata["tags"] = payload.Tags
			}
			state.OrgID = ev.OrgID
		case StepCompletedPayload:
			state, err = applyDelta(state, payload.StateDelta)
			if err != nil {
				return WorkflowState{}, 0, err
			}
			state.Checksum = state.computeChecksum()
		}
		lastSeq = ev.EventSeq
	}

	if err := state.Verify(); err != nil {
		return WorkflowState{}, 0, err
	}
	return state, lastSeq, nil
}

// RestoreWithContext performs a normal Restore and additionally scans
// context.annotation, context.reasoning, context.digest, and
// savepoint.created events to build a RestoredContext. A defect while
// assembling the context never fails the underlying restore: the
// mechanical state is always returned.
func (r *Recovery) RestoreWithContext(ctx context.Context, workflowID string) (WorkflowState, int64, RestoredContext, error) {
	state, lastSeq, err := r.Restore(ctx, workflowID)
	if err != nil {
		return WorkflowState{}, 0, RestoredContext{}, err
	}

	events, err := r.journal.Replay(ctx, workflowID, 0)
	if err != nil {
		return state, lastSeq, RestoredContext{}, nil
	}

	var rc RestoredContext
	var lastDigestSeq int64
	for _, ev := range events {
		switch payload := ev.Payload.(type) {
		case ContextAnnotationPayload:
			rc.Annotations = append(rc.Annotations, payload)
		case ContextReasoningPayload:
			if ev.EventSeq > lastDigestSeq {
				rc.UndigestedChunks = append(rc.UndigestedChunks, payload.Chunk)
			}
			rc.TotalOutputBytes += int64(payload.ChunkSize)
		case ContextDigestPayload:
			rc.DigestHistory = append(rc.DigestHistory, payload)
			if !payload.DistillFailed {
				rc.LatestDigest = payload.Digest
				lastDigestSeq = ev.EventSeq
				rc.UndigestedChunks = nil
			}
		case SavepointCreatedPayload:
			rc.Savepoints = append(rc.Savepoints, payload)
		case StepCompletedPayload:
			rc.CompletedSteps++
		}
	}
	return state, lastSeq, rc, nil
}
