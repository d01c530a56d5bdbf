package contd

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/contd/store"
	"github.com/google/uuid"
)

// inlineThreshold is the serialized-state byte size under which a snapshot
// is stored directly in the relational row; at or above it, the bytes go
// to the blob store and only a key is recorded.
const inlineThreshold = 100_000

// SnapshotStore persists full workflow state, choosing inline or blob
// storage by size, and validates checksums on every load.
type SnapshotStore struct {
	rel  store.RelationalStore
	blob store.BlobStore
}

// NewSnapshotStore returns a SnapshotStore backed by rel and blob.
func NewSnapshotStore(rel store.RelationalStore, blob store.BlobStore) *SnapshotStore {
	return &SnapshotStore{rel: rel, blob: blob}
}

// Save serializes state canonically, computes its checksum, and stores it
// inline or in the blob store depending on size, recording lastEventSeq as
// the journal position the snapshot corresponds to.
func (s *SnapshotStore) Save(ctx context.Context, state WorkflowState, lastEventSeq int64) (string, error) {
	serialized, err := canonicalJSON(state)
	if err != nil {
		return "", &EngineError{Kind: ErrKindSnapshotCorruption, Message: "serialize state", WorkflowID: state.WorkflowID, Cause: err}
	}
	checksum := checksumOf(state)
	snapshotID := uuid.NewString()

	snap := store.Snapshot{
		SnapshotID:    snapshotID,
		WorkflowID:    state.WorkflowID,
		OrgID:         state.OrgID,
		StepNumber:    state.StepNumber,
		LastEventSeq:  lastEventSeq,
		StateChecksum: checksum,
		CreatedAt:     time.Now().UTC(),
	}

	if len(serialized) < inlineThreshold {
		snap.InlineState = serialized
	} else {
		key := fmt.Sprintf("snapshots/%s/%s", state.WorkflowID, snapshotID)
		if err := s.blob.Put(ctx, key, serialized); err != nil {
			return "", fmt.Errorf("put snapshot blob: %w", err)
		}
		snap.BlobKey = key
	}

	if err := s.rel.SaveSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("save snapshot row: %w", err)
	}
	return snapshotID, nil
}

// Load fetches the snapshot's bytes (inline or from the blob store),
// verifies its checksum, and decodes it into a WorkflowState. A checksum
// mismatch is SnapshotCorruption.
func (s *SnapshotStore) Load(ctx context.Context, snapshotID string) (WorkflowState, error) {
	snap, err := s.rel.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return WorkflowState{}, err
	}
	return s.decode(ctx, snap)
}

// Latest returns the snapshot with the highest last_event_seq for
// workflowID, along with that sequence number.
func (s *SnapshotStore) Latest(ctx context.Context, workflowID string) (WorkflowState, int64, error) {
	snap, err := s.rel.LatestSnapshot(ctx, workflowID)
	if err != nil {
		return WorkflowState{}, 0, err
	}
	state, err := s.decode(ctx, snap)
	if err != nil {
		return WorkflowState{}, 0, err
	}
	return state, snap.LastEventSeq, nil
}

// AtSeq returns the highest-last_event_seq snapshot with last_event_seq <=
// targetSeq, along with that sequence number.
func (s *SnapshotStore) AtSeq(ctx context.Context, workflowID string, targetSeq int64) (WorkflowState, int64, error) {
	snap, err := s.rel.SnapshotAtSeq(ctx, workflowID, targetSeq)
	if err != nil {
		return WorkflowState{}, 0, err
	}
	state, err := s.decode(ctx, snap)
	if err != nil {
		return WorkflowState{}, 0, err
	}
	return state, snap.LastEventSeq, nil
}

func (s *SnapshotStore) decode(ctx context.Context, snap store.Snapshot) (WorkflowState, error) {
	var serialized []byte
	if len(snap.InlineState) > 0 {
		serialized = snap.InlineState
	} else {
		b, err := s.blob.Get(ctx, snap.BlobKey)
		if err != nil {
			return WorkflowState{}, fmt.Errorf("get snapshot blob: %w", err)
		}
		serialized = b
	}

	sum := checksumOfBytes(serialized)
	if sum != snap.StateChecksum {
		return WorkflowState{}, &EngineError{Kind: ErrKindSnapshotCorruption, Message: fmt.Sprintf("snapshot %s corrupted", snap.SnapshotID), WorkflowID: snap.WorkflowID}
	}

	var state WorkflowState
	if err := unmarshalCanonical(serialized, &state); err != nil {
		return WorkflowState{}, &EngineError{Kind: ErrKindSnapshotCorruption, Message: "decode snapshot", WorkflowID: snap.WorkflowID, Cause: err}
	}
	return state, nil
}
