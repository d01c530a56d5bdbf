// Package store defines the relational and blob storage contracts the
// engine requires, plus reference implementations (in-memory, SQLite,
// MySQL, Postgres, S3). Only the contracts here are part of the engine's
// core; any specific driver is an out-of-scope external collaborator per
// the specification.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrStaleFence names a write carrying a fencing token lower than the one
// currently recorded for the workflow's lease row. No implementation in
// this package returns it: writes are not checked against the lease row's
// fencing token.
var ErrStaleFence = errors.New("store: stale fencing token")

// ErrAttemptExists is wrapped in the error AllocateAttempt returns when
// every candidate attempt id up to maxAttempts already has a row; the
// idempotency guard reports that as TooManyAttempts.
var ErrAttemptExists = errors.New("store: attempt id already allocated")

// EventRow is the durable form of a journal record. Payload is the
// already-serialized canonical JSON of the event's type-specific fields
// plus event_type and schema_version, per the event payload framing rule.
type EventRow struct {
	EventID         string
	WorkflowID      string
	OrgID           string
	EventSeq        int64
	EventType       string
	Payload         []byte
	Timestamp       time.Time
	SchemaVersion   string
	ProducerVersion string
	Checksum        string
}

// Snapshot is the durable form of a workflow state snapshot. Exactly one
// of InlineState or BlobKey is set: InlineState when the serialized state
// is under the inline-cutover threshold, BlobKey otherwise.
type Snapshot struct {
	SnapshotID    string
	WorkflowID    string
	OrgID         string
	StepNumber    int64
	LastEventSeq  int64
	InlineState   []byte
	BlobKey       string
	StateChecksum string
	CreatedAt     time.Time
}

// Lease is the durable form of single-writer ownership over a workflow.
type Lease struct {
	WorkflowID     string
	OrgID          string
	OwnerID        string
	FencingToken   int64
	AcquiredAt     time.Time
	LeaseExpiresAt time.Time
	HeartbeatAt    time.Time
}

// CompletedStep is the durable form of an at-most-once step completion
// record.
type CompletedStep struct {
	WorkflowID        string
	StepID            string
	AttemptID         int
	CompletedAt       time.Time
	ResultSnapshotRef string
	ResultChecksum    string
}

// RelationalStore is the full contract the engine requires of its backing
// relational database: row-level transactions (implied by the atomicity
// each method below must provide), unique constraints, conditional
// UPDATE-returning-affected-row, ON CONFLICT DO NOTHING-equivalent
// idempotent upsert, and monotonic per-workflow sequence allocation.
//
// Implementations: Memory (tests), SQLite, MySQL, Postgres.
type RelationalStore interface {
	// AppendEvent assigns the next event_seq for row.WorkflowID atomically
	// with the insert. row.Checksum is ignored on input: the event
	// checksum is defined over the record including its assigned
	// event_seq, so AppendEvent calls checksumFn(seq) once the sequence
	// is known (inside the same transaction as the insert) and persists
	// that value instead.
	AppendEvent(ctx context.Context, row EventRow, checksumFn func(seq int64) string) (seq int64, err error)

	// GetEvents returns events for workflowID with event_seq > afterSeq, in
	// ascending event_seq order.
	GetEvents(ctx context.Context, workflowID string, afterSeq int64) ([]EventRow, error)

	// SaveSnapshot inserts a new snapshot row.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot fetches a snapshot by id.
	LoadSnapshot(ctx context.Context, snapshotID string) (Snapshot, error)

	// LatestSnapshot returns the highest last_event_seq row for
	// workflowID, or ErrNotFound if none exists.
	LatestSnapshot(ctx context.Context, workflowID string) (Snapshot, error)

	// SnapshotAtSeq returns the highest last_event_seq row with
	// last_event_seq <= targetSeq, or ErrNotFound if none exists.
	SnapshotAtSeq(ctx context.Context, workflowID string, targetSeq int64) (Snapshot, error)

	// AcquireLease creates the lease row if none exists, or takes over an
	// expired one (incrementing FencingToken). Returns ErrNotFound (not an
	// error condition the caller should alarm on) if another live owner
	// holds the lease.
	AcquireLease(ctx context.Context, workflowID, orgID, ownerID string, duration time.Duration, now time.Time) (Lease, error)

	// HeartbeatLease extends lease_expires_at to now+duration iff the row's
	// (owner_id, fencing_token) still matches lease. Returns ok=false on
	// mismatch; this is a silent no-op, not an error.
	HeartbeatLease(ctx context.Context, lease Lease, duration time.Duration, now time.Time) (ok bool, err error)

	// ReleaseLease deletes the row iff (workflow_id, fencing_token)
	// matches lease.
	ReleaseLease(ctx context.Context, lease Lease) error

	// AllocateAttempt inserts (workflowID, stepID, attemptID, fencingToken,
	// startedAt) for the smallest attemptID >= 1 not already present, up to
	// maxAttempts tries. Returns ErrAttemptExists-wrapping error only if
	// every candidate up to maxAttempts is taken.
	AllocateAttempt(ctx context.Context, workflowID, stepID string, fencingToken int64, maxAttempts int, now time.Time) (attemptID int, err error)

	// CheckCompleted returns the completion row for (workflowID, stepID),
	// or ErrNotFound if the step has never completed.
	CheckCompleted(ctx context.Context, workflowID, stepID string) (CompletedStep, error)

	// MarkCompleted inserts the completion row with ON CONFLICT DO NOTHING
	// semantics: concurrent marks for the same (workflowID, stepID) are
	// harmless, and only the first durably wins.
	MarkCompleted(ctx context.Context, row CompletedStep) error
}

// BlobStore is the contract for content/id-addressed immutable object
// storage backing out-of-line snapshots. Implementations: MemoryBlob,
// S3Blob (see blob_s3.go).
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}
