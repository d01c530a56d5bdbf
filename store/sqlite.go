package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a pure-Go (no cgo) RelationalStore backed by modernc.org/sqlite.
// It is the single-process deployment target: local development, one-box
// executors, and tests that want real SQL semantics instead of the Memory
// fixture.
//
// SQLite supports exactly one writer at a time; the connection pool is
// capped at a single connection so database/sql serializes writes for us
// rather than surfacing SQLITE_BUSY under concurrent access.
type SQLite struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLite opens (creating if necessary) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			workflow_id TEXT NOT NULL,
			event_seq INTEGER NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			schema_version TEXT NOT NULL,
			producer_version TEXT NOT NULL,
			checksum TEXT NOT NULL,
			UNIQUE(workflow_id, event_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_wf_seq ON events(workflow_id, event_seq)`,
		`CREATE TABLE IF NOT EXISTS workflow_event_seq (
			workflow_id TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			last_event_seq INTEGER NOT NULL,
			state_inline BLOB,
			state_blob_key TEXT,
			state_checksum TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_wf_seq ON snapshots(workflow_id, last_event_seq DESC)`,
		`CREATE TABLE IF NOT EXISTS workflow_leases (
			workflow_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			lease_expires_at TEXT NOT NULL,
			fencing_token INTEGER NOT NULL,
			heartbeat_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, org_id)
		)`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt_id INTEGER NOT NULL,
			fencing_token INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, step_id, attempt_id)
		)`,
		`CREATE TABLE IF NOT EXISTS completed_steps (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt_id INTEGER NOT NULL,
			completed_at TEXT NOT NULL,
			result_snapshot_ref TEXT NOT NULL,
			result_checksum TEXT NOT NULL,
			PRIMARY KEY (workflow_id, step_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339Nano

func (s *SQLite) AppendEvent(ctx context.Context, row EventRow, checksumFn func(seq int64) string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT last_seq FROM workflow_event_seq WHERE workflow_id = ?`, row.WorkflowID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	next := int64(1)
	if last.Valid {
		next = last.Int64 + 1
	}

	if last.Valid {
		if _, err := tx.ExecContext(ctx, `UPDATE workflow_event_seq SET last_seq = ? WHERE workflow_id = ?`, next, row.WorkflowID); err != nil {
			return 0, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_event_seq (workflow_id, last_seq) VALUES (?, ?)`, row.WorkflowID, next); err != nil {
			return 0, err
		}
	}

	checksum := checksumFn(next)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (workflow_id, event_seq, event_id, event_type, payload, timestamp, schema_version, producer_version, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.WorkflowID, next, row.EventID, row.EventType, string(row.Payload),
		row.Timestamp.Format(timeLayout), row.SchemaVersion, row.ProducerVersion, checksum)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SQLite) GetEvents(ctx context.Context, workflowID string, afterSeq int64) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, event_seq, event_id, event_type, payload, timestamp, schema_version, producer_version, checksum
		FROM events WHERE workflow_id = ? AND event_seq > ? ORDER BY event_seq ASC`, workflowID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var payload, ts string
		if err := rows.Scan(&r.WorkflowID, &r.EventSeq, &r.EventID, &r.EventType, &payload, &ts, &r.SchemaVersion, &r.ProducerVersion, &r.Checksum); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		parsed, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, err
		}
		r.Timestamp = parsed
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.WorkflowID, snap.OrgID, snap.StepNumber, snap.LastEventSeq,
		nullableBytes(snap.InlineState), nullableString(snap.BlobKey), snap.StateChecksum, snap.CreatedAt.Format(timeLayout))
	return err
}

func (s *SQLite) LoadSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	return s.scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at
		FROM snapshots WHERE snapshot_id = ?`, snapshotID))
}

func (s *SQLite) LatestSnapshot(ctx context.Context, workflowID string) (Snapshot, error) {
	return s.scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at
		FROM snapshots WHERE workflow_id = ? ORDER BY last_event_seq DESC LIMIT 1`, workflowID))
}

func (s *SQLite) SnapshotAtSeq(ctx context.Context, workflowID string, targetSeq int64) (Snapshot, error) {
	return s.scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at
		FROM snapshots WHERE workflow_id = ? AND last_event_seq <= ? ORDER BY last_event_seq DESC LIMIT 1`, workflowID, targetSeq))
}

func (s *SQLite) scanSnapshot(row *sql.Row) (Snapshot, error) {
	var snap Snapshot
	var inline []byte
	var blobKey sql.NullString
	var created string
	err := row.Scan(&snap.SnapshotID, &snap.WorkflowID, &snap.OrgID, &snap.StepNumber, &snap.LastEventSeq,
		&inline, &blobKey, &snap.StateChecksum, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap.InlineState = inline
	snap.BlobKey = blobKey.String
	parsed, err := time.Parse(timeLayout, created)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = parsed
	return snap, nil
}

func (s *SQLite) AcquireLease(ctx context.Context, workflowID, orgID, ownerID string, duration time.Duration, now time.Time) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var token int64
	var expires string
	err = tx.QueryRowContext(ctx, `SELECT fencing_token, lease_expires_at FROM workflow_leases WHERE workflow_id = ? AND org_id = ?`, workflowID, orgID).Scan(&token, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lease := Lease{WorkflowID: workflowID, OrgID: orgID, OwnerID: ownerID, FencingToken: 1, AcquiredAt: now, LeaseExpiresAt: now.Add(duration), HeartbeatAt: now}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_leases (workflow_id, org_id, owner_id, acquired_at, lease_expires_at, fencing_token, heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			workflowID, orgID, ownerID, now.Format(timeLayout), lease.LeaseExpiresAt.Format(timeLayout), lease.FencingToken, now.Format(timeLayout)); err != nil {
			return Lease{}, err
		}
		return lease, tx.Commit()
	case err != nil:
		return Lease{}, err
	}

	expiresAt, err := time.Parse(timeLayout, expires)
	if err != nil {
		return Lease{}, err
	}
	if expiresAt.After(now) {
		return Lease{}, ErrNotFound // still live, held by someone else
	}

	lease := Lease{WorkflowID: workflowID, OrgID: orgID, OwnerID: ownerID, FencingToken: token + 1, AcquiredAt: now, LeaseExpiresAt: now.Add(duration), HeartbeatAt: now}
	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_leases SET owner_id = ?, acquired_at = ?, lease_expires_at = ?, fencing_token = ?, heartbeat_at = ?
		WHERE workflow_id = ? AND org_id = ? AND fencing_token = ?`,
		ownerID, now.Format(timeLayout), lease.LeaseExpiresAt.Format(timeLayout), lease.FencingToken, now.Format(timeLayout),
		workflowID, orgID, token)
	if err != nil {
		return Lease{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Lease{}, ErrNotFound // lost the race to another takeover
	}
	return lease, tx.Commit()
}

func (s *SQLite) HeartbeatLease(ctx context.Context, lease Lease, duration time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_leases SET lease_expires_at = ?, heartbeat_at = ?
		WHERE workflow_id = ? AND org_id = ? AND owner_id = ? AND fencing_token = ?`,
		now.Add(duration).Format(timeLayout), now.Format(timeLayout), lease.WorkflowID, lease.OrgID, lease.OwnerID, lease.FencingToken)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLite) ReleaseLease(ctx context.Context, lease Lease) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_leases WHERE workflow_id = ? AND fencing_token = ?`, lease.WorkflowID, lease.FencingToken)
	return err
}

func (s *SQLite) AllocateAttempt(ctx context.Context, workflowID, stepID string, fencingToken int64, maxAttempts int, now time.Time) (int, error) {
	for id := 1; id <= maxAttempts; id++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO step_attempts (workflow_id, step_id, attempt_id, fencing_token, started_at)
			VALUES (?, ?, ?, ?, ?)`, workflowID, stepID, id, fencingToken, now.Format(timeLayout))
		if err == nil {
			return id, nil
		}
		// Any error here is assumed to be the PRIMARY KEY conflict on
		// (workflow_id, step_id, attempt_id); try the next candidate id.
	}
	return 0, fmt.Errorf("%w: exhausted %d attempts for %s/%s", ErrAttemptExists, maxAttempts, workflowID, stepID)
}

func (s *SQLite) CheckCompleted(ctx context.Context, workflowID, stepID string) (CompletedStep, error) {
	var row CompletedStep
	var completedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step_id, attempt_id, completed_at, result_snapshot_ref, result_checksum
		FROM completed_steps WHERE workflow_id = ? AND step_id = ?`, workflowID, stepID).
		Scan(&row.WorkflowID, &row.StepID, &row.AttemptID, &completedAt, &row.ResultSnapshotRef, &row.ResultChecksum)
	if errors.Is(err, sql.ErrNoRows) {
		return CompletedStep{}, ErrNotFound
	}
	if err != nil {
		return CompletedStep{}, err
	}
	parsed, err := time.Parse(timeLayout, completedAt)
	if err != nil {
		return CompletedStep{}, err
	}
	row.CompletedAt = parsed
	return row, nil
}

func (s *SQLite) MarkCompleted(ctx context.Context, row CompletedStep) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completed_steps (workflow_id, step_id, attempt_id, completed_at, result_snapshot_ref, result_checksum)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, step_id) DO NOTHING`,
		row.WorkflowID, row.StepID, row.AttemptID, row.CompletedAt.Format(timeLayout), row.ResultSnapshotRef, row.ResultChecksum)
	return err
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
