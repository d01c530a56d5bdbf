package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL is a RelationalStore backed by InnoDB via github.com/go-sql-driver/mysql.
// Unlike SQLite it supports genuine concurrent writers, so mutual exclusion
// relies entirely on the schema's unique keys and transactional
// conditional-UPDATEs rather than a single-connection pool.
type MySQL struct {
	db *sql.DB
}

// NewMySQL opens a MySQL-backed store using dsn (a
// github.com/go-sql-driver/mysql data source name, e.g.
// "user:pass@tcp(host:3306)/dbname?parseTime=true"). The connection pool is
// tuned for a long-lived server process: a handful of idle connections kept
// warm, open connections capped well under typical MySQL max_connections,
// and both bounded-lifetime so a load balancer or proxy in front of the
// database can rotate connections without them going stale.
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	m := &MySQL{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return m, nil
}

func (m *MySQL) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			workflow_id VARCHAR(191) NOT NULL,
			event_seq BIGINT NOT NULL,
			event_id VARCHAR(191) NOT NULL,
			event_type VARCHAR(128) NOT NULL,
			payload LONGTEXT NOT NULL,
			timestamp VARCHAR(64) NOT NULL,
			schema_version VARCHAR(32) NOT NULL,
			producer_version VARCHAR(64) NOT NULL,
			checksum VARCHAR(128) NOT NULL,
			UNIQUE KEY uq_events_id (event_id),
			PRIMARY KEY (workflow_id, event_seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS workflow_event_seq (
			workflow_id VARCHAR(191) PRIMARY KEY,
			last_seq BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id VARCHAR(191) PRIMARY KEY,
			workflow_id VARCHAR(191) NOT NULL,
			org_id VARCHAR(191) NOT NULL,
			step_number BIGINT NOT NULL,
			last_event_seq BIGINT NOT NULL,
			state_inline LONGBLOB,
			state_blob_key VARCHAR(512),
			state_checksum VARCHAR(128) NOT NULL,
			created_at VARCHAR(64) NOT NULL,
			KEY idx_snapshots_wf_seq (workflow_id, last_event_seq DESC)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS workflow_leases (
			workflow_id VARCHAR(191) NOT NULL,
			org_id VARCHAR(191) NOT NULL,
			owner_id VARCHAR(191) NOT NULL,
			acquired_at VARCHAR(64) NOT NULL,
			lease_expires_at VARCHAR(64) NOT NULL,
			fencing_token BIGINT NOT NULL,
			heartbeat_at VARCHAR(64) NOT NULL,
			PRIMARY KEY (workflow_id, org_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			workflow_id VARCHAR(191) NOT NULL,
			step_id VARCHAR(191) NOT NULL,
			attempt_id INT NOT NULL,
			fencing_token BIGINT NOT NULL,
			started_at VARCHAR(64) NOT NULL,
			PRIMARY KEY (workflow_id, step_id, attempt_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS completed_steps (
			workflow_id VARCHAR(191) NOT NULL,
			step_id VARCHAR(191) NOT NULL,
			attempt_id INT NOT NULL,
			completed_at VARCHAR(64) NOT NULL,
			result_snapshot_ref VARCHAR(512) NOT NULL,
			result_checksum VARCHAR(128) NOT NULL,
			PRIMARY KEY (workflow_id, step_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (m *MySQL) Close() error { return m.db.Close() }

// Ping verifies the connection is still reachable.
func (m *MySQL) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

// Stats exposes the underlying connection pool's statistics, useful for an
// operator dashboard watching for exhaustion under load.
func (m *MySQL) Stats() sql.DBStats { return m.db.Stats() }

func (m *MySQL) AppendEvent(ctx context.Context, row EventRow, checksumFn func(seq int64) string) (int64, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT last_seq FROM workflow_event_seq WHERE workflow_id = ? FOR UPDATE`, row.WorkflowID).Scan(&last)
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

func (m *MySQL) GetEvents(ctx context.Context, workflowID string, afterSeq int64) ([]EventRow, error) {
	rows, err := m.db.QueryContext(ctx, `
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

func (m *MySQL) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.WorkflowID, snap.OrgID, snap.StepNumber, snap.LastEventSeq,
		nullableBytes(snap.InlineState), nullableString(snap.BlobKey), snap.StateChecksum, snap.CreatedAt.Format(timeLayout))
	return err
}

func (m *MySQL) LoadSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	return m.scanSnapshot(m.db.QueryRowContext(ctx, `
		SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at
		FROM snapshots WHERE snapshot_id = ?`, snapshotID))
}

func (m *MySQL) LatestSnapshot(ctx context.Context, workflowID string) (Snapshot, error) {
	return m.scanSnapshot(m.db.QueryRowContext(ctx, `
		SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at
		FROM snapshots WHERE workflow_id = ? ORDER BY last_event_seq DESC LIMIT 1`, workflowID))
}

func (m *MySQL) SnapshotAtSeq(ctx context.Context, workflowID string, targetSeq int64) (Snapshot, error) {
	return m.scanSnapshot(m.db.QueryRowContext(ctx, `
		SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_blob_key, state_checksum, created_at
		FROM snapshots WHERE workflow_id = ? AND last_event_seq <= ? ORDER BY last_event_seq DESC LIMIT 1`, workflowID, targetSeq))
}

func (m *MySQL) scanSnapshot(row *sql.Row) (Snapshot, error) {
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

func (m *MySQL) AcquireLease(ctx context.Context, workflowID, orgID, ownerID string, duration time.Duration, now time.Time) (Lease, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var token int64
	var expires string
	err = tx.QueryRowContext(ctx, `SELECT fencing_token, lease_expires_at FROM workflow_leases WHERE workflow_id = ? AND org_id = ? FOR UPDATE`, workflowID, orgID).Scan(&token, &expires)
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

func (m *MySQL) HeartbeatLease(ctx context.Context, lease Lease, duration time.Duration, now time.Time) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
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

func (m *MySQL) ReleaseLease(ctx context.Context, lease Lease) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM workflow_leases WHERE workflow_id = ? AND fencing_token = ?`, lease.WorkflowID, lease.FencingToken)
	return err
}

// AllocateAttempt tries each candidate attempt id in turn. MySQL reports a
// primary-key conflict as error 1062 via the driver, but we treat any insert
// error as a conflict and move to the next candidate rather than depend on
// driver-specific error codes: a non-conflict error (e.g. a dropped
// connection) will simply exhaust all candidates and surface as
// ErrAttemptExists wrapped in a bounded-retry failure, which is the same
// degenerate-but-safe behavior SQLite's AllocateAttempt has.
func (m *MySQL) AllocateAttempt(ctx context.Context, workflowID, stepID string, fencingToken int64, maxAttempts int, now time.Time) (int, error) {
	for id := 1; id <= maxAttempts; id++ {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO step_attempts (workflow_id, step_id, attempt_id, fencing_token, started_at)
			VALUES (?, ?, ?, ?, ?)`, workflowID, stepID, id, fencingToken, now.Format(timeLayout))
		if err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: exhausted %d attempts for %s/%s", ErrAttemptExists, maxAttempts, workflowID, stepID)
}

func (m *MySQL) CheckCompleted(ctx context.Context, workflowID, stepID string) (CompletedStep, error) {
	var row CompletedStep
	var completedAt string
	err := m.db.QueryRowContext(ctx, `
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

func (m *MySQL) MarkCompleted(ctx context.Context, row CompletedStep) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO completed_steps (workflow_id, step_id, attempt_id, completed_at, result_snapshot_ref, result_checksum)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE workflow_id = workflow_id`,
		row.WorkflowID, row.StepID, row.AttemptID, row.CompletedAt.Format(timeLayout), row.ResultSnapshotRef, row.ResultChecksum)
	return err
}
