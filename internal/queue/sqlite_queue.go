// Package queue provides a WAL-mode SQLite-backed profile queue for the
// profiler agent. Profiles are persisted on Enqueue and are not removed
// until the caller calls Ack, giving the agent at-least-once delivery to the
// remote collector across reconnects and restarts.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other. This
// matters because the agent's aggregation cycle calls Enqueue while a
// separate delivery goroutine calls Dequeue and Ack.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the profile is returned again by the next
// Dequeue call after restart, ensuring every cycle's profile reaches the
// collector even when the transport is temporarily unavailable.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Profile is one aggregation cycle's pprof-format profile, pending upload.
type Profile struct {
	// WatcherName identifies the watcher that produced this profile.
	WatcherName string
	// CycleStart is the start time of the aggregation cycle this profile
	// covers.
	CycleStart time.Time
	// DurationNanos is the wall-clock length of the aggregation cycle.
	DurationNanos int64
	// ProfileBytes is the gzip-compressed, serialized pprof profile.
	ProfileBytes []byte
}

// SQLiteQueue is a WAL-mode SQLite-backed profile queue. It is safe for
// concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode: readers and the single writer proceed concurrently.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	// This gives a significant write-throughput improvement over FULL while
	// still guaranteeing that a committed transaction survives a process exit.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	// Apply the schema (idempotent: CREATE TABLE IF NOT EXISTS).
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	// Seed the depth counter from existing undelivered rows so that Depth()
	// reflects the correct value immediately after a restart.
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM profile_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained; it
// is the queue's only schema definition.
const ddl = `
CREATE TABLE IF NOT EXISTS profile_queue (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    watcher_name   TEXT    NOT NULL,
    cycle_start    TEXT    NOT NULL,
    duration_nanos INTEGER NOT NULL,
    profile_bytes  BLOB    NOT NULL,
    enqueued_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_profile_queue_pending
    ON profile_queue (delivered, id);
`

// Enqueue persists p to the SQLite database. The profile is stored with
// delivered = 0 and is included in subsequent Dequeue results until Ack is
// called for its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, p Profile) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO profile_queue (watcher_name, cycle_start, duration_nanos, profile_bytes)
		 VALUES (?, ?, ?, ?)`,
		p.WatcherName,
		p.CycleStart.UTC().Format(time.RFC3339Nano),
		p.DurationNanos,
		p.ProfileBytes,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingProfile is an unacknowledged profile returned by Dequeue.
// ID is the database primary key used to acknowledge the profile via Ack.
type PendingProfile struct {
	ID      int64
	Profile Profile
}

// Dequeue returns up to n unacknowledged profiles in insertion order (oldest
// first). It does not mark profiles as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingProfile, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, watcher_name, cycle_start, duration_nanos, profile_bytes
		 FROM   profile_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingProfile
	for rows.Next() {
		var (
			pp        PendingProfile
			cycleStr  string
		)
		if err := rows.Scan(
			&pp.ID,
			&pp.Profile.WatcherName,
			&cycleStr,
			&pp.Profile.DurationNanos,
			&pp.Profile.ProfileBytes,
		); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}

		// Parse the stored RFC3339Nano timestamp; fall back to RFC3339.
		pp.Profile.CycleStart, err = time.Parse(time.RFC3339Nano, cycleStr)
		if err != nil {
			pp.Profile.CycleStart, _ = time.Parse(time.RFC3339, cycleStr)
		}

		out = append(out, pp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the profiles identified by ids as delivered. Acknowledged
// profiles are excluded from subsequent Dequeue results. Ack is idempotent:
// calling it multiple times with the same IDs is safe.
//
// The depth counter is decremented by the number of rows whose delivered
// column transitions from 0 to 1 (already-acked IDs are skipped).
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE profile_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (undelivered) profiles. It reads from
// an atomic counter that is updated by Enqueue and Ack, so it never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
