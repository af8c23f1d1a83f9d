package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of profile rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending profiles even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the reference profile
// collector.
//
// Profile ingestion is batched: callers enqueue individual Profile values
// via BatchInsertProfiles, which accumulates them in memory and flushes to
// the database either when the buffer reaches batchSize or when the
// background ticker fires, whichever comes first. All other operations
// (agents, audit entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Profile
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Profile, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered profiles, and closes the connection pool. It is safe to call
// Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertProfiles enqueues p for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertProfiles(ctx context.Context, p Profile) error {
	s.mu.Lock()
	s.batch = append(s.batch, p)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current profile buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// are silently ignored (idempotent replay support, matching the agent
// transport's at-least-once delivery).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Profile, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO profiles
			(profile_id, agent_id, watcher_name, watcher_type, cycle_start,
			 duration_nanos, labels, profile_bytes, size_bytes, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		p := &toInsert[i]
		labels := []byte(p.Labels)
		if labels == nil {
			labels = []byte("null")
		}
		b.Queue(query,
			p.ProfileID, p.AgentID, p.WatcherName, string(p.WatcherType), p.CycleStart,
			p.DurationNanos, labels, p.ProfileBytes, p.SizeBytes, p.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec profile: %w", err)
		}
	}
	return nil
}

// QueryProfiles returns paginated profile metadata (ProfileBytes excluded)
// that falls within [q.From, q.To) on the received_at column. The
// time-range constraint enables PostgreSQL partition pruning so only the
// relevant partitions are scanned.
//
// Optional filters: q.AgentID (exact match), q.WatcherName (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, profile_id ASC.
func (s *Store) QueryProfiles(ctx context.Context, q ProfileQuery) ([]Profile, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.AgentID != "" {
		where += fmt.Sprintf(" AND agent_id = $%d", argIdx)
		args = append(args, q.AgentID)
		argIdx++
	}
	if q.WatcherName != "" {
		where += fmt.Sprintf(" AND watcher_name = $%d", argIdx)
		args = append(args, q.WatcherName)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT profile_id, agent_id, watcher_name, watcher_type, cycle_start,
		       duration_nanos, labels, size_bytes, received_at
		FROM   profiles
		%s
		ORDER  BY received_at DESC, profile_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		var labels []byte
		var watcherType string
		err := rows.Scan(
			&p.ProfileID, &p.AgentID, &p.WatcherName, &watcherType, &p.CycleStart,
			&p.DurationNanos, &labels, &p.SizeBytes, &p.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.WatcherType = WatcherType(watcherType)
		p.Labels = labels
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// GetProfileBytes fetches the serialized pprof payload for one profile by
// id, for on-demand download from the query API.
func (s *Store) GetProfileBytes(ctx context.Context, profileID string) ([]byte, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `SELECT profile_bytes FROM profiles WHERE profile_id = $1`, profileID).Scan(&b)
	if err != nil {
		return nil, fmt.Errorf("get profile bytes %s: %w", profileID, err)
	}
	return b, nil
}

// --- Agent CRUD ---

// UpsertAgent inserts a new agent or, on hostname conflict, updates all
// mutable fields. It returns the effective agent_id that is persisted in
// the database: on a clean insert this equals a.AgentID; on a hostname
// conflict the existing agent_id is returned unchanged, so callers always
// receive a stable identifier that correlates with historical profiles even
// across agent reconnects.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) (string, error) {
	var effectiveAgentID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agents
			(agent_id, hostname, ip_address, platform, agent_version, last_seen, status)
		VALUES ($1, $2, $3::inet, $4, $5, $6, $7)
		ON CONFLICT (hostname) DO UPDATE SET
			ip_address    = EXCLUDED.ip_address,
			platform      = EXCLUDED.platform,
			agent_version = EXCLUDED.agent_version,
			last_seen     = EXCLUDED.last_seen,
			status        = EXCLUDED.status
		RETURNING agent_id`,
		a.AgentID,
		a.Hostname,
		nullableStr(a.IPAddress),
		nullableStr(a.Platform),
		nullableStr(a.AgentVersion),
		a.LastSeen,
		string(a.Status),
	).Scan(&effectiveAgentID)
	if err != nil {
		return "", fmt.Errorf("upsert agent: %w", err)
	}
	return effectiveAgentID, nil
}

// GetAgent returns the agent with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, hostname, ip_address::text, platform, agent_version, last_seen, status
		FROM   agents
		WHERE  agent_id = $1`, agentID)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListAgents returns all registered agents ordered alphabetically by
// hostname.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, hostname, ip_address::text, platform, agent_version, last_seen, status
		FROM   agents
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// --- ProfileAuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry. The
// caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e ProfileAuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profile_audit_entries
			(entry_id, agent_id, sequence_num, profile_id, event_hash, prev_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.AgentID,
		e.SequenceNum,
		e.ProfileID,
		e.EventHash,
		e.PrevHash,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for agentID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, agentID string, from, to time.Time) ([]ProfileAuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, agent_id, sequence_num, profile_id, event_hash, prev_hash, created_at
		FROM   profile_audit_entries
		WHERE  agent_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		agentID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []ProfileAuditEntry
	for rows.Next() {
		var e ProfileAuditEntry
		err := rows.Scan(
			&e.EntryID, &e.AgentID, &e.SequenceNum, &e.ProfileID,
			&e.EventHash, &e.PrevHash,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanAgent reads one agent row from s. The ip_address column must be
// projected as ::text by the caller.
func scanAgent(s scanner) (*Agent, error) {
	var a Agent
	var ip, platform, agentVersion *string
	var status string
	err := s.Scan(
		&a.AgentID, &a.Hostname,
		&ip, &platform, &agentVersion,
		&a.LastSeen,
		&status,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)
	if ip != nil {
		a.IPAddress = *ip
	}
	if platform != nil {
		a.Platform = *platform
	}
	if agentVersion != nil {
		a.AgentVersion = *agentVersion
	}
	return &a, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
