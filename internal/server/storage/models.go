// Package storage provides the PostgreSQL-backed persistence layer for the
// reference profile collector. It exposes typed model structs for the
// agents, profiles, and profile_audit_entries tables and a Store that wraps
// a pgxpool connection pool with a batched profile-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// WatcherType is the category of sampling watcher that produced a profile.
type WatcherType string

const (
	WatcherTypeCPU   WatcherType = "cpu"
	WatcherTypeAlloc WatcherType = "alloc"
)

// AgentStatus represents the liveness state of a connected agent as seen by
// the collector.
type AgentStatus string

const (
	AgentStatusOnline   AgentStatus = "ONLINE"
	AgentStatusOffline  AgentStatus = "OFFLINE"
	AgentStatusDegraded AgentStatus = "DEGRADED"
)

// Agent maps to the `agents` table.
//
// IPAddress is the dotted-decimal or CIDR text representation of the
// agent's primary network address. An empty string is stored as SQL NULL.
// LastSeen is nil when the agent has never uploaded a profile.
type Agent struct {
	AgentID      string      `json:"agent_id"`
	Hostname     string      `json:"hostname"`
	IPAddress    string      `json:"ip_address,omitempty"`
	Platform     string      `json:"platform,omitempty"`
	AgentVersion string      `json:"agent_version,omitempty"`
	LastSeen     *time.Time  `json:"last_seen,omitempty"`
	Status       AgentStatus `json:"status"`
}

// Profile maps to the `profiles` partitioned table: one row per flushed
// aggregation cycle uploaded by an agent.
//
// ProfileBytes carries the gzip-compressed, serialized pprof payload
// verbatim — bytes written to the DB are returned unmodified on read.
type Profile struct {
	ProfileID     string          `json:"profile_id"`
	AgentID       string          `json:"agent_id"`
	WatcherName   string          `json:"watcher_name"`
	WatcherType   WatcherType     `json:"watcher_type"`
	CycleStart    time.Time       `json:"cycle_start"`
	DurationNanos int64           `json:"duration_nanos"`
	Labels        json.RawMessage `json:"labels,omitempty"`
	ProfileBytes  []byte          `json:"-"`
	SizeBytes     int             `json:"size_bytes"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// ProfileAuditEntry maps to the `profile_audit_entries` table: a
// hash-chained, tamper-evident log of every profile ingestion, mirroring the
// append-only audit trail the teacher kept for security events.
//
// EventHash is the SHA-256 hex digest of this entry. PrevHash is the
// SHA-256 hex digest of the previous entry; for the genesis entry this is a
// string of 64 zeros.
type ProfileAuditEntry struct {
	EntryID     string    `json:"entry_id"`
	AgentID     string    `json:"agent_id"`
	SequenceNum int64     `json:"sequence_num"`
	ProfileID   string    `json:"profile_id"`
	EventHash   string    `json:"event_hash"`
	PrevHash    string    `json:"prev_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProfileQuery carries the filter and pagination parameters for
// QueryProfiles.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when <= 0. An empty
// WatcherName matches all watchers. An empty AgentID matches all agents.
type ProfileQuery struct {
	AgentID     string
	WatcherName string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}
