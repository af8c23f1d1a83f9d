package rest

import (
	"context"
	"time"

	"github.com/tripwire/profiler/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryProfiles returns profile metadata (excluding the pprof payload
	// itself) matching the given filter and pagination params.
	QueryProfiles(ctx context.Context, q storage.ProfileQuery) ([]storage.Profile, error)

	// GetProfileBytes fetches the full gzip-compressed pprof payload for one
	// profile by id.
	GetProfileBytes(ctx context.Context, profileID string) ([]byte, error)

	// ListAgents returns all registered agents ordered alphabetically by
	// hostname.
	ListAgents(ctx context.Context) ([]storage.Agent, error)

	// QueryAuditEntries returns audit entries for agentID within [from, to).
	QueryAuditEntries(ctx context.Context, agentID string, from, to time.Time) ([]storage.ProfileAuditEntry, error)
}
