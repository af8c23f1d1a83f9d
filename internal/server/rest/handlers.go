package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/profiler/internal/server/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetProfiles responds to GET /api/v1/profiles/{watcher}.
//
// Supported query parameters:
//
//	agent_id – exact agent UUID filter (optional)
//	from      – RFC3339 start of the received_at window (required)
//	to        – RFC3339 end of the received_at window (required)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Profile objects on success. The
// returned Profile values never carry the pprof payload bytes; fetch those
// separately via handleGetProfileBytes.
func (s *Server) handleGetProfiles(w http.ResponseWriter, r *http.Request) {
	watcher := chi.URLParam(r, "watcher")
	if watcher == "" {
		writeError(w, http.StatusBadRequest, "watcher name is required")
		return
	}

	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	pq := storage.ProfileQuery{
		WatcherName: watcher,
		From:        from,
		To:          to,
	}

	if agentID := q.Get("agent_id"); agentID != "" {
		pq.AgentID = agentID
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		pq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		pq.Offset = offset
	}

	profiles, err := s.store.QueryProfiles(r.Context(), pq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query profiles")
		return
	}

	// Ensure we always return a JSON array, not null.
	if profiles == nil {
		profiles = []storage.Profile{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(profiles)
}

// handleGetProfileBytes responds to GET /api/v1/profiles/{watcher}/{id}/raw
// with the raw gzip-compressed pprof payload for one profile. The watcher
// path segment is accepted but not itself validated against the profile's
// own watcher_name (the profile_id is already globally unique); it exists
// so the route mirrors handleGetProfiles and stays discoverable under the
// same resource path.
func (s *Server) handleGetProfileBytes(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	if profileID == "" {
		writeError(w, http.StatusBadRequest, "profile id is required")
		return
	}

	b, err := s.store.GetProfileBytes(r.Context(), profileID)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// handleGetAgents responds to GET /api/v1/agents.
//
// Returns HTTP 200 with a JSON array of all registered Agent objects ordered
// alphabetically by hostname.
func (s *Server) handleGetAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	if agents == nil {
		agents = []storage.Agent{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(agents)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Supported query parameters:
//
//	agent_id – exact agent UUID (required)
//	from      – RFC3339 start of the created_at window (required)
//	to        – RFC3339 end of the created_at window (required)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of ProfileAuditEntry objects on
// success.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	agentID := q.Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'agent_id' is required")
		return
	}

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), agentID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}

	if entries == nil {
		entries = []storage.ProfileAuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}
