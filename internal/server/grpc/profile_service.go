// Package grpc implements the reference collector's profile ingestion
// service.  ProfileService handles a single RPC:
//
//   - UploadProfile — receives one watcher's aggregated, gzip-compressed
//     pprof profile for a single cycle, upserts the uploading agent's
//     identity, and persists the profile's metadata and bytes to PostgreSQL.
//
// Agent identity is derived from the mTLS client-certificate CommonName when
// present, falling back to the session id carried in the request, so a
// collector trusting its own CA never depends on an agent-supplied hostname
// string for correlation.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	profilepb "github.com/tripwire/profiler/proto/profile"
	"github.com/tripwire/profiler/internal/server/storage"
)

// Store is the subset of the storage layer used by ProfileService.
type Store interface {
	// UpsertAgent inserts or updates an agent record and returns the
	// effective agent_id persisted in the database.  On a first insert the
	// supplied a.AgentID is stored and returned; on a hostname conflict the
	// pre-existing agent_id is returned unchanged, so profile correlation
	// remains intact across agent reconnects.
	UpsertAgent(ctx context.Context, a storage.Agent) (string, error)
	BatchInsertProfiles(ctx context.Context, p storage.Profile) error
}

// Notifier is the subset of a fan-out broadcaster used to tell connected
// dashboard clients that a new profile has landed.  Declaring a local
// interface keeps ProfileService trivially testable with a stub.
type Notifier interface {
	NotifyProfile(agentID, watcherName string, receivedAt time.Time)
}

// ProfileService implements profilepb.ProfileServiceServer.
type ProfileService struct {
	profilepb.UnimplementedProfileServiceServer

	store    Store
	notifier Notifier
	logger   *slog.Logger

	// maxProfileAgeSecs bounds how stale a batch's cycle_start may be
	// relative to the server clock before it is rejected; guards against a
	// clock-skewed or replaying agent silently back-filling old data into
	// the wrong partition.
	maxProfileAgeSecs int64
}

// NewProfileService creates a ProfileService wired to store and notifier.
//
// notifier may be nil, in which case ingestion proceeds without any
// real-time fan-out. maxProfileAgeSecs <= 0 uses the default of 3600 (one
// hour), generous enough to absorb queue/transport retry backoff without
// rejecting legitimately delayed uploads.
func NewProfileService(store Store, notifier Notifier, logger *slog.Logger, maxProfileAgeSecs int64) *ProfileService {
	if maxProfileAgeSecs <= 0 {
		maxProfileAgeSecs = 3600
	}
	return &ProfileService{
		store:             store,
		notifier:          notifier,
		logger:            logger,
		maxProfileAgeSecs: maxProfileAgeSecs,
	}
}

// UploadProfile implements profilepb.ProfileServiceServer.UploadProfile.
func (s *ProfileService) UploadProfile(ctx context.Context, req *profilepb.ProfileBatch) (*profilepb.UploadAck, error) {
	agent, err := s.upsertAgent(ctx, req)
	if err != nil {
		s.logger.Error("upload_profile: upsert agent failed",
			slog.String("session_id", req.GetSessionId()),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "upload_profile: upsert agent: %v", err)
	}

	profile, err := s.validateAndConvert(agent, req)
	if err != nil {
		s.logger.Warn("upload_profile: rejected",
			slog.String("watcher_name", req.GetWatcherName()),
			slog.String("agent_id", agent),
			slog.String("reason", err.Error()),
		)
		return &profilepb.UploadAck{Accepted: false, Message: err.Error()}, nil
	}

	if err := s.store.BatchInsertProfiles(ctx, *profile); err != nil {
		s.logger.Error("upload_profile: persist failed",
			slog.String("profile_id", profile.ProfileID),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "upload_profile: store: %v", err)
	}

	s.logger.Info("profile ingested",
		slog.String("profile_id", profile.ProfileID),
		slog.String("agent_id", profile.AgentID),
		slog.String("watcher_name", profile.WatcherName),
		slog.Int("size_bytes", profile.SizeBytes),
	)

	if s.notifier != nil {
		s.notifier.NotifyProfile(profile.AgentID, profile.WatcherName, profile.ReceivedAt)
	}

	return &profilepb.UploadAck{Accepted: true, Message: profile.ProfileID}, nil
}

// upsertAgent derives the agent's identity for this upload. The mTLS
// client-certificate CommonName is preferred over the session id, since
// identity tied to the PKI cannot be spoofed by an agent's own request
// payload.
func (s *ProfileService) upsertAgent(ctx context.Context, req *profilepb.ProfileBatch) (string, error) {
	hostname := certCN(ctx)
	if hostname == "" {
		hostname = req.GetSessionId()
	}
	if hostname == "" {
		return "", fmt.Errorf("no client identity available: missing both mTLS CN and session_id")
	}

	now := time.Now().UTC()
	a := storage.Agent{
		AgentID:  uuid.NewString(),
		Hostname: hostname,
		LastSeen: &now,
		Status:   storage.AgentStatusOnline,
	}
	return s.store.UpsertAgent(ctx, a)
}

// validateAndConvert checks that req carries all required fields and
// converts it to a storage.Profile ready for insertion.
func (s *ProfileService) validateAndConvert(agentID string, req *profilepb.ProfileBatch) (*storage.Profile, error) {
	if req.GetWatcherName() == "" {
		return nil, fmt.Errorf("watcher_name is required")
	}
	if len(req.GetPprofGzipBytes()) == 0 {
		return nil, fmt.Errorf("pprof_gzip_bytes must not be empty")
	}
	if req.GetTimeNanos() == 0 {
		return nil, fmt.Errorf("time_nanos is required")
	}

	cycleStart := time.Unix(0, req.GetTimeNanos()).UTC()
	now := time.Now().UTC()
	if cycleStart.Before(now.Add(-time.Duration(s.maxProfileAgeSecs) * time.Second)) {
		return nil, fmt.Errorf("cycle_start %s is too old (>%ds)", cycleStart, s.maxProfileAgeSecs)
	}
	if cycleStart.After(now.Add(60 * time.Second)) {
		return nil, fmt.Errorf("cycle_start %s is too far in the future (>60s)", cycleStart)
	}

	var labels []byte
	if len(req.GetLabels()) > 0 {
		b, err := json.Marshal(req.GetLabels())
		if err != nil {
			return nil, fmt.Errorf("marshal labels: %w", err)
		}
		labels = b
	}

	watcherType := storage.WatcherTypeCPU
	if req.GetPeriodType() == "space" || req.GetPeriodType() == "bytes" {
		watcherType = storage.WatcherTypeAlloc
	}

	return &storage.Profile{
		ProfileID:     uuid.NewString(),
		AgentID:       agentID,
		WatcherName:   req.GetWatcherName(),
		WatcherType:   watcherType,
		CycleStart:    cycleStart,
		DurationNanos: req.GetDurationNanos(),
		Labels:        labels,
		ProfileBytes:  req.GetPprofGzipBytes(),
		SizeBytes:     len(req.GetPprofGzipBytes()),
		ReceivedAt:    now,
	}, nil
}

// certCN extracts the CommonName from the mTLS client certificate attached
// to ctx. Returns an empty string when no peer info or certificate is
// available (e.g. the collector is running with Insecure transport).
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}
