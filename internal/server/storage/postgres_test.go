//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/server/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/profiler/internal/server/storage"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the tests work regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// thisFile is internal/server/storage/postgres_test.go
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "db", "migrations")
}

// setupDB starts a PostgreSQL container, applies all migration files, and
// returns a Store and a raw pgxpool for schema-level assertions.
func setupDB(t *testing.T) (*storage.Store, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("profiler_test"),
		tcpostgres.WithUsername("profiler"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, migrationsDir(t))

	store, err := storage.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, rawPool, cleanup
}

// applyMigrations executes migration SQL files 001-003 in order.
func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{
		"001_agents.sql",
		"002_profiles.sql",
		"003_audit.sql",
	}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

// testAgent returns an Agent struct suitable for use in tests.
func testAgent(suffix string) storage.Agent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return storage.Agent{
		AgentID:      fmt.Sprintf("00000000-0000-0000-0000-%012s", suffix),
		Hostname:     "test-agent-" + suffix,
		IPAddress:    "10.0.0.1",
		Platform:     "linux",
		AgentVersion: "0.1.0",
		LastSeen:     &now,
		Status:       storage.AgentStatusOnline,
	}
}

// ── Agent CRUD ──────────────────────────────────────────────────────────────

func TestAgentUpsertAndGet(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAgent("000001000001")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	got, err := store.GetAgent(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Hostname != a.Hostname {
		t.Errorf("hostname: want %q, got %q", a.Hostname, got.Hostname)
	}
	if got.Platform != a.Platform {
		t.Errorf("platform: want %q, got %q", a.Platform, got.Platform)
	}
	if got.Status != a.Status {
		t.Errorf("status: want %q, got %q", a.Status, got.Status)
	}
	if got.IPAddress != a.IPAddress {
		t.Errorf("ip_address: want %q, got %q", a.IPAddress, got.IPAddress)
	}
}

func TestAgentUpsertUpdatesExisting(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAgent("000002000002")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("initial UpsertAgent: %v", err)
	}

	a.AgentVersion = "0.2.0"
	a.Status = storage.AgentStatusDegraded
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("update UpsertAgent: %v", err)
	}

	got, err := store.GetAgent(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("GetAgent after update: %v", err)
	}
	if got.AgentVersion != "0.2.0" {
		t.Errorf("agent_version: want 0.2.0, got %q", got.AgentVersion)
	}
	if got.Status != storage.AgentStatusDegraded {
		t.Errorf("status: want DEGRADED, got %q", got.Status)
	}
}

func TestListAgents(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a1 := testAgent("000003000003")
	a2 := testAgent("000004000004")
	for _, a := range []storage.Agent{a1, a2} {
		if _, err := store.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) < 2 {
		t.Errorf("want >= 2 agents, got %d", len(agents))
	}
}

// ── Profile batch insert & query ─────────────────────────────────────────────

// testProfile builds a Profile for the given agentID received in 2026-02
// (within the example child partition created by migration 002).
func testProfile(agentID, profileID, watcherName string) storage.Profile {
	ts := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	return storage.Profile{
		ProfileID:     profileID,
		AgentID:       agentID,
		WatcherName:   watcherName,
		WatcherType:   storage.WatcherTypeCPU,
		CycleStart:    ts,
		DurationNanos: int64(10 * time.Second),
		Labels:        []byte(`{"watcher":"` + watcherName + `"}`),
		ProfileBytes:  []byte{0x1f, 0x8b, 0x00, 0x00}, // fake gzip-ish payload
		SizeBytes:     4,
		ReceivedAt:    ts,
	}
}

func TestBatchInsertProfiles_FlushOnSize(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAgent("000005000005")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	// batchSize is 10 in setupDB; insert 10 profiles to trigger a size-based flush.
	for i := 0; i < 10; i++ {
		profileID := fmt.Sprintf("aaaaaaaa-0000-0000-0000-%012d", i)
		p := testProfile(a.AgentID, profileID, "api-server-cpu")
		if err := store.BatchInsertProfiles(ctx, p); err != nil {
			t.Fatalf("BatchInsertProfiles[%d]: %v", i, err)
		}
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	profiles, err := store.QueryProfiles(ctx, storage.ProfileQuery{
		AgentID: a.AgentID,
		From:    from,
		To:      to,
		Limit:   100,
	})
	if err != nil {
		t.Fatalf("QueryProfiles: %v", err)
	}
	if len(profiles) != 10 {
		t.Errorf("want 10 profiles, got %d", len(profiles))
	}
}

func TestBatchInsertProfiles_FlushOnInterval(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAgent("000006000006")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	p := testProfile(a.AgentID, "bbbbbbbb-0000-0000-0000-000000000001", "api-server-alloc")
	p.WatcherType = storage.WatcherTypeAlloc

	// Only 1 profile — the batchSize threshold (10) is not reached.
	if err := store.BatchInsertProfiles(ctx, p); err != nil {
		t.Fatalf("BatchInsertProfiles: %v", err)
	}

	// Wait for the 50 ms flush interval to fire (give 200 ms headroom).
	time.Sleep(200 * time.Millisecond)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	profiles, err := store.QueryProfiles(ctx, storage.ProfileQuery{
		AgentID: a.AgentID,
		From:    from,
		To:      to,
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("QueryProfiles: %v", err)
	}
	if len(profiles) != 1 {
		t.Errorf("want 1 profile, got %d", len(profiles))
	}
}

func TestQueryProfiles_WatcherNameFilter(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAgent("000007000007")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	profiles := []storage.Profile{
		testProfile(a.AgentID, "cccccccc-0000-0000-0000-000000000001", "api-server-cpu"),
		testProfile(a.AgentID, "cccccccc-0000-0000-0000-000000000002", "worker-cpu"),
	}
	for _, p := range profiles {
		if err := store.BatchInsertProfiles(ctx, p); err != nil {
			t.Fatalf("BatchInsertProfiles: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	got, err := store.QueryProfiles(ctx, storage.ProfileQuery{
		AgentID:     a.AgentID,
		WatcherName: "worker-cpu",
		From:        from,
		To:          to,
		Limit:       100,
	})
	if err != nil {
		t.Fatalf("QueryProfiles(worker-cpu): %v", err)
	}
	if len(got) != 1 {
		t.Errorf("want 1 profile, got %d", len(got))
	}
	if len(got) > 0 && got[0].WatcherName != "worker-cpu" {
		t.Errorf("watcher_name: want worker-cpu, got %q", got[0].WatcherName)
	}
}

func TestGetProfileBytes(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAgent("000008000008")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	p := testProfile(a.AgentID, "dddddddd-0000-0000-0000-000000000001", "api-server-cpu")
	if err := store.BatchInsertProfiles(ctx, p); err != nil {
		t.Fatalf("BatchInsertProfiles: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := store.GetProfileBytes(ctx, p.ProfileID)
	if err != nil {
		t.Fatalf("GetProfileBytes: %v", err)
	}
	if string(got) != string(p.ProfileBytes) {
		t.Errorf("profile_bytes mismatch: want %v, got %v", p.ProfileBytes, got)
	}
}

// ── ProfileAuditEntry ─────────────────────────────────────────────────────────

func TestAuditEntryInsertAndQuery(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAgent("000009000009")
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	e1 := storage.ProfileAuditEntry{
		EntryID:     "a0000000-0000-0000-0000-000000000001",
		AgentID:     a.AgentID,
		SequenceNum: 1,
		ProfileID:   "dddddddd-0000-0000-0000-000000000001",
		PrevHash:    "0000000000000000000000000000000000000000000000000000000000000000",
		EventHash:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CreatedAt:   now,
	}
	e2 := storage.ProfileAuditEntry{
		EntryID:     "a0000000-0000-0000-0000-000000000002",
		AgentID:     a.AgentID,
		SequenceNum: 2,
		ProfileID:   "dddddddd-0000-0000-0000-000000000002",
		PrevHash:    e1.EventHash,
		EventHash:   "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		CreatedAt:   now.Add(time.Second),
	}
	for _, e := range []storage.ProfileAuditEntry{e1, e2} {
		if err := store.InsertAuditEntry(ctx, e); err != nil {
			t.Fatalf("InsertAuditEntry: %v", err)
		}
	}

	from := now.Add(-time.Minute)
	to := now.Add(time.Minute)
	entries, err := store.QueryAuditEntries(ctx, a.AgentID, from, to)
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 audit entries, got %d", len(entries))
	}

	if entries[0].SequenceNum != 1 || entries[1].SequenceNum != 2 {
		t.Errorf("sequence order wrong: got %d, %d", entries[0].SequenceNum, entries[1].SequenceNum)
	}
	if entries[1].PrevHash != entries[0].EventHash {
		t.Errorf("hash chain broken: entry[1].PrevHash=%q, entry[0].EventHash=%q",
			entries[1].PrevHash, entries[0].EventHash)
	}
}
