package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"

	"github.com/tripwire/profiler/internal/agent"
	"github.com/tripwire/profiler/internal/config"
	"github.com/tripwire/profiler/internal/queue"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// fakeWatcher is an in-memory agent.Watcher. Run blocks until ctx is
// cancelled (or runErr is returned immediately); Flush returns a one-sample
// profile once flushable is set, nil otherwise.
type fakeWatcher struct {
	name    string
	runErr  error
	closeErr error

	mu        sync.Mutex
	flushable bool
	flushes   int
	closed    bool
}

func newFakeWatcher(name string) *fakeWatcher {
	return &fakeWatcher{name: name}
}

func (w *fakeWatcher) Name() string { return w.name }

func (w *fakeWatcher) Run(ctx context.Context) error {
	if w.runErr != nil {
		return w.runErr
	}
	<-ctx.Done()
	return nil
}

func (w *fakeWatcher) Flush(timeNanos, durationNanos int64) *profile.Profile {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
	if !w.flushable {
		return nil
	}
	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		Sample:     []*profile.Sample{{Value: []int64{1}}},
		TimeNanos:  timeNanos,
	}
}

func (w *fakeWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.closeErr
}

func (w *fakeWatcher) setFlushable(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushable = v
}

func (w *fakeWatcher) flushCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushes
}

// fakeQueue records enqueued profiles and tracks depth.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queue.Profile
	closeErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, p queue.Profile) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, p)
	return nil
}

func (q *fakeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

func (q *fakeQueue) Close() error { return q.closeErr }

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

// fakeTransport records Notify calls.
type fakeTransport struct {
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	notifies int
}

func (t *fakeTransport) Start(_ context.Context) error {
	if t.startErr != nil {
		return t.startErr
	}
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifies++
}

func (t *fakeTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTransport) wasStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeHandshake tracks Serve/Close calls, honoring ctx cancellation like the
// real AllocHandshakeServer does.
type fakeHandshake struct {
	mu      sync.Mutex
	serving bool
	closed  bool
}

func (h *fakeHandshake) Serve(ctx context.Context) {
	h.mu.Lock()
	h.serving = true
	h.mu.Unlock()
	<-ctx.Done()
}

func (h *fakeHandshake) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func minimalConfig() *config.Config {
	return &config.Config{
		Collector: config.CollectorConfig{
			Addr:     "collector.example.com:4443",
			Insecure: true,
		},
		LogLevel:   "info",
		HealthAddr: "127.0.0.1:9000",
	}
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestAgent_StartStop_NoComponents(t *testing.T) {
	ag := agent.New(minimalConfig(), noopLogger())

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start returned unexpected error: %v", err)
	}

	ag.Stop()
	// Stopping a second time must be safe (no panic, no error).
	ag.Stop()
}

func TestAgent_StartReturnsErrorWhenTransportFails(t *testing.T) {
	transport := &fakeTransport{startErr: errors.New("dial failed")}
	ag := agent.New(minimalConfig(), noopLogger(),
		agent.WithTransport(transport),
	)

	err := ag.Start(context.Background())
	if err == nil {
		t.Fatal("expected error when transport fails to start, got nil")
	}
}

func TestAgent_WatcherErrorDoesNotBlockStart(t *testing.T) {
	w := newFakeWatcher("cpu")
	w.runErr = errors.New("perf_event_open: permission denied")
	ag := agent.New(minimalConfig(), noopLogger(),
		agent.WithWatchers(w),
	)

	// A watcher's Run failing is a runtime event logged by runWatcher, not a
	// Start-time error — Start only reports transport dial failures.
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ag.Stop()
}

func TestAgent_CycleFlushesToQueueAndNotifiesTransport(t *testing.T) {
	w := newFakeWatcher("cpu")
	w.setFlushable(true)
	q := &fakeQueue{}
	tr := &fakeTransport{}

	ag := agent.New(minimalConfig(), noopLogger(),
		agent.WithWatchers(w),
		agent.WithQueue(q),
		agent.WithTransport(tr),
		agent.WithCycleInterval(20*time.Millisecond),
	)

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ag.Stop()

	if q.count() == 0 {
		t.Fatal("expected at least one profile to be enqueued")
	}
	got := q.enqueued[0]
	if got.WatcherName != "cpu" {
		t.Errorf("WatcherName = %q, want %q", got.WatcherName, "cpu")
	}
	if len(got.ProfileBytes) == 0 {
		t.Error("ProfileBytes is empty")
	}
	if !tr.wasStopped() {
		t.Error("transport.Stop was not called")
	}
	tr.mu.Lock()
	notifies := tr.notifies
	tr.mu.Unlock()
	if notifies == 0 {
		t.Error("transport.Notify was not called after a flushed cycle")
	}
}

func TestAgent_EmptyFlushIsNotEnqueued(t *testing.T) {
	w := newFakeWatcher("cpu") // flushable stays false: Flush returns nil
	q := &fakeQueue{}

	ag := agent.New(minimalConfig(), noopLogger(),
		agent.WithWatchers(w),
		agent.WithQueue(q),
		agent.WithCycleInterval(20*time.Millisecond),
	)

	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	ag.Stop()

	if w.flushCount() == 0 {
		t.Fatal("expected at least one Flush call")
	}
	if q.count() != 0 {
		t.Errorf("queue.count = %d, want 0 for an all-nil flush watcher", q.count())
	}
}

func TestAgent_ClosesWatchersOnStop(t *testing.T) {
	w := newFakeWatcher("cpu")
	ag := agent.New(minimalConfig(), noopLogger(), agent.WithWatchers(w))

	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ag.Stop()

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		t.Error("watcher.Close was not called on Stop")
	}
}

func TestAgent_HandshakeServedAndStoppedWithAgent(t *testing.T) {
	h := &fakeHandshake{}
	ag := agent.New(minimalConfig(), noopLogger(), agent.WithHandshake(h))

	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		serving := h.serving
		h.mu.Unlock()
		if serving {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ag.Stop()

	h.mu.Lock()
	serving := h.serving
	h.mu.Unlock()
	if !serving {
		t.Error("handshake.Serve was never called")
	}
}

func TestAgent_HealthzEndpoint_Returns200WithJSON(t *testing.T) {
	ag := agent.New(minimalConfig(), noopLogger())

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	ag.HealthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var h agent.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status = %q, want %q", h.Status, "ok")
	}
	if h.UptimeS < 0 {
		t.Errorf("uptime_s = %f, must be >= 0", h.UptimeS)
	}
}

func TestAgent_HealthzEndpoint_QueueDepth(t *testing.T) {
	q := &fakeQueue{enqueued: []queue.Profile{{}, {}}} // pre-populate 2 profiles
	ag := agent.New(minimalConfig(), noopLogger(),
		agent.WithQueue(q),
	)

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	ag.HealthzHandler(rec, req)

	var h agent.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.QueueDepth != 2 {
		t.Errorf("queue_depth = %d, want 2", h.QueueDepth)
	}
}

func TestAgent_HealthzEndpoint_LastFlushAt(t *testing.T) {
	w := newFakeWatcher("cpu")
	w.setFlushable(true)
	ag := agent.New(minimalConfig(), noopLogger(),
		agent.WithWatchers(w),
		agent.WithCycleInterval(20*time.Millisecond),
	)

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var h agent.HealthStatus
	for time.Now().Before(deadline) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		ag.HealthzHandler(rec, req)
		if err := json.NewDecoder(rec.Body).Decode(&h); err == nil && h.LastFlushAt != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ag.Stop()

	if h.LastFlushAt == "" {
		t.Error("last_flush_at should be non-empty after a cycle flushed")
	}
}

func TestAgent_CannotStartTwice(t *testing.T) {
	ag := agent.New(minimalConfig(), noopLogger())
	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer ag.Stop()

	if err := ag.Start(ctx); err == nil {
		t.Fatal("expected error on second Start, got nil")
	}
}
