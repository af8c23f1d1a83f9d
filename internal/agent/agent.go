// Package agent contains the profiler agent orchestrator. It wires together
// the configured CPU and allocation watchers, the local profile queue, and
// the gRPC transport client, managing their lifecycle through a shared
// context.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/tripwire/profiler/internal/audit"
	"github.com/tripwire/profiler/internal/config"
	"github.com/tripwire/profiler/internal/queue"
)

// defaultCycleInterval is how often a watcher's in-memory aggregation is
// flushed into a queued profile when the watcher config does not override
// it.
const defaultCycleInterval = 10 * time.Second

// Watcher is the common interface implemented by the CPU and allocation
// sampling watchers. Run drives the watcher's event pump until ctx is
// cancelled or a fatal error occurs; Flush cuts the current aggregation
// window into a profile and resets it for the next cycle.
type Watcher interface {
	// Name identifies the watcher, matching the configuration it was built
	// from.
	Name() string
	// Run blocks consuming ring-buffer events until ctx is cancelled, in
	// which case it returns nil. Any other return is a fatal watcher error.
	Run(ctx context.Context) error
	// Flush closes out the current aggregation window and returns its
	// profile. timeNanos and durationNanos describe the window.
	Flush(timeNanos, durationNanos int64) *profile.Profile
	// Close releases the watcher's kernel and shared-memory resources.
	Close() error
}

// Queue is the interface for the local SQLite-backed profile queue.
type Queue interface {
	// Enqueue persists a profile for at-least-once delivery.
	Enqueue(ctx context.Context, p queue.Profile) error
	// Depth returns the number of pending (undelivered) profiles.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// Transport is the interface for the gRPC transport client that delivers
// queued profiles to the remote collector.
type Transport interface {
	// Start dials the collector and begins draining the queue.
	Start(ctx context.Context) error
	// Notify wakes the drain loop as soon as a profile is enqueued.
	Notify()
	// Stop gracefully closes the connection.
	Stop()
}

// Handshake is the interface for the allocation-tracker handshake server
// (see AllocHandshakeServer). It is only needed when at least one "alloc"
// watcher is configured.
type Handshake interface {
	// Serve runs the accept loop until ctx is cancelled.
	Serve(ctx context.Context)
	// Close stops the accept loop and waits for it to exit.
	Close() error
}

// Agent is the central orchestrator of the profiler agent. It starts and
// supervises all watcher, queue, and transport components.
type Agent struct {
	cfg           *config.Config
	logger        *slog.Logger
	watchers      []Watcher
	queue         Queue
	transport     Transport
	handshake     Handshake
	auditLog      *audit.Logger
	cycleInterval time.Duration

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastFlushAt time.Time
	cyclesTotal int64
	running     bool
	wg          sync.WaitGroup
}

// New creates a new Agent from the provided configuration and logger.
// Provide watchers, queue, and transport via the functional options returned
// by WithWatchers, WithQueue, and WithTransport. These components are
// optional — the agent starts with zero watchers and no-op stubs for any
// component that is not provided, which is useful in tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:           cfg,
		logger:        logger,
		cycleInterval: defaultCycleInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithWatchers registers one or more watcher components with the agent.
func WithWatchers(ws ...Watcher) Option {
	return func(a *Agent) {
		a.watchers = append(a.watchers, ws...)
	}
}

// WithQueue registers the local profile queue.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithTransport registers the gRPC transport client.
func WithTransport(t Transport) Option {
	return func(a *Agent) { a.transport = t }
}

// WithHandshake registers the allocation-tracker handshake server.
func WithHandshake(h Handshake) Option {
	return func(a *Agent) { a.handshake = h }
}

// WithCycleInterval overrides how often each watcher's aggregation window is
// flushed into a queued profile. Defaults to 10 seconds.
func WithCycleInterval(d time.Duration) Option {
	return func(a *Agent) { a.cycleInterval = d }
}

// WithAuditLog registers a local tamper-evident audit logger. When set, every
// flushed profile cycle is appended to the chain independently of queue or
// transport delivery, giving the operator a forensic record of what the
// agent actually sampled even if the collector never receives it (queue
// corruption, prolonged network partition, agent crash before drain).
func WithAuditLog(l *audit.Logger) Option {
	return func(a *Agent) { a.auditLog = l }
}

// Start initialises and starts all registered components using the provided
// context. It returns a non-nil error if any component fails to initialise.
// On success, internal goroutines run each watcher's event pump and
// periodically flush its aggregation window until Stop is called or ctx is
// cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting profiler agent",
		slog.String("collector_addr", a.cfg.Collector.Addr),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("health_addr", a.cfg.HealthAddr),
		slog.Int("num_watchers", len(a.watchers)),
		slog.Duration("cycle_interval", a.cycleInterval),
	)

	// Start transport first so flushed profiles can be drained immediately.
	if a.transport != nil {
		if err := a.transport.Start(ctx); err != nil {
			cancel()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("agent: transport failed to start: %w", err)
		}
	}

	for _, w := range a.watchers {
		a.wg.Add(2)
		go a.runWatcher(ctx, w)
		go a.cycleWatcher(ctx, w)
	}

	if a.handshake != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handshake.Serve(ctx)
		}()
	}

	a.logger.Info("profiler agent started")
	return nil
}

// Stop signals all components to shut down and waits for internal goroutines
// to exit. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()

	for _, w := range a.watchers {
		if err := w.Close(); err != nil {
			a.logger.Warn("error closing watcher", slog.String("watcher", w.Name()), slog.Any("error", err))
		}
	}

	if a.transport != nil {
		a.transport.Stop()
	}

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing profile queue", slog.Any("error", err))
		}
	}

	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			a.logger.Warn("error closing audit log", slog.Any("error", err))
		}
	}

	a.logger.Info("profiler agent stopped")
}

// runWatcher drives w's event pump until ctx is cancelled. A non-nil return
// from Run is logged as a fatal watcher error; it does not stop the rest of
// the agent, since other watchers are independent.
func (a *Agent) runWatcher(ctx context.Context, w Watcher) {
	defer a.wg.Done()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("watcher exited with error",
			slog.String("watcher", w.Name()), slog.Any("error", err))
	}
}

// cycleWatcher flushes w's aggregation window on a.cycleInterval, writes the
// resulting profile to the local queue, and notifies the transport client
// that new work is available. It exits when ctx is cancelled, performing one
// final flush first so the last partial cycle is not lost.
func (a *Agent) cycleWatcher(ctx context.Context, w Watcher) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cycleInterval)
	defer ticker.Stop()

	cycleStart := time.Now()
	for {
		select {
		case <-ctx.Done():
			a.flushCycle(context.Background(), w, cycleStart)
			return
		case now := <-ticker.C:
			a.flushCycle(ctx, w, cycleStart)
			cycleStart = now
		}
	}
}

// flushCycle cuts w's current aggregation window, serializes it, and
// enqueues it for delivery. Errors are logged but never stop the cycle
// goroutine — a lost cycle is preferable to a wedged watcher.
func (a *Agent) flushCycle(ctx context.Context, w Watcher, cycleStart time.Time) {
	durationNanos := time.Since(cycleStart).Nanoseconds()
	prof := w.Flush(cycleStart.UnixNano(), durationNanos)
	if prof == nil || len(prof.Sample) == 0 {
		return
	}

	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		a.logger.Warn("failed to serialize profile",
			slog.String("watcher", w.Name()), slog.Any("error", err))
		return
	}

	a.mu.Lock()
	a.lastFlushAt = time.Now()
	a.cyclesTotal++
	a.mu.Unlock()

	enqueued := true
	if a.queue != nil {
		err := a.queue.Enqueue(ctx, queue.Profile{
			WatcherName:   w.Name(),
			CycleStart:    cycleStart,
			DurationNanos: durationNanos,
			ProfileBytes:  buf.Bytes(),
		})
		if err != nil {
			a.logger.Warn("failed to enqueue profile",
				slog.String("watcher", w.Name()), slog.Any("error", err))
			enqueued = false
		}
	}

	if enqueued && a.transport != nil {
		a.transport.Notify()
	}

	if a.auditLog != nil {
		payload, err := json.Marshal(map[string]any{
			"watcher_name":   w.Name(),
			"cycle_start_ns": cycleStart.UnixNano(),
			"duration_ns":    durationNanos,
			"sample_count":   len(prof.Sample),
			"size_bytes":     buf.Len(),
		})
		if err != nil {
			a.logger.Warn("failed to marshal audit payload",
				slog.String("watcher", w.Name()), slog.Any("error", err))
		} else if _, err := a.auditLog.Append(payload); err != nil {
			a.logger.Warn("failed to append audit log entry",
				slog.String("watcher", w.Name()), slog.Any("error", err))
		}
	}

	a.logger.Debug("flushed profile cycle",
		slog.String("watcher", w.Name()),
		slog.Int("samples", len(prof.Sample)),
		slog.Duration("duration", time.Duration(durationNanos)),
	)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	QueueDepth  int     `json:"queue_depth"`
	CyclesTotal int64   `json:"cycles_total"`
	LastFlushAt string  `json:"last_flush_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:      "ok",
		UptimeS:     time.Since(a.startTime).Seconds(),
		CyclesTotal: a.cyclesTotal,
	}

	if a.queue != nil {
		h.QueueDepth = a.queue.Depth()
	}

	if !a.lastFlushAt.IsZero() {
		h.LastFlushAt = a.lastFlushAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
