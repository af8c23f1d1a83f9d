// Command agent is the profiler agent binary. It loads a YAML configuration
// file, starts the configured CPU and allocation watchers, the local profile
// queue, the gRPC transport client, and (when at least one allocation
// watcher is configured) the allocation-tracker handshake server. It exposes
// a /healthz liveness endpoint and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/profiler/internal/agent"
	"github.com/tripwire/profiler/internal/audit"
	"github.com/tripwire/profiler/internal/config"
	"github.com/tripwire/profiler/internal/queue"
	"github.com/tripwire/profiler/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/profiler/config.yaml", "path to the profiler agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "profiler-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("collector_addr", cfg.Collector.Addr),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
		slog.Int("num_watchers", len(cfg.Watchers)),
	)

	// Open the local SQLite profile queue. It persists flushed profiles
	// across restarts so a temporarily unreachable collector never loses
	// data.
	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open profile queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("profile queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	grpcTransport := transport.New(
		transport.Config{
			Addr:      cfg.Collector.Addr,
			CertPath:  cfg.Collector.CertPath,
			KeyPath:   cfg.Collector.KeyPath,
			CAPath:    cfg.Collector.CAPath,
			Insecure:  cfg.Collector.Insecure,
			SessionID: uuid.NewString(),
		},
		q,
		logger,
	)

	watchers, handshake, err := buildWatchers(cfg, logger)
	if err != nil {
		logger.Error("failed to build watchers", slog.Any("error", err))
		os.Exit(1)
	}

	agentOpts := []agent.Option{
		agent.WithQueue(q),
		agent.WithTransport(grpcTransport),
		agent.WithWatchers(watchers...),
	}
	if handshake != nil {
		agentOpts = append(agentOpts, agent.WithHandshake(handshake))
	}
	if cfg.AuditLogPath != "" {
		auditLog, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("audit log opened", slog.String("path", cfg.AuditLogPath))
		agentOpts = append(agentOpts, agent.WithAuditLog(auditLog))
	}

	ag := agent.New(cfg, logger, agentOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("profiler agent exited cleanly")
}

// buildWatchers constructs one agent.Watcher per entry in cfg.Watchers and,
// if any "alloc" watchers are configured, an AllocHandshakeServer with each
// of them registered.
func buildWatchers(cfg *config.Config, logger *slog.Logger) ([]agent.Watcher, *agent.AllocHandshakeServer, error) {
	var (
		watchers     []agent.Watcher
		allocWatchers []*agent.AllocWatcher
	)

	for _, wc := range cfg.Watchers {
		switch wc.Type {
		case "cpu":
			w, err := agent.NewCPUWatcher(wc, cfg.RingBuffer)
			if err != nil {
				return nil, nil, fmt.Errorf("cpu watcher %s: %w", wc.Name, err)
			}
			watchers = append(watchers, w)
			logger.Info("registered cpu watcher", slog.String("name", wc.Name), slog.Int("sample_rate_hz", wc.SampleRateHz))

		case "alloc":
			w, err := agent.NewAllocWatcher(wc, cfg.RingBuffer)
			if err != nil {
				return nil, nil, fmt.Errorf("alloc watcher %s: %w", wc.Name, err)
			}
			watchers = append(watchers, w)
			allocWatchers = append(allocWatchers, w)
			logger.Info("registered alloc watcher", slog.String("name", wc.Name), slog.Int64("sample_bytes_interval", wc.SampleBytesInterval))

		default:
			return nil, nil, fmt.Errorf("watcher %s: unknown type %q", wc.Name, wc.Type)
		}
	}

	if len(allocWatchers) == 0 {
		return watchers, nil, nil
	}

	handshake, err := agent.ListenAllocHandshake(cfg.AllocSocketPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("alloc handshake server: %w", err)
	}
	for _, w := range allocWatchers {
		handshake.Register(w)
	}
	logger.Info("alloc handshake server listening", slog.String("socket", cfg.AllocSocketPath), slog.Int("watchers", len(allocWatchers)))

	return watchers, handshake, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
