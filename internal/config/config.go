// Package config provides YAML configuration loading and validation for the
// profiler agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the profiler agent.
type Config struct {
	// Watchers is the list of sampling targets the agent should run.
	Watchers []WatcherConfig `yaml:"watchers"`

	// Collector holds the remote collector endpoint and mTLS material.
	// Required.
	Collector CollectorConfig `yaml:"collector"`

	// RingBuffer sizes the kernel and in-process ring buffers.
	RingBuffer RingBufferConfig `yaml:"ring_buffer"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// QueuePath is the path to the local SQLite-backed profile queue.
	// Defaults to "/var/lib/profiler/queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// AllocSocketPath is the Unix datagram socket the agent listens on for
	// in-process allocation-tracker handshakes. Only required when a
	// watcher of type "alloc" is configured. Defaults to
	// "/var/run/profiler/alloc.sock" when omitted.
	AllocSocketPath string `yaml:"alloc_socket_path"`

	// AuditLogPath is the path to a local tamper-evident, hash-chained log
	// of every flushed profile cycle. Leave empty to disable the audit log
	// (the default).
	AuditLogPath string `yaml:"audit_log_path,omitempty"`
}

// WatcherConfig describes one sampling target: a CPU watcher sampling at a
// fixed frequency, or an allocation watcher sampling at a mean byte
// interval. Exactly one of PIDs or Cgroup selects the target process set.
type WatcherConfig struct {
	// Name is a human-readable identifier for this watcher (e.g.
	// "api-server-cpu"). Required.
	Name string `yaml:"name"`

	// Type is one of "cpu" or "alloc". Required.
	Type string `yaml:"type"`

	// SampleRateHz is the CPU sampling frequency. Required (and only
	// meaningful) for "cpu" watchers.
	SampleRateHz int `yaml:"sample_rate_hz,omitempty"`

	// SampleBytesInterval is the mean byte interval between sampled
	// allocations. Required (and only meaningful) for "alloc" watchers.
	SampleBytesInterval int64 `yaml:"sample_bytes_interval,omitempty"`

	// PIDs is an explicit list of process ids to sample. Mutually exclusive
	// with Cgroup.
	PIDs []int `yaml:"pids,omitempty"`

	// Cgroup is a cgroup path whose member processes should be sampled.
	// Mutually exclusive with PIDs.
	Cgroup string `yaml:"cgroup,omitempty"`
}

// CollectorConfig holds the remote collector endpoint and mTLS material.
type CollectorConfig struct {
	// Addr is the gRPC endpoint of the remote collector
	// (e.g. "collector.example.com:4443"). Required.
	Addr string `yaml:"addr"`

	// CertPath is the path to the agent's PEM-encoded client certificate.
	// Required unless Insecure is set.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the agent's PEM-encoded private key. Required
	// unless Insecure is set.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector's certificate. Required unless Insecure is set.
	CAPath string `yaml:"ca_path"`

	// Insecure disables mTLS, for local development against a plaintext
	// collector. Defaults to false.
	Insecure bool `yaml:"insecure"`
}

// RingBufferConfig sizes the ring buffers the event pump reads from.
type RingBufferConfig struct {
	// PerfPagesPerCPU is the number of mmap'd data pages per CPU for each
	// kernel perf_event_open ring buffer. Must be a power of two. Defaults
	// to 64 when omitted.
	PerfPagesPerCPU int `yaml:"perf_pages_per_cpu"`

	// MPSCBytes is the byte size of each allocation-tracker MPSC ring
	// buffer. Defaults to 4 MiB when omitted.
	MPSCBytes int64 `yaml:"mpsc_bytes"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validWatcherTypes is the set of accepted watcher type strings.
var validWatcherTypes = map[string]bool{
	"cpu":   true,
	"alloc": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "/var/lib/profiler/queue.db"
	}
	if cfg.AllocSocketPath == "" {
		cfg.AllocSocketPath = "/var/run/profiler/alloc.sock"
	}
	if cfg.RingBuffer.PerfPagesPerCPU == 0 {
		cfg.RingBuffer.PerfPagesPerCPU = 64
	}
	if cfg.RingBuffer.MPSCBytes == 0 {
		cfg.RingBuffer.MPSCBytes = 4 << 20
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Collector.Addr == "" {
		errs = append(errs, errors.New("collector.addr is required"))
	}
	if !cfg.Collector.Insecure {
		if cfg.Collector.CertPath == "" {
			errs = append(errs, errors.New("collector.cert_path is required unless collector.insecure is set"))
		}
		if cfg.Collector.KeyPath == "" {
			errs = append(errs, errors.New("collector.key_path is required unless collector.insecure is set"))
		}
		if cfg.Collector.CAPath == "" {
			errs = append(errs, errors.New("collector.ca_path is required unless collector.insecure is set"))
		}
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.RingBuffer.PerfPagesPerCPU&(cfg.RingBuffer.PerfPagesPerCPU-1) != 0 {
		errs = append(errs, fmt.Errorf("ring_buffer.perf_pages_per_cpu %d must be a power of two", cfg.RingBuffer.PerfPagesPerCPU))
	}

	for i, w := range cfg.Watchers {
		prefix := fmt.Sprintf("watchers[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if !validWatcherTypes[w.Type] {
			errs = append(errs, fmt.Errorf("%s: type %q must be one of: cpu, alloc", prefix, w.Type))
		}
		if len(w.PIDs) > 0 && w.Cgroup != "" {
			errs = append(errs, fmt.Errorf("%s: pids and cgroup are mutually exclusive", prefix))
		}
		if len(w.PIDs) == 0 && w.Cgroup == "" {
			errs = append(errs, fmt.Errorf("%s: one of pids or cgroup is required", prefix))
		}
		switch w.Type {
		case "cpu":
			if w.SampleRateHz <= 0 {
				errs = append(errs, fmt.Errorf("%s: sample_rate_hz must be positive for a cpu watcher", prefix))
			}
		case "alloc":
			if w.SampleBytesInterval <= 0 {
				errs = append(errs, fmt.Errorf("%s: sample_bytes_interval must be positive for an alloc watcher", prefix))
			}
		}
	}

	return errors.Join(errs...)
}
