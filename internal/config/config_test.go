package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tripwire/profiler/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

const validYAML = `
collector:
  addr: "collector.example.com:4443"
  cert_path: "/etc/profiler/agent.crt"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
log_level: debug
health_addr: "127.0.0.1:9001"
queue_path: "/var/lib/profiler/custom.db"
watchers:
  - name: api-server-cpu
    type: cpu
    sample_rate_hz: 99
    pids: [1234]
  - name: api-server-alloc
    type: alloc
    sample_bytes_interval: 524288
    cgroup: "/sys/fs/cgroup/api-server"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "collector.example.com:4443", cfg.Collector.Addr)
	require.Equal(t, "/etc/profiler/agent.crt", cfg.Collector.CertPath)
	require.Equal(t, "/etc/profiler/agent.key", cfg.Collector.KeyPath)
	require.Equal(t, "/etc/profiler/ca.crt", cfg.Collector.CAPath)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "127.0.0.1:9001", cfg.HealthAddr)
	require.Equal(t, "/var/lib/profiler/custom.db", cfg.QueuePath)
	require.Len(t, cfg.Watchers, 2)

	require.Equal(t, "cpu", cfg.Watchers[0].Type)
	require.Equal(t, 99, cfg.Watchers[0].SampleRateHz)
	require.Equal(t, []int{1234}, cfg.Watchers[0].PIDs)

	require.Equal(t, "alloc", cfg.Watchers[1].Type)
	require.Equal(t, int64(524288), cfg.Watchers[1].SampleBytesInterval)
	require.Equal(t, "/sys/fs/cgroup/api-server", cfg.Watchers[1].Cgroup)
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
collector:
  addr: "collector.example.com:4443"
  cert_path: "/etc/profiler/agent.crt"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "127.0.0.1:9000", cfg.HealthAddr)
	require.Equal(t, "/var/lib/profiler/queue.db", cfg.QueuePath)
	require.Equal(t, 64, cfg.RingBuffer.PerfPagesPerCPU)
	require.Equal(t, int64(4<<20), cfg.RingBuffer.MPSCBytes)
}

func TestLoadConfig_MissingCollectorAddr(t *testing.T) {
	yaml := `
collector:
  cert_path: "/etc/profiler/agent.crt"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "collector.addr")
}

func TestLoadConfig_MissingCertPath(t *testing.T) {
	yaml := `
collector:
  addr: "collector.example.com:4443"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cert_path")
}

func TestLoadConfig_InsecureSkipsTLSValidation(t *testing.T) {
	yaml := `
collector:
  addr: "127.0.0.1:4443"
  insecure: true
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.Collector.Insecure)
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
collector:
  addr: "collector.example.com:4443"
  cert_path: "/etc/profiler/agent.crt"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "log_level")
}

func TestLoadConfig_InvalidWatcherType(t *testing.T) {
	yaml := `
collector:
  addr: "collector.example.com:4443"
  cert_path: "/etc/profiler/agent.crt"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
watchers:
  - name: bad-watcher
    type: disk
    pids: [1]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk")
}

func TestLoadConfig_WatcherMissingSampleRate(t *testing.T) {
	yaml := `
collector:
  addr: "collector.example.com:4443"
  cert_path: "/etc/profiler/agent.crt"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
watchers:
  - name: cpu-watch
    type: cpu
    pids: [1]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sample_rate_hz")
}

func TestLoadConfig_WatcherPIDsAndCgroupMutuallyExclusive(t *testing.T) {
	yaml := `
collector:
  addr: "collector.example.com:4443"
  cert_path: "/etc/profiler/agent.crt"
  key_path:  "/etc/profiler/agent.key"
  ca_path:   "/etc/profiler/ca.crt"
watchers:
  - name: cpu-watch
    type: cpu
    sample_rate_hz: 99
    pids: [1]
    cgroup: "/sys/fs/cgroup/x"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	require.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	require.Error(t, err)
}
