package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, DriverMemory, cfg.Queue.Driver)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Activities.Timeout)
	assert.Equal(t, 3, cfg.Activities.Retry.MaxAttempts)
	assert.Equal(t, api.BackoffExponential, cfg.Activities.Retry.Backoff.Kind)
	assert.Equal(t, "@every 10s", cfg.Sweeper.Schedule)
	assert.Equal(t, time.Minute, cfg.Sweeper.StallAfter)
	assert.Equal(t, 30*time.Second, cfg.Engine.LeaseTTL)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
storage:
  driver: sqlite
  dsn: "file:orders.db"
worker:
  concurrency: 8
activities:
  timeout: 45s
  retry:
    max_attempts: 5
    backoff:
      kind: constant
      initial: 2s
engine:
  lease_ttl: 10s
  owner: node-a
sweeper:
  schedule: "*/5 * * * *"
  stall_after: 2m
orders:
  simulate_latency: true
  stock:
    milk: 10
logging:
  level: debug
  format: text
tracing:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, DriverSQLite, cfg.Queue.Driver, "queue follows a sqlite store")
	assert.Equal(t, "file:orders.db", cfg.Queue.DSN)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, EngineConfig{LeaseTTL: 10 * time.Second, Owner: "node-a"}, cfg.Engine)
	assert.Equal(t, 2*time.Minute, cfg.Sweeper.StallAfter)
	assert.Equal(t, 45*time.Second, cfg.Activities.Timeout)
	assert.Equal(t, api.RetryPolicy{
		MaxAttempts: 5,
		Backoff:     api.BackoffStrategy{Kind: api.BackoffConstant, Initial: 2 * time.Second},
	}, cfg.Activities.Retry)
	assert.True(t, cfg.Orders.SimulateLatency)
	assert.Equal(t, map[string]int{"milk": 10}, cfg.Orders.Stock)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "orderprocessor", cfg.Tracing.ServiceName)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvStorageDSN, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "workers: 3\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvAddr, ":7070")
	t.Setenv(EnvStorageDSN, "postgres://durable@localhost/durable")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(writeConfig(t, "storage:\n  driver: postgres\n"))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "postgres://durable@localhost/durable", cfg.Storage.DSN)
	assert.Equal(t, DriverPostgres, cfg.Queue.Driver, "queue follows the storage driver")
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "cassandra" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres; c.Storage.DSN = "" }},
		{"sqlite queue without sqlite storage", func(c *Config) { c.Queue.Driver = DriverSQLite }},
		{"mongo queue without mongo storage", func(c *Config) { c.Queue.Driver = DriverMongo }},
		{"redis queue without dsn", func(c *Config) { c.Queue.Driver = DriverRedis }},
		{"unknown queue driver", func(c *Config) { c.Queue.Driver = "kafka" }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = -1 }},
		{"negative timeout", func(c *Config) { c.Activities.Timeout = -time.Second }},
		{"bad backoff kind", func(c *Config) { c.Activities.Retry.Backoff.Kind = "linear" }},
		{"bad schedule", func(c *Config) { c.Sweeper.Schedule = "every now and then" }},
		{"negative stall_after", func(c *Config) { c.Sweeper.StallAfter = -time.Second }},
		{"negative lease ttl", func(c *Config) { c.Engine.LeaseTTL = -time.Second }},
		{"negative stock", func(c *Config) { c.Orders.Stock = map[string]int{"milk": -1} }},
		{"relative metrics path", func(c *Config) { c.Metrics.Path = "metrics" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDisabledSweeperSkipsScheduleCheck(t *testing.T) {
	cfg := Default()
	cfg.Sweeper.Disabled = true
	cfg.Sweeper.Schedule = "not a schedule"
	assert.NoError(t, cfg.Validate())
}
