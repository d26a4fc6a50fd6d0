// Package config loads the order processor configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/durable/internal/logging"
	"github.com/petrijr/durable/pkg/api"
)

const (
	defaultAddr            = ":8080"
	defaultShutdownTimeout = 15 * time.Second

	defaultStorageDriver = DriverMemory
	defaultSQLiteDSN     = "file:durable.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	defaultKeyPrefix     = "durable:"
	defaultMongoDatabase = "durable"

	defaultConcurrency = 4

	defaultActivityTimeout = 30 * time.Second
	defaultMaxAttempts     = 3
	defaultBackoffInitial  = 500 * time.Millisecond
	defaultBackoffMax      = 10 * time.Second

	defaultSweeperSchedule = "@every 10s"
	defaultStallAfter      = time.Minute

	defaultLeaseTTL = 30 * time.Second

	defaultMetricsPath = "/metrics"
	defaultServiceName = "orderprocessor"
)

// Environment variables that override file values.
const (
	EnvAddr       = "DURABLE_ADDR"
	EnvStorageDSN = "DURABLE_STORAGE_DSN"
	EnvLogLevel   = "DURABLE_LOG_LEVEL"
)

// Storage and queue drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Engine     EngineConfig     `yaml:"engine"`
	Worker     WorkerConfig     `yaml:"worker"`
	Activities ActivitiesConfig `yaml:"activities"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Orders     OrdersConfig     `yaml:"orders"`
	Logging    logging.Config   `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the history log backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres, redis, mongo.
	Driver string `yaml:"driver"`

	// DSN is a file DSN for sqlite, a connection string for postgres, an
	// address or redis:// URL for redis and a mongodb:// URI for mongo.
	DSN string `yaml:"dsn"`

	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`

	// Database is the MongoDB database name.
	Database string `yaml:"database"`
}

// QueueConfig selects the task queue backend. An empty driver picks the
// queue that matches the storage driver. SQL and Mongo queues share the
// storage connection; a Redis queue may point at its own server.
type QueueConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// EngineConfig controls how engines sharing a store coordinate. Every
// replay pass, result append and cancel holds the instance lease.
type EngineConfig struct {
	// LeaseTTL is how long a lease lives without renewal.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// Owner names this process in leases. Empty picks host, pid and a
	// random suffix.
	Owner string `yaml:"owner"`
}

// WorkerConfig sizes the worker pool
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ActivitiesConfig holds the defaults applied to activity calls that set
// neither call-site nor per-activity options.
type ActivitiesConfig struct {
	Timeout time.Duration   `yaml:"timeout"`
	Retry   api.RetryPolicy `yaml:"retry"`
}

// SweeperConfig schedules the timeout sweep. Schedule uses cron syntax,
// including descriptors such as "@every 10s". Instances idle for StallAfter
// with every call resolved get a fresh replay pass.
type SweeperConfig struct {
	Schedule   string        `yaml:"schedule"`
	StallAfter time.Duration `yaml:"stall_after"`
	Disabled   bool          `yaml:"disabled"`
}

// OrdersConfig configures the sample order workflow.
type OrdersConfig struct {
	// SimulateLatency makes activities sleep like remote calls would.
	SimulateLatency bool `yaml:"simulate_latency"`

	// Stock seeds the inventory, keyed by item name.
	Stock map[string]int `yaml:"stock"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Pretty      bool   `yaml:"pretty"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = defaultStorageDriver
	}
	if c.Storage.DSN == "" && c.Storage.Driver == DriverSQLite {
		c.Storage.DSN = defaultSQLiteDSN
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = defaultKeyPrefix
	}
	if c.Storage.Database == "" {
		c.Storage.Database = defaultMongoDatabase
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = c.Storage.Driver
	}
	if c.Queue.DSN == "" && c.Queue.Driver == c.Storage.Driver {
		c.Queue.DSN = c.Storage.DSN
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = defaultConcurrency
	}

	if c.Activities.Timeout == 0 {
		c.Activities.Timeout = defaultActivityTimeout
	}
	if c.Activities.Retry.MaxAttempts == 0 {
		c.Activities.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Activities.Retry.Backoff.Kind == "" {
		c.Activities.Retry.Backoff = api.BackoffStrategy{
			Kind:    api.BackoffExponential,
			Initial: defaultBackoffInitial,
			Max:     defaultBackoffMax,
		}
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = defaultSweeperSchedule
	}
	if c.Sweeper.StallAfter == 0 {
		c.Sweeper.StallAfter = defaultStallAfter
	}
	if c.Engine.LeaseTTL == 0 {
		c.Engine.LeaseTTL = defaultLeaseTTL
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaultServiceName
	}

	c.Logging.SetDefaults()
}

// Validate performs basic validation on the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout must not be negative")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverMongo:
		if c.Storage.Driver != c.Queue.Driver {
			return fmt.Errorf("%s queue requires %s storage", c.Queue.Driver, c.Queue.Driver)
		}
	case DriverRedis:
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue dsn is required for driver %q", c.Queue.Driver)
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	if c.Engine.LeaseTTL < 0 {
		return fmt.Errorf("lease ttl must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Activities.Timeout < 0 {
		return fmt.Errorf("activity timeout must not be negative")
	}
	if err := c.Activities.Retry.Validate(); err != nil {
		return err
	}

	if !c.Sweeper.Disabled {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("invalid sweeper schedule %q: %w", c.Sweeper.Schedule, err)
		}
		if c.Sweeper.StallAfter < 0 {
			return fmt.Errorf("sweeper stall_after must not be negative")
		}
	}
	for item, qty := range c.Orders.Stock {
		if qty < 0 {
			return fmt.Errorf("stock for %q must not be negative", item)
		}
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}
	return c.Logging.Validate()
}

// ApplyEnv overrides file values with DURABLE_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := getenv(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Load reads the YAML config file at path, applies environment overrides
// and defaults, and validates the result. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
