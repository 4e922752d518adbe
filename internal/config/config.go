package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Backend names accepted by the storage, cache and event settings.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds all configuration for the CI engine
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGCI_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAGCI_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Directory the workflow definitions are loaded from
	WorkflowDir string `env:"DAGCI_WORKFLOW_DIR" envDefault:".github/workflows"`

	Storage StorageConfig
	Cache   CacheConfig
	Events  EventsConfig
	Redis   RedisConfig
	Workers WorkerConfig
	Exec    ExecConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// StorageConfig selects where run state and history are kept
type StorageConfig struct {
	Backend    string        `env:"DAGCI_STORAGE" envDefault:"memory"`
	SQLitePath string        `env:"DAGCI_SQLITE_PATH" envDefault:"dagci.db"`
	RunTTL     time.Duration `env:"DAGCI_RUN_TTL" envDefault:"168h"`
}

// CacheConfig selects the dependency cache backend
type CacheConfig struct {
	Backend string        `env:"DAGCI_CACHE" envDefault:"memory"`
	TTL     time.Duration `env:"DAGCI_CACHE_TTL" envDefault:"168h"`
	// MaxBytes caps a saved cache archive; zero disables the cap
	MaxBytes int64 `env:"DAGCI_CACHE_MAX_BYTES" envDefault:"536870912"`
}

// EventsConfig selects the run event bus
type EventsConfig struct {
	Backend      string `env:"DAGCI_EVENTS" envDefault:"memory"`
	StreamMaxLen int64  `env:"DAGCI_EVENTS_MAX_LEN" envDefault:"10000"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// ExecConfig controls how job instances run on this host
type ExecConfig struct {
	WorkspaceRoot  string `env:"DAGCI_WORKSPACE_ROOT"`
	KeepWorkspaces bool   `env:"DAGCI_KEEP_WORKSPACES" envDefault:"false"`
	Shell          string `env:"DAGCI_SHELL" envDefault:"bash"`
	LogLimit       int    `env:"DAGCI_STEP_LOG_LIMIT" envDefault:"1048576"`
}

// TimeoutConfig holds the execution ceilings. Zero disables a ceiling.
type TimeoutConfig struct {
	RunTimeout      time.Duration `env:"TIMEOUT_RUN" envDefault:"0s"`
	JobTimeout      time.Duration `env:"TIMEOUT_JOB" envDefault:"360m"`
	StepTimeout     time.Duration `env:"TIMEOUT_STEP" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from the environment, after loading any of the
// given .env files that exist (".env" when none are named).
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.WorkflowDir == "" {
		return fmt.Errorf("workflow directory is required")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite storage backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory, redis, or sqlite)", c.Storage.Backend)
	}

	switch c.Cache.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported cache backend: %s (must be memory or redis)", c.Cache.Backend)
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache max bytes must not be negative: %d", c.Cache.MaxBytes)
	}

	switch c.Events.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported events backend: %s (must be memory or redis)", c.Events.Backend)
	}

	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	if c.Timeouts.RunTimeout < 0 || c.Timeouts.JobTimeout < 0 || c.Timeouts.StepTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Storage.Backend == BackendRedis ||
		c.Cache.Backend == BackendRedis ||
		c.Events.Backend == BackendRedis
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
