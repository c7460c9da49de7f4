// Package config provides centralized configuration management for the pipeline.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Backend names accepted by PIPELINE_STORE_BACKEND and METADATA_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendFile     = "file"
)

// Run modes accepted by PIPELINE_MODE.
const (
	ModeOnce      = "once"
	ModeScheduled = "scheduled"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	Quality  QualityConfig
	Metadata MetadataConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	// Enabled starts the ops API alongside the scheduler (default: true)
	Enabled bool `env:"SERVER_ENABLED" default:"true"`

	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including an in-flight run (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Required when either backend is postgres.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// PipelineConfig holds run scheduling, extraction and load settings.
type PipelineConfig struct {
	// Mode is "once" (single run, then exit) or "scheduled" (default: scheduled)
	Mode string `env:"PIPELINE_MODE" default:"scheduled"`

	// SourceDir is the directory scanned for sales files (default: data/incoming)
	SourceDir string `env:"PIPELINE_SOURCE_DIR" default:"data/incoming"`

	// FilePattern is the regular expression source file names must match.
	// The default accepts a date stamp or a batch id after the "sales_" prefix.
	FilePattern string `env:"PIPELINE_FILE_PATTERN" default:"^sales_(\\d{4}-?\\d{2}-?\\d{2}|batch[_-]?\\d+).*\\.(csv|tsv|json|jsonl|ndjson|xlsx)$"`

	// ScheduleInterval is the time between scheduled runs (default: 1h)
	ScheduleInterval time.Duration `env:"PIPELINE_SCHEDULE_INTERVAL" default:"1h"`

	// ReadWorkers bounds concurrent file reads (default: 4)
	ReadWorkers int `env:"PIPELINE_READ_WORKERS" default:"4"`

	// MaxFileSize is the largest accepted source file in bytes (default: 100MB)
	MaxFileSize int64 `env:"PIPELINE_MAX_FILE_SIZE" default:"104857600"`

	ExtractTimeout   time.Duration `env:"PIPELINE_EXTRACT_TIMEOUT" default:"5m"`
	TransformTimeout time.Duration `env:"PIPELINE_TRANSFORM_TIMEOUT" default:"5m"`

	// LoadTimeout applies to each load attempt separately (default: 10m)
	LoadTimeout   time.Duration `env:"PIPELINE_LOAD_TIMEOUT" default:"10m"`
	CommitTimeout time.Duration `env:"PIPELINE_COMMIT_TIMEOUT" default:"30s"`

	// LoadMaxAttempts is the total number of load attempts per run (default: 5)
	LoadMaxAttempts int `env:"PIPELINE_LOAD_MAX_ATTEMPTS" default:"5"`

	LoadInitialBackoff time.Duration `env:"PIPELINE_LOAD_INITIAL_BACKOFF" default:"1s"`
	LoadMaxBackoff     time.Duration `env:"PIPELINE_LOAD_MAX_BACKOFF" default:"30s"`

	// StoreBackend selects the warehouse: postgres or memory (default: postgres)
	StoreBackend string `env:"PIPELINE_STORE_BACKEND" default:"postgres"`

	// ReportDir receives one JSON report per run when set (default: disabled)
	ReportDir string `env:"PIPELINE_REPORT_DIR"`
}

// QualityConfig holds the row validation rules applied by the transformer.
type QualityConfig struct {
	StoreIDPattern   string `env:"QUALITY_STORE_ID_PATTERN" default:"^[A-Za-z0-9][A-Za-z0-9_-]{0,31}$"`
	ProductIDPattern string `env:"QUALITY_PRODUCT_ID_PATTERN" default:"^[A-Za-z0-9][A-Za-z0-9_-]{0,31}$"`

	// MaxQuantity is the inclusive upper bound for quantity (default: 100)
	MaxQuantity int `env:"QUALITY_MAX_QUANTITY" default:"100"`

	// MaxUnitPrice is the inclusive upper bound for unit_price (default: 1000)
	MaxUnitPrice string `env:"QUALITY_MAX_UNIT_PRICE" default:"1000"`

	// MaxCustomerAge is the inclusive upper bound for customer_age (default: 120)
	MaxCustomerAge int `env:"QUALITY_MAX_CUSTOMER_AGE" default:"120"`
}

// MetadataConfig selects where run metadata is persisted.
type MetadataConfig struct {
	// Backend is file or postgres (default: file)
	Backend string `env:"METADATA_BACKEND" default:"file"`

	// Path is the metadata document for the file backend
	Path string `env:"METADATA_PATH" default:"data/pipeline_metadata.json"`

	// LockStaleAfter is the age at which an abandoned file lock is reclaimed.
	// It must exceed PipelineConfig.RunBudget (default: 2h)
	LockStaleAfter time.Duration `env:"METADATA_LOCK_STALE_AFTER" default:"2h"`
}

// SecurityConfig protects the ops API.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP and X-Forwarded-For headers are believed
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects /api requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// NeedsDatabase reports whether any configured backend is PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.Pipeline.StoreBackend == BackendPostgres || c.Metadata.Backend == BackendPostgres
}

// RunBudget is the longest a run can take when every phase uses its full
// timeout and every load attempt fails after backing off the maximum.
func (c *PipelineConfig) RunBudget() time.Duration {
	attempts := time.Duration(max(c.LoadMaxAttempts, 1))
	return c.ExtractTimeout + c.TransformTimeout +
		attempts*c.LoadTimeout + (attempts-1)*c.LoadMaxBackoff +
		c.CommitTimeout
}
