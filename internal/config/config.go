// Package config provides centralized configuration management for the server.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Upload    UploadConfig
	Transform TransformConfig
	Broadcast BroadcastConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 5000)
	Port int `env:"SERVER_PORT" envAlt:"PORT" default:"5000"`

	// ReadTimeout is the maximum duration for reading a request (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout applies to short JSON routes only; streams are exempt (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. When empty, file records are
	// kept in memory for the lifetime of the process.
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

// StorageConfig holds the on-disk layout.
type StorageConfig struct {
	// UploadDir receives raw uploaded bytes keyed by upload id (default: uploads)
	UploadDir string `env:"STORAGE_UPLOAD_DIR" default:"uploads"`

	// ProcessedDir receives derived outputs keyed by generated filename (default: processed)
	ProcessedDir string `env:"STORAGE_PROCESSED_DIR" default:"processed"`
}

// UploadConfig holds chunked upload settings.
type UploadConfig struct {
	// MaxChunkSize is the largest accepted chunk body in bytes (default: 8MB)
	MaxChunkSize int64 `env:"UPLOAD_MAX_CHUNK_SIZE" default:"8388608"`

	// IdleTimeout closes sessions that have not received a chunk in this long (default: 30m)
	IdleTimeout time.Duration `env:"UPLOAD_IDLE_TIMEOUT" default:"30m"`

	// SweepInterval is how often idle sessions are checked (default: 1m)
	SweepInterval time.Duration `env:"UPLOAD_SWEEP_INTERVAL" default:"1m"`
}

// TransformConfig holds settings for derivation jobs (CSV transform, compression).
type TransformConfig struct {
	// MaxConcurrent is the maximum number of parallel jobs (default: 4)
	MaxConcurrent int `env:"TRANSFORM_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long to wait for a job slot (default: 30s)
	MaxWaitTime time.Duration `env:"TRANSFORM_MAX_WAIT_TIME" default:"30s"`

	// Timeout is the maximum duration of a single job (default: 10m)
	Timeout time.Duration `env:"TRANSFORM_TIMEOUT" default:"10m"`

	// QueueSize bounds the rows in flight between parse and serialize (default: 256)
	QueueSize int `env:"TRANSFORM_QUEUE_SIZE" default:"256"`
}

// BroadcastConfig holds live log stream settings.
type BroadcastConfig struct {
	// SubscriberBuffer is the per-subscriber event buffer (default: 64)
	SubscriberBuffer int `env:"BROADCAST_SUBSCRIBER_BUFFER" default:"64"`

	// Heartbeat is the interval between SSE keep-alive comments (default: 15s)
	Heartbeat time.Duration `env:"BROADCAST_HEARTBEAT" default:"15s"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the rate limit per IP (default: 600)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"600"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// AllowedOrigins is a comma-separated list of CORS origins (default: http://localhost:3000)
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
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
