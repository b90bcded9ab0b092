// Package config handles worker configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all worker process configuration.
type Config struct {
	// Process identity
	Env      string // "development", "staging", "production"
	LogLevel string
	Port     string // admin/metrics HTTP surface

	// Database
	DatabaseURL string

	// Worker pickup
	WorkerName        string // identity stamped on picked attempts
	WorkerConcurrency int    // C: cooperative pickup tasks per process
	PickupPollMin     time.Duration
	PickupPollMax     time.Duration // backoff ceiling with jitter

	// HTTP dispatch
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	BodyReadCeilingBytes int64

	// Signing
	SignatureHeaderName string
	SignatureVersions   []string // e.g. ["v1"] or ["v1","v2"]

	// Retry policy defaults (used when a subscription has no retry policy)
	RetryFastMin   time.Duration
	RetryFastMax   time.Duration
	RetryFastCount int
	RetrySlowDelay time.Duration
	RetrySlowCount int

	// Target-IP policy
	TargetIPPolicyEnabled bool

	// Orphan reaper
	ReaperInterval        time.Duration
	OrphanThreshold       time.Duration
	CircuitBreakerEnabled bool

	// Endpoint health monitor
	HealthMonitorInterval time.Duration
	WarnThreshold         time.Duration
	DisableThreshold      time.Duration
	EmitRecoveredEvents   bool

	// Optional external heartbeat
	HeartbeatURL      string
	HeartbeatInterval time.Duration

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts (admin surface)
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Observability
	OTLPEndpoint string
}

// Conservative defaults for retry policy, HTTP timeouts, the orphan reaper, and the health monitor.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultWorkerConcurrency  = 10
	DefaultPickupPollMin      = 50 * time.Millisecond
	DefaultPickupPollMax      = 1 * time.Second
	DefaultConnectTimeout     = 5 * time.Second
	DefaultRequestTimeout     = 15 * time.Second
	DefaultBodyReadCeiling    = 64 * 1024
	DefaultSignatureHeader    = "X-Hook0-Signature"
	DefaultRetryFastMin       = 5 * time.Second
	DefaultRetryFastMax       = 300 * time.Second
	DefaultRetryFastCount     = 30
	DefaultRetrySlowDelay     = 3600 * time.Second
	DefaultRetrySlowCount     = 30
	DefaultReaperInterval     = 1 * time.Minute
	DefaultOrphanThreshold    = 10 * time.Minute
	DefaultHealthMonInterval  = 1 * time.Hour
	DefaultWarnThreshold      = 3 * 24 * time.Hour
	DefaultDisableThreshold   = 5 * 24 * time.Hour
	DefaultHeartbeatInterval  = 1 * time.Minute
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnectTimeout   = 5
	DefaultDBStatementTimeout = 30000
	DefaultHTTPReadTimeout    = 10 * time.Second
	DefaultHTTPWriteTimeout   = 30 * time.Second
	DefaultHTTPIdleTimeout    = 60 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		Port:        getEnv("PORT", DefaultPort),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		WorkerName:        getEnv("WORKER_NAME", defaultWorkerName()),
		WorkerConcurrency: int(getEnvInt64("WORKER_CONCURRENCY", DefaultWorkerConcurrency)),
		PickupPollMin:     getEnvDuration("PICKUP_POLL_MIN", DefaultPickupPollMin),
		PickupPollMax:     getEnvDuration("PICKUP_POLL_MAX", DefaultPickupPollMax),

		ConnectTimeout:       getEnvDuration("CONNECT_TIMEOUT", DefaultConnectTimeout),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		BodyReadCeilingBytes: getEnvInt64("BODY_READ_CEILING_BYTES", DefaultBodyReadCeiling),

		SignatureHeaderName: getEnv("SIGNATURE_HEADER_NAME", DefaultSignatureHeader),
		SignatureVersions:   getEnvList("SIGNATURE_VERSIONS", []string{"v1"}),

		RetryFastMin:   getEnvDuration("RETRY_FAST_MIN", DefaultRetryFastMin),
		RetryFastMax:   getEnvDuration("RETRY_FAST_MAX", DefaultRetryFastMax),
		RetryFastCount: int(getEnvInt64("RETRY_FAST_COUNT", DefaultRetryFastCount)),
		RetrySlowDelay: getEnvDuration("RETRY_SLOW_DELAY", DefaultRetrySlowDelay),
		RetrySlowCount: int(getEnvInt64("RETRY_SLOW_COUNT", DefaultRetrySlowCount)),

		TargetIPPolicyEnabled: getEnvBool("TARGET_IP_POLICY_ENABLED", false),

		ReaperInterval:        getEnvDuration("REAPER_INTERVAL", DefaultReaperInterval),
		OrphanThreshold:       getEnvDuration("ORPHAN_THRESHOLD", DefaultOrphanThreshold),
		CircuitBreakerEnabled: getEnvBool("CIRCUIT_BREAKER_ENABLED", true),

		HealthMonitorInterval: getEnvDuration("HEALTH_MONITOR_INTERVAL", DefaultHealthMonInterval),
		WarnThreshold:         getEnvDuration("WARN_THRESHOLD", DefaultWarnThreshold),
		DisableThreshold:      getEnvDuration("DISABLE_THRESHOLD", DefaultDisableThreshold),
		EmitRecoveredEvents:   getEnvBool("EMIT_RECOVERED_EVENTS", true),

		HeartbeatURL:      os.Getenv("HEARTBEAT_URL"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", DefaultDBMaxOpenConns)),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", DefaultDBMaxIdleConns)),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", DefaultDBConnectTimeout)),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", DefaultDBStatementTimeout)),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT and REQUEST_TIMEOUT must be positive")
	}
	if c.ConnectTimeout > c.RequestTimeout {
		return fmt.Errorf("CONNECT_TIMEOUT (%v) must not exceed REQUEST_TIMEOUT (%v)", c.ConnectTimeout, c.RequestTimeout)
	}
	if c.RetryFastCount < 0 || c.RetrySlowCount < 0 {
		return fmt.Errorf("retry phase counts must be non-negative")
	}
	if len(c.SignatureVersions) == 0 {
		return fmt.Errorf("at least one signature version must be enabled")
	}
	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}
	if c.OrphanThreshold <= 0 {
		return fmt.Errorf("ORPHAN_THRESHOLD must be positive")
	}
	if c.WarnThreshold >= c.DisableThreshold {
		return fmt.Errorf("WARN_THRESHOLD (%v) must be less than DISABLE_THRESHOLD (%v)", c.WarnThreshold, c.DisableThreshold)
	}

	if c.IsProduction() && c.WorkerName == "" {
		slog.Warn("WORKER_NAME not set in production — picked attempts will carry a generated name")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-unknown"
	}
	return "worker-" + host
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
