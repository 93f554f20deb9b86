// Package config loads engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerHost  string
	ServerPort  string
	MetricsPort string

	// Datastore configuration. An empty PostgresURL selects the in-memory
	// store (development only). An empty RedisURL disables the execution
	// locks and the dispatcher lease.
	PostgresURL string
	RedisURL    string

	// Dispatch loop configuration
	DispatchInterval     time.Duration
	DefaultMaxConcurrent int
	DispatcherLeaseTTL   time.Duration

	// Event processor configuration
	EventMaxAttempts    int
	EventSweepInterval  time.Duration
	EventRetryBaseDelay time.Duration
	EventRetryMaxDelay  time.Duration
	EventSweepBatchSize int
	ExecutionLockTTL    time.Duration

	// Reconciliation configuration
	ReconcileSchedule string
	StallTimeout      time.Duration

	// Voice provider configuration
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	// HTTP server timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Logging configuration
	LogLevel  string
	LogFormat string

	// Application metadata
	AppName    string
	AppVersion string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServerHost:  getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),

		PostgresURL: getEnv("POSTGRES_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		DispatchInterval:     getEnvDuration("DISPATCH_INTERVAL", 2*time.Minute),
		DefaultMaxConcurrent: getEnvInt("DEFAULT_MAX_CONCURRENT_CALLS", 3),
		DispatcherLeaseTTL:   getEnvDuration("DISPATCHER_LEASE_TTL", 5*time.Minute),

		EventMaxAttempts:    getEnvInt("EVENT_MAX_ATTEMPTS", 3),
		EventSweepInterval:  getEnvDuration("EVENT_SWEEP_INTERVAL", time.Minute),
		EventRetryBaseDelay: getEnvDuration("EVENT_RETRY_BASE_DELAY", 30*time.Second),
		EventRetryMaxDelay:  getEnvDuration("EVENT_RETRY_MAX_DELAY", 10*time.Minute),
		EventSweepBatchSize: getEnvInt("EVENT_SWEEP_BATCH_SIZE", 100),
		ExecutionLockTTL:    getEnvDuration("EXECUTION_LOCK_TTL", 30*time.Second),

		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "0 */2 * * *"),
		StallTimeout:      getEnvDuration("STALL_TIMEOUT", time.Hour),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "http://localhost:8081"),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),

		ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		AppName:    "dispatch-engine",
		AppVersion: getEnv("APP_VERSION", "dev"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.PostgresURL == "" && os.Getenv("ENV") == "production" {
		return fmt.Errorf("POSTGRES_URL is required in production")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.LogLevel)
	}

	if c.DispatchInterval <= 0 {
		return fmt.Errorf("DISPATCH_INTERVAL must be positive")
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("STALL_TIMEOUT must be positive")
	}
	if c.EventMaxAttempts < 1 {
		return fmt.Errorf("EVENT_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return c.ServerHost + ":" + c.ServerPort
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal
		}
		return i
	}
	return defaultVal
}

// getEnvDuration retrieves a duration environment variable or returns a default value
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return defaultVal
		}
		return d
	}
	return defaultVal
}
