// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Integrity layer settings
	ReplayWindow    time.Duration // max clock skew / replay horizon for mutating requests
	IdempotencyTTL  time.Duration // how long stored responses are replayed verbatim
	RiskSweepEvery  time.Duration // how often idle behavior records are pruned
	RiskIdleEvict   time.Duration // idle period after which a behavior record is dropped
	RateLimitPerMin int           // per-client request budget underneath the risk scorer

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (empty disables tracing)

	// Security
	AdminSecret string // bootstrap secret for issuing the first admin key
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultReplayWindow   = 5 * time.Minute
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultRiskSweep      = time.Minute
	DefaultRiskIdleEvict  = 24 * time.Hour
	DefaultRateLimit      = 60
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ReplayWindow:    getEnvDuration("REPLAY_WINDOW", DefaultReplayWindow),
		IdempotencyTTL:  getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		RiskSweepEvery:  getEnvDuration("RISK_SWEEP_INTERVAL", DefaultRiskSweep),
		RiskIdleEvict:   getEnvDuration("RISK_IDLE_EVICT", DefaultRiskIdleEvict),
		RateLimitPerMin: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("REPLAY_WINDOW must be positive")
	}
	if c.IdempotencyTTL < c.ReplayWindow {
		return fmt.Errorf("IDEMPOTENCY_TTL must be at least the replay window")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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
