// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Apply embedded migrations on startup
	RedisURL    string // Optional, enables Redis leader lock and notification de-duplication

	// Collaborators
	OrderServiceURL string // Order lookup service (optional, uses in-memory directory if not set)
	WebhookURL      string // Notification sink (optional, facts are only logged if not set)
	WebhookSecret   string

	// Dispute policy
	NegotiationWindow time.Duration
	ArbitrationWindow time.Duration

	// Background jobs
	ExpiryScanInterval time.Duration
	ExpiryBatchSize    int
	RelayInterval      time.Duration

	// HTTP hardening
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string // empty allows any origin without credentials

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultNegotiationWindow  = 72 * time.Hour
	DefaultArbitrationWindow  = 7 * 24 * time.Hour
	DefaultExpiryScanInterval = 5 * time.Minute
	DefaultExpiryBatchSize    = 100
	DefaultRelayInterval      = 10 * time.Second
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AutoMigrate:        getEnvBool("AUTO_MIGRATE", false),
		RedisURL:           os.Getenv("REDIS_URL"),
		OrderServiceURL:    os.Getenv("ORDER_SERVICE_URL"),
		WebhookURL:         os.Getenv("WEBHOOK_URL"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		NegotiationWindow:  getEnvDuration("NEGOTIATION_WINDOW", DefaultNegotiationWindow),
		ArbitrationWindow:  getEnvDuration("ARBITRATION_WINDOW", DefaultArbitrationWindow),
		ExpiryScanInterval: getEnvDuration("EXPIRY_SCAN_INTERVAL", DefaultExpiryScanInterval),
		ExpiryBatchSize:    int(getEnvInt64("EXPIRY_BATCH_SIZE", DefaultExpiryBatchSize)),
		RelayInterval:      getEnvDuration("RELAY_INTERVAL", DefaultRelayInterval),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the policy and scheduling values are usable
func (c *Config) Validate() error {
	if c.NegotiationWindow <= 0 {
		return fmt.Errorf("NEGOTIATION_WINDOW must be positive")
	}
	if c.ArbitrationWindow <= 0 {
		return fmt.Errorf("ARBITRATION_WINDOW must be positive")
	}
	if c.ExpiryScanInterval <= 0 {
		return fmt.Errorf("EXPIRY_SCAN_INTERVAL must be positive")
	}
	if c.ExpiryBatchSize <= 0 {
		return fmt.Errorf("EXPIRY_BATCH_SIZE must be positive")
	}
	if c.RelayInterval <= 0 {
		return fmt.Errorf("RELAY_INTERVAL must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set in production")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
