package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process settings. The routing table itself lives in the
// providers file so it can be reloaded without a restart.
type Config struct {
	// Server
	Port string // default: 8080

	// Routing table
	ProvidersFile string // default: providers.yaml

	// State: sqlite, postgres, redis or memory
	StateBackend string // default: sqlite
	StatePath    string // default: orchestrator.db

	// Database (state backend "postgres" and usage ledger)
	PostgresDSN string

	// Redis (state backend "redis" and cluster rate limit)
	RedisAddr string

	// Logging
	LogLevel  string // default: info
	LogFormat string // json or console, default: json

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none", default: none
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting: cluster-wide tokens per minute per provider, 0 disables
	DefaultRateLimitTPM int64

	RequestTimeout time.Duration // default: 2m
	ProfilerBudget time.Duration // default: 50ms
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		ProvidersFile:        getEnv("PROVIDERS_FILE", "providers.yaml"),
		StateBackend:         getEnv("STATE_BACKEND", "sqlite"),
		StatePath:            getEnv("STATE_PATH", "orchestrator.db"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ProfilerBudget, err = getDuration("PROFILER_BUDGET", 50*time.Millisecond); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StateBackend {
	case "sqlite", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for STATE_BACKEND=postgres")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for STATE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid STATE_BACKEND %q (sqlite, postgres, redis, memory)", c.StateBackend)
	}
	if c.DefaultRateLimitTPM < 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_TPM must not be negative")
	}
	if c.DefaultRateLimitTPM > 0 && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when DEFAULT_RATE_LIMIT_TPM is set")
	}
	switch c.OTELExporterType {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q (none, stdout, otlp)", c.OTELExporterType)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
