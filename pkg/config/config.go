// Package config loads kernel configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds kernel configuration.
type Config struct {
	AuthEnabled  bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuditEnabled bool   `env:"AUDIT_ENABLED" envDefault:"true"`
	AuditLogPath string `env:"AUDIT_LOG_PATH"`

	MaxRetries     int `env:"MAX_RETRIES" envDefault:"2"`
	RetryBackoffMs int `env:"RETRY_BACKOFF_MS" envDefault:"1000"`
	MaxParallel    int `env:"MAX_PARALLEL" envDefault:"4"`
	CallTimeoutMs  int `env:"CALL_TIMEOUT_MS" envDefault:"0"`

	ConfirmCommands bool          `env:"CONFIRM_COMMANDS" envDefault:"true"`
	ConfirmTTL      time.Duration `env:"CONFIRM_TTL" envDefault:"15m"`

	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	SessionStore  string        `env:"SESSION_STORE" envDefault:"memory"`
	SessionDSN    string        `env:"SESSION_DSN"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`

	CatalogPath   string  `env:"CATALOG_PATH"`
	BundlesPath   string  `env:"BUNDLES_PATH"`
	ToolEndpoints string  `env:"TOOL_ENDPOINTS"`
	ServerRPS     float64 `env:"SERVER_RPS" envDefault:"0"`
	ServerBurst   int     `env:"SERVER_BURST" envDefault:"1"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	KernelUser     string `env:"KERNEL_USER"`
	KernelRole     string `env:"KERNEL_ROLE"`
	IdentityToken  string `env:"IDENTITY_TOKEN"`
	IdentitySecret string `env:"IDENTITY_SECRET"`

	OTelEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
	Environment    string  `env:"ENVIRONMENT" envDefault:"development"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the kernel cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries))
	}
	if c.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL must be >= 1, got %d", c.MaxParallel))
	}
	if c.RetryBackoffMs < 0 || c.CallTimeoutMs < 0 {
		errs = append(errs, errors.New("RETRY_BACKOFF_MS and CALL_TIMEOUT_MS must be >= 0"))
	}
	switch c.SessionStore {
	case StoreMemory, StoreRedis:
	case StoreSQLite, StorePostgres:
		if c.SessionDSN == "" {
			errs = append(errs, fmt.Errorf("SESSION_DSN is required for SESSION_STORE=%s", c.SessionStore))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_STORE %q", c.SessionStore))
	}
	if c.KernelRole != "" {
		if _, err := contracts.ParseRole(c.KernelRole); err != nil {
			errs = append(errs, fmt.Errorf("KERNEL_ROLE: %w", err))
		}
	}
	if c.IdentitySecret != "" && len(c.IdentitySecret) < 16 {
		errs = append(errs, errors.New("IDENTITY_SECRET must be at least 16 bytes"))
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1], got %v", c.OTelSampleRate))
	}
	return errors.Join(errs...)
}

// RetryBackoff is the base delay for transient failures matching no rule.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// CallTimeout is the default per-call timeout; zero means none.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// Level maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
