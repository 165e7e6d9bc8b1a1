// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Empty DatabaseURL selects the in-memory store
	// (development and tests only; nothing survives a restart).
	DatabaseURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Operator bootstrap.
	OperatorAPIKey string // API key for the initial operator agent.

	// Policy seed file (YAML rules + limits applied to a fresh deployment).
	PolicySeedPath string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Background sweeps.
	SweepInterval time.Duration // How often timeout/retention sweeps run.
	RunTimeout    time.Duration // Running runs older than this are timed out.
	RunRetention  time.Duration // Terminal runs older than this are deleted; 0 keeps forever.

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("SHONIN_PORT", 8080),
		ReadTimeout:         envDuration("SHONIN_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("SHONIN_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		JWTPrivateKeyPath:   envStr("SHONIN_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("SHONIN_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("SHONIN_JWT_EXPIRATION", 24*time.Hour),
		OperatorAPIKey:      envStr("SHONIN_OPERATOR_API_KEY", ""),
		PolicySeedPath:      envStr("SHONIN_POLICY_SEED", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "shonin"),
		SweepInterval:       envDuration("SHONIN_SWEEP_INTERVAL", time.Minute),
		RunTimeout:          envDuration("SHONIN_RUN_TIMEOUT", time.Hour),
		RunRetention:        envDuration("SHONIN_RUN_RETENTION", 0),
		LogLevel:            envStr("SHONIN_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("SHONIN_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SHONIN_SWEEP_INTERVAL must be positive")
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("config: SHONIN_RUN_TIMEOUT must be positive")
	}
	if c.RunRetention < 0 {
		return fmt.Errorf("config: SHONIN_RUN_RETENTION must be non-negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SHONIN_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
