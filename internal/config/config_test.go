package config

import (
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	if got := envStr("TEST_STR", "default"); got != "value" {
		t.Fatalf("expected value, got %s", got)
	}
	if got := envStr("TEST_STR_MISSING", "default"); got != "default" {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestEnvIntFallback(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := envInt("TEST_INT", 0); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	// Unparseable values fall back rather than abort startup.
	t.Setenv("TEST_INT_BAD", "abc")
	if got := envInt("TEST_INT_BAD", 99); got != 99 {
		t.Fatalf("expected fallback 99, got %d", got)
	}
}

func TestEnvDurationFallback(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if got := envDuration("TEST_DUR", 0); got != 5*time.Second {
		t.Fatalf("expected 5s, got %s", got)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if got := envDuration("TEST_DUR_BAD", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RunTimeout != time.Hour {
		t.Fatalf("expected default run timeout 1h, got %s", cfg.RunTimeout)
	}
}

func TestLoadReadsEnv(t *testing.T) {
	t.Setenv("SHONIN_PORT", "9090")
	t.Setenv("SHONIN_RUN_RETENTION", "720h")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.RunRetention != 720*time.Hour {
		t.Fatalf("expected retention 720h, got %s", cfg.RunRetention)
	}
}

func TestValidateRejectsBadSweepSettings(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.SweepInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero sweep interval")
	}
	cfg.SweepInterval = time.Minute
	cfg.RunRetention = -time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative retention")
	}
}
