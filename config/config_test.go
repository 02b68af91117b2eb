package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("REDIS_ADDR", "localhost:6379")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if len(cfg.ProviderLimits) != 0 {
		t.Errorf("Expected no provider limits without env vars, got %v", cfg.ProviderLimits)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("Expected default of 3 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("Expected default base delay of 1s, got %s", cfg.Retry.BaseDelay)
	}
	if cfg.DefaultRateLimitTPM != 100000 {
		t.Errorf("Expected default tenant budget of 100000 TPM, got %d", cfg.DefaultRateLimitTPM)
	}
	if cfg.JobQueueSize != 64 {
		t.Errorf("Expected default queue size 64, got %d", cfg.JobQueueSize)
	}
}

func TestLoad_MissingPostgresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	if _, err := Load(); err == nil {
		t.Error("Expected error for missing POSTGRES_DSN")
	}
}

func TestLoad_ProviderLimits(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENAI_RPM", "500")
	t.Setenv("OPENAI_TPM", "30000")
	t.Setenv("CLAUDE_RPD", "10000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	openai, ok := cfg.ProviderLimits["openai"]
	if !ok {
		t.Fatal("Expected limits for openai")
	}
	if openai.RequestsPerMinute != 500 || openai.TokensPerMinute != 30000 {
		t.Errorf("Unexpected openai limits: %+v", openai)
	}

	claude, ok := cfg.ProviderLimits["claude"]
	if !ok {
		t.Fatal("Expected limits for claude")
	}
	if claude.RequestsPerDay != 10000 {
		t.Errorf("Unexpected claude limits: %+v", claude)
	}

	if _, ok := cfg.ProviderLimits["gemini"]; ok {
		t.Error("Expected no limits for gemini without env vars")
	}
}

func TestLoad_InvalidLimit(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENAI_RPM", "not-a-number")

	if _, err := Load(); err == nil {
		t.Error("Expected error for non-numeric OPENAI_RPM")
	}
}

func TestLoad_RetryPolicy(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RETRY_MAX_RETRIES", "5")
	t.Setenv("RETRY_BASE_DELAY_MS", "250")
	t.Setenv("RETRY_MAX_DELAY_MS", "8000")
	t.Setenv("RETRY_BACKOFF_MULTIPLIER", "1.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("Expected 5 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms base delay, got %s", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxDelay != 8*time.Second {
		t.Errorf("Expected 8s max delay, got %s", cfg.Retry.MaxDelay)
	}
	if cfg.Retry.Multiplier != 1.5 {
		t.Errorf("Expected multiplier 1.5, got %v", cfg.Retry.Multiplier)
	}
}
