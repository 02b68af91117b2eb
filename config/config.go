package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dmitriz/llm-univ-sub001/internal/ratelimit"
	"github.com/dmitriz/llm-univ-sub001/internal/retry"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate limiting, keyed by provider name. Providers without an entry
	// are never throttled.
	ProviderLimits map[string]ratelimit.Limits

	// Per-tenant token budget, tokens per minute. default: 100000
	DefaultRateLimitTPM int64

	// Retry/backoff for upstream calls
	Retry retry.Policy

	// Async jobs
	JobQueueSize int // default: 64
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	limits, err := loadProviderLimits()
	if err != nil {
		return nil, err
	}
	cfg.ProviderLimits = limits

	policy, err := loadRetryPolicy()
	if err != nil {
		return nil, err
	}
	cfg.Retry = policy

	tpm, err := getEnvInt("DEFAULT_RATE_LIMIT_TPM", 100000)
	if err != nil {
		return nil, err
	}
	cfg.DefaultRateLimitTPM = int64(tpm)

	queueSize, err := getEnvInt("JOB_QUEUE_SIZE", 64)
	if err != nil {
		return nil, err
	}
	cfg.JobQueueSize = queueSize

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

// loadProviderLimits reads OPENAI_RPM, OPENAI_TPM, OPENAI_RPD, OPENAI_TPD
// (and the same for CLAUDE_ and GEMINI_). A provider with no variables set
// gets no entry and is never throttled.
func loadProviderLimits() (map[string]ratelimit.Limits, error) {
	limits := make(map[string]ratelimit.Limits)
	for _, name := range []string{"openai", "claude", "gemini"} {
		prefix := strings.ToUpper(name)

		rpm, err := getEnvInt(prefix+"_RPM", 0)
		if err != nil {
			return nil, err
		}
		tpm, err := getEnvInt(prefix+"_TPM", 0)
		if err != nil {
			return nil, err
		}
		rpd, err := getEnvInt(prefix+"_RPD", 0)
		if err != nil {
			return nil, err
		}
		tpd, err := getEnvInt(prefix+"_TPD", 0)
		if err != nil {
			return nil, err
		}

		if rpm == 0 && tpm == 0 && rpd == 0 && tpd == 0 {
			continue
		}
		limits[name] = ratelimit.Limits{
			RequestsPerMinute: rpm,
			TokensPerMinute:   int64(tpm),
			RequestsPerDay:    rpd,
			TokensPerDay:      int64(tpd),
		}
	}
	return limits, nil
}

func loadRetryPolicy() (retry.Policy, error) {
	policy := retry.DefaultPolicy()

	maxRetries, err := getEnvInt("RETRY_MAX_RETRIES", policy.MaxRetries)
	if err != nil {
		return retry.Policy{}, err
	}
	policy.MaxRetries = maxRetries

	baseMs, err := getEnvInt("RETRY_BASE_DELAY_MS", int(policy.BaseDelay/time.Millisecond))
	if err != nil {
		return retry.Policy{}, err
	}
	policy.BaseDelay = time.Duration(baseMs) * time.Millisecond

	maxMs, err := getEnvInt("RETRY_MAX_DELAY_MS", int(policy.MaxDelay/time.Millisecond))
	if err != nil {
		return retry.Policy{}, err
	}
	policy.MaxDelay = time.Duration(maxMs) * time.Millisecond

	if v := os.Getenv("RETRY_BACKOFF_MULTIPLIER"); v != "" {
		mult, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return retry.Policy{}, fmt.Errorf("invalid RETRY_BACKOFF_MULTIPLIER: %w", err)
		}
		policy.Multiplier = mult
	}

	return policy, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
