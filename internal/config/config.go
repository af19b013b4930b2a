package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:"sqlite://skim.db"`
	DBMinConns  int32  `envconfig:"SKIM_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"SKIM_DB_MAX_CONNS" default:"8"`

	SummaryProvider    string        `envconfig:"SUMMARY_PROVIDER" default:"openai"`
	SummaryEndpoint    string        `envconfig:"SUMMARY_ENDPOINT" default:"https://api.cerebras.ai/v1"`
	SummaryAPIKey      string        `envconfig:"SUMMARY_API_KEY" default:""`
	SummaryAPIKeys     string        `envconfig:"SUMMARY_API_KEYS" default:""`
	SummaryKeyCooldown time.Duration `envconfig:"SUMMARY_KEY_COOLDOWN" default:"60s"`
	SummaryModel       string        `envconfig:"SUMMARY_MODEL" default:"llama-3.3-70b"`
	SummaryLanguage    string        `envconfig:"SUMMARY_LANGUAGE" default:"en"`
	SummaryTimeout     time.Duration `envconfig:"SUMMARY_TIMEOUT" default:"30s"`
	SummaryMaxRPM      int           `envconfig:"SUMMARY_MAX_RPM" default:"20"`
	SummaryPromptsFile string        `envconfig:"SUMMARY_PROMPTS_FILE" default:""`

	BreakerFailureThreshold  int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerRecoveryWindow    time.Duration `envconfig:"BREAKER_RECOVERY_WINDOW" default:"300s"`
	BreakerHalfOpenSuccesses int           `envconfig:"BREAKER_HALF_OPEN_SUCCESSES" default:"3"`

	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`

	QueueLeaseTimeout       time.Duration `envconfig:"QUEUE_LEASE_TIMEOUT" default:"300s"`
	QueueMaxAttempts        int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"5"`
	QueueCooldown           time.Duration `envconfig:"QUEUE_COOLDOWN" default:"24h"`
	QueueEmptyResponseLimit int           `envconfig:"QUEUE_EMPTY_RESPONSE_LIMIT" default:"3"`

	WorkerTickInterval     time.Duration `envconfig:"WORKER_TICK_INTERVAL" default:"5s"`
	WorkerFetchFullContent bool          `envconfig:"WORKER_FETCH_FULL_CONTENT" default:"true"`
	WorkerSkipReadPosts    bool          `envconfig:"WORKER_SKIP_READ_POSTS" default:"true"`

	FeedMaxFailures  int           `envconfig:"FEED_MAX_FAILURES" default:"10"`
	FeedFetchTimeout time.Duration `envconfig:"FEED_FETCH_TIMEOUT" default:"20s"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("SKIM_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("SKIM_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SKIM_DB_MIN_CONNS (%d) cannot exceed SKIM_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.SummaryEndpoint) == "" {
		return fmt.Errorf("SUMMARY_ENDPOINT is required")
	}
	if strings.TrimSpace(c.SummaryModel) == "" {
		return fmt.Errorf("SUMMARY_MODEL is required")
	}
	if strings.TrimSpace(c.SummaryLanguage) == "" {
		return fmt.Errorf("SUMMARY_LANGUAGE is required")
	}
	if c.SummaryTimeout <= 0 {
		return fmt.Errorf("SUMMARY_TIMEOUT must be > 0")
	}
	if c.SummaryKeyCooldown <= 0 {
		return fmt.Errorf("SUMMARY_KEY_COOLDOWN must be > 0")
	}
	if c.SummaryMaxRPM < 1 {
		return fmt.Errorf("SUMMARY_MAX_RPM must be >= 1")
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be >= 1")
	}
	if c.BreakerRecoveryWindow <= 0 {
		return fmt.Errorf("BREAKER_RECOVERY_WINDOW must be > 0")
	}
	if c.BreakerHalfOpenSuccesses < 1 {
		return fmt.Errorf("BREAKER_HALF_OPEN_SUCCESSES must be >= 1")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.QueueLeaseTimeout <= 0 {
		return fmt.Errorf("QUEUE_LEASE_TIMEOUT must be > 0")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if c.QueueCooldown <= 0 {
		return fmt.Errorf("QUEUE_COOLDOWN must be > 0")
	}
	if c.QueueEmptyResponseLimit < 1 {
		return fmt.Errorf("QUEUE_EMPTY_RESPONSE_LIMIT must be >= 1")
	}
	if c.WorkerTickInterval <= 0 {
		return fmt.Errorf("WORKER_TICK_INTERVAL must be > 0")
	}
	if c.FeedMaxFailures < 1 {
		return fmt.Errorf("FEED_MAX_FAILURES must be >= 1")
	}
	if c.FeedFetchTimeout <= 0 {
		return fmt.Errorf("FEED_FETCH_TIMEOUT must be > 0")
	}
	return nil
}

// MinCallInterval is the pacing gap between provider call attempts.
func (c *Config) MinCallInterval() time.Duration {
	if c == nil || c.SummaryMaxRPM < 1 {
		return time.Minute
	}
	return time.Minute / time.Duration(c.SummaryMaxRPM)
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

// SummaryAPIKeyList is SUMMARY_API_KEY followed by the comma-separated
// SUMMARY_API_KEYS, without blanks or repeats.
func (c *Config) SummaryAPIKeyList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.SummaryAPIKey + "," + c.SummaryAPIKeys)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
