package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://test.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.SummaryModel != "llama-3.3-70b" {
		t.Fatalf("unexpected default model %q", cfg.SummaryModel)
	}
	if cfg.SummaryMaxRPM != 20 {
		t.Fatalf("expected max rpm 20, got %d", cfg.SummaryMaxRPM)
	}
	if cfg.BreakerRecoveryWindow != 300*time.Second {
		t.Fatalf("expected 300s recovery window, got %s", cfg.BreakerRecoveryWindow)
	}
	if cfg.QueueCooldown != 24*time.Hour {
		t.Fatalf("expected 24h cooldown, got %s", cfg.QueueCooldown)
	}
	if cfg.MinCallInterval() != 3*time.Second {
		t.Fatalf("expected 3s min interval for 20 rpm, got %s", cfg.MinCallInterval())
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			DatabaseURL:              "sqlite://x.db",
			DBMinConns:               1,
			DBMaxConns:               4,
			SummaryEndpoint:          "http://127.0.0.1:8080/v1",
			SummaryModel:             "m",
			SummaryLanguage:          "en",
			SummaryTimeout:           time.Second,
			SummaryKeyCooldown:       time.Minute,
			SummaryMaxRPM:            10,
			BreakerFailureThreshold:  5,
			BreakerRecoveryWindow:    time.Minute,
			BreakerHalfOpenSuccesses: 3,
			RateLimitWindow:          time.Minute,
			QueueLeaseTimeout:        time.Minute,
			QueueMaxAttempts:         5,
			QueueCooldown:            time.Hour,
			QueueEmptyResponseLimit:  3,
			WorkerTickInterval:       time.Second,
			FeedMaxFailures:          10,
			FeedFetchTimeout:         time.Second,
		}
	}

	okCfg := base()
	if err := okCfg.Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "rpm", mutate: func(c *Config) { c.SummaryMaxRPM = 0 }, want: "SUMMARY_MAX_RPM"},
		{name: "conns", mutate: func(c *Config) { c.DBMinConns = 9 }, want: "SKIM_DB_MIN_CONNS"},
		{name: "threshold", mutate: func(c *Config) { c.BreakerFailureThreshold = 0 }, want: "BREAKER_FAILURE_THRESHOLD"},
		{name: "lease", mutate: func(c *Config) { c.QueueLeaseTimeout = 0 }, want: "QUEUE_LEASE_TIMEOUT"},
		{name: "language", mutate: func(c *Config) { c.SummaryLanguage = " " }, want: "SUMMARY_LANGUAGE"},
		{name: "key cooldown", mutate: func(c *Config) { c.SummaryKeyCooldown = 0 }, want: "SUMMARY_KEY_COOLDOWN"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error to mention %s, got %v", tc.want, err)
			}
		})
	}
}

func TestSummaryAPIKeyList(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://test.db")
	t.Setenv("SUMMARY_API_KEY", "key-a")
	t.Setenv("SUMMARY_API_KEYS", " key-b, ,key-a,key-c ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	got := strings.Join(cfg.SummaryAPIKeyList(), ",")
	if got != "key-a,key-b,key-c" {
		t.Fatalf("unexpected key list %q", got)
	}
	if cfg.SummaryKeyCooldown != time.Minute {
		t.Fatalf("expected 60s key cooldown, got %s", cfg.SummaryKeyCooldown)
	}
}
