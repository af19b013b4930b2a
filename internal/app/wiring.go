package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/skim/internal/breaker"
	"horse.fit/skim/internal/cache"
	"horse.fit/skim/internal/cli"
	"horse.fit/skim/internal/config"
	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/dedup"
	"horse.fit/skim/internal/feeds"
	"horse.fit/skim/internal/ingest"
	"horse.fit/skim/internal/logging"
	"horse.fit/skim/internal/queue"
	"horse.fit/skim/internal/ratelimit"
	"horse.fit/skim/internal/reader"
	"horse.fit/skim/internal/retry"
	"horse.fit/skim/internal/summarizer"
	"horse.fit/skim/internal/worker"
)

const connectTimeout = 10 * time.Second

// pipeline holds every wired component for one process.
type pipeline struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *db.Pool
	queue   *queue.Queue
	cache   *cache.SummaryCache
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	worker  *worker.Worker
	ingest  *ingest.Service
}

// loadEnv loads the env file, config and logger shared by every command.
func loadEnv(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func connectPool(cfg *config.Config) (*db.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

// buildPipeline connects the database and wires queue, cache, breaker,
// limiter, provider, worker and ingestion from cfg.
func buildPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline, error) {
	pool, err := connectPool(cfg)
	if err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg, logger: logger, pool: pool}
	if err := p.wire(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) wire(ctx context.Context) error {
	cfg := p.cfg

	p.queue = queue.New(p.pool, p.logger, queue.Options{LeaseTimeout: cfg.QueueLeaseTimeout})
	p.cache = cache.New(p.pool, nil)

	b, err := breaker.Load(ctx, breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		RecoveryWindow:    cfg.BreakerRecoveryWindow,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
	}, p.pool, p.logger)
	if err != nil {
		return fmt.Errorf("load circuit breaker: %w", err)
	}
	p.breaker = b

	l, err := ratelimit.Load(ctx, ratelimit.Config{
		MaxRPM: cfg.SummaryMaxRPM,
		Window: cfg.RateLimitWindow,
	}, p.pool, p.logger)
	if err != nil {
		return fmt.Errorf("load rate limiter: %w", err)
	}
	p.limiter = l

	provider, err := resolveProvider(cfg)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Deps{
		Queue:    p.queue,
		Cache:    p.cache,
		Posts:    p.pool,
		Breaker:  p.breaker,
		Limiter:  p.limiter,
		Provider: provider,
		Fetcher:  reader.NewFetcher(reader.Options{}),
	}, p.logger, worker.Options{
		Language: cfg.SummaryLanguage,
		Policy: retry.Policy{
			MaxAttempts:        cfg.QueueMaxAttempts,
			Cooldown:           cfg.QueueCooldown,
			EmptyResponseLimit: cfg.QueueEmptyResponseLimit,
		},
		FetchFullContent: cfg.WorkerFetchFullContent,
		SkipReadPosts:    cfg.WorkerSkipReadPosts,
	})
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}
	p.worker = w

	resolver := dedup.NewResolver(p.pool, p.logger, dedup.Options{})
	p.ingest = ingest.NewService(
		p.pool,
		feeds.NewFetcher(feeds.Options{Timeout: cfg.FeedFetchTimeout}),
		resolver,
		p.queue,
		p.cache,
		p.logger,
		ingest.Options{MaxFailures: cfg.FeedMaxFailures, BackfillLimit: ingest.DefaultBackfillLimit},
	)
	return nil
}

func resolveProvider(cfg *config.Config) (summarizer.Provider, error) {
	var prompts *summarizer.Prompts
	if path := strings.TrimSpace(cfg.SummaryPromptsFile); path != "" {
		loaded, err := summarizer.LoadPrompts(path)
		if err != nil {
			return nil, fmt.Errorf("load summary prompts: %w", err)
		}
		prompts = loaded
	}

	openai, err := summarizer.NewOpenAIProvider(summarizer.OpenAIOptions{
		Endpoint:    cfg.SummaryEndpoint,
		APIKeys:     cfg.SummaryAPIKeyList(),
		KeyCooldown: cfg.SummaryKeyCooldown,
		Model:       cfg.SummaryModel,
		Timeout:     cfg.SummaryTimeout,
		Prompts:     prompts,
	})
	if err != nil {
		return nil, fmt.Errorf("build summary provider: %w", err)
	}

	registry := summarizer.NewRegistry(cfg.SummaryProvider)
	if err := registry.Register(openai); err != nil {
		return nil, err
	}
	return registry.Provider(cfg.SummaryProvider)
}

// resetState clears breaker, cooldowns and rate-limit suppression. It runs at
// startup of long-lived commands and from `skim reset`.
func (p *pipeline) resetState(ctx context.Context) error {
	if err := p.breaker.Reset(ctx); err != nil {
		return fmt.Errorf("reset circuit breaker: %w", err)
	}
	cleared, err := p.queue.ResetCooldowns(ctx)
	if err != nil {
		return fmt.Errorf("reset queue cooldowns: %w", err)
	}
	if err := p.limiter.ClearSuppression(ctx); err != nil {
		return fmt.Errorf("clear rate limit suppression: %w", err)
	}
	p.logger.Info().Int64("cooldowns_cleared", cleared).Msg("pipeline state reset")
	return nil
}

func (p *pipeline) Close() {
	if p == nil || p.pool == nil {
		return
	}
	if err := p.pool.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("close database failed")
	}
}
