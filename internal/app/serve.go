package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/skim/internal/cli"
	"horse.fit/skim/internal/httpapi"
)

const defaultIngestInterval = 5 * time.Minute

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	ingestEvery := fs.Duration("ingest-interval", defaultIngestInterval, "Feed poll interval (0 disables polling)")
	noWorker := fs.Bool("no-worker", false, "Serve the API without running the summary worker")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, err := loadEnv(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to start pipeline")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer p.Close()

	if err := p.resetState(ctx); err != nil {
		logger.Error().Err(err).Msg("startup reset failed")
		fmt.Fprintf(os.Stderr, "Startup reset failed: %v\n", err)
		return 1
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Store:   p.pool,
		Queue:   p.queue,
		Cache:   p.cache,
		Breaker: p.breaker,
		Limiter: p.limiter,
	}, logger, httpapi.Options{
		Host:               *host,
		Port:               *port,
		ReadTimeout:        *readTimeout,
		WriteTimeout:       *writeTimeout,
		ShutdownTimeout:    *shutdownTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOriginsList(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if !*noWorker {
		p.runBackground(gctx, g, *ingestEvery)
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}

// runBackground adds the worker loop and, when interval > 0, the feed poller to g.
func (p *pipeline) runBackground(ctx context.Context, g *errgroup.Group, ingestEvery time.Duration) {
	g.Go(func() error { return p.worker.Run(ctx, p.cfg.WorkerTickInterval) })
	if ingestEvery > 0 {
		g.Go(func() error { return p.pollFeeds(ctx, ingestEvery) })
	}
}

func (p *pipeline) pollFeeds(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.ingest.IngestDue(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error().Err(err).Msg("feed poll failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
