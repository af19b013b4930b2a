package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/skim/internal/cli"
	"horse.fit/skim/internal/worker"
)

func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	ingestEvery := fs.Duration("ingest-interval", defaultIngestInterval, "Feed poll interval (0 disables polling)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "work does not accept positional arguments")
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
		logger.Error().Err(err).Msg("work failed to start pipeline")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer p.Close()

	if err := p.resetState(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Startup reset failed: %v\n", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	p.runBackground(gctx, g, *ingestEvery)
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	return 0
}

func runTick(args []string) int {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	count := fs.Int("count", 1, "Number of ticks to run")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *count < 1 {
		fmt.Fprintln(os.Stderr, "--count must be > 0")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	cfg, logger, err := loadEnv(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer p.Close()

	results := make([]worker.TickResult, 0, *count)
	for i := 0; i < *count; i++ {
		res, err := p.worker.Tick(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Tick failed: %v\n", err)
			return 1
		}
		results = append(results, res)
		if res.Outcome == worker.OutcomeIdle {
			break
		}
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(results); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(results))
	for _, res := range results {
		rows = append(rows, []string{
			string(res.Outcome),
			formatID(res.JobID),
			formatID(res.PostID),
			truncateForTable(res.Error, 80),
		})
	}
	if err := writeTable([]string{"outcome", "job", "post", "error"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}
