package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/skim/internal/cli"
	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/ingest"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	feedID := fs.Int64("feed", 0, "Pull only this feed, even when it is not due")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "ingest does not accept positional arguments")
		return 2
	}
	if *feedID < 0 {
		fmt.Fprintln(os.Stderr, "--feed must be > 0")
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

	var results []ingest.Result
	if *feedID > 0 {
		results, err = p.ingestOne(ctx, *feedID)
	} else {
		results, err = p.ingest.IngestDue(ctx)
	}
	if err != nil {
		if db.IsNoRows(err) {
			fmt.Fprintf(os.Stderr, "Feed %d not found\n", *feedID)
			return 1
		}
		if errors.Is(err, ingest.ErrFeedDisabled) {
			fmt.Fprintf(os.Stderr, "Feed %d is disabled; run `skim feed enable %d`\n", *feedID, *feedID)
			return 1
		}
		logger.Error().Err(err).Msg("ingest failed")
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
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
			formatID(res.FeedID),
			truncateForTable(res.FeedURL, 60),
			strconv.Itoa(res.Entries),
			strconv.Itoa(res.New),
			strconv.Itoa(res.Duplicates),
			strconv.Itoa(res.Enqueued),
			truncateForTable(res.FetchError, 60),
		})
	}
	if err := writeTable([]string{"feed", "url", "entries", "new", "duplicates", "queued", "error"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func (p *pipeline) ingestOne(ctx context.Context, feedID int64) ([]ingest.Result, error) {
	feed, err := p.pool.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	res, err := p.ingest.IngestFeed(ctx, feed)
	if err != nil {
		return nil, err
	}
	return []ingest.Result{res}, nil
}

func runBackfill(args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", time.Minute, "Command timeout")
	limit := fs.Int("limit", ingest.DefaultBackfillLimit, "Maximum posts to queue")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit < 1 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
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

	queued, err := p.queue.Backfill(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backfill failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "queued %d posts\n", queued)
	return 0
}
