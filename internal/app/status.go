package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/skim/internal/breaker"
	"horse.fit/skim/internal/cli"
	"horse.fit/skim/internal/queue"
	"horse.fit/skim/internal/ratelimit"
)

type statusReport struct {
	Queue       queue.Status       `json:"queue"`
	Breaker     breaker.Snapshot   `json:"breaker"`
	RateLimiter ratelimit.Snapshot `json:"rate_limiter"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "status does not accept positional arguments")
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

	qs, err := p.queue.Status(ctx, p.breaker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query queue status: %v\n", err)
		return 1
	}
	report := statusReport{
		Queue:       qs,
		Breaker:     p.breaker.Snapshot(),
		RateLimiter: p.limiter.Snapshot(),
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"queue_size", strconv.FormatInt(report.Queue.Size, 10)},
		{"queue_leased", strconv.FormatInt(report.Queue.Leased, 10)},
		{"queue_cooling_down", strconv.FormatInt(report.Queue.CoolingDown, 10)},
		{"queue_failures", strconv.FormatInt(report.Queue.Failures, 10)},
		{"oldest_job", formatUTCTimestampPtr(report.Queue.OldestCreatedAt)},
		{"oldest_age_seconds", strconv.FormatInt(report.Queue.OldestAgeSecs, 10)},
		{"breaker_state", string(report.Breaker.State)},
		{"breaker_failures", strconv.Itoa(report.Breaker.Failures)},
		{"breaker_last_failure", formatUTCTimestampPtr(report.Breaker.LastFailureAt)},
		{"rate_min_interval", report.RateLimiter.MinInterval.String()},
		{"rate_last_attempt", formatUTCTimestampPtr(report.RateLimiter.LastAttemptAt)},
		{"rate_suppressed_until", formatUTCTimestampPtr(report.RateLimiter.SuppressedUntil)},
	}
	if err := writeTable([]string{"metric", "value"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render status table: %v\n", err)
		return 1
	}
	return 0
}

func runReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "reset does not accept positional arguments")
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

	if err := p.resetState(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "breaker closed, cooldowns and rate-limit suppression cleared")
	return 0
}
