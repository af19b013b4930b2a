package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "serve":
		return runServe(args[1:])
	case "work":
		return runWork(args[1:])
	case "tick":
		return runTick(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "backfill":
		return runBackfill(args[1:])
	case "status":
		return runStatus(args[1:])
	case "feed", "feeds":
		return runFeed(args[1:])
	case "reset":
		return runReset(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "skim CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  skim <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve     Start the ops API with the summary worker and feed poller")
	fmt.Fprintln(os.Stderr, "  work      Run the summary worker and feed poller without the API")
	fmt.Fprintln(os.Stderr, "  tick      Process at most one queued summary job")
	fmt.Fprintln(os.Stderr, "  ingest    Pull due feeds (or one feed) and queue new posts")
	fmt.Fprintln(os.Stderr, "  backfill  Queue unread posts that have no summary and no job")
	fmt.Fprintln(os.Stderr, "  status    Show queue depth, breaker and rate limiter state")
	fmt.Fprintln(os.Stderr, "  feed      Manage feeds: add, list, enable, set")
	fmt.Fprintln(os.Stderr, "  reset     Close the breaker, clear cooldowns and rate-limit suppression")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"skim <command> -h\" for command-specific flags.")
}
