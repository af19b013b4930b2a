package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/skim/internal/cli"
	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
)

func runFeed(args []string) int {
	if len(args) == 0 {
		printFeedUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printFeedUsage()
		return 0
	case "add":
		return runFeedAdd(args[1:])
	case "list", "ls":
		return runFeedList(args[1:])
	case "enable":
		return runFeedEnable(args[1:])
	case "set":
		return runFeedSet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown feed command: %s\n\n", args[0])
		printFeedUsage()
		return 2
	}
}

func printFeedUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  skim feed add <url> [--title T]")
	fmt.Fprintln(os.Stderr, "  skim feed list [--format table|json]")
	fmt.Fprintln(os.Stderr, "  skim feed enable <id>")
	fmt.Fprintln(os.Stderr, "  skim feed set <id> [--allow-duplicate-urls=true|false] [--guid-unreliable=true|false]")
}

// feedCommand parses common flags and opens the database for one feed subcommand.
type feedCommand struct {
	fs        *flag.FlagSet
	envLoader *cli.EnvLoader
	timeout   *time.Duration
}

func newFeedCommand(name string) *feedCommand {
	fs := flag.NewFlagSet("feed "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return &feedCommand{
		fs:        fs,
		envLoader: cli.AddEnvFlag(fs, ".env", "Path to the .env file"),
		timeout:   fs.Duration("timeout", 30*time.Second, "Command timeout"),
	}
}

// parse returns the exit code to use when parsing stops the command, or -1.
// A leading positional argument may come before the flags.
func (c *feedCommand) parse(args []string, positional int) int {
	if positional > 0 && len(args) > 1 && !strings.HasPrefix(args[0], "-") {
		args = append(append([]string{}, args[1:]...), args[0])
	}
	if err := c.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if c.fs.NArg() != positional {
		fmt.Fprintf(os.Stderr, "%s expects %d positional argument(s)\n", c.fs.Name(), positional)
		return 2
	}
	return -1
}

func (c *feedCommand) open() (context.Context, context.CancelFunc, *db.Pool, error) {
	cfg, _, err := loadEnv(c.envLoader)
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := connectPool(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	return ctx, cancel, pool, nil
}

func runFeedAdd(args []string) int {
	cmd := newFeedCommand("add")
	title := cmd.fs.String("title", "", "Feed title (filled from the feed on first pull when empty)")
	if code := cmd.parse(args, 1); code >= 0 {
		return code
	}

	feedURL, err := validateFeedURL(cmd.fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid feed url: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := cmd.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	if _, err := pool.GetFeedByURL(ctx, feedURL); err == nil {
		fmt.Fprintf(os.Stderr, "Feed already exists: %s\n", feedURL)
		return 1
	} else if !db.IsNoRows(err) {
		fmt.Fprintf(os.Stderr, "Failed to look up feed: %v\n", err)
		return 1
	}

	feed, err := pool.CreateFeed(ctx, feedURL, strings.TrimSpace(*title), globaltime.UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to add feed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "added feed %d: %s\n", feed.ID, feed.URL)
	return 0
}

func runFeedList(args []string) int {
	cmd := newFeedCommand("list")
	format := cmd.fs.String("format", outputFormatTable, "Output format: table or json")
	if code := cmd.parse(args, 0); code >= 0 {
		return code
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := cmd.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	rows, err := pool.ListFeeds(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list feeds: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	tableRows := make([][]string, 0, len(rows))
	for _, feed := range rows {
		tableRows = append(tableRows, []string{
			formatID(feed.ID),
			truncateForTable(feed.Title, 30),
			truncateForTable(feed.URL, 60),
			feedState(feed),
			strconv.Itoa(feed.ErrorCount),
			formatUTCTimestampPtr(feed.LastFetchedAt),
			formatUTCTimestampPtr(feed.NextRetryAt),
		})
	}
	if err := writeTable([]string{"id", "title", "url", "state", "errors", "last_fetched", "next_retry"}, tableRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func runFeedEnable(args []string) int {
	cmd := newFeedCommand("enable")
	if code := cmd.parse(args, 1); code >= 0 {
		return code
	}
	feedID, err := parseFeedID(cmd.fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel, pool, err := cmd.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	if err := pool.EnableFeed(ctx, feedID, globaltime.UTC()); err != nil {
		if db.IsNoRows(err) {
			fmt.Fprintf(os.Stderr, "Feed %d not found\n", feedID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to enable feed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "enabled feed %d\n", feedID)
	return 0
}

func runFeedSet(args []string) int {
	cmd := newFeedCommand("set")
	allowDup := cmd.fs.String("allow-duplicate-urls", "", "Keep posts that share a URL (true or false)")
	guidUnreliable := cmd.fs.String("guid-unreliable", "", "Ignore item GUIDs for this feed (true or false)")

	if code := cmd.parse(args, 1); code >= 0 {
		return code
	}
	feedID, err := parseFeedID(cmd.fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	var overrides db.FeedOverrides
	if overrides.AllowDuplicateURLs, err = parseOptionalBool("--allow-duplicate-urls", *allowDup); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if overrides.GUIDUnreliable, err = parseOptionalBool("--guid-unreliable", *guidUnreliable); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if overrides.AllowDuplicateURLs == nil && overrides.GUIDUnreliable == nil {
		fmt.Fprintln(os.Stderr, "nothing to set")
		return 2
	}

	ctx, cancel, pool, err := cmd.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	if err := pool.SetFeedOverrides(ctx, feedID, overrides, globaltime.UTC()); err != nil {
		if db.IsNoRows(err) {
			fmt.Fprintf(os.Stderr, "Feed %d not found\n", feedID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to update feed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "updated feed %d\n", feedID)
	return 0
}

func validateFeedURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	if parsed.User != nil {
		return "", fmt.Errorf("credentials in feed urls are not supported")
	}
	return trimmed, nil
}

func parseFeedID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("feed id must be a positive integer")
	}
	return id, nil
}

func parseOptionalBool(name, raw string) (*bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s must be true or false", name)
	}
	return &value, nil
}

func feedState(feed db.Feed) string {
	switch {
	case feed.Disabled:
		return "disabled"
	case feed.ErrorCount > 0:
		return "backing_off"
	default:
		return "active"
	}
}
