package app

import (
	"testing"
	"time"
)

func TestRunUsageExitCodes(t *testing.T) {
	cases := []struct {
		args []string
		want int
	}{
		{nil, 2},
		{[]string{"help"}, 0},
		{[]string{"bogus"}, 2},
		{[]string{"feed"}, 2},
		{[]string{"feed", "bogus"}, 2},
		{[]string{"serve", "--port", "0"}, 2},
		{[]string{"tick", "--count", "0"}, 2},
		{[]string{"feed", "add", "ftp://example.com/feed"}, 2},
		{[]string{"feed", "enable", "abc"}, 2},
		{[]string{"feed", "set", "3"}, 2},
		{[]string{"status", "extra"}, 2},
	}
	for _, tc := range cases {
		if got := Run(tc.args); got != tc.want {
			t.Fatalf("Run(%v) = %d, want %d", tc.args, got, tc.want)
		}
	}
}

func TestValidateFeedURL(t *testing.T) {
	t.Parallel()

	if got, err := validateFeedURL("  https://example.com/feed.xml "); err != nil || got != "https://example.com/feed.xml" {
		t.Fatalf("validateFeedURL() = %q, %v", got, err)
	}
	for _, raw := range []string{"", "example.com/feed", "https://", "https://u:p@example.com/feed"} {
		if _, err := validateFeedURL(raw); err == nil {
			t.Fatalf("validateFeedURL(%q) expected error", raw)
		}
	}
}

func TestParseOptionalBool(t *testing.T) {
	t.Parallel()

	if v, err := parseOptionalBool("--x", ""); err != nil || v != nil {
		t.Fatalf("empty = %v, %v", v, err)
	}
	if v, err := parseOptionalBool("--x", "false"); err != nil || v == nil || *v {
		t.Fatalf("false = %v, %v", v, err)
	}
	if _, err := parseOptionalBool("--x", "maybe"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTableFormatting(t *testing.T) {
	t.Parallel()

	if got := truncateForTable("abcdefghij", 6); got != "abc..." {
		t.Fatalf("truncateForTable() = %q", got)
	}
	if got := formatID(0); got != "-" {
		t.Fatalf("formatID(0) = %q", got)
	}
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	if got := formatUTCTimestampPtr(&ts); got != "2026-06-01T10:00:00Z" {
		t.Fatalf("formatUTCTimestampPtr() = %q", got)
	}
}
