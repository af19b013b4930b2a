package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"horse.fit/skim/internal/worker"
)

const cliFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Ops Notes</title>
  <item>
    <title>Leases in practice</title>
    <link>/posts/leases</link>
    <guid>lease-1</guid>
    <description><![CDATA[<p>A lease lets exactly one worker own a queued job for a bounded time. When the worker dies the lease expires and another worker picks the job up again without losing it.</p>]]></description>
  </item>
</channel>
</rss>`

const cliReply = `{"summary":"Leases give one worker a job for a bounded time.","one_line_summary":"Leases bound job ownership.","tags":["queues"]}`

// runCLI runs one command and returns its exit code and stdout.
func runCLI(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	defer func() { stdout = prev }()

	code := Run(args)
	return code, buf.String()
}

func newCLIEnv(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(cliFeed))
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			content, _ := json.Marshal(cliReply)
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"model":"test-model","choices":[{"message":{"role":"assistant","content":%s}}]}`, content)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	t.Setenv("SKIM_ENV_FILE", "")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("SUMMARY_ENDPOINT", srv.URL+"/v1")
	t.Setenv("SUMMARY_LANGUAGE", "en")
	t.Setenv("WORKER_FETCH_FULL_CONTENT", "false")
	return srv
}

func TestFeedCommands(t *testing.T) {
	srv := newCLIEnv(t)
	feedURL := srv.URL + "/feed.xml"

	code, out := runCLI(t, "feed", "add", feedURL, "--title", "Ops")
	require.Equal(t, 0, code)
	require.Contains(t, out, "added feed 1")

	code, _ = runCLI(t, "feed", "add", feedURL)
	require.Equal(t, 1, code, "duplicate feed url")

	code, _ = runCLI(t, "feed", "set", "1", "--allow-duplicate-urls=true")
	require.Equal(t, 0, code)

	code, out = runCLI(t, "feed", "list", "--format", "json")
	require.Equal(t, 0, code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, true, listed[0]["AllowDuplicateURLs"])

	code, _ = runCLI(t, "feed", "enable", "1")
	require.Equal(t, 0, code)
	code, _ = runCLI(t, "feed", "enable", "7")
	require.Equal(t, 1, code)
}

func TestIngestTickStatusFlow(t *testing.T) {
	srv := newCLIEnv(t)

	code, _ := runCLI(t, "feed", "add", srv.URL+"/feed.xml")
	require.Equal(t, 0, code)

	code, out := runCLI(t, "ingest", "--feed", "1", "--format", "json")
	require.Equal(t, 0, code)
	var ingested []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &ingested))
	require.Len(t, ingested, 1)
	require.EqualValues(t, 1, ingested[0]["new"])
	require.EqualValues(t, 1, ingested[0]["enqueued"])

	code, out = runCLI(t, "status", "--format", "json")
	require.Equal(t, 0, code)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.EqualValues(t, 1, report.Queue.Size)
	require.Equal(t, "CLOSED", string(report.Breaker.State))

	code, out = runCLI(t, "tick", "--format", "json")
	require.Equal(t, 0, code)
	var ticks []worker.TickResult
	require.NoError(t, json.Unmarshal([]byte(out), &ticks))
	require.Len(t, ticks, 1)
	require.Equal(t, worker.OutcomeSummarized, ticks[0].Outcome, ticks[0].Error)

	code, out = runCLI(t, "tick", "--format", "json")
	require.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(out), &ticks))
	require.Equal(t, worker.OutcomeIdle, ticks[0].Outcome)

	code, out = runCLI(t, "reset")
	require.Equal(t, 0, code)
	require.Contains(t, out, "breaker closed")

	code, out = runCLI(t, "backfill", "--limit", "10")
	require.Equal(t, 0, code)
	require.Contains(t, out, "queued 0 posts")
}
