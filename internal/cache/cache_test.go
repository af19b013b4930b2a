package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/db/dbtest"
	"horse.fit/skim/internal/summarizer"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func seedPost(t *testing.T, pool *db.Pool, guid, hash string) int64 {
	t.Helper()
	ctx := context.Background()
	feed, err := pool.CreateFeed(ctx, "https://example.com/feed", "", now)
	require.NoError(t, err)
	id, err := pool.InsertPost(ctx, db.InsertPostParams{
		FeedID:      feed.ID,
		GUID:        &guid,
		URL:         "https://example.com/" + guid,
		Title:       guid,
		Content:     "body",
		ContentHash: &hash,
		CreatedAt:   now,
	})
	require.NoError(t, err)
	return id
}

func TestStoreIsWriteOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(dbtest.Open(t), clock)

	miss, err := c.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	require.Nil(t, miss)

	title := "Título"
	created, err := c.Store(ctx, "hash-1", "pt", &summarizer.Result{
		Summary:         "Resumo",
		OneLineSummary:  "Linha",
		TranslatedTitle: &title,
		Tags:            []string{"go", "db"},
		ProviderName:    "openai",
		ModelName:       "llama",
		LatencyMS:       120,
	})
	require.NoError(t, err)
	require.True(t, created)

	created, err = c.Store(ctx, "hash-1", "pt", &summarizer.Result{Summary: "Other", OneLineSummary: "Other"})
	require.NoError(t, err)
	require.False(t, created)

	hit, err := c.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.Equal(t, "Resumo", hit.SummaryText)
	require.Equal(t, []string{"go", "db"}, hit.Tags)
	require.Equal(t, "pt", hit.Language)
	require.NotNil(t, hit.LatencyMS)
	require.EqualValues(t, 120, *hit.LatencyMS)
}

func TestStoreEmptyAndMissingHash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(dbtest.Open(t), clock)

	_, err := c.StoreEmpty(ctx, " ", "en")
	require.ErrorIs(t, err, ErrMissingContentHash)

	created, err := c.StoreEmpty(ctx, "hash-garbage", "en")
	require.NoError(t, err)
	require.True(t, created)

	hit, err := c.Lookup(ctx, "hash-garbage")
	require.NoError(t, err)
	require.Empty(t, hit.SummaryText)
	require.Empty(t, hit.OneLineSummary)
	require.Empty(t, hit.ProviderName)
	require.Nil(t, hit.ModelName)
}

func TestPostStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool := dbtest.Open(t)
	c := New(pool, clock)

	postID := seedPost(t, pool, "a", "hash-a")

	status, err := c.PostStatus(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, StatusNone, status.Status)

	_, err = pool.EnqueueSummaryJob(ctx, db.EnqueueParams{PostID: postID, ContentHash: "hash-a", Now: now})
	require.NoError(t, err)
	status, err = c.PostStatus(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status.Status)

	job, err := pool.GetSummaryJobByPost(ctx, postID)
	require.NoError(t, err)
	require.NoError(t, pool.MoveSummaryJobToFailures(ctx, db.FailParams{
		JobID: job.ID, PostID: postID, ContentHash: "hash-a", LastError: "bad", ErrorType: "permanent", Attempts: 5, Now: now,
	}))
	status, err = c.PostStatus(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status.Status)

	_, err = c.Store(ctx, "hash-a", "en", &summarizer.Result{Summary: "S", OneLineSummary: "O"})
	require.NoError(t, err)
	status, err = c.PostStatus(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, status.Status)
	require.Equal(t, "S", status.Summary.SummaryText)

	_, err = c.PostStatus(ctx, 9999)
	require.True(t, db.IsNoRows(err))
}
