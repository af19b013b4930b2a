// Package ingest pulls feeds, stores new posts and queues them for summaries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/dedup"
	"horse.fit/skim/internal/feeds"
	"horse.fit/skim/internal/globaltime"
	"horse.fit/skim/internal/normalize"
	"horse.fit/skim/internal/queue"
)

const (
	DefaultMaxFailures   = 10
	DefaultBaseBackoff   = 5 * time.Minute
	DefaultMaxBackoff    = 24 * time.Hour
	DefaultDueBatch      = 50
	DefaultBackfillLimit = 100
)

// ErrFeedDisabled is returned for a feed that must be re-enabled before it is pulled again.
var ErrFeedDisabled = errors.New("feed is disabled")

type Store interface {
	ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]db.Feed, error)
	InsertPost(ctx context.Context, params db.InsertPostParams) (int64, error)
	RecordFeedFetchSuccess(ctx context.Context, feedID int64, title string, fetchedAt time.Time) error
	RecordFeedFetchFailure(ctx context.Context, params db.FeedFailureParams) (db.FeedFailureResult, error)
}

type Source interface {
	Fetch(ctx context.Context, feedURL string) (*feeds.Document, error)
}

type Resolver interface {
	Resolve(ctx context.Context, feed db.Feed, c dedup.Candidate) (dedup.Resolution, error)
}

type Queue interface {
	Enqueue(ctx context.Context, postID int64, contentHash string, priority int) (db.EnqueueResult, error)
	Backfill(ctx context.Context, limit int) (int, error)
}

type Cache interface {
	Lookup(ctx context.Context, contentHash string) (*db.Summary, error)
}

type Options struct {
	MaxFailures   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	DueBatch      int
	BackfillLimit int
	Now           globaltime.Clock
}

// Result summarizes one feed pull. FetchError is set when the feed could not
// be fetched; the failure is already recorded on the feed.
type Result struct {
	FeedID     int64  `json:"feed_id"`
	FeedURL    string `json:"feed_url"`
	Entries    int    `json:"entries"`
	New        int    `json:"new"`
	Duplicates int    `json:"duplicates"`
	Enqueued   int    `json:"enqueued"`
	Cached     int    `json:"cached"`
	FetchError string `json:"fetch_error,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

type Service struct {
	store    Store
	source   Source
	resolver Resolver
	queue    Queue
	cache    Cache
	logger   zerolog.Logger
	opts     Options
	now      globaltime.Clock
}

func NewService(store Store, source Source, resolver Resolver, q Queue, cache Cache, logger zerolog.Logger, opts Options) *Service {
	if opts.MaxFailures < 1 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.DueBatch < 1 {
		opts.DueBatch = DefaultDueBatch
	}
	if opts.BackfillLimit < 0 {
		opts.BackfillLimit = 0
	}
	return &Service{
		store:    store,
		source:   source,
		resolver: resolver,
		queue:    q,
		cache:    cache,
		logger:   logger.With().Str("component", "ingest").Logger(),
		opts:     opts,
		now:      globaltime.OrDefault(opts.Now),
	}
}

// Backoff is the wait after the n-th consecutive failure: base * 2^(n-1), capped.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 1 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// IngestFeed fetches one feed and stores its new entries. Fetch failures are
// recorded on the feed and reported in the result; storage failures are returned.
// A disabled feed is not fetched and yields ErrFeedDisabled.
func (s *Service) IngestFeed(ctx context.Context, feed db.Feed) (Result, error) {
	res := Result{FeedID: feed.ID, FeedURL: feed.URL}
	if feed.Disabled {
		res.Disabled = true
		return res, ErrFeedDisabled
	}
	log := s.logger.With().Int64("feed_id", feed.ID).Str("feed_url", feed.URL).Logger()

	doc, err := s.source.Fetch(ctx, feed.URL)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return s.recordFailure(ctx, feed, res, err, log)
	}

	res.Entries = len(doc.Entries)
	for _, entry := range doc.Entries {
		resolution, err := s.resolver.Resolve(ctx, feed, entry.Candidate)
		if err != nil {
			return res, err
		}
		feed.GUIDUnreliable = resolution.GUIDUnreliable
		if resolution.IsDuplicate() {
			res.Duplicates++
			continue
		}

		postID, err := s.store.InsertPost(ctx, insertParams(feed.ID, entry, resolution, s.now()))
		if err != nil {
			return res, err
		}
		res.New++

		if resolution.ContentHash == "" {
			continue
		}
		hit, err := s.cache.Lookup(ctx, resolution.ContentHash)
		if err != nil {
			return res, err
		}
		if hit != nil {
			res.Cached++
			continue
		}
		if _, err := s.queue.Enqueue(ctx, postID, resolution.ContentHash, queue.PriorityBackground); err != nil {
			return res, err
		}
		res.Enqueued++
	}

	if err := s.store.RecordFeedFetchSuccess(ctx, feed.ID, doc.Title, s.now()); err != nil {
		return res, err
	}
	log.Info().
		Int("entries", res.Entries).
		Int("new", res.New).
		Int("duplicates", res.Duplicates).
		Int("enqueued", res.Enqueued).
		Msg("feed ingested")
	return res, nil
}

func (s *Service) recordFailure(ctx context.Context, feed db.Feed, res Result, cause error, log zerolog.Logger) (Result, error) {
	res.FetchError = cause.Error()
	now := s.now()
	failure, err := s.store.RecordFeedFetchFailure(ctx, db.FeedFailureParams{
		FeedID:      feed.ID,
		Error:       cause.Error(),
		FailedAt:    now,
		MaxFailures: s.opts.MaxFailures,
		NextRetry: func(count int) time.Time {
			return now.Add(Backoff(count, s.opts.BaseBackoff, s.opts.MaxBackoff))
		},
	})
	if err != nil {
		return res, fmt.Errorf("record feed fetch failure: %w", err)
	}

	res.Disabled = failure.Disabled
	event := log.Warn()
	if failure.Disabled {
		event = log.Error()
	}
	event.Err(cause).
		Int("error_count", failure.ErrorCount).
		Time("next_retry_at", failure.NextRetryAt).
		Bool("disabled", failure.Disabled).
		Msg("feed fetch failed")
	return res, nil
}

// IngestDue pulls every eligible feed, then backfills orphaned posts.
func (s *Service) IngestDue(ctx context.Context) ([]Result, error) {
	due, err := s.store.ListDueFeeds(ctx, s.now(), s.opts.DueBatch)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(due))
	for _, feed := range due {
		res, err := s.IngestFeed(ctx, feed)
		if err != nil {
			return results, fmt.Errorf("ingest feed %d: %w", feed.ID, err)
		}
		results = append(results, res)
	}

	if s.opts.BackfillLimit > 0 {
		if _, err := s.queue.Backfill(ctx, s.opts.BackfillLimit); err != nil {
			return results, err
		}
	}
	return results, nil
}

func insertParams(feedID int64, entry feeds.Entry, r dedup.Resolution, now time.Time) db.InsertPostParams {
	params := db.InsertPostParams{
		FeedID:      feedID,
		URL:         strings.TrimSpace(entry.URL),
		Title:       entry.Title,
		Content:     entry.Content,
		PublishedAt: entry.PublishedAt,
		CreatedAt:   now,
	}
	if r.GUID != "" {
		guid := r.GUID
		params.GUID = &guid
	}
	if r.NormalizedURL != "" {
		normalized := r.NormalizedURL
		params.NormalizedURL = &normalized
	} else if _, err := normalize.URL(params.URL); errors.Is(err, normalize.ErrEmbeddedUserinfo) {
		params.URL = ""
	}
	if r.ContentHash != "" {
		hash := r.ContentHash
		params.ContentHash = &hash
	}
	return params
}
