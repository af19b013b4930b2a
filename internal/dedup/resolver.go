// Package dedup decides whether a feed entry is a new post or one already stored.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
	"horse.fit/skim/internal/normalize"
)

const DefaultGUIDCollisionThreshold = 3

// Outcome is the resolver verdict.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
)

// Key names the identity key that matched an existing post.
type Key string

const (
	KeyNone Key = ""
	KeyGUID Key = "guid"
	KeyURL  Key = "url"
	KeyHash Key = "content_hash"
)

// Store is the post lookup surface. *db.Pool implements it.
type Store interface {
	FindPostByGUID(ctx context.Context, feedID int64, guid string) (db.PostIdentity, bool, error)
	FindPostByNormalizedURL(ctx context.Context, feedID int64, normalizedURL string) (db.PostIdentity, bool, error)
	FindPostByContentHash(ctx context.Context, feedID int64, contentHash string) (db.PostIdentity, bool, error)
	IncrementGUIDCollision(ctx context.Context, feedID int64, now time.Time) (int, error)
	MarkFeedGUIDUnreliable(ctx context.Context, feedID int64, now time.Time) (bool, error)
}

// Candidate is one feed entry before it is stored.
type Candidate struct {
	GUID    string
	URL     string
	Title   string
	Content string
}

// Resolution is the resolver result. NormalizedURL and ContentHash are empty
// when the candidate has no usable value for that key.
type Resolution struct {
	Outcome        Outcome
	MatchedKey     Key
	ExistingPostID int64
	GUID           string
	NormalizedURL  string
	ContentHash    string
	// GUIDUnreliable is the feed flag after resolution; it flips during Resolve
	// when this candidate pushed the collision counter over the threshold.
	GUIDUnreliable bool
}

func (r Resolution) IsDuplicate() bool {
	return r.Outcome == OutcomeDuplicate
}

type Options struct {
	CollisionThreshold int
	Now                globaltime.Clock
}

type Resolver struct {
	store     Store
	logger    zerolog.Logger
	threshold int
	now       globaltime.Clock
}

func NewResolver(store Store, logger zerolog.Logger, opts Options) *Resolver {
	threshold := opts.CollisionThreshold
	if threshold < 1 {
		threshold = DefaultGUIDCollisionThreshold
	}
	return &Resolver{
		store:     store,
		logger:    logger.With().Str("component", "dedup").Logger(),
		threshold: threshold,
		now:       globaltime.OrDefault(opts.Now),
	}
}

// Resolve checks identity keys in a fixed order: GUID while the feed's GUIDs
// are reliable, then normalized URL unless the feed allows duplicate URLs,
// then content hash only when neither of the first two keys is usable.
func (r *Resolver) Resolve(ctx context.Context, feed db.Feed, c Candidate) (Resolution, error) {
	res := Resolution{
		Outcome:        OutcomeNew,
		GUID:           strings.TrimSpace(c.GUID),
		NormalizedURL:  r.normalizeURL(feed.ID, c.URL),
		GUIDUnreliable: feed.GUIDUnreliable,
	}
	if hash, ok := normalize.ContentHash(c.Content); ok {
		res.ContentHash = hash
	}

	var (
		byGUID      db.PostIdentity
		guidMatched bool
	)
	if res.GUID != "" && !res.GUIDUnreliable {
		var err error
		byGUID, guidMatched, err = r.store.FindPostByGUID(ctx, feed.ID, res.GUID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve by guid: %w", err)
		}
		if guidMatched && isCollision(byGUID, res.NormalizedURL) {
			flipped, err := r.recordCollision(ctx, feed, res.GUID)
			if err != nil {
				return Resolution{}, err
			}
			if flipped {
				res.GUIDUnreliable = true
			}
		}
	}

	usableGUID := res.GUID != "" && !res.GUIDUnreliable
	if usableGUID && guidMatched {
		return res.duplicate(KeyGUID, byGUID.ID), nil
	}

	usableURL := res.NormalizedURL != "" && !feed.AllowDuplicateURLs
	if usableURL {
		existing, ok, err := r.store.FindPostByNormalizedURL(ctx, feed.ID, res.NormalizedURL)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve by url: %w", err)
		}
		if ok {
			return res.duplicate(KeyURL, existing.ID), nil
		}
	}

	if !usableGUID && !usableURL && res.ContentHash != "" {
		existing, ok, err := r.store.FindPostByContentHash(ctx, feed.ID, res.ContentHash)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve by content hash: %w", err)
		}
		if ok {
			return res.duplicate(KeyHash, existing.ID), nil
		}
	}

	return res, nil
}

func (r Resolution) duplicate(key Key, postID int64) Resolution {
	r.Outcome = OutcomeDuplicate
	r.MatchedKey = key
	r.ExistingPostID = postID
	return r
}

// recordCollision bumps the counter and flips the feed once the threshold is
// reached. flipped is true when the feed is unreliable after the call.
func (r *Resolver) recordCollision(ctx context.Context, feed db.Feed, guid string) (bool, error) {
	now := r.now()
	count, err := r.store.IncrementGUIDCollision(ctx, feed.ID, now)
	if err != nil {
		return false, fmt.Errorf("record guid collision: %w", err)
	}
	r.logger.Debug().Int64("feed_id", feed.ID).Str("guid", guid).Int("collisions", count).Msg("guid reused with a different url")
	if count < r.threshold {
		return false, nil
	}

	changed, err := r.store.MarkFeedGUIDUnreliable(ctx, feed.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark feed guid unreliable: %w", err)
	}
	if changed {
		r.logger.Warn().
			Int64("feed_id", feed.ID).
			Str("feed_url", feed.URL).
			Int("collisions", count).
			Msg("feed guids marked unreliable; dedup falls back to url and content hash")
	}
	return true, nil
}

func (r *Resolver) normalizeURL(feedID int64, raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	normalized, err := normalize.URL(raw)
	if err != nil {
		event := r.logger.Debug()
		if errors.Is(err, normalize.ErrEmbeddedUserinfo) {
			event = r.logger.Warn()
		}
		event.Int64("feed_id", feedID).Err(err).Msg("discarding unusable post url")
		return ""
	}
	return normalized
}

func isCollision(existing db.PostIdentity, normalizedURL string) bool {
	if existing.NormalizedURL == nil || normalizedURL == "" {
		return false
	}
	return *existing.NormalizedURL != normalizedURL
}
