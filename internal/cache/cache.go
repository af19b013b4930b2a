// Package cache stores summaries keyed by content hash. Entries are written once
// and shared by every post with the same content.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
	"horse.fit/skim/internal/summarizer"
)

// Status is the summary state of a post as shown to readers.
type Status string

const (
	StatusReady   Status = "ready"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusNone    Status = "none"
)

var ErrMissingContentHash = errors.New("content hash is required")

type Store interface {
	LookupSummary(ctx context.Context, contentHash string) (*db.Summary, error)
	InsertSummary(ctx context.Context, row db.Summary) (bool, error)
	HasSummaryFailure(ctx context.Context, contentHash string) (bool, error)
	GetPost(ctx context.Context, postID int64) (db.Post, error)
	GetSummaryJobByPost(ctx context.Context, postID int64) (db.QueueJob, error)
}

type SummaryCache struct {
	store Store
	now   globaltime.Clock
}

func New(store Store, now globaltime.Clock) *SummaryCache {
	return &SummaryCache{store: store, now: globaltime.OrDefault(now)}
}

// Lookup returns the cached summary for hash, or nil on a miss.
func (c *SummaryCache) Lookup(ctx context.Context, contentHash string) (*db.Summary, error) {
	hash := strings.TrimSpace(contentHash)
	if hash == "" {
		return nil, nil
	}
	row, err := c.store.LookupSummary(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup summary cache: %w", err)
	}
	return row, nil
}

// Store writes a provider result. created is false when the hash was already cached.
func (c *SummaryCache) Store(ctx context.Context, contentHash, language string, result *summarizer.Result) (bool, error) {
	if result == nil {
		return false, fmt.Errorf("summary result is nil")
	}
	row := db.Summary{
		SummaryText:     result.Summary,
		OneLineSummary:  result.OneLineSummary,
		TranslatedTitle: result.TranslatedTitle,
		Tags:            result.Tags,
		ProviderName:    result.ProviderName,
	}
	if model := strings.TrimSpace(result.ModelName); model != "" {
		row.ModelName = &model
	}
	if result.LatencyMS > 0 {
		latency := result.LatencyMS
		row.LatencyMS = &latency
	}
	return c.insert(ctx, contentHash, language, row)
}

// StoreEmpty caches an empty summary for content with nothing to summarize.
// No provider produced it, so provider and model stay empty.
func (c *SummaryCache) StoreEmpty(ctx context.Context, contentHash, language string) (bool, error) {
	return c.insert(ctx, contentHash, language, db.Summary{})
}

func (c *SummaryCache) insert(ctx context.Context, contentHash, language string, row db.Summary) (bool, error) {
	hash := strings.TrimSpace(contentHash)
	if hash == "" {
		return false, ErrMissingContentHash
	}
	row.ContentHash = hash
	row.Language = strings.TrimSpace(language)
	row.CreatedAt = c.now()

	created, err := c.store.InsertSummary(ctx, row)
	if err != nil {
		return false, fmt.Errorf("store summary cache: %w", err)
	}
	return created, nil
}

// PostSummary is the reader-facing summary state of one post.
type PostSummary struct {
	PostID      int64       `json:"post_id"`
	Status      Status      `json:"status"`
	ContentHash string      `json:"content_hash,omitempty"`
	Summary     *db.Summary `json:"summary,omitempty"`
}

// PostStatus resolves a post to ready, pending, failed or none. It returns
// db.ErrNoRows when the post does not exist.
func (c *SummaryCache) PostStatus(ctx context.Context, postID int64) (PostSummary, error) {
	post, err := c.store.GetPost(ctx, postID)
	if err != nil {
		return PostSummary{}, err
	}

	out := PostSummary{PostID: postID, Status: StatusNone}
	if post.ContentHash != nil {
		out.ContentHash = *post.ContentHash
	}

	if out.ContentHash != "" {
		summary, err := c.Lookup(ctx, out.ContentHash)
		if err != nil {
			return PostSummary{}, err
		}
		if summary != nil {
			out.Status = StatusReady
			out.Summary = summary
			return out, nil
		}
	}

	if _, err := c.store.GetSummaryJobByPost(ctx, postID); err == nil {
		out.Status = StatusPending
		return out, nil
	} else if !db.IsNoRows(err) {
		return PostSummary{}, fmt.Errorf("query summary job: %w", err)
	}

	if out.ContentHash != "" {
		failed, err := c.store.HasSummaryFailure(ctx, out.ContentHash)
		if err != nil {
			return PostSummary{}, err
		}
		if failed {
			out.Status = StatusFailed
		}
	}
	return out, nil
}
