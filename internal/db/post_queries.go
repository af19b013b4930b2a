package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// PostIdentity is the subset of a post the dedup resolver compares against.
type PostIdentity struct {
	ID            int64
	NormalizedURL *string
	ContentHash   *string
}

// InsertPostParams controls post inserts during ingestion.
type InsertPostParams struct {
	FeedID        int64
	GUID          *string
	URL           string
	NormalizedURL *string
	Title         string
	Content       string
	ContentHash   *string
	PublishedAt   *time.Time
	CreatedAt     time.Time
}

// FullContentResult reports what SavePostFullContent changed.
type FullContentResult struct {
	ContentHash *string
	HashChanged bool
}

func (p *Pool) FindPostByGUID(ctx context.Context, feedID int64, guid string) (PostIdentity, bool, error) {
	const q = `
SELECT id, normalized_url, content_hash
FROM posts
WHERE feed_id = ?
  AND guid = ?
ORDER BY id ASC
LIMIT 1
`
	return p.findPostIdentity(ctx, "guid", q, feedID, guid)
}

func (p *Pool) FindPostByNormalizedURL(ctx context.Context, feedID int64, normalizedURL string) (PostIdentity, bool, error) {
	const q = `
SELECT id, normalized_url, content_hash
FROM posts
WHERE feed_id = ?
  AND normalized_url = ?
ORDER BY id ASC
LIMIT 1
`
	return p.findPostIdentity(ctx, "normalized url", q, feedID, normalizedURL)
}

func (p *Pool) FindPostByContentHash(ctx context.Context, feedID int64, contentHash string) (PostIdentity, bool, error) {
	const q = `
SELECT id, normalized_url, content_hash
FROM posts
WHERE feed_id = ?
  AND content_hash = ?
ORDER BY id ASC
LIMIT 1
`
	return p.findPostIdentity(ctx, "content hash", q, feedID, contentHash)
}

func (p *Pool) findPostIdentity(ctx context.Context, key, q string, args ...any) (PostIdentity, bool, error) {
	var row PostIdentity
	err := p.QueryRow(ctx, q, args...).Scan(&row.ID, &row.NormalizedURL, &row.ContentHash)
	if err != nil {
		if IsNoRows(err) {
			return PostIdentity{}, false, nil
		}
		return PostIdentity{}, false, fmt.Errorf("query post by %s: %w", key, err)
	}
	return row, true, nil
}

func (p *Pool) InsertPost(ctx context.Context, params InsertPostParams) (int64, error) {
	if params.FeedID <= 0 {
		return 0, fmt.Errorf("feed id is required")
	}
	row := Post{
		FeedID:        params.FeedID,
		GUID:          normalizeNullableString(params.GUID),
		URL:           strings.TrimSpace(params.URL),
		NormalizedURL: normalizeNullableString(params.NormalizedURL),
		Title:         strings.TrimSpace(params.Title),
		Content:       params.Content,
		ContentHash:   normalizeNullableString(params.ContentHash),
		PublishedAt:   params.PublishedAt,
		CreatedAt:     params.CreatedAt,
		UpdatedAt:     params.CreatedAt,
	}
	if err := p.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	return row.ID, nil
}

func (p *Pool) GetPost(ctx context.Context, postID int64) (Post, error) {
	var row Post
	if err := p.gdb.WithContext(ctx).Where("id = ?", postID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Post{}, ErrNoRows
		}
		return Post{}, fmt.Errorf("query post %d: %w", postID, err)
	}
	return row, nil
}

// SavePostFullContent stores fetched full content. The content hash is replaced
// at most once per post; later calls keep the refreshed hash.
func (p *Pool) SavePostFullContent(ctx context.Context, postID int64, fullContent string, newHash *string, now time.Time) (FullContentResult, error) {
	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return FullContentResult{}, fmt.Errorf("begin full content tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		current   *string
		refreshed bool
	)
	err = tx.QueryRow(ctx, `SELECT content_hash, content_hash_refreshed FROM posts WHERE id = ?`, postID).
		Scan(&current, &refreshed)
	if err != nil {
		if IsNoRows(err) {
			return FullContentResult{}, ErrNoRows
		}
		return FullContentResult{}, fmt.Errorf("read post %d hash: %w", postID, err)
	}

	result := FullContentResult{ContentHash: current}
	candidate := normalizeNullableString(newHash)
	if !refreshed && candidate != nil {
		result.HashChanged = current == nil || *current != *candidate
		result.ContentHash = candidate

		const q = `
UPDATE posts
SET full_content = ?,
    content_hash = ?,
    content_hash_refreshed = ?,
    updated_at = ?
WHERE id = ?
`
		if _, err := tx.Exec(ctx, q, fullContent, *candidate, true, now, postID); err != nil {
			return FullContentResult{}, fmt.Errorf("save post %d full content: %w", postID, err)
		}
	} else {
		const q = `
UPDATE posts
SET full_content = ?,
    updated_at = ?
WHERE id = ?
`
		if _, err := tx.Exec(ctx, q, fullContent, now, postID); err != nil {
			return FullContentResult{}, fmt.Errorf("save post %d full content: %w", postID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return FullContentResult{}, fmt.Errorf("commit full content tx: %w", err)
	}
	return result, nil
}

func (p *Pool) MarkPostRead(ctx context.Context, postID int64, read bool, now time.Time) error {
	tag, err := p.Exec(ctx, `UPDATE posts SET is_read = ?, updated_at = ? WHERE id = ?`, read, now, postID)
	if err != nil {
		return fmt.Errorf("mark post %d read: %w", postID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (p *Pool) CountPostsByFeed(ctx context.Context, feedID int64) (int64, error) {
	var count int64
	if err := p.gdb.WithContext(ctx).Model(&Post{}).Where("feed_id = ?", feedID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count posts for feed %d: %w", feedID, err)
	}
	return count, nil
}

func normalizeNullableString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
