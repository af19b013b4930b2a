package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeedFailureParams records one failed fetch of a feed.
type FeedFailureParams struct {
	FeedID      int64
	Error       string
	FailedAt    time.Time
	MaxFailures int
	// NextRetry maps the new consecutive error count to the next eligible fetch time.
	NextRetry func(errorCount int) time.Time
}

// FeedFailureResult reports the state after a failed fetch.
type FeedFailureResult struct {
	ErrorCount  int
	NextRetryAt time.Time
	Disabled    bool
}

// FeedOverrides changes operator-controlled feed flags; nil fields are left unchanged.
type FeedOverrides struct {
	AllowDuplicateURLs *bool
	GUIDUnreliable     *bool
}

func (p *Pool) CreateFeed(ctx context.Context, feedURL, title string, now time.Time) (Feed, error) {
	trimmed := strings.TrimSpace(feedURL)
	if trimmed == "" {
		return Feed{}, fmt.Errorf("feed url is required")
	}

	row := Feed{
		URL:       trimmed,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := p.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "url"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return Feed{}, fmt.Errorf("insert feed: %w", err)
	}

	return p.GetFeedByURL(ctx, trimmed)
}

func (p *Pool) GetFeed(ctx context.Context, feedID int64) (Feed, error) {
	var row Feed
	if err := p.gdb.WithContext(ctx).Where("id = ?", feedID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Feed{}, ErrNoRows
		}
		return Feed{}, fmt.Errorf("query feed %d: %w", feedID, err)
	}
	return row, nil
}

func (p *Pool) GetFeedByURL(ctx context.Context, feedURL string) (Feed, error) {
	var row Feed
	if err := p.gdb.WithContext(ctx).Where("url = ?", strings.TrimSpace(feedURL)).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Feed{}, ErrNoRows
		}
		return Feed{}, fmt.Errorf("query feed by url: %w", err)
	}
	return row, nil
}

func (p *Pool) ListFeeds(ctx context.Context) ([]Feed, error) {
	var rows []Feed
	if err := p.gdb.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return rows, nil
}

// ListDueFeeds returns enabled feeds whose backoff has elapsed, healthiest first.
func (p *Pool) ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]Feed, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []Feed
	err := p.gdb.WithContext(ctx).
		Where("disabled = ?", false).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("error_count ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list due feeds: %w", err)
	}
	return rows, nil
}

func (p *Pool) RecordFeedFetchSuccess(ctx context.Context, feedID int64, title string, fetchedAt time.Time) error {
	const q = `
UPDATE feeds
SET error_count = 0,
    last_error = NULL,
    next_retry_at = NULL,
    last_fetched_at = ?,
    title = CASE WHEN ? <> '' THEN ? ELSE title END,
    updated_at = ?
WHERE id = ?
`
	trimmedTitle := strings.TrimSpace(title)
	if _, err := p.Exec(ctx, q, fetchedAt, trimmedTitle, trimmedTitle, fetchedAt, feedID); err != nil {
		return fmt.Errorf("record feed %d fetch success: %w", feedID, err)
	}
	return nil
}

// RecordFeedFetchFailure advances the feed's backoff and disables it once the
// consecutive error count reaches MaxFailures.
func (p *Pool) RecordFeedFetchFailure(ctx context.Context, params FeedFailureParams) (FeedFailureResult, error) {
	if params.MaxFailures < 1 {
		return FeedFailureResult{}, fmt.Errorf("max failures must be >= 1")
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return FeedFailureResult{}, fmt.Errorf("begin feed failure tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const bump = `
UPDATE feeds
SET error_count = error_count + 1,
    last_error = ?,
    last_fetched_at = ?,
    updated_at = ?
WHERE id = ?
`
	tag, err := tx.Exec(ctx, bump, truncateError(params.Error), params.FailedAt, params.FailedAt, params.FeedID)
	if err != nil {
		return FeedFailureResult{}, fmt.Errorf("bump feed %d error count: %w", params.FeedID, err)
	}
	if tag.RowsAffected() == 0 {
		return FeedFailureResult{}, ErrNoRows
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT error_count FROM feeds WHERE id = ?`, params.FeedID).Scan(&count); err != nil {
		return FeedFailureResult{}, fmt.Errorf("read feed %d error count: %w", params.FeedID, err)
	}

	nextRetry := params.FailedAt
	if params.NextRetry != nil {
		nextRetry = params.NextRetry(count)
	}
	disabled := count >= params.MaxFailures

	const schedule = `
UPDATE feeds
SET next_retry_at = ?,
    disabled = CASE WHEN ? THEN ? ELSE disabled END,
    disabled_reason = CASE WHEN ? THEN ? ELSE disabled_reason END
WHERE id = ?
`
	reason := fmt.Sprintf("disabled after %d consecutive fetch failures", count)
	if _, err := tx.Exec(ctx, schedule, nextRetry, disabled, true, disabled, reason, params.FeedID); err != nil {
		return FeedFailureResult{}, fmt.Errorf("schedule feed %d retry: %w", params.FeedID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FeedFailureResult{}, fmt.Errorf("commit feed failure tx: %w", err)
	}

	return FeedFailureResult{
		ErrorCount:  count,
		NextRetryAt: nextRetry,
		Disabled:    disabled,
	}, nil
}

// EnableFeed clears the disabled state and error counters.
func (p *Pool) EnableFeed(ctx context.Context, feedID int64, now time.Time) error {
	const q = `
UPDATE feeds
SET disabled = ?,
    disabled_reason = NULL,
    error_count = 0,
    last_error = NULL,
    next_retry_at = NULL,
    updated_at = ?
WHERE id = ?
`
	tag, err := p.Exec(ctx, q, false, now, feedID)
	if err != nil {
		return fmt.Errorf("enable feed %d: %w", feedID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (p *Pool) SetFeedOverrides(ctx context.Context, feedID int64, overrides FeedOverrides, now time.Time) error {
	updates := map[string]any{"updated_at": now}
	if overrides.AllowDuplicateURLs != nil {
		updates["allow_duplicate_urls"] = *overrides.AllowDuplicateURLs
	}
	if overrides.GUIDUnreliable != nil {
		updates["guid_unreliable"] = *overrides.GUIDUnreliable
		if !*overrides.GUIDUnreliable {
			updates["guid_collision_count"] = 0
		}
	}

	res := p.gdb.WithContext(ctx).Model(&Feed{}).Where("id = ?", feedID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update feed %d overrides: %w", feedID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// IncrementGUIDCollision bumps the feed's GUID collision counter and returns the new value.
func (p *Pool) IncrementGUIDCollision(ctx context.Context, feedID int64, now time.Time) (int, error) {
	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin guid collision tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const q = `
UPDATE feeds
SET guid_collision_count = guid_collision_count + 1,
    updated_at = ?
WHERE id = ?
`
	tag, err := tx.Exec(ctx, q, now, feedID)
	if err != nil {
		return 0, fmt.Errorf("increment feed %d guid collisions: %w", feedID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNoRows
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT guid_collision_count FROM feeds WHERE id = ?`, feedID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read feed %d guid collisions: %w", feedID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit guid collision tx: %w", err)
	}
	return count, nil
}

// MarkFeedGUIDUnreliable flips the flag once; changed is false when it was already set.
func (p *Pool) MarkFeedGUIDUnreliable(ctx context.Context, feedID int64, now time.Time) (bool, error) {
	const q = `
UPDATE feeds
SET guid_unreliable = ?,
    updated_at = ?
WHERE id = ?
  AND guid_unreliable = ?
`
	tag, err := p.Exec(ctx, q, true, now, feedID, false)
	if err != nil {
		return false, fmt.Errorf("mark feed %d guid unreliable: %w", feedID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const maxStoredErrorLength = 4000

// truncateError caps msg at maxStoredErrorLength bytes on a rune boundary.
// Invalid UTF-8 is dropped; PostgreSQL rejects it in text columns.
func truncateError(msg string) string {
	trimmed := strings.ToValidUTF8(strings.TrimSpace(msg), "")
	if len(trimmed) <= maxStoredErrorLength {
		return trimmed
	}
	cut := maxStoredErrorLength
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut]
}
