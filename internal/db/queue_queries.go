package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// EnqueueParams controls summary job creation.
type EnqueueParams struct {
	PostID      int64
	ContentHash string
	Priority    int
	Now         time.Time
}

// EnqueueResult reports what EnqueueSummaryJob did.
type EnqueueResult struct {
	Created        bool
	PriorityRaised bool
	HashSuperseded bool
}

// LeaseParams identifies one lease attempt.
type LeaseParams struct {
	JobID       int64
	Owner       string
	Now         time.Time
	StaleBefore time.Time
}

// RetryParams persists a retry or cooldown decision for a leased job.
type RetryParams struct {
	JobID          int64
	Owner          string
	Attempts       int
	EmptyResponses int
	LastError      string
	ErrorType      string
	CooldownUntil  *time.Time
	Now            time.Time
}

// FailParams moves a job into the permanent-failure log.
type FailParams struct {
	JobID       int64
	PostID      int64
	ContentHash string
	LastError   string
	ErrorType   string
	Attempts    int
	Now         time.Time
}

// QueueStats is the operational snapshot of summary_queue.
type QueueStats struct {
	Size            int64
	Leased          int64
	CoolingDown     int64
	Failures        int64
	OldestCreatedAt *time.Time
}

// BackfillCandidate is an unread post with no job, cache entry or failure.
type BackfillCandidate struct {
	PostID      int64
	ContentHash string
}

// EnqueueSummaryJob creates a job for the post unless one exists. An existing
// job keeps the higher of both priorities and adopts a changed content hash,
// which resets its attempt history.
func (p *Pool) EnqueueSummaryJob(ctx context.Context, params EnqueueParams) (EnqueueResult, error) {
	hash := strings.TrimSpace(params.ContentHash)
	if params.PostID <= 0 {
		return EnqueueResult{}, fmt.Errorf("post id is required")
	}
	if hash == "" {
		return EnqueueResult{}, fmt.Errorf("content hash is required")
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const insert = `
INSERT INTO summary_queue (post_id, content_hash, priority, attempts, empty_responses, created_at, updated_at)
VALUES (?, ?, ?, 0, 0, ?, ?)
ON CONFLICT (post_id) DO NOTHING
`
	tag, err := tx.Exec(ctx, insert, params.PostID, hash, params.Priority, params.Now, params.Now)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert summary job: %w", err)
	}

	var result EnqueueResult
	if tag.RowsAffected() == 1 {
		result.Created = true
	} else {
		const raise = `
UPDATE summary_queue
SET priority = ?,
    updated_at = ?
WHERE post_id = ?
  AND priority < ?
`
		tag, err := tx.Exec(ctx, raise, params.Priority, params.Now, params.PostID, params.Priority)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("raise summary job priority: %w", err)
		}
		result.PriorityRaised = tag.RowsAffected() == 1

		const supersede = `
UPDATE summary_queue
SET content_hash = ?,
    attempts = 0,
    empty_responses = 0,
    cooldown_until = NULL,
    last_error = NULL,
    error_type = NULL,
    updated_at = ?
WHERE post_id = ?
  AND content_hash <> ?
`
		tag, err = tx.Exec(ctx, supersede, hash, params.Now, params.PostID, hash)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("supersede summary job hash: %w", err)
		}
		result.HashSuperseded = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return EnqueueResult{}, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return result, nil
}

// ListLeaseCandidates returns eligible job ids in lease order. It is only a
// hint; TryLeaseSummaryJob re-checks eligibility atomically.
func (p *Pool) ListLeaseCandidates(ctx context.Context, now, staleBefore time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 5
	}
	const q = `
SELECT id
FROM summary_queue
WHERE (leased_at IS NULL OR leased_at < ?)
  AND (cooldown_until IS NULL OR cooldown_until <= ?)
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT ?
`
	rows, err := p.Query(ctx, q, staleBefore, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query lease candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	return ids, nil
}

// TryLeaseSummaryJob acquires the job if it is still eligible. It is a single
// conditional UPDATE; false means another worker holds or just took the lease.
func (p *Pool) TryLeaseSummaryJob(ctx context.Context, params LeaseParams) (bool, error) {
	const q = `
UPDATE summary_queue
SET leased_at = ?,
    lease_owner = ?,
    updated_at = ?
WHERE id = ?
  AND (leased_at IS NULL OR leased_at < ?)
  AND (cooldown_until IS NULL OR cooldown_until <= ?)
`
	tag, err := p.Exec(ctx, q, params.Now, params.Owner, params.Now, params.JobID, params.StaleBefore, params.Now)
	if err != nil {
		return false, fmt.Errorf("lease summary job %d: %w", params.JobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Pool) GetSummaryJob(ctx context.Context, jobID int64) (QueueJob, error) {
	var row QueueJob
	if err := p.gdb.WithContext(ctx).Where("id = ?", jobID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return QueueJob{}, ErrNoRows
		}
		return QueueJob{}, fmt.Errorf("query summary job %d: %w", jobID, err)
	}
	return row, nil
}

func (p *Pool) GetSummaryJobByPost(ctx context.Context, postID int64) (QueueJob, error) {
	var row QueueJob
	if err := p.gdb.WithContext(ctx).Where("post_id = ?", postID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return QueueJob{}, ErrNoRows
		}
		return QueueJob{}, fmt.Errorf("query summary job for post %d: %w", postID, err)
	}
	return row, nil
}

func (p *Pool) DeleteSummaryJob(ctx context.Context, jobID int64) (bool, error) {
	tag, err := p.Exec(ctx, `DELETE FROM summary_queue WHERE id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete summary job %d: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSummaryJob clears the lease if owner still holds it.
func (p *Pool) ReleaseSummaryJob(ctx context.Context, jobID int64, owner string, now time.Time) (bool, error) {
	const q = `
UPDATE summary_queue
SET leased_at = NULL,
    lease_owner = NULL,
    updated_at = ?
WHERE id = ?
  AND lease_owner = ?
`
	tag, err := p.Exec(ctx, q, now, jobID, owner)
	if err != nil {
		return false, fmt.Errorf("release summary job %d: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordSummaryJobRetry stores the retry bookkeeping and clears the lease.
func (p *Pool) RecordSummaryJobRetry(ctx context.Context, params RetryParams) (bool, error) {
	const q = `
UPDATE summary_queue
SET attempts = ?,
    empty_responses = ?,
    last_error = ?,
    error_type = ?,
    cooldown_until = ?,
    leased_at = NULL,
    lease_owner = NULL,
    updated_at = ?
WHERE id = ?
  AND lease_owner = ?
`
	tag, err := p.Exec(
		ctx,
		q,
		params.Attempts,
		params.EmptyResponses,
		truncateError(params.LastError),
		params.ErrorType,
		params.CooldownUntil,
		params.Now,
		params.JobID,
		params.Owner,
	)
	if err != nil {
		return false, fmt.Errorf("record summary job %d retry: %w", params.JobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RefreshSummaryJobHash points a job at a recomputed content hash.
func (p *Pool) RefreshSummaryJobHash(ctx context.Context, jobID int64, contentHash string, now time.Time) error {
	const q = `
UPDATE summary_queue
SET content_hash = ?,
    empty_responses = 0,
    updated_at = ?
WHERE id = ?
`
	if _, err := p.Exec(ctx, q, contentHash, now, jobID); err != nil {
		return fmt.Errorf("refresh summary job %d hash: %w", jobID, err)
	}
	return nil
}

// MoveSummaryJobToFailures records the failure and removes the job in one transaction.
func (p *Pool) MoveSummaryJobToFailures(ctx context.Context, params FailParams) error {
	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return fmt.Errorf("begin summary failure tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var postID *int64
	if params.PostID > 0 {
		postID = &params.PostID
	}
	failure := SummaryFailure{
		ContentHash: params.ContentHash,
		PostID:      postID,
		LastError:   truncateError(params.LastError),
		ErrorType:   params.ErrorType,
		Attempts:    params.Attempts,
		FailedAt:    params.Now,
	}
	if err := tx.GORM().WithContext(ctx).Create(&failure).Error; err != nil {
		return fmt.Errorf("insert summary failure: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM summary_queue WHERE id = ?`, params.JobID); err != nil {
		return fmt.Errorf("delete failed summary job %d: %w", params.JobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit summary failure tx: %w", err)
	}
	return nil
}

// ClearSummaryCooldowns drops every cooldown so jobs become eligible at once.
func (p *Pool) ClearSummaryCooldowns(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE summary_queue
SET cooldown_until = NULL,
    updated_at = ?
WHERE cooldown_until IS NOT NULL
`
	tag, err := p.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("clear summary cooldowns: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Pool) SummaryQueueStats(ctx context.Context, now, staleBefore time.Time) (QueueStats, error) {
	var stats QueueStats

	const counts = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN leased_at IS NOT NULL AND leased_at >= ? THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN cooldown_until IS NOT NULL AND cooldown_until > ? THEN 1 ELSE 0 END), 0)
FROM summary_queue
`
	if err := p.QueryRow(ctx, counts, staleBefore, now).Scan(&stats.Size, &stats.Leased, &stats.CoolingDown); err != nil {
		return QueueStats{}, fmt.Errorf("query summary queue counts: %w", err)
	}

	if err := p.gdb.WithContext(ctx).Model(&SummaryFailure{}).Count(&stats.Failures).Error; err != nil {
		return QueueStats{}, fmt.Errorf("count summary failures: %w", err)
	}

	// Read the column directly; SQLite loses the datetime type through aggregates.
	var oldest QueueJob
	err := p.gdb.WithContext(ctx).
		Select("id", "created_at").
		Order("created_at ASC").
		Order("id ASC").
		Limit(1).
		Take(&oldest).Error
	switch {
	case err == nil:
		created := oldest.CreatedAt
		stats.OldestCreatedAt = &created
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return QueueStats{}, fmt.Errorf("query oldest summary job: %w", err)
	}

	return stats, nil
}

// ListBackfillCandidates finds unread, undeleted posts whose hash has neither a
// job, a cached summary nor a failure entry, newest first.
func (p *Pool) ListBackfillCandidates(ctx context.Context, limit int) ([]BackfillCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT p.id, p.content_hash
FROM posts p
WHERE p.content_hash IS NOT NULL
  AND p.is_read = ?
  AND p.deleted_at IS NULL
  AND NOT EXISTS (SELECT 1 FROM summary_queue q WHERE q.post_id = p.id OR q.content_hash = p.content_hash)
  AND NOT EXISTS (SELECT 1 FROM summaries s WHERE s.content_hash = p.content_hash)
  AND NOT EXISTS (SELECT 1 FROM summary_failures f WHERE f.content_hash = p.content_hash)
ORDER BY p.published_at DESC, p.id DESC
LIMIT ?
`
	rows, err := p.Query(ctx, q, false, limit)
	if err != nil {
		return nil, fmt.Errorf("query backfill candidates: %w", err)
	}
	defer rows.Close()

	out := make([]BackfillCandidate, 0, limit)
	for rows.Next() {
		var c BackfillCandidate
		if err := rows.Scan(&c.PostID, &c.ContentHash); err != nil {
			return nil, fmt.Errorf("scan backfill candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backfill candidates: %w", err)
	}
	return out, nil
}
