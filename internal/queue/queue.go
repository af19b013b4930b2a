// Package queue is the durable summary work queue. Jobs are leased with a
// single conditional update so concurrent workers never process the same job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/skim/internal/breaker"
	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
	"horse.fit/skim/internal/retry"
)

const (
	PriorityBackfill      = -1
	PriorityBackground    = 0
	PriorityUserTriggered = 10

	DefaultLeaseTimeout   = 300 * time.Second
	DefaultCandidateBatch = 5

	maxLeaseRounds = 3
)

var (
	ErrMissingContentHash = errors.New("summary job requires a content hash")
	ErrLeaseLost          = errors.New("summary job lease lost")
)

// Store is the queue persistence surface. *db.Pool implements it.
type Store interface {
	EnqueueSummaryJob(ctx context.Context, params db.EnqueueParams) (db.EnqueueResult, error)
	ListLeaseCandidates(ctx context.Context, now, staleBefore time.Time, limit int) ([]int64, error)
	TryLeaseSummaryJob(ctx context.Context, params db.LeaseParams) (bool, error)
	GetSummaryJob(ctx context.Context, jobID int64) (db.QueueJob, error)
	DeleteSummaryJob(ctx context.Context, jobID int64) (bool, error)
	ReleaseSummaryJob(ctx context.Context, jobID int64, owner string, now time.Time) (bool, error)
	RecordSummaryJobRetry(ctx context.Context, params db.RetryParams) (bool, error)
	RefreshSummaryJobHash(ctx context.Context, jobID int64, contentHash string, now time.Time) error
	MoveSummaryJobToFailures(ctx context.Context, params db.FailParams) error
	ClearSummaryCooldowns(ctx context.Context, now time.Time) (int64, error)
	SummaryQueueStats(ctx context.Context, now, staleBefore time.Time) (db.QueueStats, error)
	ListBackfillCandidates(ctx context.Context, limit int) ([]db.BackfillCandidate, error)
}

// BreakerReader exposes the breaker state for Status.
type BreakerReader interface {
	Snapshot() breaker.Snapshot
}

type Options struct {
	LeaseTimeout   time.Duration
	CandidateBatch int
	// Owner tags leases taken by this process; a random UUID when empty.
	Owner string
	Now   globaltime.Clock
}

type Queue struct {
	store        Store
	logger       zerolog.Logger
	leaseTimeout time.Duration
	batch        int
	owner        string
	now          globaltime.Clock
}

func New(store Store, logger zerolog.Logger, opts Options) *Queue {
	leaseTimeout := opts.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	batch := opts.CandidateBatch
	if batch < 1 {
		batch = DefaultCandidateBatch
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Queue{
		store:        store,
		logger:       logger.With().Str("component", "queue").Str("lease_owner", owner).Logger(),
		leaseTimeout: leaseTimeout,
		batch:        batch,
		owner:        owner,
		now:          globaltime.OrDefault(opts.Now),
	}
}

func (q *Queue) Owner() string {
	return q.owner
}

// Enqueue creates a job for the post, or raises the priority and refreshes the
// hash of the existing one.
func (q *Queue) Enqueue(ctx context.Context, postID int64, contentHash string, priority int) (db.EnqueueResult, error) {
	hash := strings.TrimSpace(contentHash)
	if hash == "" {
		return db.EnqueueResult{}, ErrMissingContentHash
	}
	res, err := q.store.EnqueueSummaryJob(ctx, db.EnqueueParams{
		PostID:      postID,
		ContentHash: hash,
		Priority:    priority,
		Now:         q.now(),
	})
	if err != nil {
		return db.EnqueueResult{}, fmt.Errorf("enqueue summary job: %w", err)
	}
	return res, nil
}

// LeaseNext leases one eligible job. It returns nil when nothing is eligible.
// A batch lost entirely to other workers is followed by a fresh candidate list.
func (q *Queue) LeaseNext(ctx context.Context) (*db.QueueJob, error) {
	for round := 0; round < maxLeaseRounds; round++ {
		job, contended, err := q.leaseFromBatch(ctx)
		if err != nil || job != nil || !contended {
			return job, err
		}
	}
	return nil, nil
}

// leaseFromBatch tries each listed candidate in order. contended reports that
// candidates existed but none was won.
func (q *Queue) leaseFromBatch(ctx context.Context) (*db.QueueJob, bool, error) {
	now := q.now()
	staleBefore := now.Add(-q.leaseTimeout)

	ids, err := q.store.ListLeaseCandidates(ctx, now, staleBefore, q.batch)
	if err != nil {
		return nil, false, fmt.Errorf("list lease candidates: %w", err)
	}

	for _, id := range ids {
		won, err := q.store.TryLeaseSummaryJob(ctx, db.LeaseParams{
			JobID:       id,
			Owner:       q.owner,
			Now:         now,
			StaleBefore: staleBefore,
		})
		if err != nil {
			return nil, false, fmt.Errorf("lease summary job: %w", err)
		}
		if !won {
			q.logger.Debug().Int64("job_id", id).Msg("lease lost to another worker")
			continue
		}

		job, err := q.store.GetSummaryJob(ctx, id)
		if err != nil {
			if db.IsNoRows(err) {
				continue
			}
			return nil, false, fmt.Errorf("load leased summary job: %w", err)
		}
		return &job, false, nil
	}
	return nil, len(ids) > 0, nil
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, job *db.QueueJob) error {
	if _, err := q.store.DeleteSummaryJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete summary job: %w", err)
	}
	return nil
}

// Release clears the lease without touching attempts.
func (q *Queue) Release(ctx context.Context, job *db.QueueJob) error {
	ok, err := q.store.ReleaseSummaryJob(ctx, job.ID, q.owner, q.now())
	if err != nil {
		return fmt.Errorf("release summary job: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Retry persists a release or cooldown decision and clears the lease.
func (q *Queue) Retry(ctx context.Context, job *db.QueueJob, decision retry.Decision, cause error) error {
	ok, err := q.store.RecordSummaryJobRetry(ctx, db.RetryParams{
		JobID:          job.ID,
		Owner:          q.owner,
		Attempts:       decision.Attempts,
		EmptyResponses: decision.EmptyResponses,
		LastError:      errorText(cause),
		ErrorType:      string(decision.Class),
		CooldownUntil:  decision.CooldownUntil,
		Now:            q.now(),
	})
	if err != nil {
		return fmt.Errorf("record summary job retry: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Fail moves the job to the failure log keyed by its content hash.
func (q *Queue) Fail(ctx context.Context, job *db.QueueJob, decision retry.Decision, cause error) error {
	err := q.store.MoveSummaryJobToFailures(ctx, db.FailParams{
		JobID:       job.ID,
		PostID:      job.PostID,
		ContentHash: job.ContentHash,
		LastError:   errorText(cause),
		ErrorType:   string(decision.Class) + ":" + decision.Kind,
		Attempts:    decision.Attempts,
		Now:         q.now(),
	})
	if err != nil {
		return fmt.Errorf("fail summary job: %w", err)
	}
	return nil
}

// RefreshHash points a leased job at a recomputed content hash.
func (q *Queue) RefreshHash(ctx context.Context, job *db.QueueJob, contentHash string) error {
	if err := q.store.RefreshSummaryJobHash(ctx, job.ID, contentHash, q.now()); err != nil {
		return err
	}
	job.ContentHash = contentHash
	job.EmptyResponses = 0
	return nil
}

// ResetCooldowns makes every cooling job eligible again. Jobs are kept.
func (q *Queue) ResetCooldowns(ctx context.Context) (int64, error) {
	n, err := q.store.ClearSummaryCooldowns(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("reset summary cooldowns: %w", err)
	}
	return n, nil
}

// Backfill enqueues orphaned unread posts at backfill priority, newest first.
func (q *Queue) Backfill(ctx context.Context, limit int) (int, error) {
	candidates, err := q.store.ListBackfillCandidates(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list backfill candidates: %w", err)
	}

	enqueued := 0
	for _, c := range candidates {
		res, err := q.Enqueue(ctx, c.PostID, c.ContentHash, PriorityBackfill)
		if err != nil {
			return enqueued, err
		}
		if res.Created {
			enqueued++
		}
	}
	if enqueued > 0 {
		q.logger.Info().Int("enqueued", enqueued).Msg("backfilled summary jobs")
	}
	return enqueued, nil
}

// Status is the operational view of the queue.
type Status struct {
	Size            int64      `json:"size"`
	Leased          int64      `json:"leased"`
	CoolingDown     int64      `json:"cooling_down"`
	Failures        int64      `json:"failures"`
	OldestCreatedAt *time.Time `json:"oldest_created_at,omitempty"`
	OldestAgeSecs   int64      `json:"oldest_age_seconds"`
	BreakerState    string     `json:"breaker_state"`
}

func (q *Queue) Status(ctx context.Context, b BreakerReader) (Status, error) {
	now := q.now()
	stats, err := q.store.SummaryQueueStats(ctx, now, now.Add(-q.leaseTimeout))
	if err != nil {
		return Status{}, fmt.Errorf("summary queue status: %w", err)
	}

	out := Status{
		Size:            stats.Size,
		Leased:          stats.Leased,
		CoolingDown:     stats.CoolingDown,
		Failures:        stats.Failures,
		OldestCreatedAt: stats.OldestCreatedAt,
		BreakerState:    "unknown",
	}
	if stats.OldestCreatedAt != nil {
		out.OldestAgeSecs = int64(now.Sub(*stats.OldestCreatedAt).Seconds())
	}
	if b != nil {
		out.BreakerState = string(b.Snapshot().State)
	}
	return out, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
