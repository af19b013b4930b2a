// Package worker drains the summary queue one job per tick.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
	"horse.fit/skim/internal/langdetect"
	"horse.fit/skim/internal/normalize"
	"horse.fit/skim/internal/queue"
	"horse.fit/skim/internal/reader"
	"horse.fit/skim/internal/retry"
	"horse.fit/skim/internal/summarizer"
)

const (
	DefaultMaxContentChars = 12000
	DefaultLanguage        = "en"

	garbageReason  = "garbage"
	releaseTimeout = 5 * time.Second
)

// Outcome names what a tick did.
type Outcome string

const (
	OutcomeIdle        Outcome = "idle"
	OutcomeCacheHit    Outcome = "cache_hit"
	OutcomeDropped     Outcome = "dropped"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeGarbage     Outcome = "garbage"
	OutcomeSummarized  Outcome = "summarized"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeRetried     Outcome = "retried"
	OutcomeCooledDown  Outcome = "cooled_down"
	OutcomeFailed      Outcome = "failed"
)

type TickResult struct {
	Outcome Outcome `json:"outcome"`
	JobID   int64   `json:"job_id,omitempty"`
	PostID  int64   `json:"post_id,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Drains reports whether another tick should follow without waiting.
func (r TickResult) Drains() bool {
	return r.Outcome == OutcomeSummarized || r.Outcome == OutcomeCacheHit
}

type Queue interface {
	LeaseNext(ctx context.Context) (*db.QueueJob, error)
	Complete(ctx context.Context, job *db.QueueJob) error
	Release(ctx context.Context, job *db.QueueJob) error
	Retry(ctx context.Context, job *db.QueueJob, decision retry.Decision, cause error) error
	Fail(ctx context.Context, job *db.QueueJob, decision retry.Decision, cause error) error
	RefreshHash(ctx context.Context, job *db.QueueJob, contentHash string) error
}

type Cache interface {
	Lookup(ctx context.Context, contentHash string) (*db.Summary, error)
	Store(ctx context.Context, contentHash, language string, result *summarizer.Result) (bool, error)
	StoreEmpty(ctx context.Context, contentHash, language string) (bool, error)
}

type Posts interface {
	GetPost(ctx context.Context, postID int64) (db.Post, error)
	SavePostFullContent(ctx context.Context, postID int64, fullContent string, newHash *string, now time.Time) (db.FullContentResult, error)
}

type Breaker interface {
	AllowCall(ctx context.Context) (bool, error)
	RecordSuccess(ctx context.Context) error
	RecordFailure(ctx context.Context) error
}

type Limiter interface {
	CanCallNow(ctx context.Context) bool
	RecordAttempt(ctx context.Context) error
	RecordRateLimited(ctx context.Context, retryAfter time.Duration) error
}

type Fetcher interface {
	Fetch(ctx context.Context, pageURL, title string) (reader.Page, error)
}

type Deps struct {
	Queue    Queue
	Cache    Cache
	Posts    Posts
	Breaker  Breaker
	Limiter  Limiter
	Provider summarizer.Provider
	// Fetcher is optional; without it only feed content is summarized.
	Fetcher Fetcher
}

type Options struct {
	Language         string
	Policy           retry.Policy
	FetchFullContent bool
	SkipReadPosts    bool
	MaxContentChars  int
	Now              globaltime.Clock
}

type Worker struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    globaltime.Clock
}

func New(deps Deps, logger zerolog.Logger, opts Options) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("worker queue is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("worker cache is required")
	case deps.Posts == nil:
		return nil, fmt.Errorf("worker post store is required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("worker breaker is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("worker limiter is required")
	case deps.Provider == nil:
		return nil, fmt.Errorf("worker provider is required")
	}

	opts.Language = strings.TrimSpace(opts.Language)
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = DefaultMaxContentChars
	}
	return &Worker{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "worker").Str("provider", deps.Provider.Name()).Logger(),
		now:    globaltime.OrDefault(opts.Now),
	}, nil
}

// Tick leases at most one job and carries it to a terminal or parked state.
// Provider failures are absorbed; only storage failures are returned.
func (w *Worker) Tick(ctx context.Context) (TickResult, error) {
	job, err := w.deps.Queue.LeaseNext(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if job == nil {
		return TickResult{Outcome: OutcomeIdle}, nil
	}

	res := TickResult{JobID: job.ID, PostID: job.PostID}
	log := w.logger.With().Int64("job_id", job.ID).Int64("post_id", job.PostID).Logger()

	if hit, err := w.cacheHit(ctx, job); err != nil {
		return res, w.releaseAfter(ctx, job, err)
	} else if hit {
		log.Debug().Str("content_hash", job.ContentHash).Msg("summary cache hit")
		return w.complete(ctx, job, res, OutcomeCacheHit)
	}

	post, err := w.deps.Posts.GetPost(ctx, job.PostID)
	if err != nil {
		if db.IsNoRows(err) {
			log.Debug().Msg("post is gone; dropping job")
			return w.complete(ctx, job, res, OutcomeDropped)
		}
		return res, w.releaseAfter(ctx, job, err)
	}
	if post.DeletedAt != nil {
		return w.complete(ctx, job, res, OutcomeDropped)
	}
	if w.opts.SkipReadPosts && post.IsRead && job.Priority < queue.PriorityUserTriggered {
		log.Debug().Msg("post already read; dropping job")
		return w.complete(ctx, job, res, OutcomeDropped)
	}

	allowed, err := w.deps.Breaker.AllowCall(ctx)
	if err != nil {
		return res, w.releaseAfter(ctx, job, err)
	}
	if !allowed || !w.deps.Limiter.CanCallNow(ctx) {
		res.Outcome = OutcomeDeferred
		return res, w.release(ctx, job)
	}

	content, outcome, err := w.resolveContent(ctx, job, post, log)
	if err != nil {
		return res, w.releaseAfter(ctx, job, err)
	}
	switch outcome {
	case OutcomeCacheHit, OutcomeDropped:
		return w.complete(ctx, job, res, outcome)
	}

	if summarizer.IsGarbage(content) {
		if _, err := w.deps.Cache.StoreEmpty(ctx, job.ContentHash, w.opts.Language); err != nil {
			return res, w.releaseAfter(ctx, job, err)
		}
		log.Info().
			Str("content_hash", job.ContentHash).
			Str("reason", garbageReason).
			Msg("empty summary cached")
		return w.complete(ctx, job, res, OutcomeGarbage)
	}

	return w.summarize(ctx, job, post, content, res, log)
}

func (w *Worker) summarize(ctx context.Context, job *db.QueueJob, post db.Post, content string, res TickResult, log zerolog.Logger) (TickResult, error) {
	if err := w.deps.Limiter.RecordAttempt(ctx); err != nil {
		return res, w.releaseAfter(ctx, job, err)
	}

	text, _ := reader.Truncate(content, w.opts.MaxContentChars)
	result, callErr := w.deps.Provider.Summarize(ctx, summarizer.Request{
		Title:    post.Title,
		Content:  text,
		Language: w.opts.Language,
	})
	if callErr == nil && result == nil {
		callErr = &summarizer.ProviderError{Kind: summarizer.KindEmptyResponse, Message: "provider returned no result"}
	}
	if callErr != nil && ctx.Err() != nil {
		// Shutdown mid-call is neither a success nor a provider failure.
		return res, w.releaseAfter(ctx, job, ctx.Err())
	}

	if callErr == nil {
		w.dropRedundantTitle(result, post.Title)
		if _, err := w.deps.Cache.Store(ctx, job.ContentHash, w.opts.Language, result); err != nil {
			return res, w.releaseAfter(ctx, job, err)
		}
		if err := w.deps.Breaker.RecordSuccess(ctx); err != nil {
			log.Error().Err(err).Msg("persist breaker success")
		}
		log.Info().
			Str("content_hash", job.ContentHash).
			Int64("latency_ms", result.LatencyMS).
			Msg("summary written")
		return w.complete(ctx, job, res, OutcomeSummarized)
	}

	res.Error = callErr.Error()
	c := w.opts.Policy.Classify(callErr, job.EmptyResponses)
	if c.Class == retry.ClassRateLimited {
		if err := w.deps.Limiter.RecordRateLimited(ctx, c.RetryAfter); err != nil {
			log.Error().Err(err).Msg("persist rate limit suppression")
		}
		res.Outcome = OutcomeRateLimited
		return res, w.release(ctx, job)
	}

	decision := w.opts.Policy.Decide(c, job.Attempts, w.now())
	var settleErr error
	switch decision.Action {
	case retry.ActionFail:
		res.Outcome = OutcomeFailed
		settleErr = w.deps.Queue.Fail(ctx, job, decision, callErr)
		log.Error().
			Err(callErr).
			Str("content_hash", job.ContentHash).
			Str("error_kind", decision.Kind).
			Int("attempts", decision.Attempts).
			Msg("summary job moved to failure log")
	case retry.ActionCooldown:
		res.Outcome = OutcomeCooledDown
		settleErr = w.deps.Queue.Retry(ctx, job, decision, callErr)
		log.Warn().
			Err(callErr).
			Time("cooldown_until", *decision.CooldownUntil).
			Msg("summary job cooling down")
	default:
		res.Outcome = OutcomeRetried
		settleErr = w.deps.Queue.Retry(ctx, job, decision, callErr)
		log.Debug().
			Err(callErr).
			Str("class", string(decision.Class)).
			Int("attempts", decision.Attempts).
			Msg("summary job released for retry")
	}

	if err := w.deps.Breaker.RecordFailure(ctx); err != nil {
		log.Error().Err(err).Msg("persist breaker failure")
	}
	if err := w.leaseLostIsFine(settleErr); err != nil {
		return res, w.releaseAfter(ctx, job, err)
	}
	return res, nil
}

// resolveContent picks the text to summarize. A first full-content fetch may
// change the content hash; the job follows the new hash and the cache is
// consulted again.
func (w *Worker) resolveContent(ctx context.Context, job *db.QueueJob, post db.Post, log zerolog.Logger) (string, Outcome, error) {
	if post.FullContent != nil && strings.TrimSpace(*post.FullContent) != "" {
		if text := normalize.VisibleText(*post.FullContent); text != "" {
			return text, "", nil
		}
	}

	if w.opts.FetchFullContent && w.deps.Fetcher != nil && post.FullContent == nil && strings.TrimSpace(post.URL) != "" {
		page, err := w.deps.Fetcher.Fetch(ctx, post.URL, post.Title)
		if err != nil {
			log.Debug().Err(err).Msg("full content fetch failed; using feed content")
		} else {
			var newHash *string
			if hash, ok := normalize.ContentHash(page.HTML); ok {
				newHash = &hash
			}
			saved, err := w.deps.Posts.SavePostFullContent(ctx, post.ID, page.HTML, newHash, w.now())
			if err != nil {
				return "", "", err
			}
			if saved.HashChanged && saved.ContentHash != nil && *saved.ContentHash != job.ContentHash {
				if err := w.deps.Queue.RefreshHash(ctx, job, *saved.ContentHash); err != nil {
					return "", "", err
				}
				hit, err := w.cacheHit(ctx, job)
				if err != nil {
					return "", "", err
				}
				if hit {
					return "", OutcomeCacheHit, nil
				}
			}
			if text := normalize.VisibleText(page.HTML); text != "" {
				return text, "", nil
			}
		}
	}

	if text := normalize.VisibleText(post.Content); text != "" {
		return text, "", nil
	}
	return "", OutcomeDropped, nil
}

func (w *Worker) dropRedundantTitle(result *summarizer.Result, original string) {
	if result.TranslatedTitle == nil {
		return
	}
	translated := strings.TrimSpace(*result.TranslatedTitle)
	if translated == "" ||
		strings.EqualFold(translated, strings.TrimSpace(original)) ||
		langdetect.SameLanguage(original, w.opts.Language) {
		result.TranslatedTitle = nil
	}
}

func (w *Worker) cacheHit(ctx context.Context, job *db.QueueJob) (bool, error) {
	hit, err := w.deps.Cache.Lookup(ctx, job.ContentHash)
	if err != nil {
		return false, err
	}
	return hit != nil, nil
}

func (w *Worker) complete(ctx context.Context, job *db.QueueJob, res TickResult, outcome Outcome) (TickResult, error) {
	res.Outcome = outcome
	if err := w.deps.Queue.Complete(ctx, job); err != nil {
		return res, err
	}
	return res, nil
}

func (w *Worker) release(ctx context.Context, job *db.QueueJob) error {
	return w.leaseLostIsFine(w.deps.Queue.Release(ctx, job))
}

// releaseAfter gives the lease back after a storage error or cancellation so
// the job does not wait for the stale-lease timeout. cause is returned.
func (w *Worker) releaseAfter(ctx context.Context, job *db.QueueJob, cause error) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := w.release(releaseCtx, job); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("release summary job")
	}
	return cause
}

func (w *Worker) leaseLostIsFine(err error) error {
	if errors.Is(err, queue.ErrLeaseLost) {
		w.logger.Debug().Msg("lease was reclaimed by another worker")
		return nil
	}
	return err
}

// Run ticks every interval until ctx is cancelled. Ticks that made progress
// are followed immediately by another tick.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be > 0")
	}

	w.logger.Info().Dur("interval", interval).Msg("worker started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			res, err := w.Tick(ctx)
			if ctx.Err() != nil {
				w.logger.Info().Msg("worker stopped")
				return nil
			}
			if err != nil {
				w.logger.Error().Err(err).Int64("job_id", res.JobID).Msg("worker tick failed")
				break
			}
			if res.Outcome != OutcomeIdle {
				w.logger.Debug().Str("outcome", string(res.Outcome)).Int64("job_id", res.JobID).Msg("worker tick")
			}
			if !res.Drains() {
				break
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}
