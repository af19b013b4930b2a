// Package ratelimit paces provider calls and honors provider-issued suppression windows.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
)

const (
	DefaultMaxRPM = 20
	DefaultWindow = 60 * time.Second
)

// Store persists limiter rows. *db.Pool implements it.
type Store interface {
	LoadRateLimiterState(ctx context.Context, name string) (*db.RateLimiterState, error)
	SaveRateLimiterState(ctx context.Context, row db.RateLimiterState) error
}

type Config struct {
	Name   string
	MaxRPM int
	// Window is the minimum suppression after a rate-limit response.
	Window time.Duration
	Now    globaltime.Clock
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "summary"
	}
	if c.MaxRPM < 1 {
		c.MaxRPM = DefaultMaxRPM
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	c.Now = globaltime.OrDefault(c.Now)
	return c
}

// MinInterval is the pacing gap between two call attempts.
func (c Config) MinInterval() time.Duration {
	return time.Minute / time.Duration(c.withDefaults().MaxRPM)
}

// Snapshot is a read-only copy of the limiter state.
type Snapshot struct {
	Name            string        `json:"name"`
	MinInterval     time.Duration `json:"min_interval"`
	LastAttemptAt   *time.Time    `json:"last_attempt_at,omitempty"`
	SuppressedUntil *time.Time    `json:"suppressed_until,omitempty"`
}

type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	store  Store
	logger zerolog.Logger

	lastAttempt     *time.Time
	suppressedUntil *time.Time
}

func Load(ctx context.Context, cfg Config, store Store, logger zerolog.Logger) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limiter store is nil")
	}
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "ratelimit").Str("limiter", cfg.Name).Logger(),
	}

	row, err := store.LoadRateLimiterState(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("load rate limiter state: %w", err)
	}
	if row != nil {
		l.lastAttempt = row.LastAttemptAt
		l.suppressedUntil = row.SuppressedUntil
	}
	return l, nil
}

// CanCallNow is false inside a suppression window or before the pacing interval
// since the last attempt has elapsed.
func (l *Limiter) CanCallNow(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	if l.suppressedUntil != nil && now.Before(*l.suppressedUntil) {
		return false
	}
	if l.lastAttempt != nil && now.Sub(*l.lastAttempt) < l.cfg.MinInterval() {
		return false
	}
	return true
}

// RecordAttempt marks a call as dispatched, whatever its outcome.
func (l *Limiter) RecordAttempt(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	l.lastAttempt = &now
	return l.persistLocked(ctx, now)
}

// RecordRateLimited sets or extends the suppression window to
// now + max(Window, retryAfter). An existing later window is kept.
func (l *Limiter) RecordRateLimited(ctx context.Context, retryAfter time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	wait := max(l.cfg.Window, retryAfter)
	until := now.Add(wait)
	if l.suppressedUntil == nil || until.After(*l.suppressedUntil) {
		l.suppressedUntil = &until
	}
	l.logger.Warn().
		Dur("retry_after", retryAfter).
		Time("suppressed_until", *l.suppressedUntil).
		Msg("provider rate limited; suppressing calls")
	return l.persistLocked(ctx, now)
}

// ClearSuppression drops any suppression window; pacing state is kept.
func (l *Limiter) ClearSuppression(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.suppressedUntil = nil
	return l.persistLocked(ctx, l.cfg.Now())
}

// NextAllowedAt returns the earliest time CanCallNow can become true.
func (l *Limiter) NextAllowedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.cfg.Now()
	if l.lastAttempt != nil {
		if paced := l.lastAttempt.Add(l.cfg.MinInterval()); paced.After(next) {
			next = paced
		}
	}
	if l.suppressedUntil != nil && l.suppressedUntil.After(next) {
		next = *l.suppressedUntil
	}
	return next
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Name:            l.cfg.Name,
		MinInterval:     l.cfg.MinInterval(),
		LastAttemptAt:   copyTime(l.lastAttempt),
		SuppressedUntil: copyTime(l.suppressedUntil),
	}
}

func (l *Limiter) persistLocked(ctx context.Context, now time.Time) error {
	err := l.store.SaveRateLimiterState(ctx, db.RateLimiterState{
		Name:            l.cfg.Name,
		LastAttemptAt:   copyTime(l.lastAttempt),
		SuppressedUntil: copyTime(l.suppressedUntil),
		UpdatedAt:       now,
	})
	if err != nil {
		return fmt.Errorf("persist rate limiter state: %w", err)
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
