// Package breaker implements the persisted circuit breaker guarding provider calls.
package breaker

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

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF"
)

const (
	DefaultFailureThreshold  = 5
	DefaultRecoveryWindow    = 300 * time.Second
	DefaultHalfOpenSuccesses = 3
)

// Store persists breaker rows. *db.Pool implements it.
type Store interface {
	LoadBreakerState(ctx context.Context, name string) (*db.BreakerState, error)
	SaveBreakerState(ctx context.Context, row db.BreakerState) error
}

// Config holds breaker thresholds.
type Config struct {
	Name              string
	FailureThreshold  int
	RecoveryWindow    time.Duration
	HalfOpenSuccesses int
	Now               globaltime.Clock
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "summary"
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = DefaultRecoveryWindow
	}
	if c.HalfOpenSuccesses < 1 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	c.Now = globaltime.OrDefault(c.Now)
	return c
}

// Snapshot is a read-only copy of the breaker state.
type Snapshot struct {
	Name              string     `json:"name"`
	State             State      `json:"state"`
	Failures          int        `json:"failures"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
}

// Breaker is safe for concurrent use; every change is written through to the store.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	store  Store
	logger zerolog.Logger

	state         State
	failures      int
	halfSuccesses int
	lastFailure   *time.Time
	lastSuccess   *time.Time
}

// Load builds a breaker from its persisted row, starting CLOSED when none exists.
func Load(ctx context.Context, cfg Config, store Store, logger zerolog.Logger) (*Breaker, error) {
	if store == nil {
		return nil, fmt.Errorf("breaker store is nil")
	}
	cfg = cfg.withDefaults()
	b := &Breaker{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "breaker").Str("breaker", cfg.Name).Logger(),
		state:  StateClosed,
	}

	row, err := store.LoadBreakerState(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	if row != nil {
		b.state = parseState(row.State)
		b.failures = row.Failures
		b.halfSuccesses = row.HalfOpenSuccesses
		b.lastFailure = row.LastFailureAt
		b.lastSuccess = row.LastSuccessAt
	}
	return b, nil
}

// AllowCall reports whether a provider call may be dispatched now. An OPEN
// breaker whose recovery window has elapsed moves to HALF on this check.
func (b *Breaker) AllowCall(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true, nil
	}

	now := b.cfg.Now()
	if b.lastFailure != nil && now.Sub(*b.lastFailure) < b.cfg.RecoveryWindow {
		return false, nil
	}

	b.state = StateHalfOpen
	b.halfSuccesses = 0
	b.logger.Info().Msg("circuit breaker OPEN -> HALF")
	return true, b.persistLocked(ctx, now)
}

func (b *Breaker) RecordSuccess(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	b.lastSuccess = &now

	switch b.state {
	case StateHalfOpen:
		b.halfSuccesses++
		if b.halfSuccesses >= b.cfg.HalfOpenSuccesses {
			b.state = StateClosed
			b.failures = 0
			b.halfSuccesses = 0
			b.logger.Info().Msg("circuit breaker HALF -> CLOSED")
		}
	default:
		b.failures = 0
	}
	return b.persistLocked(ctx, now)
}

// RecordFailure counts a failed provider call. Rate-limit responses must not be reported.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	b.lastFailure = &now

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.failures = 0
		b.halfSuccesses = 0
		b.logger.Warn().Msg("circuit breaker HALF -> OPEN")
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.logger.Warn().Int("failures", b.failures).Msg("circuit breaker CLOSED -> OPEN")
			b.state = StateOpen
			b.failures = 0
		}
	}
	return b.persistLocked(ctx, now)
}

// Reset returns the breaker to CLOSED with all counters cleared.
func (b *Breaker) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	previous := b.state
	b.state = StateClosed
	b.failures = 0
	b.halfSuccesses = 0
	b.lastFailure = nil
	if previous != StateClosed {
		b.logger.Info().Str("previous", string(previous)).Msg("circuit breaker reset")
	}
	return b.persistLocked(ctx, b.cfg.Now())
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:              b.cfg.Name,
		State:             b.state,
		Failures:          b.failures,
		HalfOpenSuccesses: b.halfSuccesses,
		LastFailureAt:     copyTime(b.lastFailure),
		LastSuccessAt:     copyTime(b.lastSuccess),
	}
}

func (b *Breaker) persistLocked(ctx context.Context, now time.Time) error {
	err := b.store.SaveBreakerState(ctx, db.BreakerState{
		Name:              b.cfg.Name,
		State:             string(b.state),
		Failures:          b.failures,
		HalfOpenSuccesses: b.halfSuccesses,
		LastFailureAt:     copyTime(b.lastFailure),
		LastSuccessAt:     copyTime(b.lastSuccess),
		UpdatedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("persist breaker state: %w", err)
	}
	return nil
}

func parseState(raw string) State {
	switch State(strings.ToUpper(strings.TrimSpace(raw))) {
	case StateOpen:
		return StateOpen
	case StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
