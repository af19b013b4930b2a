package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
)

type memoryStore struct {
	mu      sync.Mutex
	rows    map[string]db.BreakerState
	saves   int
	saveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]db.BreakerState)}
}

func (s *memoryStore) LoadBreakerState(_ context.Context, name string) (*db.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[name]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *memoryStore) SaveBreakerState(_ context.Context, row db.BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.rows[row.Name] = row
	return nil
}

func newTestBreaker(t *testing.T, store Store, clock *globaltime.Manual) *Breaker {
	t.Helper()
	b, err := Load(context.Background(), Config{Name: "test", Now: clock.Now}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return b
}

func mustAllow(t *testing.T, b *Breaker, want bool) {
	t.Helper()
	got, err := b.AllowCall(context.Background())
	if err != nil {
		t.Fatalf("AllowCall() error: %v", err)
	}
	if got != want {
		t.Fatalf("AllowCall() = %v, want %v (state %s)", got, want, b.State())
	}
}

func TestBreakerFullCycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := globaltime.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, newMemoryStore(), clock)

	for i := 0; i < 4; i++ {
		if err := b.RecordFailure(ctx); err != nil {
			t.Fatalf("RecordFailure() error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 4 failures = %s, want CLOSED", b.State())
	}
	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after 5 failures = %s, want OPEN", b.State())
	}
	mustAllow(t, b, false)

	clock.Advance(299 * time.Second)
	mustAllow(t, b, false)

	clock.Advance(time.Second)
	mustAllow(t, b, true)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after recovery window = %s, want HALF", b.State())
	}

	for i := 0; i < 2; i++ {
		if err := b.RecordSuccess(ctx); err != nil {
			t.Fatalf("RecordSuccess() error: %v", err)
		}
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state after 2 half-open successes = %s, want HALF", b.State())
	}
	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatalf("RecordSuccess() error: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 3 half-open successes = %s, want CLOSED", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := globaltime.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, newMemoryStore(), clock)

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx)
	}
	clock.Advance(5 * time.Minute)
	mustAllow(t, b, true)

	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}
	snap := b.Snapshot()
	if snap.State != StateOpen || snap.Failures != 0 || snap.HalfOpenSuccesses != 0 {
		t.Fatalf("unexpected snapshot after half-open failure: %+v", snap)
	}
	// The recovery window restarts from the new failure.
	mustAllow(t, b, false)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := globaltime.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, newMemoryStore(), clock)

	for i := 0; i < 4; i++ {
		_ = b.RecordFailure(ctx)
	}
	_ = b.RecordSuccess(ctx)
	for i := 0; i < 4; i++ {
		_ = b.RecordFailure(ctx)
	}
	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures opened the breaker")
	}
}

func TestBreakerPersistsAndReloads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemoryStore()
	clock := globaltime.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	first := newTestBreaker(t, store, clock)
	for i := 0; i < 5; i++ {
		_ = first.RecordFailure(ctx)
	}

	second := newTestBreaker(t, store, clock)
	if second.State() != StateOpen {
		t.Fatalf("reloaded state = %s, want OPEN", second.State())
	}

	if err := second.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	third := newTestBreaker(t, store, clock)
	if third.State() != StateClosed {
		t.Fatalf("state after reset = %s, want CLOSED", third.State())
	}
	mustAllow(t, third, true)
}

func TestBreakerReturnsStoreErrors(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	clock := globaltime.NewManual(time.Now())
	b := newTestBreaker(t, store, clock)

	store.saveErr = errors.New("disk full")
	if err := b.RecordFailure(context.Background()); err == nil {
		t.Fatal("expected persist error")
	}
}
