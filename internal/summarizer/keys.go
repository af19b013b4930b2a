package summarizer

import (
	"strings"
	"sync"
	"time"
)

// DefaultKeyCooldown is how long a key rests after a 429 without Retry-After.
const DefaultKeyCooldown = 60 * time.Second

// KeyRing hands out API keys round-robin and skips keys that are cooling down
// after a rate-limited call. It is safe for concurrent use.
type KeyRing struct {
	mu       sync.Mutex
	keys     []string
	next     int
	coolTill []time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewKeyRing keeps the first occurrence of every non-blank key.
func NewKeyRing(keys []string, cooldown time.Duration, now func() time.Time) *KeyRing {
	if cooldown <= 0 {
		cooldown = DefaultKeyCooldown
	}
	if now == nil {
		now = time.Now
	}

	seen := make(map[string]struct{}, len(keys))
	kept := make([]string, 0, len(keys))
	for _, raw := range keys {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, key)
	}
	return &KeyRing{
		keys:     kept,
		coolTill: make([]time.Time, len(kept)),
		cooldown: cooldown,
		now:      now,
	}
}

func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Next returns the next key that is not cooling and its index. With no keys
// configured it returns an empty key and ok. When every key is cooling ok is
// false and wait is the time until the first one frees up.
func (r *KeyRing) Next() (key string, idx int, wait time.Duration, ok bool) {
	if r.Len() == 0 {
		return "", -1, 0, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for range r.keys {
		i := r.next
		r.next = (r.next + 1) % len(r.keys)
		if !now.Before(r.coolTill[i]) {
			return r.keys[i], i, 0, true
		}
		if remaining := r.coolTill[i].Sub(now); wait == 0 || remaining < wait {
			wait = remaining
		}
	}
	return "", -1, wait, false
}

// Cool rests the key at idx for retryAfter, or the ring cooldown when the
// provider gave no hint.
func (r *KeyRing) Cool(idx int, retryAfter time.Duration) {
	if idx < 0 || idx >= r.Len() {
		return
	}
	if retryAfter <= 0 {
		retryAfter = r.cooldown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.coolTill[idx] = r.now().Add(retryAfter)
}

// Wait reports whether every key is cooling and, if so, how long until the
// first one frees up.
func (r *KeyRing) Wait() (time.Duration, bool) {
	if r.Len() == 0 {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var wait time.Duration
	for _, until := range r.coolTill {
		if !now.Before(until) {
			return 0, false
		}
		if remaining := until.Sub(now); wait == 0 || remaining < wait {
			wait = remaining
		}
	}
	return wait, true
}

// Available counts keys that are not cooling.
func (r *KeyRing) Available() int {
	if r.Len() == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, until := range r.coolTill {
		if !now.Before(until) {
			n++
		}
	}
	return n
}
