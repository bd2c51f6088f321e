package llm

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// linearCooldownStep is the per-attempt increment used when exponential
// backoff is disabled.
const linearCooldownStep = 30 * time.Second

// KeyPool tracks a set of interchangeable API keys with per-key rate-limit
// cooldowns. It is shared across all sessions in the process and is safe for
// concurrent use.
type KeyPool struct {
	mu      sync.Mutex
	keys    []string
	current int

	// availableAt holds, per key index, the time the key may be used again.
	// Absent means available now. Entries are expired lazily on scan, never
	// proactively.
	availableAt map[int]time.Time

	// rateLimits counts consecutive rate-limit hits per key, reset on the
	// first successful generation with that key.
	rateLimits map[int]int

	baseCooldown       time.Duration
	exponentialBackoff bool
}

// PoolStatus is a diagnostic snapshot of the pool. It is best-effort and not
// used for correctness.
type PoolStatus struct {
	TotalKeys         int
	CurrentKey        int
	AvailableKeys     int
	UnavailableKeys   int
	CooldownRemaining map[int]time.Duration
}

// NewKeyPool creates a pool from an ordered list of keys. An empty list is a
// construction-time error.
func NewKeyPool(keys []string, baseCooldown time.Duration, exponentialBackoff bool) (*KeyPool, error) {
	if len(keys) == 0 {
		return nil, errors.New("key pool requires at least one API key")
	}
	if baseCooldown <= 0 {
		baseCooldown = 60 * time.Second
	}
	return &KeyPool{
		keys:               keys,
		availableAt:        make(map[int]time.Time),
		rateLimits:         make(map[int]int),
		baseCooldown:       baseCooldown,
		exponentialBackoff: exponentialBackoff,
	}, nil
}

// Size returns the number of keys in the pool.
func (p *KeyPool) Size() int {
	return len(p.keys)
}

// Acquire scans forward circularly from the current index for a key whose
// cooldown has passed. It returns the key's index and value, or ok=false when
// every key is cooling down.
func (p *KeyPool) Acquire() (int, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for attempts := 0; attempts < len(p.keys); attempts++ {
		idx := p.current
		until, limited := p.availableAt[idx]
		if !limited || now.After(until) {
			delete(p.availableAt, idx)
			return idx, p.keys[idx], true
		}
		p.current = (p.current + 1) % len(p.keys)
	}
	return 0, "", false
}

// MarkRateLimited records a cooldown for the key and advances the scan
// position past it. The cooldown grows with the key's consecutive rate-limit
// count: base*2^n plus jitter when exponential backoff is enabled, otherwise
// base plus 30s*n plus jitter.
func (p *KeyPool) MarkRateLimited(idx int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.rateLimits[idx]
	p.rateLimits[idx] = n + 1

	var cooldown time.Duration
	if p.exponentialBackoff {
		cooldown = time.Duration(float64(p.baseCooldown) * math.Pow(2, float64(n)))
		maxJitter := cooldown / 10
		if maxJitter > 10*time.Second {
			maxJitter = 10 * time.Second
		}
		cooldown += randDuration(maxJitter)
	} else {
		cooldown = p.baseCooldown + time.Duration(n)*linearCooldownStep + randDuration(10*time.Second)
	}

	p.availableAt[idx] = time.Now().Add(cooldown)
	if p.current == idx {
		p.current = (p.current + 1) % len(p.keys)
	}
	return cooldown
}

// MarkSuccess resets the key's consecutive rate-limit count.
func (p *KeyPool) MarkSuccess(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rateLimits, idx)
}

// NextAvailableAt returns the soonest time any cooling-down key becomes
// available. ok is false when no key is cooling down.
func (p *KeyPool) NextAvailableAt() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var soonest time.Time
	for _, at := range p.availableAt {
		if soonest.IsZero() || at.Before(soonest) {
			soonest = at
		}
	}
	return soonest, !soonest.IsZero()
}

// Status reports pool size, current index and per-key remaining cooldowns.
func (p *KeyPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	st := PoolStatus{
		TotalKeys:         len(p.keys),
		CurrentKey:        p.current,
		CooldownRemaining: make(map[int]time.Duration),
	}
	for idx, at := range p.availableAt {
		if remaining := at.Sub(now); remaining > 0 {
			st.CooldownRemaining[idx] = remaining
		}
	}
	st.UnavailableKeys = len(st.CooldownRemaining)
	st.AvailableKeys = st.TotalKeys - st.UnavailableKeys
	return st
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
