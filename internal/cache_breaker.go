package internal

import (
	"sync"
	"time"

	"github.com/lychee-technology/cardbase"
)

// cacheBreaker stops the backend from consulting a failing cache. It trips
// after threshold failures within window, across all operations, and stays
// open for cooldown. Failures are also counted per operation so the status
// report shows which calls are failing.
type cacheBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	recent    []time.Time
	openUntil time.Time
	trips     int
	byOp      map[string]int
	lastOp    string
	now       func() time.Time
}

func newCacheBreaker(cfg cardbase.CacheConfig) *cacheBreaker {
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return &cacheBreaker{
		threshold: threshold,
		window:    cfg.BreakerWindow,
		cooldown:  cfg.BreakerOpen,
		byOp:      map[string]int{},
		now:       time.Now,
	}
}

// failure records a failed op and reports whether it tripped the breaker.
func (b *cacheBreaker) failure(op string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.recent[:0]
	for _, at := range b.recent {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.recent = append(kept, now)
	b.byOp[op]++
	b.lastOp = op

	if len(b.recent) < b.threshold || now.Before(b.openUntil) {
		return false
	}
	b.openUntil = now.Add(b.cooldown)
	b.recent = b.recent[:0]
	b.trips++
	return true
}

// success closes the breaker: the cache answered, so earlier failures no
// longer count.
func (b *cacheBreaker) success() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = b.recent[:0]
	b.openUntil = time.Time{}
	clear(b.byOp)
	b.lastOp = ""
}

func (b *cacheBreaker) open() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

func (b *cacheBreaker) status() cardbase.CacheStatus {
	if b == nil {
		return cardbase.CacheStatus{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := cardbase.CacheStatus{
		Enabled:    true,
		Bypassed:   b.now().Before(b.openUntil),
		Trips:      b.trips,
		LastFailed: b.lastOp,
	}
	if len(b.byOp) > 0 {
		st.Failures = make(map[string]int, len(b.byOp))
		for op, n := range b.byOp {
			st.Failures[op] = n
		}
	}
	return st
}
