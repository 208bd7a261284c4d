package security

import (
	"sync"
	"time"

	"github.com/yeager620/savant-ai-sub000/internal/config"
	"github.com/yeager620/savant-ai-sub000/internal/errs"
)

// Clock returns the current time.
type Clock func() time.Time

// RateLimiter keeps a sliding window of admitted queries per caller and
// bucket.
type RateLimiter struct {
	limits map[Bucket]int
	window time.Duration
	now    Clock

	mu   sync.Mutex
	hits map[rateKey][]time.Time
}

type rateKey struct {
	caller string
	bucket Bucket
}

// NewRateLimiter builds a limiter from the configured budgets. A nil
// clock means time.Now.
func NewRateLimiter(cfg config.RateConfig, now Clock) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limits: map[Bucket]int{Low: cfg.Low, Medium: cfg.Medium, High: cfg.High},
		window: cfg.Window,
		now:    now,
		hits:   make(map[rateKey][]time.Time),
	}
}

// Allow admits one query for caller in bucket, or returns
// RateLimitExceeded when the window's budget is spent.
func (r *RateLimiter) Allow(caller string, b Bucket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := rateKey{caller, b}
	kept := prune(r.hits[key], now.Add(-r.window))
	if len(kept) >= r.limits[b] {
		r.hits[key] = kept
		return errs.New(errs.RateLimitExceeded, "%s-complexity budget of %d per %s exhausted", b, r.limits[b], r.window)
	}
	r.hits[key] = append(kept, now)
	return nil
}

// Remaining reports how many more queries caller may run in bucket now.
func (r *RateLimiter) Remaining(caller string, b Bucket) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := prune(r.hits[rateKey{caller, b}], r.now().Add(-r.window))
	if n := r.limits[b] - len(kept); n > 0 {
		return n
	}
	return 0
}

// prune drops hits at or before cutoff. hits is in arrival order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
