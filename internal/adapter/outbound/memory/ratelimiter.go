package memory

import (
	"context"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/domain/ratelimit"
)

// RateLimiter is a process-local sliding-window limiter. Thread-safe;
// for development and testing only.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewRateLimiter creates an empty in-memory limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string][]time.Time)}
}

// Allow records one request against the key and returns the verdict.
func (r *RateLimiter) Allow(_ context.Context, key string, budget ratelimit.Budget) (ratelimit.Result, error) {
	if budget.Limit <= 0 || budget.Window <= 0 {
		return ratelimit.Result{Allowed: true, Limit: budget.Limit, Remaining: budget.Limit}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-budget.Window)

	kept := r.windows[key][:0]
	for _, t := range r.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	reset := now.Add(budget.Window)
	if len(kept) > 0 {
		reset = kept[0].Add(budget.Window)
	}

	if len(kept) >= budget.Limit {
		r.windows[key] = kept
		retry := time.Until(reset)
		if retry < 0 {
			retry = 0
		}
		return ratelimit.Result{
			Allowed:    false,
			Limit:      budget.Limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: retry,
		}, nil
	}

	kept = append(kept, now)
	r.windows[key] = kept
	return ratelimit.Result{
		Allowed:   true,
		Limit:     budget.Limit,
		Remaining: budget.Limit - len(kept),
		Reset:     reset,
	}, nil
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
