package redisstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/internal/domain/ratelimit"
)

// RateLimiter is the Redis-backed sliding-window limiter. Each request
// is one member in a per-key sorted set scored by its arrival time;
// the window slides by pruning members older than the window.
type RateLimiter struct {
	client *redis.Client
	// now is swappable so tests can move the window.
	now func() time.Time
}

// NewRateLimiter wraps a Redis client.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// Allow records one request and returns the verdict. The prune, add,
// count, and expire run in one pipeline so concurrent replicas observe
// a consistent window.
func (r *RateLimiter) Allow(ctx context.Context, key string, budget ratelimit.Budget) (ratelimit.Result, error) {
	if budget.Limit <= 0 || budget.Window <= 0 {
		return ratelimit.Result{Allowed: true, Limit: budget.Limit, Remaining: budget.Limit}, nil
	}

	now := r.now()
	windowStart := now.Add(-budget.Window)
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	var countCmd *redis.IntCmd
	var oldestCmd *redis.ZSliceCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		countCmd = pipe.ZCard(ctx, key)
		oldestCmd = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.Expire(ctx, key, budget.Window+time.Second)
		return nil
	})
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := int(countCmd.Val())
	reset := now.Add(budget.Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(budget.Window)
	}

	res := ratelimit.Result{
		Limit:     budget.Limit,
		Remaining: budget.Limit - count,
		Reset:     reset,
	}
	if count > budget.Limit {
		// Over budget: remove the member we just added so a rejected
		// request does not consume window space.
		_ = r.client.ZRem(ctx, key, member).Err()
		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = reset.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
		return res, nil
	}
	res.Allowed = true
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res, nil
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
