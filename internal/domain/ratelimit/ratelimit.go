// Package ratelimit contains the sliding-window rate limit domain.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Budget configures the window for one tenant.
type Budget struct {
	// Limit is the maximum requests per window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
}

// Result is the limiter verdict for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the oldest request leaves the window.
	Reset time.Time
	// RetryAfter is how long a rejected caller should wait.
	RetryAfter time.Duration
}

// Limiter is the outbound port for the shared sliding-window limiter.
type Limiter interface {
	// Allow records one request against the (tenant, session, tool)
	// key and returns the verdict.
	Allow(ctx context.Context, key string, budget Budget) (Result, error)
}

// Key builds the compact bucket key for a request tuple. The xxhash
// digest keeps store keys short regardless of identifier length.
func Key(tenantID, sessionID, toolName string) string {
	h := xxhash.Sum64String(tenantID + "\x00" + sessionID + "\x00" + toolName)
	return fmt.Sprintf("rl:%016x", h)
}
