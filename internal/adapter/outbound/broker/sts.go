package broker

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/internal/domain/credential"
)

// STS is the short-term token service variant. It reuses the HTTP
// exchange transport but enforces a hard TTL ceiling so no issued
// credential can outlive the service maximum, and clamps requests
// below a floor so callers cannot ask for throwaway tokens the
// downstream would reject.
type STS struct {
	exchange *Exchange
	maxTTL   time.Duration
	minTTL   time.Duration
}

// NewSTS creates the short-term token broker over the given service
// endpoints.
func NewSTS(issueURL, revokeURL string, minTTL, maxTTL time.Duration) *STS {
	if minTTL <= 0 {
		minTTL = 30 * time.Second
	}
	if maxTTL <= 0 {
		maxTTL = 15 * time.Minute
	}
	return &STS{
		exchange: NewExchange(issueURL, revokeURL, 5*time.Second),
		minTTL:   minTTL,
		maxTTL:   maxTTL,
	}
}

// Issue requests a token with the TTL clamped into the service bounds.
func (b *STS) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*credential.Credential, error) {
	if ttl < b.minTTL {
		ttl = b.minTTL
	}
	if ttl > b.maxTTL {
		ttl = b.maxTTL
	}
	return b.exchange.Issue(ctx, sessionID, toolName, scope, ttl)
}

// Revoke forwards to the token service.
func (b *STS) Revoke(ctx context.Context, ref credential.RevokeRef, reason string) error {
	return b.exchange.Revoke(ctx, ref, reason)
}

// Live returns unexpired credential IDs for a session.
func (b *STS) Live(ctx context.Context, sessionID string) ([]string, error) {
	return b.exchange.Live(ctx, sessionID)
}

var _ credential.Broker = (*STS)(nil)
