package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// ClientCredentials is the OAuth2 client-credentials variant: each
// issuance performs a token exchange against the provider's token
// endpoint with the tool scope appended. Revocation is local-only
// (OAuth2 access tokens expire by TTL); the ledger stops the gateway
// from handing a revoked token to a later call.
type ClientCredentials struct {
	base   clientcredentials.Config
	ledger *ledger
}

// NewClientCredentials creates the OAuth2 broker.
func NewClientCredentials(clientID, clientSecret, tokenURL string, scopes []string) *ClientCredentials {
	return &ClientCredentials{
		base: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
		ledger: newLedger(),
	}
}

// Issue exchanges client credentials for an access token scoped to the
// tool.
func (b *ClientCredentials) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*credential.Credential, error) {
	cfg := b.base
	if scope != "" {
		cfg.Scopes = append(append([]string{}, b.base.Scopes...), scope)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindBrokerFailed, "client credentials exchange", err)
	}

	now := time.Now().UTC()
	expires := tok.Expiry
	if expires.IsZero() || (ttl > 0 && now.Add(ttl).Before(expires)) {
		// Never hand out a credential that outlives the requested TTL.
		expires = now.Add(ttl)
	}
	cred := &credential.Credential{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		Scope:     scope,
		Token:     tok.AccessToken,
		IssuedAt:  now,
		ExpiresAt: expires,
	}
	b.ledger.record(cred)
	return cred, nil
}

// Revoke invalidates the referenced credential(s) locally.
func (b *ClientCredentials) Revoke(_ context.Context, ref credential.RevokeRef, _ string) error {
	b.ledger.revoke(ref)
	return nil
}

// Live returns unexpired credential IDs for a session.
func (b *ClientCredentials) Live(_ context.Context, sessionID string) ([]string, error) {
	return b.ledger.live(sessionID, time.Now().UTC()), nil
}

var _ credential.Broker = (*ClientCredentials)(nil)
