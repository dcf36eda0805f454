// Package broker implements the credential broker variants. The
// variant is selected by configuration at startup; every variant
// satisfies credential.Broker and fails with typed broker_failed
// errors the gateway treats as fail-closed.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// Kind selects a broker variant.
type Kind string

const (
	KindInert       Kind = "inert"
	KindExchange    Kind = "exchange"
	KindClientCreds Kind = "client_credentials"
	KindSTS         Kind = "sts"
)

// ledger tracks credentials issued by this replica so quarantine can
// enumerate and revoke everything live for a session. Revocation is
// idempotent: revoking an unknown or already-revoked credential
// succeeds.
type ledger struct {
	mu      sync.Mutex
	byID    map[string]*credential.Credential
	revoked map[string]bool
}

func newLedger() *ledger {
	return &ledger{
		byID:    make(map[string]*credential.Credential),
		revoked: make(map[string]bool),
	}
}

func (l *ledger) record(c *credential.Credential) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[c.ID] = c
}

func (l *ledger) revoke(ref credential.RevokeRef) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var revoked []string
	if ref.CredentialID != "" {
		if !l.revoked[ref.CredentialID] {
			l.revoked[ref.CredentialID] = true
			revoked = append(revoked, ref.CredentialID)
		}
		return revoked
	}
	for id, c := range l.byID {
		if c.SessionID == ref.SessionID && !l.revoked[id] {
			l.revoked[id] = true
			revoked = append(revoked, id)
		}
	}
	return revoked
}

func (l *ledger) live(sessionID string, now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id, c := range l.byID {
		if c.SessionID == sessionID && !l.revoked[id] && !c.Expired(now) {
			out = append(out, id)
		}
	}
	return out
}

// Inert is the stub variant: locally minted opaque tokens with no
// external provider. Used in development and as the default when no
// provider is configured.
type Inert struct {
	ledger *ledger
}

// NewInert creates the stub broker.
func NewInert() *Inert {
	return &Inert{ledger: newLedger()}
}

// Issue mints a random opaque token bound to the session and tool.
func (b *Inert) Issue(_ context.Context, sessionID, toolName, scope string, ttl time.Duration) (*credential.Credential, error) {
	token, err := randomToken()
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindBrokerFailed, "mint credential", err)
	}
	now := time.Now().UTC()
	cred := &credential.Credential{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		Scope:     scope,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	b.ledger.record(cred)
	return cred, nil
}

// Revoke invalidates the referenced credential(s).
func (b *Inert) Revoke(_ context.Context, ref credential.RevokeRef, _ string) error {
	b.ledger.revoke(ref)
	return nil
}

// Live returns unexpired, unrevoked credential IDs for a session.
func (b *Inert) Live(_ context.Context, sessionID string) ([]string, error) {
	return b.ledger.live(sessionID, time.Now().UTC()), nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "agc_" + hex.EncodeToString(buf), nil
}

var _ credential.Broker = (*Inert)(nil)
