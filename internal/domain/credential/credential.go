// Package credential contains the credential broker domain: issuance
// of time-bound, scope-limited credentials for allowed tool calls and
// their revocation on quarantine or session termination.
package credential

import (
	"context"
	"time"
)

// Credential is a short-lived credential issued for one tool call.
type Credential struct {
	ID        string    `json:"credential_id"`
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	Scope     string    `json:"scope"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the credential is past its TTL.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// RevokeRef identifies what to revoke: one credential or every live
// credential of a session.
type RevokeRef struct {
	CredentialID string
	SessionID    string
}

// Broker is the capability interface all provider variants satisfy.
// The variant (inert stub, HTTP exchange, client-credentials exchange,
// short-term token service) is selected by configuration at startup.
// All failures are typed broker_failed; the gateway treats them as
// fail-closed.
type Broker interface {
	// Issue returns a credential for the session/tool pair, valid for
	// ttl and limited to scope.
	Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*Credential, error)

	// Revoke invalidates the referenced credential(s). Revocation is
	// idempotent: revoking an already-revoked or unknown credential
	// succeeds.
	Revoke(ctx context.Context, ref RevokeRef, reason string) error

	// Live returns the identifiers of unexpired credentials issued for
	// a session, for quarantine revocation.
	Live(ctx context.Context, sessionID string) ([]string, error)
}
