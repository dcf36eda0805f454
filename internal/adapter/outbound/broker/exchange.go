package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// Exchange is the request/response variant: each issuance is one POST
// to an external credential service, each revocation another. The
// service owns credential state; the local ledger only mirrors
// issuance for session enumeration.
type Exchange struct {
	issueURL  string
	revokeURL string
	http      *http.Client
	ledger    *ledger
}

// NewExchange creates the HTTP exchange broker.
func NewExchange(issueURL, revokeURL string, timeout time.Duration) *Exchange {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Exchange{
		issueURL:  issueURL,
		revokeURL: revokeURL,
		http:      &http.Client{Timeout: timeout},
		ledger:    newLedger(),
	}
}

type exchangeIssueRequest struct {
	SessionID string `json:"session_id"`
	ToolName  string `json:"tool_name"`
	Scope     string `json:"scope"`
	TTLSecs   int64  `json:"ttl_seconds"`
}

type exchangeIssueResponse struct {
	CredentialID string `json:"credential_id"`
	Token        string `json:"token"`
	ExpiresAt    string `json:"expires_at"`
}

// Issue exchanges the request for a short-lived credential.
func (b *Exchange) Issue(ctx context.Context, sessionID, toolName, scope string, ttl time.Duration) (*credential.Credential, error) {
	var resp exchangeIssueResponse
	err := b.post(ctx, b.issueURL, exchangeIssueRequest{
		SessionID: sessionID,
		ToolName:  toolName,
		Scope:     scope,
		TTLSecs:   int64(ttl / time.Second),
	}, &resp)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(ttl)
	if t, perr := time.Parse(time.RFC3339, resp.ExpiresAt); perr == nil {
		expires = t
	}
	cred := &credential.Credential{
		ID:        resp.CredentialID,
		SessionID: sessionID,
		ToolName:  toolName,
		Scope:     scope,
		Token:     resp.Token,
		IssuedAt:  now,
		ExpiresAt: expires,
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	b.ledger.record(cred)
	return cred, nil
}

// Revoke forwards the revocation to the credential service.
func (b *Exchange) Revoke(ctx context.Context, ref credential.RevokeRef, reason string) error {
	ids := b.ledger.revoke(ref)
	if ref.CredentialID != "" {
		ids = []string{ref.CredentialID}
	}
	for _, id := range ids {
		err := b.post(ctx, b.revokeURL, map[string]string{
			"credential_id": id,
			"reason":        reason,
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// Live returns unexpired credential IDs issued through this replica.
func (b *Exchange) Live(_ context.Context, sessionID string) ([]string, error) {
	return b.ledger.live(sessionID, time.Now().UTC()), nil
}

func (b *Exchange) post(ctx context.Context, url string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return gateerr.Wrap(gateerr.KindBrokerFailed, "encode broker request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return gateerr.Wrap(gateerr.KindBrokerFailed, "build broker request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return gateerr.Wrap(gateerr.KindBrokerFailed, "credential service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gateerr.Newf(gateerr.KindBrokerFailed,
			"credential service returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return gateerr.Wrap(gateerr.KindBrokerFailed, "decode broker response", err)
		}
	}
	return nil
}

var _ credential.Broker = (*Exchange)(nil)
