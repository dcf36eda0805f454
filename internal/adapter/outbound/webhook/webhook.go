// Package webhook delivers alert notifications (kill, quarantine, SLO
// breach) to a configured sink. Delivery is fire-and-forget with a
// bounded timeout; failures are logged, never propagated to the
// request path.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Alert is one notification payload.
type Alert struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier posts signed alerts.
type Notifier struct {
	url    string
	secret []byte
	http   *http.Client
	logger *slog.Logger
}

// New creates a notifier. An empty URL disables delivery.
func New(url string, secret []byte, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:    url,
		secret: secret,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// NotifyKill reports a kill-switch mutation.
func (n *Notifier) NotifyKill(ctx context.Context, scope, target, setBy, reason string, active bool) {
	n.Notify(ctx, Alert{
		Kind:   "kill_switch",
		Reason: reason,
		Detail: map[string]any{
			"scope":  scope,
			"target": target,
			"set_by": setBy,
			"active": active,
		},
	})
}

// NotifyQuarantine reports a new quarantine incident.
func (n *Notifier) NotifyQuarantine(ctx context.Context, sessionID, tenantID, incidentID, reason string) {
	n.Notify(ctx, Alert{
		Kind:      "quarantine",
		SessionID: sessionID,
		TenantID:  tenantID,
		Reason:    reason,
		Detail:    map[string]any{"incident_id": incidentID},
	})
}

// Notify posts one alert. The body is signed with
// X-AgentGate-Signature: hex(HMAC-SHA256(secret, body)).
func (n *Notifier) Notify(ctx context.Context, alert Alert) {
	if n.url == "" {
		return
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		n.logger.Warn("webhook alert encode failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		mac := hmac.New(sha256.New, n.secret)
		mac.Write(body)
		req.Header.Set("X-AgentGate-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "kind", alert.Kind, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.logger.Warn("webhook sink rejected alert", "kind", alert.Kind, "status", resp.StatusCode)
	}
}
