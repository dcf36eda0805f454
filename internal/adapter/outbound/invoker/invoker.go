// Package invoker forwards allowed tool calls to downstream tool
// servers. The gateway never executes tool side effects itself; it
// forwards through a configured invoker after the decision sequence.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// Invoker executes one allowed tool call downstream.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any, cred *credential.Credential) (map[string]any, error)
}

// HTTP forwards tool calls to a downstream tool server as JSON.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a forwarding invoker. Each call POSTs to
// {baseURL}/tools/{name}.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Invoke forwards the call, attaching the brokered credential as a
// bearer token when present.
func (h *HTTP) Invoke(ctx context.Context, toolName string, args map[string]any, cred *credential.Credential) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{"arguments": args})
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindToolFailure, "encode tool arguments", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/tools/"+toolName, bytes.NewReader(body))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindToolFailure, "build tool request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred != nil {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindToolFailure, "tool server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, gateerr.Newf(gateerr.KindToolFailure, "tool server returned %d", resp.StatusCode)
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, gateerr.Wrap(gateerr.KindToolFailure, "decode tool response", err)
	}
	return result, nil
}

// Echo is the development invoker: it reflects the call without side
// effects.
type Echo struct{}

// Invoke returns the call description.
func (Echo) Invoke(_ context.Context, toolName string, args map[string]any, _ *credential.Credential) (map[string]any, error) {
	return map[string]any{
		"tool":   toolName,
		"echoed": args,
	}, nil
}

var (
	_ Invoker = (*HTTP)(nil)
	_ Invoker = Echo{}
)
