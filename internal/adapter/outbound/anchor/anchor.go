// Package anchor posts transparency roots to an external witness. The
// anchor URL scheme must be on the configured allowlist; unrecognized
// schemes fail closed.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// Client anchors session roots at a witness endpoint.
type Client struct {
	anchorURL      string
	allowedSchemes map[string]bool
	http           *http.Client
}

// New creates an anchoring client. allowedSchemes defaults to https
// only.
func New(anchorURL string, allowedSchemes []string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	allowed := make(map[string]bool, len(allowedSchemes))
	for _, s := range allowedSchemes {
		allowed[s] = true
	}
	if len(allowed) == 0 {
		allowed["https"] = true
	}

	u, err := url.Parse(anchorURL)
	if err != nil {
		return nil, fmt.Errorf("parse anchor url: %w", err)
	}
	if !allowed[u.Scheme] {
		return nil, gateerr.Newf(gateerr.KindValidation,
			"anchor scheme %q is not on the allowlist", u.Scheme)
	}
	return &Client{
		anchorURL:      anchorURL,
		allowedSchemes: allowed,
		http:           &http.Client{Timeout: timeout},
	}, nil
}

// Source returns the anchor source identifier recorded on checkpoints.
func (c *Client) Source() string { return c.anchorURL }

// Anchor posts the root and returns the witness receipt.
func (c *Client) Anchor(ctx context.Context, sessionID, rootHash string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"root_hash":  rootHash,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.anchorURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("anchor witness returned %d", resp.StatusCode)
	}
	receipt, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read anchor receipt: %w", err)
	}
	return string(receipt), nil
}
