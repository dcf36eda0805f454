// Package opa is the HTTP client for the external rule evaluator. The
// gateway sends the decision input to the evaluator's data API and
// receives a structured decision. Transport failures are retried once
// with bounded backoff behind a circuit breaker; persistent failure
// surfaces as policy_unavailable, which the gateway resolves to DENY.
package opa

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/policy"
)

// decisionPath is the data API path the evaluator exposes.
const decisionPath = "/v1/data/agentgate/decision"

// MTLSConfig carries the mutual-TLS material for the evaluator
// transport. When Required is set and material is missing, startup
// fails rather than silently downgrading.
type MTLSConfig struct {
	Required bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Client evaluates policy against a remote evaluator.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the per-evaluation deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates the evaluator client. Missing mTLS material with
// mtls.Required set is a startup error.
func NewClient(baseURL string, mtls MTLSConfig, opts ...Option) (*Client, error) {
	transport := &http.Transport{}

	if mtls.Required && (mtls.CertFile == "" || mtls.KeyFile == "") {
		return nil, fmt.Errorf("opa: mTLS required but client cert/key not configured")
	}
	if mtls.CertFile != "" && mtls.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mtls.CertFile, mtls.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("opa: load client keypair: %w", err)
		}
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		if mtls.CAFile != "" {
			ca, err := os.ReadFile(mtls.CAFile)
			if err != nil {
				return nil, fmt.Errorf("opa: read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(ca) {
				return nil, fmt.Errorf("opa: CA file %s contains no certificates", mtls.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
		transport.TLSClientConfig = tlsCfg
	}

	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
		logger:  slog.Default(),
		timeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "opa",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("policy transport breaker state change",
				"from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// Evaluate sends the decision input to the evaluator. One retry with
// bounded backoff; anything persistent becomes policy_unavailable.
func (c *Client) Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error) {
	var decision policy.Decision
	err := retry.Do(
		func() error {
			result, err := c.breaker.Execute(func() (any, error) {
				return c.evaluateOnce(ctx, in)
			})
			if err != nil {
				return err
			}
			decision = result.(policy.Decision)
			return nil
		},
		retry.Attempts(2),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		c.logger.Warn("policy engine unavailable", "error", err)
		return policy.Decision{}, gateerr.Wrap(gateerr.KindPolicyUnavailable,
			"rule evaluator unreachable", err)
	}
	return decision, nil
}

func (c *Client) evaluateOnce(ctx context.Context, in policy.Input) (policy.Decision, error) {
	body, err := json.Marshal(struct {
		Input policy.Input `json:"input"`
	}{in})
	if err != nil {
		return policy.Decision{}, fmt.Errorf("marshal decision input: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+decisionPath, bytes.NewReader(body))
	if err != nil {
		return policy.Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("evaluator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return policy.Decision{}, fmt.Errorf("evaluator returned %d: %s", resp.StatusCode, snippet)
	}

	var envelope struct {
		Result policy.Decision `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return policy.Decision{}, fmt.Errorf("decode evaluator response: %w", err)
	}
	if envelope.Result.Outcome == "" {
		// An empty result means no decision document is loaded; treat
		// as default deny rather than a transport failure.
		return policy.Decision{
			Outcome: policy.OutcomeDeny,
			Reason:  "no_decision_document",
		}, nil
	}
	return envelope.Result, nil
}

var _ policy.Engine = (*Client)(nil)
