// Package policy contains the policy decision domain: the engine port,
// decision types, signed policy packages, and the bundle snapshot the
// builtin evaluator runs against.
package policy

import (
	"context"
	"time"
)

// Outcome is the result of a policy evaluation.
type Outcome string

const (
	OutcomeAllow           Outcome = "ALLOW"
	OutcomeDeny            Outcome = "DENY"
	OutcomeRequireApproval Outcome = "REQUIRE_APPROVAL"
)

// Input is the structured query sent to the rule evaluator.
type Input struct {
	TenantID         string         `json:"tenant_id"`
	SessionID        string         `json:"session_id"`
	ToolName         string         `json:"tool_name"`
	Arguments        map[string]any `json:"arguments,omitempty"`
	HasApprovalToken bool           `json:"has_approval_token"`
	ApprovalToken    string         `json:"-"`
	RequestTime      time.Time      `json:"request_time"`
}

// Decision is the structured evaluator response.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	// RuleID identifies the matched rule.
	RuleID string `json:"rule_id,omitempty"`
	// Reason is machine-readable ("tool_not_allowlisted", ...).
	Reason string `json:"reason"`
	// PolicyVersion is the active package version that produced the
	// decision.
	PolicyVersion string `json:"policy_version,omitempty"`
	// ApprovalHint tells a 202 caller how to proceed.
	ApprovalHint string `json:"approval_hint,omitempty"`
}

// Engine is the outbound port to the rule evaluator. Transport errors
// surface as gateerr.KindPolicyUnavailable after the retry budget; the
// gateway resolves them to DENY.
type Engine interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// Bundle is the rule data for one tenant version. The builtin
// evaluator interprets it directly; the remote evaluator receives it
// as data on reload.
type Bundle struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	Version  string `yaml:"version" json:"version"`
	// ReadOnlyTools are allowed without approval.
	ReadOnlyTools []string `yaml:"read_only_tools" json:"read_only_tools"`
	// WriteTools require an approval token.
	WriteTools []string `yaml:"write_tools" json:"write_tools"`
	// DeniedTools are always denied, before allowlists.
	DeniedTools []string `yaml:"denied_tools" json:"denied_tools"`
	// CredentialTools names tools that need a brokered credential.
	CredentialTools []string `yaml:"credential_tools" json:"credential_tools"`
	// DefaultAction applies when no list matches: "deny" (default) or
	// "allow".
	DefaultAction string `yaml:"default_action" json:"default_action"`
}

// VisibleTools returns the tools callable under this bundle.
func (b Bundle) VisibleTools() []string {
	seen := make(map[string]bool)
	var tools []string
	for _, list := range [][]string{b.ReadOnlyTools, b.WriteTools} {
		for _, t := range list {
			if !seen[t] && !Contains(b.DeniedTools, t) {
				seen[t] = true
				tools = append(tools, t)
			}
		}
	}
	return tools
}

// Snapshot is an immutable view of the loaded bundles, swapped
// atomically on reload. Readers hold one snapshot for the duration of
// a request.
type Snapshot struct {
	// Bundles is keyed by tenant ID; the empty key holds the default
	// bundle applied to tenants without their own.
	Bundles  map[string]Bundle
	LoadedAt time.Time
}

// BundleFor returns the bundle for a tenant, falling back to the
// default bundle.
func (s *Snapshot) BundleFor(tenantID string) (Bundle, bool) {
	if s == nil {
		return Bundle{}, false
	}
	if b, ok := s.Bundles[tenantID]; ok {
		return b, true
	}
	b, ok := s.Bundles[""]
	return b, ok
}

// Contains reports whether name is in list.
func Contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
