// Package policyeval is the builtin rule evaluator. It interprets the
// loaded bundle snapshot directly, for development deployments and
// tests that run without the external evaluator. Semantics match the
// decision document served remotely: denied list first, then the
// read-only allowlist, then the approval-gated write list, then the
// bundle default.
package policyeval

import (
	"context"

	"github.com/agentgate/agentgate/internal/domain/policy"
)

// SnapshotFunc returns the current policy snapshot. The policy service
// owns the snapshot and swaps it atomically on reload.
type SnapshotFunc func() *policy.Snapshot

// Builtin evaluates decision inputs against the active snapshot.
type Builtin struct {
	snapshot SnapshotFunc
}

// New creates a builtin evaluator over the snapshot source.
func New(snapshot SnapshotFunc) *Builtin {
	return &Builtin{snapshot: snapshot}
}

// Evaluate implements policy.Engine.
func (b *Builtin) Evaluate(_ context.Context, in policy.Input) (policy.Decision, error) {
	snap := b.snapshot()
	bundle, ok := snap.BundleFor(in.TenantID)
	if !ok {
		return policy.Decision{
			Outcome: policy.OutcomeDeny,
			Reason:  "no_policy_for_tenant",
		}, nil
	}

	decision := policy.Decision{PolicyVersion: bundle.Version}
	switch {
	case policy.Contains(bundle.DeniedTools, in.ToolName):
		decision.Outcome = policy.OutcomeDeny
		decision.RuleID = "denied_tools"
		decision.Reason = "tool_denied"

	case policy.Contains(bundle.ReadOnlyTools, in.ToolName):
		decision.Outcome = policy.OutcomeAllow
		decision.RuleID = "read_only_tools"
		decision.Reason = "tool_allowlisted"

	case policy.Contains(bundle.WriteTools, in.ToolName):
		if in.HasApprovalToken {
			decision.Outcome = policy.OutcomeAllow
			decision.RuleID = "write_tools"
			decision.Reason = "approval_token_present"
		} else {
			decision.Outcome = policy.OutcomeRequireApproval
			decision.RuleID = "write_tools"
			decision.Reason = "approval_required"
			decision.ApprovalHint = "resend the call with an approval_token"
		}

	case bundle.DefaultAction == "allow":
		decision.Outcome = policy.OutcomeAllow
		decision.RuleID = "default"
		decision.Reason = "default_allow"

	default:
		decision.Outcome = policy.OutcomeDeny
		decision.RuleID = "default"
		decision.Reason = "tool_not_allowlisted"
	}
	return decision, nil
}

var _ policy.Engine = (*Builtin)(nil)
