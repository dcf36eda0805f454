package policyeval

import (
	"context"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/domain/policy"
)

func snapshotWith(bundle policy.Bundle) SnapshotFunc {
	snap := &policy.Snapshot{
		Bundles:  map[string]policy.Bundle{bundle.TenantID: bundle},
		LoadedAt: time.Now(),
	}
	return func() *policy.Snapshot { return snap }
}

func TestBuiltinEvaluate(t *testing.T) {
	bundle := policy.Bundle{
		TenantID:      "t1",
		Version:       "v1",
		ReadOnlyTools: []string{"db_query"},
		WriteTools:    []string{"db_insert"},
		DeniedTools:   []string{"rm_rf"},
	}
	eval := New(snapshotWith(bundle))
	ctx := context.Background()

	tests := []struct {
		name     string
		tool     string
		approval bool
		want     policy.Outcome
		reason   string
	}{
		{"read-only allowlisted", "db_query", false, policy.OutcomeAllow, "tool_allowlisted"},
		{"write without approval", "db_insert", false, policy.OutcomeRequireApproval, "approval_required"},
		{"write with approval", "db_insert", true, policy.OutcomeAllow, "approval_token_present"},
		{"denied tool", "rm_rf", false, policy.OutcomeDeny, "tool_denied"},
		{"unknown tool", "hack_the_planet", false, policy.OutcomeDeny, "tool_not_allowlisted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := eval.Evaluate(ctx, policy.Input{
				TenantID: "t1", SessionID: "s1", ToolName: tt.tool,
				HasApprovalToken: tt.approval,
			})
			if err != nil {
				t.Fatal(err)
			}
			if dec.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", dec.Outcome, tt.want)
			}
			if dec.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", dec.Reason, tt.reason)
			}
			if dec.PolicyVersion != "v1" {
				t.Errorf("policy version = %s", dec.PolicyVersion)
			}
		})
	}
}

func TestBuiltinDefaultAllow(t *testing.T) {
	eval := New(snapshotWith(policy.Bundle{TenantID: "t1", DefaultAction: "allow"}))
	dec, err := eval.Evaluate(context.Background(), policy.Input{TenantID: "t1", ToolName: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Outcome != policy.OutcomeAllow || dec.Reason != "default_allow" {
		t.Errorf("decision = %+v", dec)
	}
}

func TestBuiltinNoTenantBundle(t *testing.T) {
	eval := New(snapshotWith(policy.Bundle{TenantID: "t1"}))
	dec, err := eval.Evaluate(context.Background(), policy.Input{TenantID: "other", ToolName: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Outcome != policy.OutcomeDeny || dec.Reason != "no_policy_for_tenant" {
		t.Errorf("decision = %+v", dec)
	}
}

func TestBuiltinDeniedBeatsAllowlist(t *testing.T) {
	eval := New(snapshotWith(policy.Bundle{
		TenantID:      "t1",
		ReadOnlyTools: []string{"db_query"},
		DeniedTools:   []string{"db_query"},
	}))
	dec, _ := eval.Evaluate(context.Background(), policy.Input{TenantID: "t1", ToolName: "db_query"})
	if dec.Outcome != policy.OutcomeDeny {
		t.Errorf("denied list did not win: %+v", dec)
	}
}
