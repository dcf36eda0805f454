package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/adapter/outbound/invoker"
	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/incident"
	"github.com/agentgate/agentgate/internal/domain/policy"
	"github.com/agentgate/agentgate/internal/domain/ratelimit"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// CallRequest is one tool-call request entering the pipeline.
type CallRequest struct {
	SessionID     string
	TenantID      string
	ToolName      string
	Arguments     map[string]any
	ApprovalToken string
}

// CallResponse is the pipeline outcome for a successful or
// approval-gated call.
type CallResponse struct {
	Success   bool                     `json:"success"`
	Result    map[string]any           `json:"result,omitempty"`
	TraceID   string                   `json:"trace_id"`
	Decision  string                   `json:"decision"`
	RateLimit *trace.RateLimitSnapshot `json:"-"`
}

// DecisionNotice is the message the gateway passes to the quarantine
// coordinator after each terminal decision. The coordinator never
// calls back into the gateway.
type DecisionNotice struct {
	SessionID string
	TenantID  string
	ToolName  string
	Decision  string
	Reason    string
	At        time.Time
}

// GatewayConfig carries the per-request knobs of the pipeline.
type GatewayConfig struct {
	// DefaultTenant is used when the caller does not send a tenant and
	// configuration does not require one.
	DefaultTenant string
	// RequireTenant rejects calls without an explicit tenant.
	RequireTenant bool
	// Budgets maps tenant ID to its rate budget; the empty key is the
	// default budget.
	Budgets map[string]ratelimit.Budget
	// CredentialTTL bounds brokered credentials.
	CredentialTTL time.Duration
	// CallTimeout is the outbound budget for one tool invocation.
	CallTimeout time.Duration
}

// GatewayService drives the decision sequence for one tool call:
// tenant binding, kill switches, quarantine, rate limit, policy,
// credential issuance, invocation, trace. Per-request state stays on
// the stack; all shared state lives behind the injected ports.
type GatewayService struct {
	cfg      GatewayConfig
	traces   trace.Store
	kill     *KillSwitchController
	incident incident.Store
	limiter  ratelimit.Limiter
	policies *PolicyService
	engine   policy.Engine
	broker   credential.Broker
	invoke   invoker.Invoker
	redactor *trace.Redactor
	logger   *slog.Logger

	notices     chan DecisionNotice
	noticeDrops atomic.Int64
}

// NewGatewayService wires the pipeline.
func NewGatewayService(
	cfg GatewayConfig,
	traces trace.Store,
	kill *KillSwitchController,
	incidents incident.Store,
	limiter ratelimit.Limiter,
	policies *PolicyService,
	engine policy.Engine,
	broker credential.Broker,
	inv invoker.Invoker,
	redactor *trace.Redactor,
	logger *slog.Logger,
) *GatewayService {
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	return &GatewayService{
		cfg:      cfg,
		traces:   traces,
		kill:     kill,
		incident: incidents,
		limiter:  limiter,
		policies: policies,
		engine:   engine,
		broker:   broker,
		invoke:   inv,
		redactor: redactor,
		logger:   logger,
		notices:  make(chan DecisionNotice, 1024),
	}
}

// Notices exposes the decision stream consumed by the quarantine
// coordinator.
func (g *GatewayService) Notices() <-chan DecisionNotice { return g.notices }

// NoticeDrops reports notices dropped because the coordinator lagged.
func (g *GatewayService) NoticeDrops() int64 { return g.noticeDrops.Load() }

// Call runs the full decision sequence. Exactly one terminal decision
// event is appended per request; any upstream rejection produces a
// DENY decision whose reason names the first failing check.
func (g *GatewayService) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	traceID := uuid.NewString()
	logger := g.logger.With("trace_id", traceID, "session", req.SessionID, "tool", req.ToolName)

	// Tenant-context binding.
	tenantID := req.TenantID
	if tenantID == "" {
		if g.cfg.RequireTenant {
			return nil, gateerr.New(gateerr.KindValidation, "tenant_id is required").
				WithHint("send tenant_id in the request body")
		}
		tenantID = g.cfg.DefaultTenant
	}
	if _, err := g.traces.EnsureSession(ctx, req.SessionID, tenantID); err != nil {
		if gateerr.IsKind(err, gateerr.KindTenantConflict) {
			// The session belongs to another tenant; its trace is not
			// ours to write, so the rejection is not recorded there.
			return nil, err
		}
		return nil, gateerr.Wrap(gateerr.KindUnavailable, "session binding failed", err)
	}

	policyVersion := g.policies.ActiveVersion(tenantID)

	// Kill-switch check precedes quarantine, quarantine precedes rate
	// limit, rate limit precedes policy. A paused system must not leak
	// rate budget or policy state.
	check, err := g.kill.Check(ctx, req.SessionID, req.ToolName)
	if err != nil {
		return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, nil, gateerr.KindUnavailable,
			"kill-switch state unavailable", err)
	}
	if scope := check.FirstActive(); scope != "" {
		return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, nil, gateerr.KindKillSwitchActive,
			"kill switch active at scope "+string(scope), nil)
	}

	active, err := g.incident.ActiveIncident(ctx, req.SessionID)
	if err != nil {
		return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, nil, gateerr.KindUnavailable,
			"quarantine state unavailable", err)
	}
	if active != nil {
		return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, nil, gateerr.KindQuarantined,
			"session is quarantined under incident "+active.ID, nil)
	}

	budget := g.budgetFor(tenantID)
	limit, err := g.limiter.Allow(ctx, ratelimit.Key(tenantID, req.SessionID, req.ToolName), budget)
	if err != nil {
		return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, nil, gateerr.KindUnavailable,
			"rate limiter unavailable", err)
	}
	snapshot := &trace.RateLimitSnapshot{
		Limit:     limit.Limit,
		Remaining: limit.Remaining,
		ResetUnix: limit.Reset.Unix(),
	}
	if !limit.Allowed {
		return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, snapshot, gateerr.KindRateLimited,
			"rate budget exhausted", nil)
	}

	// The call is admitted; record it before evaluation so the trace
	// shows what the gateway observed even if policy later denies.
	if _, err := g.traces.Append(ctx, trace.Event{
		SessionID: req.SessionID,
		TenantID:  tenantID,
		Kind:      trace.KindToolCall,
		ToolName:  req.ToolName,
		Payload:   g.redactor.Apply(map[string]any{"arguments": req.Arguments, "trace_id": traceID}),
	}); err != nil {
		return nil, gateerr.Wrap(gateerr.KindTraceWriteFailed, "tool_call append failed", err)
	}

	decision, err := g.engine.Evaluate(ctx, policy.Input{
		TenantID:         tenantID,
		SessionID:        req.SessionID,
		ToolName:         req.ToolName,
		Arguments:        req.Arguments,
		HasApprovalToken: req.ApprovalToken != "",
		ApprovalToken:    req.ApprovalToken,
		RequestTime:      time.Now().UTC(),
	})
	if err != nil {
		return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, snapshot, gateerr.KindPolicyUnavailable,
			"policy evaluation unavailable", err)
	}
	if decision.PolicyVersion != "" {
		policyVersion = decision.PolicyVersion
	}

	switch decision.Outcome {
	case policy.OutcomeDeny:
		return nil, g.denyWithReason(ctx, req, tenantID, traceID, policyVersion, snapshot,
			gateerr.KindPolicyDenied, decision.Reason)
	case policy.OutcomeRequireApproval:
		if err := g.appendDecision(ctx, req, tenantID, traceID, policyVersion, snapshot,
			trace.DecisionRequireApproval, decision.Reason); err != nil {
			return nil, err
		}
		g.notify(req.SessionID, tenantID, req.ToolName, trace.DecisionRequireApproval, decision.Reason)
		return nil, gateerr.New(gateerr.KindApprovalRequired, decision.Reason).
			WithHint(decision.ApprovalHint)
	}

	// Approval-token calls record the approval before the decision so
	// the timeline shows who was waved through.
	if req.ApprovalToken != "" {
		if _, err := g.traces.Append(ctx, trace.Event{
			SessionID: req.SessionID,
			TenantID:  tenantID,
			Kind:      trace.KindApproval,
			ToolName:  req.ToolName,
			Reason:    "approval_token_presented",
		}); err != nil {
			logger.Warn("approval event append failed", "error", err)
		}
	}

	var cred *credential.Credential
	if g.toolNeedsCredential(tenantID, req.ToolName) {
		cred, err = g.broker.Issue(ctx, req.SessionID, req.ToolName, "tool:"+req.ToolName, g.cfg.CredentialTTL)
		if err != nil {
			return nil, g.deny(ctx, req, tenantID, traceID, policyVersion, snapshot,
				gateerr.KindBrokerFailed, "credential issuance failed", err)
		}
	}

	// The terminal ALLOW decision is persisted before the tool runs:
	// if the append fails the tool must not execute.
	if err := g.appendDecision(ctx, req, tenantID, traceID, policyVersion, snapshot,
		trace.DecisionAllow, decision.Reason); err != nil {
		return nil, err
	}
	g.notify(req.SessionID, tenantID, req.ToolName, trace.DecisionAllow, decision.Reason)

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	result, err := g.invoke.Invoke(callCtx, req.ToolName, req.Arguments, cred)
	if err != nil {
		logger.Warn("tool invocation failed", "error", err)
		return nil, gateerr.Wrap(gateerr.KindToolFailure, "tool invocation failed", err)
	}

	return &CallResponse{
		Success:   true,
		Result:    result,
		TraceID:   traceID,
		Decision:  trace.DecisionAllow,
		RateLimit: snapshot,
	}, nil
}

// deny appends the terminal DENY decision naming the first failing
// check and returns the typed rejection. A decision-write failure
// outranks the original rejection: the request fails closed either
// way, but the client must know the trace is incomplete.
func (g *GatewayService) deny(ctx context.Context, req CallRequest, tenantID, traceID, policyVersion string,
	snapshot *trace.RateLimitSnapshot, kind gateerr.Kind, reason string, cause error) error {
	return g.denyErr(ctx, req, tenantID, traceID, policyVersion, snapshot, kind, string(kind), reason, cause)
}

func (g *GatewayService) denyWithReason(ctx context.Context, req CallRequest, tenantID, traceID, policyVersion string,
	snapshot *trace.RateLimitSnapshot, kind gateerr.Kind, reason string) error {
	return g.denyErr(ctx, req, tenantID, traceID, policyVersion, snapshot, kind, reason, reason, nil)
}

func (g *GatewayService) denyErr(ctx context.Context, req CallRequest, tenantID, traceID, policyVersion string,
	snapshot *trace.RateLimitSnapshot, kind gateerr.Kind, eventReason, errReason string, cause error) error {
	if err := g.appendDecision(ctx, req, tenantID, traceID, policyVersion, snapshot,
		trace.DecisionDeny, eventReason); err != nil {
		return err
	}
	g.notify(req.SessionID, tenantID, req.ToolName, trace.DecisionDeny, eventReason)
	if cause != nil {
		return gateerr.Wrap(kind, errReason, cause)
	}
	return gateerr.New(kind, errReason)
}

func (g *GatewayService) appendDecision(ctx context.Context, req CallRequest, tenantID, traceID, policyVersion string,
	snapshot *trace.RateLimitSnapshot, decision, reason string) error {
	_, err := g.traces.Append(ctx, trace.Event{
		SessionID:     req.SessionID,
		TenantID:      tenantID,
		Kind:          trace.KindDecision,
		ToolName:      req.ToolName,
		Decision:      decision,
		Reason:        reason,
		PolicyVersion: policyVersion,
		RateLimit:     snapshot,
		Payload:       map[string]any{"trace_id": traceID},
	})
	if err != nil {
		return gateerr.Wrap(gateerr.KindTraceWriteFailed,
			"decision event append failed", err)
	}
	return nil
}

// notify hands the decision to the quarantine coordinator. The channel
// is bounded; risk scoring is advisory, so a lagging coordinator drops
// the notice and the drop is counted rather than stalling the request.
func (g *GatewayService) notify(sessionID, tenantID, toolName, decision, reason string) {
	notice := DecisionNotice{
		SessionID: sessionID,
		TenantID:  tenantID,
		ToolName:  toolName,
		Decision:  decision,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	select {
	case g.notices <- notice:
	default:
		g.noticeDrops.Add(1)
	}
}

func (g *GatewayService) budgetFor(tenantID string) ratelimit.Budget {
	if b, ok := g.cfg.Budgets[tenantID]; ok {
		return b
	}
	if b, ok := g.cfg.Budgets[""]; ok {
		return b
	}
	return ratelimit.Budget{Limit: 120, Window: time.Minute}
}

func (g *GatewayService) toolNeedsCredential(tenantID, toolName string) bool {
	bundle, ok := g.policies.Snapshot().BundleFor(tenantID)
	if !ok {
		return false
	}
	return policy.Contains(bundle.CredentialTools, toolName)
}
