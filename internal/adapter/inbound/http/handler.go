package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/killswitch"
	"github.com/agentgate/agentgate/internal/domain/trace"
	"github.com/agentgate/agentgate/internal/service"
)

// Handler serves the gateway API.
type Handler struct {
	gateway      *service.GatewayService
	policies     *service.PolicyService
	kill         *service.KillSwitchController
	quarantine   *service.QuarantineCoordinator
	evidenceSvc  *service.EvidenceService
	transparency *service.TransparencyService
	traces       trace.Store
	slo          *service.SLOMonitor
	metrics      *Metrics
	logger       *slog.Logger
}

// callRequestBody is the wire form of a tool call.
type callRequestBody struct {
	SessionID     string         `json:"session_id"`
	TenantID      string         `json:"tenant_id,omitempty"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	ApprovalToken string         `json:"approval_token,omitempty"`
}

// handleToolCall drives the pipeline for POST /tools/call.
func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var body callRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, gateerr.Wrap(gateerr.KindValidation, "malformed request body", err))
		return
	}
	if body.SessionID == "" || body.ToolName == "" {
		writeError(w, h.logger, gateerr.New(gateerr.KindValidation,
			"session_id and tool_name are required"))
		return
	}

	start := time.Now()
	resp, err := h.gateway.Call(r.Context(), service.CallRequest{
		SessionID:     body.SessionID,
		TenantID:      body.TenantID,
		ToolName:      body.ToolName,
		Arguments:     body.Arguments,
		ApprovalToken: body.ApprovalToken,
	})
	h.observeCall(err, time.Since(start))

	if err != nil {
		h.countDecision(err)
		writeError(w, h.logger, err)
		return
	}

	if resp.RateLimit != nil {
		rateLimitHeaders(w, resp.RateLimit.Limit, resp.RateLimit.Remaining, resp.RateLimit.ResetUnix)
	}
	h.metrics.DecisionsTotal.WithLabelValues(resp.Decision).Inc()
	writeJSON(w, http.StatusOK, resp)
}

// observeCall feeds the SLO monitor. Policy denials and approvals are
// correct gateway behavior, not unavailability; only dependency
// failures count against the SLO.
func (h *Handler) observeCall(err error, latency time.Duration) {
	ok := true
	if err != nil {
		switch gateerr.KindOf(err) {
		case gateerr.KindUnavailable, gateerr.KindPolicyUnavailable,
			gateerr.KindTraceWriteFailed, gateerr.KindBrokerFailed, gateerr.KindToolFailure:
			ok = false
		}
	}
	h.slo.Observe(ok, latency)
	h.metrics.NoticeDrops.Set(float64(h.gateway.NoticeDrops()))
}

func (h *Handler) countDecision(err error) {
	switch gateerr.KindOf(err) {
	case gateerr.KindKillSwitchActive:
		h.metrics.KillSwitchDenials.Inc()
		h.metrics.DecisionsTotal.WithLabelValues(trace.DecisionDeny).Inc()
	case gateerr.KindRateLimited:
		h.metrics.RateLimitedTotal.Inc()
		h.metrics.DecisionsTotal.WithLabelValues(trace.DecisionDeny).Inc()
	case gateerr.KindApprovalRequired:
		h.metrics.DecisionsTotal.WithLabelValues(trace.DecisionRequireApproval).Inc()
	case gateerr.KindPolicyDenied, gateerr.KindQuarantined, gateerr.KindPolicyUnavailable:
		h.metrics.DecisionsTotal.WithLabelValues(trace.DecisionDeny).Inc()
	}
}

// handleToolsList serves GET /tools/list: the tools visible under the
// caller's tenant policy.
func (h *Handler) handleToolsList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	tools, err := h.policies.VisibleTools(tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":          tools,
		"policy_version": h.policies.ActiveVersion(tenantID),
	})
}

// handleSessionsList serves GET /sessions, tenant-filtered.
func (h *Handler) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, h.logger, gateerr.New(gateerr.KindValidation, "tenant_id query is required").
			WithHint("sessions are tenant-scoped; pass ?tenant_id="))
		return
	}
	sessions, err := h.traces.ListSessions(r.Context(), tenantID, 200)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleSessionKill serves POST /sessions/{id}/kill.
func (h *Handler) handleSessionKill(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.traces.GetSession(r.Context(), sessionID, ""); err != nil {
		writeError(w, h.logger, err)
		return
	}
	setBy := "operator"
	if p := principalFrom(r.Context()); p != nil {
		setBy = p.Subject
	}
	if err := h.kill.Set(r.Context(), killswitch.ScopeSession, sessionID, setBy,
		"session kill requested", true); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleToolKill serves POST /tools/{name}/kill.
func (h *Handler) handleToolKill(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "name")
	setBy := "operator"
	if p := principalFrom(r.Context()); p != nil {
		setBy = p.Subject
	}
	if err := h.kill.Set(r.Context(), killswitch.ScopeTool, toolName, setBy,
		"tool disabled", true); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSystemPause / handleSystemResume flip the global switch.
func (h *Handler) handleSystemPause(w http.ResponseWriter, r *http.Request) {
	h.setGlobal(w, r, true, "system paused")
}

func (h *Handler) handleSystemResume(w http.ResponseWriter, r *http.Request) {
	h.setGlobal(w, r, false, "system resumed")
}

func (h *Handler) setGlobal(w http.ResponseWriter, r *http.Request, active bool, reason string) {
	setBy := "operator"
	if p := principalFrom(r.Context()); p != nil {
		setBy = p.Subject
	}
	if err := h.kill.Set(r.Context(), killswitch.ScopeGlobal, "", setBy, reason, active); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvidence serves GET /sessions/{id}/evidence with format and
// optional archive query parameters.
func (h *Handler) handleEvidence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	format, err := evidence.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, h.logger, gateerr.Wrap(gateerr.KindValidation, "bad format query", err))
		return
	}

	exp, err := h.evidenceSvc.Export(r.Context(), sessionID, r.URL.Query().Get("tenant_id"), format)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if r.URL.Query().Get("archive") == "true" {
		if _, _, err := h.evidenceSvc.Archive(r.Context(), exp); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	sigJSON, err := json.Marshal(exp.Signature)
	if err != nil {
		writeError(w, h.logger, gateerr.Wrap(gateerr.KindUnavailable, "encode signature", err))
		return
	}
	w.Header().Set("X-AgentGate-Signature", string(sigJSON))

	switch format {
	case evidence.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case evidence.FormatPDF:
		w.Header().Set("Content-Type", "application/octet-stream")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Payload)
}

// handleTransparency serves GET /sessions/{id}/transparency with an
// optional anchor query.
func (h *Handler) handleTransparency(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	root, err := h.transparency.Root(r.Context(), sessionID, r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if r.URL.Query().Get("anchor") == "true" {
		checkpoint, err := h.transparency.AnchorRoot(r.Context(), root)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		root.Checkpoint = checkpoint
	}
	writeJSON(w, http.StatusOK, root)
}

// handleHealth reports dependency status.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{}
	healthy := true

	if err := h.pingTraces(r); err != nil {
		deps["trace_store"] = "unavailable: " + err.Error()
		healthy = false
	} else {
		deps["trace_store"] = "ok"
	}

	if _, err := h.kill.Check(r.Context(), service.SystemSessionID, "health"); err != nil {
		deps["kill_switch_store"] = "unavailable"
		healthy = false
	} else {
		deps["kill_switch_store"] = "ok"
	}

	if h.policies.Snapshot() == nil {
		deps["policy"] = "not loaded"
		healthy = false
	} else {
		deps["policy"] = "ok"
	}

	availability, p95, samples := h.slo.Snapshot()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":      healthy,
		"dependencies": deps,
		"slo": map[string]any{
			"availability":   availability,
			"latency_p95_ms": p95.Milliseconds(),
			"samples":        samples,
		},
	})
}

// pingTraces checks store connectivity when the backend exposes a
// ping; a backend without one is reported as reachable.
func (h *Handler) pingTraces(r *http.Request) error {
	if p, ok := h.traces.(interface {
		Ping(ctx context.Context) error
	}); ok {
		return p.Ping(r.Context())
	}
	return nil
}
