package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/rollout"
	"github.com/agentgate/agentgate/internal/service"
)

// maxPackageBytes bounds an uploaded policy package.
const maxPackageBytes = 1 << 20

// handlePolicyReload serves POST /admin/policies/reload. Strict
// provenance is enforced by the loader; a rejected reload leaves the
// active policy in place.
func (h *Handler) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	requestedBy := "operator"
	if p := principalFrom(r.Context()); p != nil {
		requestedBy = p.Subject
	}
	if err := h.policies.Reload(r.Context(), requestedBy); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"bundles":  len(h.policies.Snapshot().Bundles),
	})
}

// AdminHandler serves the admin API surface that needs services beyond
// the gateway handler's.
type AdminHandler struct {
	*Handler
	rollouts *service.RolloutService
}

// handleIncidentRelease serves POST /admin/incidents/{id}/release.
// Only the incident_admin capability reaches this handler.
func (h *AdminHandler) handleIncidentRelease(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "id")
	releasedBy := "operator"
	if p := principalFrom(r.Context()); p != nil {
		releasedBy = p.Subject
	}
	inc, err := h.quarantine.Release(r.Context(), incidentID, releasedBy)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleRolloutStart serves POST /admin/tenants/{t}/rollouts with the
// signed package as the request body.
func (h *AdminHandler) handleRolloutStart(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "t")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPackageBytes))
	if err != nil {
		writeError(w, h.logger, gateerr.Wrap(gateerr.KindValidation, "read package body", err))
		return
	}
	rl, err := h.rollouts.Start(r.Context(), tenantID, raw)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	writeJSON(w, status, rl)
}

// handleRolloutGet serves GET /admin/tenants/{t}/rollouts/{r}.
func (h *AdminHandler) handleRolloutGet(w http.ResponseWriter, r *http.Request) {
	rl, err := h.rollouts.Get(r.Context(), chi.URLParam(r, "t"), chi.URLParam(r, "r"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// handleRolloutAdvance serves POST /admin/tenants/{t}/rollouts/{r}/advance.
func (h *AdminHandler) handleRolloutAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LiveErrorRate float64 `json:"live_error_rate"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	rl, err := h.rollouts.Advance(r.Context(), chi.URLParam(r, "t"), chi.URLParam(r, "r"), body.LiveErrorRate)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// handleRolloutRollback serves POST /admin/tenants/{t}/rollouts/{r}/rollback.
func (h *AdminHandler) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	rl, err := h.rollouts.Rollback(r.Context(), chi.URLParam(r, "t"), chi.URLParam(r, "r"),
		"operator rollback")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// handleReplayAnalysis serves POST /admin/tenants/{t}/replays: records
// the drift counters a rollout start requires.
func (h *AdminHandler) handleReplayAnalysis(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version       string  `json:"version"`
		CriticalDrift int     `json:"critical_drift"`
		TotalDrift    int     `json:"total_drift"`
		LiveErrorRate float64 `json:"live_error_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, gateerr.Wrap(gateerr.KindValidation, "malformed body", err))
		return
	}
	if body.Version == "" {
		writeError(w, h.logger, gateerr.New(gateerr.KindValidation, "version is required"))
		return
	}
	err := h.rollouts.RecordReplayAnalysis(r.Context(), chi.URLParam(r, "t"), body.Version,
		rollout.Signals{
			CriticalDrift: body.CriticalDrift,
			TotalDrift:    body.TotalDrift,
			LiveErrorRate: body.LiveErrorRate,
		})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": true})
}

// handleSetRetention serves POST /admin/sessions/{id}/retention.
func (h *AdminHandler) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var body struct {
		RetainUntil string `json:"retain_until,omitempty"`
		LegalHold   bool   `json:"legal_hold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, gateerr.Wrap(gateerr.KindValidation, "malformed body", err))
		return
	}

	var deadline time.Time
	if body.RetainUntil != "" {
		var err error
		deadline, err = time.Parse(time.RFC3339, body.RetainUntil)
		if err != nil {
			writeError(w, h.logger, gateerr.Wrap(gateerr.KindValidation,
				"retain_until must be RFC 3339", err))
			return
		}
	}

	if _, err := h.traces.GetSession(r.Context(), sessionID, ""); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.traces.SetRetention(r.Context(), sessionID, deadline, body.LegalHold); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"legal_hold":   body.LegalHold,
		"retain_until": body.RetainUntil,
	})
}

// handleDeleteSession serves DELETE /admin/sessions/{id}. Legal hold
// wins.
func (h *AdminHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.traces.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
