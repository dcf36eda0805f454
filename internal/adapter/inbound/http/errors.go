// Package http is the inbound HTTP adapter: the public gateway API,
// the admin API, and the operational endpoints.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// errorBody is the structured error envelope. Reasons never embed
// secrets; redaction rules apply to error payloads as well.
type errorBody struct {
	Kind   gateerr.Kind `json:"kind"`
	Reason string       `json:"reason"`
	Hint   string       `json:"hint,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(kind gateerr.Kind) int {
	switch kind {
	case gateerr.KindValidation, gateerr.KindVersionUnsupported, gateerr.KindSignatureInvalid:
		return http.StatusBadRequest
	case gateerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case gateerr.KindForbidden, gateerr.KindTenantConflict, gateerr.KindPolicyDenied,
		gateerr.KindCrossTenantForbidden:
		return http.StatusForbidden
	case gateerr.KindNotFound:
		return http.StatusNotFound
	case gateerr.KindKillSwitchActive, gateerr.KindQuarantined, gateerr.KindConflict,
		gateerr.KindLegalHoldSet:
		return http.StatusConflict
	case gateerr.KindRateLimited:
		return http.StatusTooManyRequests
	case gateerr.KindApprovalRequired:
		return http.StatusAccepted
	case gateerr.KindBrokerFailed, gateerr.KindToolFailure:
		return http.StatusBadGateway
	case gateerr.KindPolicyUnavailable, gateerr.KindTraceWriteFailed, gateerr.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as the structured envelope. Unknown errors
// collapse to unavailable so internals never leak.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ge *gateerr.Error
	if !errors.As(err, &ge) {
		logger.Error("unclassified handler error", "error", err)
		ge = gateerr.New(gateerr.KindUnavailable, "internal error")
	}
	writeJSON(w, statusFor(ge.Kind), errorEnvelope{Error: errorBody{
		Kind:   ge.Kind,
		Reason: ge.Reason,
		Hint:   ge.Hint,
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
