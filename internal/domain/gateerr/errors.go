// Package gateerr defines the typed error taxonomy for AgentGate.
// Rejections are data: every failure on the request path carries a Kind
// that the transport layer maps to a status code. Secrets never appear
// in reasons or hints.
package gateerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindUnauthenticated      Kind = "unauthenticated"
	KindForbidden            Kind = "forbidden"
	KindTenantConflict       Kind = "tenant_conflict"
	KindKillSwitchActive     Kind = "kill_switch_active"
	KindQuarantined          Kind = "quarantined"
	KindRateLimited          Kind = "rate_limited"
	KindPolicyDenied         Kind = "policy_denied"
	KindApprovalRequired     Kind = "approval_required"
	KindPolicyUnavailable    Kind = "policy_unavailable"
	KindBrokerFailed         Kind = "broker_failed"
	KindToolFailure          Kind = "tool_failure"
	KindTraceWriteFailed     Kind = "trace_write_failed"
	KindSignatureInvalid     Kind = "signature_invalid"
	KindLegalHoldSet         Kind = "legal_hold_set"
	KindCrossTenantForbidden Kind = "cross_tenant_forbidden"
	KindVersionUnsupported   Kind = "version_unsupported"
	KindUnavailable          Kind = "unavailable"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
)

// Error is a typed gateway error.
type Error struct {
	Kind   Kind
	Reason string
	// Hint is an optional remediation hint surfaced to the caller
	// (e.g. which header is missing, which versions are supported).
	Hint string
	// Err is the wrapped cause, if any. Never serialized to clients.
	Err error
}

// New creates an Error with the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an Error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// WithHint returns a copy of e carrying a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	clone := *e
	clone.Hint = hint
	return &clone
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can compare against sentinel
// kinds with errors.Is.
func (e *Error) Is(target error) bool {
	var ge *Error
	if errors.As(target, &ge) {
		return e.Kind == ge.Kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnavailable when err is not
// a gateway error (unknown failures fail closed).
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
