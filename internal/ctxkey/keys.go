// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id/tenant_id fields.
type LoggerKey struct{}

// PrincipalKey is the context key type for the authenticated admin
// principal set by the admin auth middleware.
type PrincipalKey struct{}

// RequestedVersionKey is the context key type for the API version the
// caller requested via X-AgentGate-Requested-Version.
type RequestedVersionKey struct{}
