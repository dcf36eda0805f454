// Package killswitch contains the containment flag domain: three
// disjoint scopes (session, tool, global) shared across gateway
// replicas through an external store.
package killswitch

import (
	"context"
	"time"
)

// Scope identifies one of the three disjoint kill-switch scopes.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeTool    Scope = "tool"
	ScopeGlobal  Scope = "global"
)

// State is the flag for one scope target.
type State struct {
	Active bool      `json:"active"`
	SetAt  time.Time `json:"set_at,omitempty"`
	SetBy  string    `json:"set_by,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Check is the combined hot-path read for one request: the gateway
// consults global, then tool, then session.
type Check struct {
	Global  State
	Tool    State
	Session State
}

// FirstActive returns the first active scope in precedence order, or
// "" when none is set.
func (c Check) FirstActive() Scope {
	switch {
	case c.Global.Active:
		return ScopeGlobal
	case c.Tool.Active:
		return ScopeTool
	case c.Session.Active:
		return ScopeSession
	}
	return ""
}

// Store is the outbound port for the shared kill-switch state. Writes
// are totally ordered per scope by the store's own atomic operations;
// no cross-scope atomicity is attempted.
type Store interface {
	// Set activates or clears the flag for a scope target. Target is
	// the session ID or tool name; empty for the global scope.
	Set(ctx context.Context, scope Scope, target string, state State) error

	// Get reads the flag for one scope target.
	Get(ctx context.Context, scope Scope, target string) (State, error)

	// CheckAll reads all three scopes relevant to one request in a
	// single round trip where the store supports it.
	CheckAll(ctx context.Context, sessionID, toolName string) (Check, error)
}
