// Package incident contains the quarantine incident domain. An
// incident is the durable record of one containment action and its
// sub-steps; at most one non-terminal incident exists per session.
package incident

import (
	"context"
	"time"
)

// State is the incident lifecycle state.
type State string

const (
	StateOpen        State = "open"
	StateQuarantined State = "quarantined"
	StateRevoked     State = "revoked"
	StateReleased    State = "released"
	StateFailed      State = "failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateFailed
}

// Incident is a quarantine record for a session.
type Incident struct {
	ID        string    `json:"incident_id"`
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	State     State     `json:"state"`
	Reason    string    `json:"reason"`
	RiskScore float64   `json:"risk_score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// ReleasedBy records the principal that released the session.
	ReleasedBy string `json:"released_by,omitempty"`
}

// Revocation records one credential revocation performed for an
// incident. The (IncidentID, CredentialID) pair is the dedup key.
type Revocation struct {
	IncidentID   string    `json:"incident_id"`
	CredentialID string    `json:"credential_id"`
	Reason       string    `json:"reason"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// TimelineStep is one recorded sub-step of an incident.
type TimelineStep struct {
	Seq          int64     `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	Step         string    `json:"step"`
	CredentialID string    `json:"credential_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Store is the outbound port for incident persistence. The quarantine
// coordinator is the sole mutator; all other components read only.
type Store interface {
	// CreateActive inserts a new incident in a non-terminal state.
	// When an active incident already exists for the session, the
	// unique active-incident index rejects the insert and the existing
	// incident is returned with created=false.
	CreateActive(ctx context.Context, inc Incident) (existing *Incident, created bool, err error)

	// GetIncident returns an incident by ID.
	GetIncident(ctx context.Context, incidentID string) (*Incident, error)

	// ActiveIncident returns the non-terminal incident for a session,
	// or nil when the session is not quarantined.
	ActiveIncident(ctx context.Context, sessionID string) (*Incident, error)

	// ListNonTerminal returns all incidents in non-terminal states,
	// for startup recovery.
	ListNonTerminal(ctx context.Context) ([]Incident, error)

	// Transition moves an incident from one state to another. The
	// update is conditional on the current state so concurrent
	// transitions reduce to one winner.
	Transition(ctx context.Context, incidentID string, from, to State, releasedBy string) error

	// RecordRevocation inserts a revocation record; duplicate
	// (incident, credential) pairs are idempotent and return created=false.
	RecordRevocation(ctx context.Context, rev Revocation) (created bool, err error)

	// Revocations lists revocation records for an incident.
	Revocations(ctx context.Context, incidentID string) ([]Revocation, error)
}
