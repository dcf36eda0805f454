package trace

import (
	"context"
	"time"
)

// Store is the outbound port for the durable trace store. All session
// reads are tenant-scoped; implementations must filter by tenant on
// every query that touches session data.
type Store interface {
	// EnsureSession creates the session bound to tenantID on first
	// call. A second call with a different tenant returns
	// tenant_conflict; with the same tenant it is a no-op.
	EnsureSession(ctx context.Context, sessionID, tenantID string) (*Session, error)

	// GetSession returns the session, tenant-checked.
	GetSession(ctx context.Context, sessionID, tenantID string) (*Session, error)

	// ListSessions returns sessions for one tenant, newest first.
	ListSessions(ctx context.Context, tenantID string, limit int) ([]Session, error)

	// Append persists an event, assigning the next dense EventID for
	// the session and computing the integrity hash. The stored event
	// is returned.
	Append(ctx context.Context, ev Event) (*Event, error)

	// Events returns all events of a session ordered by EventID.
	Events(ctx context.Context, sessionID, tenantID string) ([]Event, error)

	// RecentEvents returns up to limit newest events of a session,
	// ordered by EventID ascending.
	RecentEvents(ctx context.Context, sessionID, tenantID string, limit int) ([]Event, error)

	// SetRetention sets the retention deadline and legal hold flag.
	SetRetention(ctx context.Context, sessionID string, retainUntil time.Time, legalHold bool) error

	// DeleteSession removes a session and its events. Fails with
	// legal_hold_set when the session is under hold.
	DeleteSession(ctx context.Context, sessionID string) error

	// PurgeExpired deletes sessions whose retention deadline has
	// passed and that are not under legal hold. Returns the number of
	// sessions removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
