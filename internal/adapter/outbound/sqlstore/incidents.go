package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/incident"
)

// CreateActive inserts a new non-terminal incident. The unique active-
// incident index serializes concurrent creation: the loser reads back
// the winner and reports created=false.
func (s *Store) CreateActive(ctx context.Context, inc incident.Incident) (*incident.Incident, bool, error) {
	if inc.State.Terminal() {
		return nil, false, gateerr.New(gateerr.KindValidation, "new incident must be non-terminal")
	}
	now := time.Now().UTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	inc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO incidents
  (incident_id, session_id, tenant_id, state, reason, risk_score, created_at, updated_at)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		inc.ID, inc.SessionID, inc.TenantID, string(inc.State), inc.Reason,
		inc.RiskScore, inc.CreatedAt, inc.UpdatedAt)
	if err == nil {
		return &inc, true, nil
	}
	if !s.d.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("create incident: %w", err)
	}

	existing, err := s.ActiveIncident(ctx, inc.SessionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// The winner reached a terminal state between our insert and
		// read-back; surface a conflict so the caller re-evaluates.
		return nil, false, gateerr.Newf(gateerr.KindConflict,
			"active incident for session %s vanished during creation", inc.SessionID)
	}
	return existing, false, nil
}

// GetIncident returns one incident by ID.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*incident.Incident, error) {
	return s.scanIncident(s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT incident_id, session_id, tenant_id, state, reason, risk_score,
        created_at, updated_at, COALESCE(released_by, '')
   FROM incidents WHERE incident_id = ?`), incidentID))
}

// ActiveIncident returns the single non-terminal incident for a
// session, or nil.
func (s *Store) ActiveIncident(ctx context.Context, sessionID string) (*incident.Incident, error) {
	inc, err := s.scanIncident(s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT incident_id, session_id, tenant_id, state, reason, risk_score,
        created_at, updated_at, COALESCE(released_by, '')
   FROM incidents
  WHERE session_id = ? AND state IN ('open', 'quarantined', 'revoked')`), sessionID))
	if gateerr.IsKind(err, gateerr.KindNotFound) {
		return nil, nil
	}
	return inc, err
}

// ListNonTerminal returns all incidents needing recovery at startup.
func (s *Store) ListNonTerminal(ctx context.Context) ([]incident.Incident, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT incident_id, session_id, tenant_id, state, reason, risk_score,
        created_at, updated_at, COALESCE(released_by, '')
   FROM incidents
  WHERE state IN ('open', 'quarantined', 'revoked')
  ORDER BY created_at ASC`))
	if err != nil {
		return nil, fmt.Errorf("list non-terminal incidents: %w", err)
	}
	defer rows.Close()

	var out []incident.Incident
	for rows.Next() {
		var inc incident.Incident
		var state string
		if err := rows.Scan(&inc.ID, &inc.SessionID, &inc.TenantID, &state, &inc.Reason,
			&inc.RiskScore, &inc.CreatedAt, &inc.UpdatedAt, &inc.ReleasedBy); err != nil {
			return nil, err
		}
		inc.State = incident.State(state)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Transition moves an incident between states, conditional on the
// current state so concurrent transitions reduce to one winner.
func (s *Store) Transition(ctx context.Context, incidentID string, from, to incident.State, releasedBy string) error {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`UPDATE incidents
    SET state = ?, updated_at = ?, released_by = CASE WHEN ? <> '' THEN ? ELSE released_by END
  WHERE incident_id = ? AND state = ?`),
		string(to), time.Now().UTC(), releasedBy, releasedBy, incidentID, string(from))
	if err != nil {
		return fmt.Errorf("transition incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateerr.Newf(gateerr.KindConflict,
			"incident %s is not in state %s", incidentID, from)
	}
	return nil
}

// RecordRevocation inserts a revocation record into the incident
// timeline, deduplicated by (incident, credential).
func (s *Store) RecordRevocation(ctx context.Context, rev incident.Revocation) (bool, error) {
	if rev.RevokedAt.IsZero() {
		rev.RevokedAt = time.Now().UTC()
	}
	err := s.appendIncidentEvent(ctx, rev.IncidentID, "revocation", rev.CredentialID, rev.Reason, rev.RevokedAt)
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("record revocation: %w", err)
	}
	return true, nil
}

// Revocations lists revocation records for an incident.
func (s *Store) Revocations(ctx context.Context, incidentID string) ([]incident.Revocation, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT incident_id, credential_id, COALESCE(detail, ''), timestamp
   FROM incident_events
  WHERE incident_id = ? AND step = 'revocation'
  ORDER BY seq ASC`), incidentID)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	defer rows.Close()

	var out []incident.Revocation
	for rows.Next() {
		var rev incident.Revocation
		if err := rows.Scan(&rev.IncidentID, &rev.CredentialID, &rev.Reason, &rev.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// AppendIncidentStep records one timeline step for an incident.
func (s *Store) AppendIncidentStep(ctx context.Context, incidentID, step, detail string) error {
	return s.appendIncidentEvent(ctx, incidentID, step, "", detail, time.Now().UTC())
}

// IncidentTimeline returns the ordered timeline steps of an incident.
func (s *Store) IncidentTimeline(ctx context.Context, incidentID string) ([]incident.TimelineStep, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT seq, timestamp, step, credential_id, COALESCE(detail, '')
   FROM incident_events WHERE incident_id = ? ORDER BY seq ASC`), incidentID)
	if err != nil {
		return nil, fmt.Errorf("read incident timeline: %w", err)
	}
	defer rows.Close()

	var out []incident.TimelineStep
	for rows.Next() {
		var st incident.TimelineStep
		if err := rows.Scan(&st.Seq, &st.Timestamp, &st.Step, &st.CredentialID, &st.Detail); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) appendIncidentEvent(ctx context.Context, incidentID, step, credentialID, detail string, ts time.Time) error {
	for attempt := 0; attempt < appendRetries; attempt++ {
		var maxSeq sql.NullInt64
		if err := s.db.QueryRowContext(ctx, s.d.Rebind(
			`SELECT MAX(seq) FROM incident_events WHERE incident_id = ?`), incidentID).Scan(&maxSeq); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO incident_events (incident_id, seq, timestamp, step, credential_id, detail)
  VALUES (?, ?, ?, ?, ?, ?)`),
			incidentID, maxSeq.Int64+1, ts, step, credentialID, detail)
		if err == nil {
			return nil
		}
		// A duplicate credential is the caller's dedup signal; a
		// duplicate seq means we lost the sequence race.
		if s.d.IsUniqueViolation(err) && credentialID != "" {
			if exists, checkErr := s.revocationExists(ctx, incidentID, credentialID); checkErr == nil && exists {
				return err
			}
			continue
		}
		if s.d.IsUniqueViolation(err) {
			continue
		}
		return err
	}
	return fmt.Errorf("could not assign incident event seq for %s", incidentID)
}

func (s *Store) revocationExists(ctx context.Context, incidentID, credentialID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT 1 FROM incident_events WHERE incident_id = ? AND credential_id = ?`),
		incidentID, credentialID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) scanIncident(row *sql.Row) (*incident.Incident, error) {
	var inc incident.Incident
	var state string
	err := row.Scan(&inc.ID, &inc.SessionID, &inc.TenantID, &state, &inc.Reason,
		&inc.RiskScore, &inc.CreatedAt, &inc.UpdatedAt, &inc.ReleasedBy)
	if err == sql.ErrNoRows {
		return nil, gateerr.New(gateerr.KindNotFound, "incident not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.State = incident.State(state)
	return &inc, nil
}

var _ incident.Store = (*Store)(nil)
