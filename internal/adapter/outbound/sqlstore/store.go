package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "modernc.org/sqlite"             // embedded sqlite driver

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// appendRetries bounds the optimistic event-id assignment loop.
const appendRetries = 5

// Store is the SQL-backed trace store. One Store serves all persisted
// state: sessions, trace events, incidents, rollouts, packages,
// archives, checkpoints, and retention.
type Store struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger

	// isolation makes cross-tenant admin reads fail instead of
	// returning other tenants' data.
	isolation bool
}

// Option configures a Store.
type Option func(*Store)

// WithTenantIsolation enables strict cross-tenant rejection for admin
// reads.
func WithTenantIsolation(enabled bool) Option {
	return func(s *Store) { s.isolation = enabled }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to the trace backend selected by the DSN. A
// `postgres://` (or `pgx://`) DSN selects the networked store; anything
// else is treated as an SQLite file path.
func Open(dsn string, opts ...Option) (*Store, error) {
	backend := BackendSQLite
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "pgx://") {
		backend = BackendPostgres
		driver = "pgx"
		dsn = strings.Replace(dsn, "pgx://", "postgres://", 1)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	if backend == BackendSQLite {
		// The embedded store serializes writers; a single connection
		// avoids SQLITE_BUSY churn under concurrent appends.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, d: dialect{backend: backend}, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggerOrDefault(s.logger)
	return s, nil
}

// NewWithDB wraps an existing database handle (used by tests).
func NewWithDB(db *sql.DB, backend Backend, opts ...Option) *Store {
	s := &Store{db: db, d: dialect{backend: backend}, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggerOrDefault(s.logger)
	return s
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Backend returns the active storage substrate.
func (s *Store) Backend() Backend { return s.d.backend }

// EnsureSession creates the session and its immutable tenant binding
// on first call. The binding row is the source of truth: a second
// caller with a different tenant gets tenant_conflict.
func (s *Store) EnsureSession(ctx context.Context, sessionID, tenantID string) (*trace.Session, error) {
	if sessionID == "" {
		return nil, gateerr.New(gateerr.KindValidation, "session_id is required")
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO session_tenants (session_id, tenant_id) VALUES (?, ?)`),
		sessionID, tenantID)
	if err != nil && !s.d.IsUniqueViolation(err) {
		return nil, fmt.Errorf("bind session tenant: %w", err)
	}

	var bound string
	err = s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT tenant_id FROM session_tenants WHERE session_id = ?`), sessionID).Scan(&bound)
	if err != nil {
		return nil, fmt.Errorf("read session tenant: %w", err)
	}
	if bound != tenantID {
		return nil, gateerr.Newf(gateerr.KindTenantConflict,
			"session %s is bound to another tenant", sessionID)
	}

	_, err = s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sessions (session_id, tenant_id, created_at) VALUES (?, ?, ?)`),
		sessionID, tenantID, now)
	if err != nil && !s.d.IsUniqueViolation(err) {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return s.GetSession(ctx, sessionID, tenantID)
}

// GetSession returns the session with its retention state,
// tenant-checked.
func (s *Store) GetSession(ctx context.Context, sessionID, tenantID string) (*trace.Session, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT s.session_id, s.tenant_id, s.created_at,
        COALESCE(r.legal_hold, `+s.d.falseLiteral()+`), r.retain_until
   FROM sessions s
   LEFT JOIN session_retention r ON r.session_id = s.session_id
  WHERE s.session_id = ?`), sessionID)

	var sess trace.Session
	var retainUntil sql.NullTime
	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.CreatedAt, &sess.LegalHold, &retainUntil); err != nil {
		if err == sql.ErrNoRows {
			return nil, gateerr.Newf(gateerr.KindNotFound, "session %s not found", sessionID)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if retainUntil.Valid {
		sess.RetainUntil = retainUntil.Time
	}
	if tenantID != "" && sess.TenantID != tenantID {
		if s.isolation {
			return nil, gateerr.New(gateerr.KindCrossTenantForbidden,
				"session belongs to another tenant")
		}
		return nil, gateerr.Newf(gateerr.KindNotFound, "session %s not found", sessionID)
	}
	return &sess, nil
}

// ListSessions returns the tenant's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, tenantID string, limit int) ([]trace.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT s.session_id, s.tenant_id, s.created_at,
        COALESCE(r.legal_hold, `+s.d.falseLiteral()+`), r.retain_until
   FROM sessions s
   LEFT JOIN session_retention r ON r.session_id = s.session_id
  WHERE s.tenant_id = ?
  ORDER BY s.created_at DESC
  LIMIT ?`), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []trace.Session
	for rows.Next() {
		var sess trace.Session
		var retainUntil sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.CreatedAt, &sess.LegalHold, &retainUntil); err != nil {
			return nil, err
		}
		if retainUntil.Valid {
			sess.RetainUntil = retainUntil.Time
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Append assigns the next dense event ID, computes the integrity hash
// over the canonical event, and persists it. Concurrent appends to the
// same session resolve through the primary key: losers re-read the max
// and retry.
func (s *Store) Append(ctx context.Context, ev trace.Event) (*trace.Event, error) {
	if ev.SessionID == "" || ev.Kind == "" {
		return nil, gateerr.New(gateerr.KindValidation, "event requires session_id and kind")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	rateJSON, payloadJSON, err := marshalEventBlobs(ev)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < appendRetries; attempt++ {
		var maxID sql.NullInt64
		err := s.db.QueryRowContext(ctx, s.d.Rebind(
			`SELECT MAX(event_id) FROM trace_events WHERE session_id = ?`),
			ev.SessionID).Scan(&maxID)
		if err != nil {
			return nil, gateerr.Wrap(gateerr.KindTraceWriteFailed, "read event sequence", err)
		}
		ev.EventID = maxID.Int64 + 1
		ev.IntegrityHash = ev.ComputeIntegrityHash()

		_, err = s.db.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO trace_events
  (session_id, event_id, tenant_id, timestamp, kind, tool_name, decision,
   reason, policy_version, rate_limit, payload, integrity_hash)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.SessionID, ev.EventID, ev.TenantID, ev.Timestamp, ev.Kind,
			ev.ToolName, ev.Decision, ev.Reason, ev.PolicyVersion,
			rateJSON, payloadJSON, ev.IntegrityHash)
		if err == nil {
			return &ev, nil
		}
		if !s.d.IsUniqueViolation(err) {
			return nil, gateerr.Wrap(gateerr.KindTraceWriteFailed, "append trace event", err)
		}
		// Lost the sequence race; re-read and retry.
	}
	return nil, gateerr.New(gateerr.KindTraceWriteFailed,
		"could not assign event id after retries")
}

// Events returns all events of a session ordered by event ID.
func (s *Store) Events(ctx context.Context, sessionID, tenantID string) ([]trace.Event, error) {
	return s.queryEvents(ctx, s.d.Rebind(
		`SELECT session_id, event_id, tenant_id, timestamp, kind, tool_name,
        decision, reason, policy_version, rate_limit, payload, integrity_hash
   FROM trace_events
  WHERE session_id = ? AND tenant_id = ?
  ORDER BY event_id ASC`), sessionID, tenantID)
}

// RecentEvents returns up to limit newest events, ascending.
func (s *Store) RecentEvents(ctx context.Context, sessionID, tenantID string, limit int) ([]trace.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := s.queryEvents(ctx, s.d.Rebind(
		`SELECT session_id, event_id, tenant_id, timestamp, kind, tool_name,
        decision, reason, policy_version, rate_limit, payload, integrity_hash
   FROM trace_events
  WHERE session_id = ? AND tenant_id = ?
  ORDER BY event_id DESC
  LIMIT ?`), sessionID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	trace.SortEvents(events)
	return events, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []trace.Event
	for rows.Next() {
		var ev trace.Event
		var toolName, decision, reason, policyVersion sql.NullString
		var rateJSON, payloadJSON sql.NullString
		if err := rows.Scan(&ev.SessionID, &ev.EventID, &ev.TenantID, &ev.Timestamp,
			&ev.Kind, &toolName, &decision, &reason, &policyVersion,
			&rateJSON, &payloadJSON, &ev.IntegrityHash); err != nil {
			return nil, err
		}
		ev.ToolName = toolName.String
		ev.Decision = decision.String
		ev.Reason = reason.String
		ev.PolicyVersion = policyVersion.String
		if rateJSON.Valid && rateJSON.String != "" {
			var snap trace.RateLimitSnapshot
			if err := json.Unmarshal([]byte(rateJSON.String), &snap); err == nil {
				ev.RateLimit = &snap
			}
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SetRetention sets the retention deadline and legal-hold flag for a
// session.
func (s *Store) SetRetention(ctx context.Context, sessionID string, retainUntil time.Time, legalHold bool) error {
	var deadline any
	if !retainUntil.IsZero() {
		deadline = retainUntil.UTC()
	}
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO session_retention (session_id, retain_until, legal_hold)
  VALUES (?, ?, ?)
  ON CONFLICT (session_id) DO UPDATE
  SET retain_until = excluded.retain_until, legal_hold = excluded.legal_hold`),
		sessionID, deadline, legalHold)
	if err != nil {
		return fmt.Errorf("set retention: %w", err)
	}
	return nil
}

// DeleteSession removes a session and all of its events. Retention
// deletes whole sessions, never individual events. Fails with
// legal_hold_set when the session is under hold.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	var hold bool
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT legal_hold FROM session_retention WHERE session_id = ?`), sessionID).Scan(&hold)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read legal hold: %w", err)
	}
	if hold {
		return gateerr.Newf(gateerr.KindLegalHoldSet,
			"session %s is under legal hold", sessionID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM trace_events WHERE session_id = ?`,
		`DELETE FROM session_retention WHERE session_id = ?`,
		`DELETE FROM session_tenants WHERE session_id = ?`,
		`DELETE FROM sessions WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.d.Rebind(q), sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return tx.Commit()
}

// PurgeExpired deletes sessions whose retention deadline has passed
// and that carry no legal hold.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT session_id FROM session_retention
  WHERE retain_until IS NOT NULL AND retain_until < ? AND legal_hold = `+s.d.falseLiteral()),
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("scan expired sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range expired {
		if err := s.DeleteSession(ctx, id); err != nil {
			s.logger.Warn("purge skipped session", "session", id, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}

// ReflectKillSwitch mirrors a kill-switch mutation from the shared
// store into the audit schema.
func (s *Store) ReflectKillSwitch(ctx context.Context, scope, target string, active bool, setAt time.Time, setBy, reason string) error {
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO kill_switches (scope, target, active, set_at, set_by, reason)
  VALUES (?, ?, ?, ?, ?, ?)
  ON CONFLICT (scope, target) DO UPDATE
  SET active = excluded.active, set_at = excluded.set_at,
      set_by = excluded.set_by, reason = excluded.reason`),
		scope, target, active, setAt.UTC(), setBy, reason)
	if err != nil {
		return fmt.Errorf("reflect kill switch: %w", err)
	}
	return nil
}

func marshalEventBlobs(ev trace.Event) (rateJSON, payloadJSON string, err error) {
	if ev.RateLimit != nil {
		b, err := json.Marshal(ev.RateLimit)
		if err != nil {
			return "", "", fmt.Errorf("marshal rate limit snapshot: %w", err)
		}
		rateJSON = string(b)
	}
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return "", "", fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = string(b)
	}
	return rateJSON, payloadJSON, nil
}

// Compile-time interface verification.
var _ trace.Store = (*Store)(nil)
