package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// migration is one schema step. build renders its statements for the
// active dialect, so one definition serves both backends.
type migration struct {
	id   int
	name string
	// build returns the ordered statements for the given dialect.
	build func(d dialect) []string
}

// migrations is the registration-ordered schema history. IDs are
// monotonic and never reused.
var migrations = []migration{
	{1, "sessions", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE sessions (
  session_id TEXT PRIMARY KEY,
  tenant_id  TEXT NOT NULL,
  created_at %s NOT NULL
)`, d.TimestampType()),
			`CREATE INDEX idx_sessions_tenant ON sessions (tenant_id, created_at)`,
		}
	}},
	{2, "session_tenants", func(d dialect) []string {
		return []string{
			`CREATE TABLE session_tenants (
  session_id TEXT PRIMARY KEY,
  tenant_id  TEXT NOT NULL
)`,
		}
	}},
	{3, "trace_events", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE trace_events (
  session_id     TEXT   NOT NULL,
  event_id       BIGINT NOT NULL,
  tenant_id      TEXT   NOT NULL,
  timestamp      %s     NOT NULL,
  kind           TEXT   NOT NULL,
  tool_name      TEXT,
  decision       TEXT,
  reason         TEXT,
  policy_version TEXT,
  rate_limit     TEXT,
  payload        TEXT,
  integrity_hash TEXT   NOT NULL,
  PRIMARY KEY (session_id, event_id)
)`, d.TimestampType()),
			`CREATE INDEX idx_trace_events_tenant ON trace_events (tenant_id, session_id)`,
		}
	}},
	{4, "kill_switches", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE kill_switches (
  scope  TEXT NOT NULL,
  target TEXT NOT NULL,
  active %s   NOT NULL,
  set_at %s,
  set_by TEXT,
  reason TEXT,
  PRIMARY KEY (scope, target)
)`, d.BoolType(), d.TimestampType()),
		}
	}},
	{5, "incidents", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE incidents (
  incident_id TEXT PRIMARY KEY,
  session_id  TEXT NOT NULL,
  tenant_id   TEXT NOT NULL,
  state       TEXT NOT NULL,
  reason      TEXT,
  risk_score  REAL,
  created_at  %s NOT NULL,
  updated_at  %s NOT NULL,
  released_by TEXT
)`, d.TimestampType(), d.TimestampType()),
			// The exactly-once guarantee: at most one non-terminal
			// incident per session at any instant.
			`CREATE UNIQUE INDEX uq_incidents_active ON incidents (session_id)
 WHERE state IN ('open', 'quarantined', 'revoked')`,
		}
	}},
	{6, "incident_events", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE incident_events (
  incident_id   TEXT NOT NULL,
  seq           BIGINT NOT NULL,
  timestamp     %s NOT NULL,
  step          TEXT NOT NULL,
  credential_id TEXT NOT NULL DEFAULT '',
  detail        TEXT,
  PRIMARY KEY (incident_id, seq)
)`, d.TimestampType()),
			// Revocation dedup key.
			`CREATE UNIQUE INDEX uq_incident_revocation ON incident_events (incident_id, credential_id)
 WHERE credential_id <> ''`,
		}
	}},
	{7, "policy_packages", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE policy_packages (
  tenant_id   TEXT NOT NULL,
  version     TEXT NOT NULL,
  bundle_hash TEXT NOT NULL,
  signer      TEXT,
  signature   TEXT,
  bundle      %s,
  active      %s NOT NULL DEFAULT %s,
  created_at  %s NOT NULL,
  PRIMARY KEY (tenant_id, version)
)`, d.BlobType(), d.BoolType(), d.falseLiteral(), d.TimestampType()),
		}
	}},
	{8, "rollouts", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE rollouts (
  rollout_id        TEXT PRIMARY KEY,
  tenant_id         TEXT NOT NULL,
  candidate_version TEXT NOT NULL,
  previous_version  TEXT,
  stage             TEXT NOT NULL,
  verdict           TEXT,
  cause             TEXT,
  created_at        %s NOT NULL,
  updated_at        %s NOT NULL
)`, d.TimestampType(), d.TimestampType()),
			`CREATE UNIQUE INDEX uq_rollouts_active ON rollouts (tenant_id, candidate_version)
 WHERE stage IN ('queued', 'canary', 'promoting')`,
		}
	}},
	{9, "replay_analyses", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE replay_analyses (
  tenant_id       TEXT NOT NULL,
  version         TEXT NOT NULL,
  critical_drift  BIGINT NOT NULL,
  total_drift     BIGINT NOT NULL,
  live_error_rate REAL NOT NULL,
  created_at      %s NOT NULL,
  PRIMARY KEY (tenant_id, version)
)`, d.TimestampType()),
		}
	}},
	{10, "evidence_archives", func(d dialect) []string {
		stmts := d.MutationGuardSetup()
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE evidence_archives (
  session_id     TEXT NOT NULL,
  format         TEXT NOT NULL,
  integrity_hash TEXT NOT NULL,
  payload        %s NOT NULL,
  metadata       TEXT NOT NULL,
  created_at     %s NOT NULL,
  PRIMARY KEY (session_id, format, integrity_hash)
)`, d.BlobType(), d.TimestampType()))
		stmts = append(stmts, d.ImmutableGuards("evidence_archives")...)
		return stmts
	}},
	{11, "transparency_checkpoints", func(d dialect) []string {
		stmts := []string{fmt.Sprintf(`CREATE TABLE transparency_checkpoints (
  session_id    TEXT NOT NULL,
  root_hash     TEXT NOT NULL,
  anchor_source TEXT NOT NULL,
  receipt       TEXT,
  created_at    %s NOT NULL,
  PRIMARY KEY (session_id, root_hash, anchor_source)
)`, d.TimestampType())}
		stmts = append(stmts, d.ImmutableGuards("transparency_checkpoints")...)
		return stmts
	}},
	{12, "session_retention", func(d dialect) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE session_retention (
  session_id  TEXT PRIMARY KEY,
  retain_until %s,
  legal_hold  %s NOT NULL DEFAULT %s
)`, d.TimestampType(), d.BoolType(), d.falseLiteral()),
		}
	}},
}

// falseLiteral is the backend's boolean false default.
func (d dialect) falseLiteral() string {
	if d.backend == BackendPostgres {
		return "FALSE"
	}
	return "0"
}

// Migrate applies all unapplied migrations in registration order. The
// whole run shares one transaction; each migration executes inside a
// savepoint so a failing step never leaves partial DDL behind.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.Rebind(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS schema_migrations (
  id         BIGINT PRIMARY KEY,
  name       TEXT NOT NULL,
  applied_at %s NOT NULL
)`, s.d.TimestampType()))); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	applied, err := appliedIDs(ctx, tx, s.d)
	if err != nil {
		return err
	}

	lastID := 0
	for _, m := range migrations {
		if m.id <= lastID {
			return fmt.Errorf("migration ids not monotonic at %d (%s)", m.id, m.name)
		}
		lastID = m.id
		if applied[m.id] {
			continue
		}
		if err := s.applyOne(ctx, tx, m); err != nil {
			return err
		}
		s.logger.Info("applied migration", "id", m.id, "name", m.name)
	}
	return tx.Commit()
}

func (s *Store) applyOne(ctx context.Context, tx *sql.Tx, m migration) error {
	sp := fmt.Sprintf("mig_%d", m.id)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("savepoint %s: %w", sp, err)
	}
	for _, stmt := range m.build(s.d) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				s.logger.Error("savepoint rollback failed", "migration", m.name, "error", rbErr)
			}
			return fmt.Errorf("migration %d (%s): %w", m.id, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`),
		m.id, m.name, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %d: %w", m.id, err)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("release savepoint %s: %w", sp, err)
	}
	return nil
}

func appliedIDs(ctx context.Context, tx *sql.Tx, d dialect) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

// loggerOrDefault keeps constructors nil-safe in tests.
func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
