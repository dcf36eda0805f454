package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/rollout"
)

// CreateRollout inserts a queued rollout. The unique active-rollout
// index makes identical start requests idempotent: the loser reads
// back the existing rollout.
func (s *Store) CreateRollout(ctx context.Context, r rollout.Rollout) (*rollout.Rollout, bool, error) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO rollouts
  (rollout_id, tenant_id, candidate_version, previous_version, stage, verdict, cause, created_at, updated_at)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.TenantID, r.CandidateVersion, r.PreviousVersion, string(r.Stage),
		string(r.Verdict), r.Cause, r.CreatedAt, r.UpdatedAt)
	if err == nil {
		return &r, true, nil
	}
	if !s.d.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("create rollout: %w", err)
	}

	existing, err := s.activeRollout(ctx, r.TenantID, r.CandidateVersion)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, gateerr.Newf(gateerr.KindConflict,
			"rollout for %s/%s finished during creation", r.TenantID, r.CandidateVersion)
	}
	return existing, false, nil
}

// GetRollout returns a rollout scoped to its tenant.
func (s *Store) GetRollout(ctx context.Context, tenantID, rolloutID string) (*rollout.Rollout, error) {
	return s.scanRollout(s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT rollout_id, tenant_id, candidate_version, COALESCE(previous_version, ''),
        stage, COALESCE(verdict, ''), COALESCE(cause, ''), created_at, updated_at
   FROM rollouts WHERE tenant_id = ? AND rollout_id = ?`), tenantID, rolloutID))
}

func (s *Store) activeRollout(ctx context.Context, tenantID, candidateVersion string) (*rollout.Rollout, error) {
	r, err := s.scanRollout(s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT rollout_id, tenant_id, candidate_version, COALESCE(previous_version, ''),
        stage, COALESCE(verdict, ''), COALESCE(cause, ''), created_at, updated_at
   FROM rollouts
  WHERE tenant_id = ? AND candidate_version = ?
    AND stage IN ('queued', 'canary', 'promoting')`), tenantID, candidateVersion))
	if gateerr.IsKind(err, gateerr.KindNotFound) {
		return nil, nil
	}
	return r, err
}

// AdvanceStage moves a rollout conditionally on its current stage.
func (s *Store) AdvanceStage(ctx context.Context, rolloutID string, from, to rollout.Stage, verdict rollout.Verdict, cause string) error {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`UPDATE rollouts SET stage = ?, verdict = ?, cause = ?, updated_at = ?
  WHERE rollout_id = ? AND stage = ?`),
		string(to), string(verdict), cause, time.Now().UTC(), rolloutID, string(from))
	if err != nil {
		return fmt.Errorf("advance rollout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateerr.Newf(gateerr.KindConflict, "rollout %s is not in stage %s", rolloutID, from)
	}
	return nil
}

// SavePackage persists a policy package row; identical re-saves are
// idempotent.
func (s *Store) SavePackage(ctx context.Context, tenantID, version, bundleHash, signer, signature string, bundle []byte) error {
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO policy_packages
  (tenant_id, version, bundle_hash, signer, signature, bundle, active, created_at)
  VALUES (?, ?, ?, ?, ?, ?, `+s.d.falseLiteral()+`, ?)`),
		tenantID, version, bundleHash, signer, signature, bundle, time.Now().UTC())
	if err != nil && !s.d.IsUniqueViolation(err) {
		return fmt.Errorf("save package: %w", err)
	}
	return nil
}

// PackageBundle returns the stored bundle bytes for a package version.
func (s *Store) PackageBundle(ctx context.Context, tenantID, version string) ([]byte, error) {
	var bundle []byte
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT bundle FROM policy_packages WHERE tenant_id = ? AND version = ?`),
		tenantID, version).Scan(&bundle)
	if err == sql.ErrNoRows {
		return nil, gateerr.Newf(gateerr.KindNotFound, "package %s/%s not found", tenantID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("read package bundle: %w", err)
	}
	return bundle, nil
}

// ActivePackageVersion returns the tenant's active package version.
func (s *Store) ActivePackageVersion(ctx context.Context, tenantID string) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT version FROM policy_packages WHERE tenant_id = ? AND active = `+s.d.trueLiteral()),
		tenantID).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active package: %w", err)
	}
	return version, nil
}

// SetActivePackage switches the tenant's active package in one
// transaction, so rollback restores the previous package atomically.
func (s *Store) SetActivePackage(ctx context.Context, tenantID, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.d.Rebind(
		`UPDATE policy_packages SET active = `+s.d.falseLiteral()+` WHERE tenant_id = ?`), tenantID); err != nil {
		return fmt.Errorf("deactivate packages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.d.Rebind(
		`UPDATE policy_packages SET active = `+s.d.trueLiteral()+` WHERE tenant_id = ? AND version = ?`),
		tenantID, version)
	if err != nil {
		return fmt.Errorf("activate package: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateerr.Newf(gateerr.KindNotFound, "package %s/%s not found", tenantID, version)
	}
	return tx.Commit()
}

// ReplayAnalysisExists reports whether drift counters were recorded
// for a candidate.
func (s *Store) ReplayAnalysisExists(ctx context.Context, tenantID, version string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT 1 FROM replay_analyses WHERE tenant_id = ? AND version = ?`),
		tenantID, version).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check replay analysis: %w", err)
	}
	return true, nil
}

// SaveReplayAnalysis records drift counters for a candidate version.
func (s *Store) SaveReplayAnalysis(ctx context.Context, tenantID, version string, sig rollout.Signals) error {
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO replay_analyses (tenant_id, version, critical_drift, total_drift, live_error_rate, created_at)
  VALUES (?, ?, ?, ?, ?, ?)
  ON CONFLICT (tenant_id, version) DO UPDATE
  SET critical_drift = excluded.critical_drift, total_drift = excluded.total_drift,
      live_error_rate = excluded.live_error_rate`),
		tenantID, version, sig.CriticalDrift, sig.TotalDrift, sig.LiveErrorRate, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save replay analysis: %w", err)
	}
	return nil
}

// ReplaySignals returns recorded drift counters for a candidate.
func (s *Store) ReplaySignals(ctx context.Context, tenantID, version string) (rollout.Signals, error) {
	var sig rollout.Signals
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT critical_drift, total_drift, live_error_rate
   FROM replay_analyses WHERE tenant_id = ? AND version = ?`),
		tenantID, version).Scan(&sig.CriticalDrift, &sig.TotalDrift, &sig.LiveErrorRate)
	if err == sql.ErrNoRows {
		return sig, gateerr.Newf(gateerr.KindNotFound, "no replay analysis for %s/%s", tenantID, version)
	}
	if err != nil {
		return sig, fmt.Errorf("read replay analysis: %w", err)
	}
	return sig, nil
}

// trueLiteral is the backend's boolean true literal.
func (d dialect) trueLiteral() string {
	if d.backend == BackendPostgres {
		return "TRUE"
	}
	return "1"
}

func (s *Store) scanRollout(row *sql.Row) (*rollout.Rollout, error) {
	var r rollout.Rollout
	var stage, verdict string
	err := row.Scan(&r.ID, &r.TenantID, &r.CandidateVersion, &r.PreviousVersion,
		&stage, &verdict, &r.Cause, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, gateerr.New(gateerr.KindNotFound, "rollout not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan rollout: %w", err)
	}
	r.Stage = rollout.Stage(stage)
	r.Verdict = rollout.Verdict(verdict)
	return &r, nil
}

var _ rollout.Store = (*Store)(nil)
