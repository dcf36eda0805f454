package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/policy"
	"github.com/agentgate/agentgate/internal/domain/rollout"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// RolloutService promotes signed tenant packages through stages and
// rolls back on drift.
type RolloutService struct {
	store    rollout.Store
	policies *PolicyService
	loader   *policy.Loader
	traces   trace.Store
	budget   rollout.Budget
	logger   *slog.Logger
}

// NewRolloutService creates the controller.
func NewRolloutService(store rollout.Store, policies *PolicyService, loader *policy.Loader,
	traces trace.Store, budget rollout.Budget, logger *slog.Logger) *RolloutService {
	if budget.MaxErrorRate == 0 {
		budget.MaxErrorRate = 0.05
	}
	return &RolloutService{
		store:    store,
		policies: policies,
		loader:   loader,
		traces:   traces,
		budget:   budget,
		logger:   logger,
	}
}

// Start verifies the signed package, requires a replay analysis for
// the candidate, and creates the rollout in queued. Identical start
// requests return the existing rollout.
func (s *RolloutService) Start(ctx context.Context, tenantID string, rawPackage []byte) (*rollout.Rollout, error) {
	pkg, _, err := s.loader.ParsePackage(rawPackage)
	if err != nil {
		return nil, err
	}
	if pkg.TenantID != tenantID {
		return nil, gateerr.Newf(gateerr.KindValidation,
			"package tenant %s does not match rollout tenant %s", pkg.TenantID, tenantID)
	}

	exists, err := s.store.ReplayAnalysisExists(ctx, tenantID, pkg.Version)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, gateerr.Newf(gateerr.KindValidation,
			"no replay analysis recorded for %s/%s", tenantID, pkg.Version).
			WithHint("run the replay analysis before starting a rollout")
	}

	if err := s.store.SavePackage(ctx, tenantID, pkg.Version, pkg.BundleHash,
		pkg.Signer, pkg.Signature, []byte(pkg.BundleRaw)); err != nil {
		return nil, err
	}

	previous, err := s.store.ActivePackageVersion(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r, created, err := s.store.CreateRollout(ctx, rollout.Rollout{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		CandidateVersion: pkg.Version,
		PreviousVersion:  previous,
		Stage:            rollout.StageQueued,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.record(ctx, tenantID, "rollout_started", map[string]any{
			"rollout_id": r.ID,
			"candidate":  pkg.Version,
			"previous":   previous,
		})
		s.logger.Info("rollout started", "tenant", tenantID, "candidate", pkg.Version)
	}
	return r, nil
}

// Advance moves the rollout one stage forward after judging the drift
// and live-error signals. A critical-drift verdict rolls back instead.
func (s *RolloutService) Advance(ctx context.Context, tenantID, rolloutID string, liveErrorRate float64) (*rollout.Rollout, error) {
	r, err := s.store.GetRollout(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.Stage.Terminal() {
		return r, nil
	}

	sig, err := s.store.ReplaySignals(ctx, tenantID, r.CandidateVersion)
	if err != nil {
		return nil, err
	}
	sig.LiveErrorRate = liveErrorRate

	verdict := rollout.Judge(sig, s.budget)
	switch verdict {
	case rollout.VerdictCriticalDriftExceedsBudget:
		return s.rollBack(ctx, r, verdict, "critical drift exceeds budget")
	case rollout.VerdictHold:
		s.logger.Warn("rollout held", "rollout", r.ID, "error_rate", liveErrorRate)
		return r, nil
	}

	next, ok := r.Stage.Next()
	if !ok {
		return r, nil
	}
	if err := s.store.AdvanceStage(ctx, r.ID, r.Stage, next, verdict, ""); err != nil {
		return nil, err
	}
	r.Stage = next
	r.Verdict = verdict

	if next == rollout.StageCompleted {
		if err := s.activate(ctx, r.TenantID, r.CandidateVersion, "rollout completed"); err != nil {
			return nil, err
		}
		s.record(ctx, tenantID, "rollout_completed", map[string]any{
			"rollout_id": r.ID,
			"candidate":  r.CandidateVersion,
		})
	}
	return r, nil
}

// Rollback forces the rollout to rolled_back and restores the
// previous active package.
func (s *RolloutService) Rollback(ctx context.Context, tenantID, rolloutID, cause string) (*rollout.Rollout, error) {
	r, err := s.store.GetRollout(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.Stage == rollout.StageRolledBack {
		return r, nil
	}
	if r.Stage.Terminal() {
		return nil, gateerr.Newf(gateerr.KindConflict,
			"rollout %s already completed", rolloutID)
	}
	return s.rollBack(ctx, r, rollout.VerdictCriticalDriftExceedsBudget, cause)
}

// Get returns one rollout.
func (s *RolloutService) Get(ctx context.Context, tenantID, rolloutID string) (*rollout.Rollout, error) {
	return s.store.GetRollout(ctx, tenantID, rolloutID)
}

// RecordReplayAnalysis stores drift counters for a candidate so a
// rollout can start.
func (s *RolloutService) RecordReplayAnalysis(ctx context.Context, tenantID, version string, sig rollout.Signals) error {
	return s.store.SaveReplayAnalysis(ctx, tenantID, version, sig)
}

func (s *RolloutService) rollBack(ctx context.Context, r *rollout.Rollout, verdict rollout.Verdict, cause string) (*rollout.Rollout, error) {
	if err := s.store.AdvanceStage(ctx, r.ID, r.Stage, rollout.StageRolledBack, verdict, cause); err != nil {
		return nil, err
	}
	r.Stage = rollout.StageRolledBack
	r.Verdict = verdict
	r.Cause = cause

	// Restore the pre-rollout package atomically. When the candidate
	// was never activated this is a no-op for the decision path but
	// still pins the active row.
	if r.PreviousVersion != "" {
		if err := s.activate(ctx, r.TenantID, r.PreviousVersion, "rollback"); err != nil {
			return nil, err
		}
	}
	s.record(ctx, r.TenantID, "rollout_rolled_back", map[string]any{
		"rollout_id": r.ID,
		"candidate":  r.CandidateVersion,
		"restored":   r.PreviousVersion,
		"cause":      cause,
	})
	s.logger.Warn("rollout rolled back", "rollout", r.ID, "cause", cause)
	return r, nil
}

// activate flips the active package row and swaps the tenant's bundle
// into the live snapshot.
func (s *RolloutService) activate(ctx context.Context, tenantID, version, cause string) error {
	if err := s.store.SetActivePackage(ctx, tenantID, version); err != nil {
		return err
	}
	bundle, err := s.loadBundle(ctx, tenantID, version)
	if err != nil {
		return err
	}
	s.policies.ApplyBundle(ctx, bundle, cause)
	return nil
}

func (s *RolloutService) loadBundle(ctx context.Context, tenantID, version string) (policy.Bundle, error) {
	raw, err := s.store.PackageBundle(ctx, tenantID, version)
	if err != nil {
		return policy.Bundle{}, err
	}
	var bundle policy.Bundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return policy.Bundle{}, gateerr.Wrap(gateerr.KindValidation, "malformed stored bundle", err)
	}
	if bundle.TenantID == "" {
		bundle.TenantID = tenantID
	}
	if bundle.Version == "" {
		bundle.Version = version
	}
	return bundle, nil
}

func (s *RolloutService) record(ctx context.Context, tenantID, reason string, payload map[string]any) {
	_, err := s.traces.Append(ctx, trace.Event{
		SessionID: SystemSessionID,
		TenantID:  SystemTenantID,
		Kind:      trace.KindRollout,
		Reason:    reason,
		Payload:   mergeTenant(payload, tenantID),
	})
	if err != nil {
		s.logger.Warn("rollout trace append failed", "error", err)
	}
}

func mergeTenant(payload map[string]any, tenantID string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["tenant_id"] = tenantID
	return out
}

// scheduledTick advances every active stage on a timer when operators
// choose scheduled promotion.
func (s *RolloutService) scheduledTick(ctx context.Context, tenantID, rolloutID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, err := s.Advance(ctx, tenantID, rolloutID, 0)
			if err != nil {
				s.logger.Warn("scheduled rollout advance failed", "rollout", rolloutID, "error", err)
				return
			}
			if r.Stage.Terminal() {
				return
			}
		}
	}
}

// StartScheduled launches scheduled stage advancement for a rollout.
func (s *RolloutService) StartScheduled(ctx context.Context, tenantID, rolloutID string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go s.scheduledTick(ctx, tenantID, rolloutID, interval)
}
