// Package rollout contains the staged policy promotion domain.
package rollout

import (
	"context"
	"time"
)

// Stage is the rollout lifecycle state.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageCanary     Stage = "canary"
	StagePromoting  Stage = "promoting"
	StageCompleted  Stage = "completed"
	StageRolledBack Stage = "rolled_back"
)

// Terminal reports whether s ends the rollout.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageRolledBack
}

// Next returns the stage after s on the promotion path.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageQueued:
		return StageCanary, true
	case StageCanary:
		return StagePromoting, true
	case StagePromoting:
		return StageCompleted, true
	}
	return s, false
}

// Verdict is the controller's judgement at one stage boundary.
type Verdict string

const (
	VerdictProceed                    Verdict = "proceed"
	VerdictHold                       Verdict = "hold"
	VerdictCriticalDriftExceedsBudget Verdict = "critical_drift_exceeds_budget"
)

// Signals are the inputs to a stage verdict: drift counters from the
// replay analysis and the live error rate observed on canary traffic.
type Signals struct {
	CriticalDrift int     `json:"critical_drift"`
	TotalDrift    int     `json:"total_drift"`
	LiveErrorRate float64 `json:"live_error_rate"`
}

// Budget bounds the acceptable signals.
type Budget struct {
	MaxCriticalDrift int     `json:"max_critical_drift"`
	MaxErrorRate     float64 `json:"max_error_rate"`
}

// Judge computes the verdict for one stage boundary.
func Judge(sig Signals, budget Budget) Verdict {
	if sig.CriticalDrift > budget.MaxCriticalDrift {
		return VerdictCriticalDriftExceedsBudget
	}
	if budget.MaxErrorRate > 0 && sig.LiveErrorRate > budget.MaxErrorRate {
		return VerdictHold
	}
	return VerdictProceed
}

// Rollout is one staged promotion of a candidate package.
type Rollout struct {
	ID               string    `json:"rollout_id"`
	TenantID         string    `json:"tenant_id"`
	CandidateVersion string    `json:"candidate_version"`
	PreviousVersion  string    `json:"previous_version"`
	Stage            Stage     `json:"stage"`
	Verdict          Verdict   `json:"verdict,omitempty"`
	Cause            string    `json:"cause,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists rollouts and tenant package state.
type Store interface {
	// CreateRollout inserts a rollout in queued stage. When an active
	// rollout for (tenant, candidate_version) exists it is returned
	// with created=false (idempotent start).
	CreateRollout(ctx context.Context, r Rollout) (existing *Rollout, created bool, err error)

	// GetRollout returns a rollout by tenant and ID.
	GetRollout(ctx context.Context, tenantID, rolloutID string) (*Rollout, error)

	// AdvanceStage moves a rollout between stages conditionally on the
	// current stage, recording verdict and cause.
	AdvanceStage(ctx context.Context, rolloutID string, from, to Stage, verdict Verdict, cause string) error

	// SavePackage persists a policy package row.
	SavePackage(ctx context.Context, tenantID, version, bundleHash, signer, signature string, bundle []byte) error

	// PackageBundle returns the stored bundle bytes for a package
	// version.
	PackageBundle(ctx context.Context, tenantID, version string) ([]byte, error)

	// ActivePackageVersion returns the active package version for a
	// tenant ("" when none).
	ActivePackageVersion(ctx context.Context, tenantID string) (string, error)

	// SetActivePackage atomically switches the tenant's active
	// package version.
	SetActivePackage(ctx context.Context, tenantID, version string) error

	// ReplayAnalysisExists reports whether a replay analysis was
	// recorded for (tenant, candidate_version).
	ReplayAnalysisExists(ctx context.Context, tenantID, version string) (bool, error)

	// SaveReplayAnalysis records drift counters for a candidate.
	SaveReplayAnalysis(ctx context.Context, tenantID, version string, sig Signals) error

	// ReplaySignals returns the recorded drift counters.
	ReplaySignals(ctx context.Context, tenantID, version string) (Signals, error)
}
