package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/policy"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// PolicyService owns the active policy snapshot. Loading happens at
// startup and on explicit reload; the snapshot is swapped atomically
// so a reload either replaces the policy wholly or leaves it
// unchanged. Readers take one snapshot per request.
type PolicyService struct {
	loader *policy.Loader
	traces trace.Store
	logger *slog.Logger

	active atomic.Pointer[policy.Snapshot]
}

// NewPolicyService creates the service and loads the initial snapshot.
func NewPolicyService(loader *policy.Loader, traces trace.Store, logger *slog.Logger) (*PolicyService, error) {
	s := &PolicyService{loader: loader, traces: traces, logger: logger}
	snap, err := loader.Load()
	if err != nil {
		return nil, err
	}
	s.active.Store(snap)
	logger.Info("policy loaded", "bundles", len(snap.Bundles))
	return s, nil
}

// Snapshot returns the active snapshot.
func (s *PolicyService) Snapshot() *policy.Snapshot {
	return s.active.Load()
}

// ActiveVersion returns the active bundle version for a tenant.
func (s *PolicyService) ActiveVersion(tenantID string) string {
	bundle, ok := s.Snapshot().BundleFor(tenantID)
	if !ok {
		return ""
	}
	return bundle.Version
}

// VisibleTools lists the tools callable for a tenant under the active
// snapshot.
func (s *PolicyService) VisibleTools(tenantID string) ([]string, error) {
	bundle, ok := s.Snapshot().BundleFor(tenantID)
	if !ok {
		return nil, gateerr.New(gateerr.KindPolicyUnavailable, "no policy loaded for tenant")
	}
	return bundle.VisibleTools(), nil
}

// Reload re-reads the policy directory. Any invalid bundle (including
// a signature or digest failure in strict mode) rejects the whole
// reload and the previous snapshot stays active.
func (s *PolicyService) Reload(ctx context.Context, requestedBy string) error {
	snap, err := s.loader.Load()
	if err != nil {
		s.logger.Warn("policy reload rejected", "error", err, "requested_by", requestedBy)
		s.recordReload(ctx, requestedBy, false, err.Error())
		return err
	}
	s.active.Store(snap)
	s.logger.Info("policy reloaded", "bundles", len(snap.Bundles), "requested_by", requestedBy)
	s.recordReload(ctx, requestedBy, true, "")
	return nil
}

// ApplyBundle swaps in one tenant's bundle (rollout promotion and
// rollback paths). The swap copies the active snapshot so concurrent
// readers never observe a half-updated view.
func (s *PolicyService) ApplyBundle(ctx context.Context, bundle policy.Bundle, cause string) {
	for {
		old := s.active.Load()
		next := &policy.Snapshot{
			Bundles:  make(map[string]policy.Bundle, len(old.Bundles)+1),
			LoadedAt: time.Now().UTC(),
		}
		for k, v := range old.Bundles {
			next.Bundles[k] = v
		}
		next.Bundles[bundle.TenantID] = bundle
		if s.active.CompareAndSwap(old, next) {
			break
		}
	}
	s.logger.Info("tenant bundle applied",
		"tenant", bundle.TenantID, "version", bundle.Version, "cause", cause)
}

func (s *PolicyService) recordReload(ctx context.Context, requestedBy string, ok bool, detail string) {
	payload := map[string]any{"requested_by": requestedBy, "accepted": ok}
	if detail != "" {
		payload["detail"] = detail
	}
	_, err := s.traces.Append(ctx, trace.Event{
		SessionID: SystemSessionID,
		TenantID:  SystemTenantID,
		Kind:      trace.KindReload,
		Reason:    reloadReason(ok),
		Payload:   payload,
	})
	if err != nil {
		s.logger.Warn("failed to record reload event", "error", err)
	}
}

func reloadReason(ok bool) string {
	if ok {
		return "policy_reloaded"
	}
	return "policy_reload_rejected"
}
