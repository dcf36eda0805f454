package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/domain/credential"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/incident"
	"github.com/agentgate/agentgate/internal/domain/killswitch"
	"github.com/agentgate/agentgate/internal/domain/risk"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// IncidentStepStore extends the incident store with timeline access.
// Implemented by the trace store.
type IncidentStepStore interface {
	incident.Store
	AppendIncidentStep(ctx context.Context, incidentID, step, detail string) error
	IncidentTimeline(ctx context.Context, incidentID string) ([]incident.TimelineStep, error)
}

// QuarantineAlertSink receives quarantine notifications.
type QuarantineAlertSink interface {
	NotifyQuarantine(ctx context.Context, sessionID, tenantID, incidentID, reason string)
}

// QuarantineConfig tunes the rolling risk signal.
type QuarantineConfig struct {
	// WindowSize is the number of recent decisions scored per session.
	WindowSize int
	// WindowAge drops decisions older than this from the window.
	WindowAge time.Duration
	// Threshold quarantines the session when the score reaches it.
	Threshold float64
}

// QuarantineCoordinator consumes decision notices from the gateway,
// maintains the per-session risk window, and orchestrates the
// containment sequence with exactly-once side effects. It is the sole
// mutator of incidents and revocation records.
type QuarantineCoordinator struct {
	cfg    QuarantineConfig
	store  IncidentStepStore
	traces trace.Store
	kill   *KillSwitchController
	broker credential.Broker
	scorer risk.Scorer
	alerts QuarantineAlertSink
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string][]risk.Sample

	wg   sync.WaitGroup
	done chan struct{}
}

// QuarantineOption configures the coordinator.
type QuarantineOption func(*QuarantineCoordinator)

// WithQuarantineAlerts sets the alert sink.
func WithQuarantineAlerts(a QuarantineAlertSink) QuarantineOption {
	return func(q *QuarantineCoordinator) { q.alerts = a }
}

// NewQuarantineCoordinator creates the coordinator.
func NewQuarantineCoordinator(
	cfg QuarantineConfig,
	store IncidentStepStore,
	traces trace.Store,
	kill *KillSwitchController,
	broker credential.Broker,
	scorer risk.Scorer,
	logger *slog.Logger,
	opts ...QuarantineOption,
) *QuarantineCoordinator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.WindowAge <= 0 {
		cfg.WindowAge = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	q := &QuarantineCoordinator{
		cfg:     cfg,
		store:   store,
		traces:  traces,
		kill:    kill,
		broker:  broker,
		scorer:  scorer,
		logger:  logger,
		windows: make(map[string][]risk.Sample),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the notice consumer.
func (q *QuarantineCoordinator) Start(ctx context.Context, notices <-chan DecisionNotice) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case notice, ok := <-notices:
				if !ok {
					return
				}
				q.observe(ctx, notice)
			}
		}
	}()
}

// Stop terminates the consumer and waits for it.
func (q *QuarantineCoordinator) Stop() {
	close(q.done)
	q.wg.Wait()
}

// observe folds one decision into the session window and triggers
// quarantine on threshold breach.
func (q *QuarantineCoordinator) observe(ctx context.Context, notice DecisionNotice) {
	if notice.SessionID == SystemSessionID {
		return
	}
	window := q.updateWindow(notice)
	score := q.scorer.Score(window)
	if score < q.cfg.Threshold {
		return
	}
	if _, err := q.Quarantine(ctx, notice.SessionID, notice.TenantID, score,
		"risk threshold exceeded"); err != nil {
		q.logger.Error("quarantine failed", "session", notice.SessionID, "error", err)
	}
}

func (q *QuarantineCoordinator) updateWindow(notice DecisionNotice) []risk.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.cfg.WindowAge)
	window := q.windows[notice.SessionID]
	kept := window[:0]
	for _, s := range window {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	kept = append(kept, risk.Sample{
		ToolName: notice.ToolName,
		Decision: notice.Decision,
		Reason:   notice.Reason,
		At:       notice.At,
	})
	if len(kept) > q.cfg.WindowSize {
		kept = kept[len(kept)-q.cfg.WindowSize:]
	}
	q.windows[notice.SessionID] = kept

	out := make([]risk.Sample, len(kept))
	copy(out, kept)
	return out
}

// Quarantine runs the containment sequence for a session. Concurrent
// triggers (including from other replicas) resolve through the unique
// active-incident index: one creator wins, every observer records an
// observation step and continues from the winner's persisted state.
func (q *QuarantineCoordinator) Quarantine(ctx context.Context, sessionID, tenantID string, score float64, reason string) (*incident.Incident, error) {
	inc := incident.Incident{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TenantID:  tenantID,
		State:     incident.StateOpen,
		Reason:    reason,
		RiskScore: score,
	}

	stored, created, err := q.store.CreateActive(ctx, inc)
	if err != nil {
		return nil, err
	}
	if err := q.store.AppendIncidentStep(ctx, stored.ID, "observed", reason); err != nil {
		q.logger.Warn("incident observation step failed", "incident", stored.ID, "error", err)
	}
	if !created {
		// An observer: the winner's orchestration (or recovery) owns
		// the remaining sub-steps.
		return stored, nil
	}

	q.recordTraceEvent(ctx, sessionID, tenantID, trace.KindQuarantine, reason, map[string]any{
		"incident_id": stored.ID,
		"risk_score":  score,
	})
	if q.alerts != nil {
		q.alerts.NotifyQuarantine(ctx, sessionID, tenantID, stored.ID, reason)
	}
	return q.resume(ctx, *stored)
}

// resume drives an incident from its persisted state to a terminal or
// steady state. Every sub-step is idempotent, so re-entry after a
// crash repeats no side effect.
func (q *QuarantineCoordinator) resume(ctx context.Context, inc incident.Incident) (*incident.Incident, error) {
	if inc.State == incident.StateOpen {
		if err := q.kill.Set(ctx, killswitch.ScopeSession, inc.SessionID,
			"quarantine:"+inc.ID, inc.Reason, true); err != nil {
			return q.fail(ctx, inc, "kill switch activation failed: "+err.Error())
		}
		if err := q.store.AppendIncidentStep(ctx, inc.ID, "kill_switch_set", inc.SessionID); err != nil {
			q.logger.Warn("incident step append failed", "incident", inc.ID, "error", err)
		}
		if err := q.store.Transition(ctx, inc.ID, incident.StateOpen, incident.StateQuarantined, ""); err != nil {
			if gateerr.IsKind(err, gateerr.KindConflict) {
				return q.reload(ctx, inc.ID)
			}
			return nil, err
		}
		inc.State = incident.StateQuarantined
	}

	if inc.State == incident.StateQuarantined {
		if err := q.revokeAll(ctx, inc); err != nil {
			return q.fail(ctx, inc, "credential revocation failed: "+err.Error())
		}
		if err := q.store.Transition(ctx, inc.ID, incident.StateQuarantined, incident.StateRevoked, ""); err != nil {
			if gateerr.IsKind(err, gateerr.KindConflict) {
				return q.reload(ctx, inc.ID)
			}
			return nil, err
		}
		inc.State = incident.StateRevoked
	}

	return &inc, nil
}

// revokeAll revokes every live credential of the session, keyed by
// (incident, credential) so duplicates collapse.
func (q *QuarantineCoordinator) revokeAll(ctx context.Context, inc incident.Incident) error {
	live, err := q.broker.Live(ctx, inc.SessionID)
	if err != nil {
		return err
	}
	for _, credID := range live {
		created, err := q.store.RecordRevocation(ctx, incident.Revocation{
			IncidentID:   inc.ID,
			CredentialID: credID,
			Reason:       inc.Reason,
		})
		if err != nil {
			return err
		}
		if !created {
			// Already revoked by a previous attempt.
			continue
		}
		if err := q.broker.Revoke(ctx, credential.RevokeRef{CredentialID: credID},
			"quarantine:"+inc.ID); err != nil {
			return err
		}
		q.recordTraceEvent(ctx, inc.SessionID, inc.TenantID, trace.KindRevocation,
			"credential revoked", map[string]any{
				"incident_id":   inc.ID,
				"credential_id": credID,
			})
	}
	// Belt and braces: ask the broker to drop anything session-bound
	// it still tracks. Idempotent by contract.
	return q.broker.Revoke(ctx, credential.RevokeRef{SessionID: inc.SessionID}, "quarantine:"+inc.ID)
}

// Release transitions revoked → released, clears the session kill
// switch, and records the releasing principal. The HTTP layer enforces
// the incident_admin capability before calling.
func (q *QuarantineCoordinator) Release(ctx context.Context, incidentID, releasedBy string) (*incident.Incident, error) {
	inc, err := q.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.State != incident.StateRevoked {
		return nil, gateerr.Newf(gateerr.KindConflict,
			"incident %s is %s, only revoked incidents can be released", incidentID, inc.State)
	}
	if err := q.store.Transition(ctx, incidentID, incident.StateRevoked, incident.StateReleased, releasedBy); err != nil {
		return nil, err
	}
	if err := q.kill.Set(ctx, killswitch.ScopeSession, inc.SessionID,
		releasedBy, "incident released", false); err != nil {
		q.logger.Error("failed to clear session kill switch on release",
			"incident", incidentID, "error", err)
	}
	if err := q.store.AppendIncidentStep(ctx, incidentID, "released", releasedBy); err != nil {
		q.logger.Warn("incident step append failed", "incident", incidentID, "error", err)
	}
	q.recordTraceEvent(ctx, inc.SessionID, inc.TenantID, trace.KindRelease,
		"incident released", map[string]any{
			"incident_id": incidentID,
			"released_by": releasedBy,
		})
	inc.State = incident.StateReleased
	inc.ReleasedBy = releasedBy
	return inc, nil
}

// Recover resumes non-terminal incidents at startup.
func (q *QuarantineCoordinator) Recover(ctx context.Context) error {
	open, err := q.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, inc := range open {
		if inc.State == incident.StateRevoked {
			// Steady state: waiting for an operator release.
			continue
		}
		q.logger.Info("resuming incident", "incident", inc.ID, "state", inc.State)
		if _, err := q.resume(ctx, inc); err != nil {
			q.logger.Error("incident recovery failed", "incident", inc.ID, "error", err)
		}
	}
	return nil
}

// fail marks the incident failed, preserving the terminal state and
// everything already done. Earlier sub-steps are not rolled back; the
// timeline stays a faithful record.
func (q *QuarantineCoordinator) fail(ctx context.Context, inc incident.Incident, detail string) (*incident.Incident, error) {
	if err := q.store.AppendIncidentStep(ctx, inc.ID, "failed", detail); err != nil {
		q.logger.Warn("incident step append failed", "incident", inc.ID, "error", err)
	}
	if err := q.store.Transition(ctx, inc.ID, inc.State, incident.StateFailed, ""); err != nil {
		return nil, err
	}
	inc.State = incident.StateFailed
	return &inc, gateerr.New(gateerr.KindUnavailable, detail)
}

func (q *QuarantineCoordinator) reload(ctx context.Context, incidentID string) (*incident.Incident, error) {
	return q.store.GetIncident(ctx, incidentID)
}

func (q *QuarantineCoordinator) recordTraceEvent(ctx context.Context, sessionID, tenantID, kind, reason string, payload map[string]any) {
	_, err := q.traces.Append(ctx, trace.Event{
		SessionID: sessionID,
		TenantID:  tenantID,
		Kind:      kind,
		Reason:    reason,
		Payload:   payload,
	})
	if err != nil {
		q.logger.Error("incident trace append failed", "kind", kind, "error", err)
	}
}
