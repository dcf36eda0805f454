// Package service contains application services.
package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/killswitch"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// SystemSessionID is the reserved session that carries control-plane
// trace events with no agent session of their own (global kills,
// policy reloads, SLO transitions).
const SystemSessionID = "system"

// SystemTenantID is the tenant bound to the system session.
const SystemTenantID = "system"

// readBudget bounds one hot-path kill-switch read. Exceeding it is
// treated as unavailable.
const readBudget = 250 * time.Millisecond

// KillSwitchReflector mirrors kill-switch mutations into the audit
// schema. Implemented by the trace store.
type KillSwitchReflector interface {
	ReflectKillSwitch(ctx context.Context, scope, target string, active bool, setAt time.Time, setBy, reason string) error
}

// AlertSink receives containment notifications. Implemented by the
// webhook notifier.
type AlertSink interface {
	NotifyKill(ctx context.Context, scope, target, setBy, reason string, active bool)
}

// KillSwitchController owns all kill-switch mutation and provides the
// resilient hot-path read for the gateway. Reads and writes retry once
// on transient errors; exhausted retries surface as unavailable and
// the gateway fails closed.
type KillSwitchController struct {
	store     killswitch.Store
	traces    trace.Store
	reflector KillSwitchReflector
	alerts    AlertSink
	logger    *slog.Logger

	// degraded is 1 while the shared store is unreachable, so the
	// health.recovered event fires exactly once per outage.
	degraded atomic.Bool
}

// KillSwitchOption configures the controller.
type KillSwitchOption func(*KillSwitchController)

// WithKillSwitchReflector mirrors mutations into the trace schema.
func WithKillSwitchReflector(r KillSwitchReflector) KillSwitchOption {
	return func(c *KillSwitchController) { c.reflector = r }
}

// WithKillSwitchAlerts sends containment notifications on mutation.
func WithKillSwitchAlerts(a AlertSink) KillSwitchOption {
	return func(c *KillSwitchController) { c.alerts = a }
}

// NewKillSwitchController creates the controller.
func NewKillSwitchController(store killswitch.Store, traces trace.Store, logger *slog.Logger, opts ...KillSwitchOption) *KillSwitchController {
	c := &KillSwitchController{
		store:  store,
		traces: traces,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set activates or clears a kill switch. The mutation is written to
// the shared store first (so replicas observe it immediately), then
// recorded as a trace event.
func (c *KillSwitchController) Set(ctx context.Context, scope killswitch.Scope, target, setBy, reason string, active bool) error {
	state := killswitch.State{
		Active: active,
		SetAt:  time.Now().UTC(),
		SetBy:  setBy,
		Reason: reason,
	}

	err := c.withRetry(ctx, func() error {
		return c.store.Set(ctx, scope, target, state)
	})
	if err != nil {
		return gateerr.Wrap(gateerr.KindUnavailable, "kill-switch store write failed", err)
	}

	c.record(ctx, scope, target, state)
	return nil
}

// Check performs the hot-path read of all three scopes. The read has a
// small bounded budget; a store outage returns unavailable, which the
// gateway treats as DENY.
func (c *KillSwitchController) Check(ctx context.Context, sessionID, toolName string) (killswitch.Check, error) {
	readCtx, cancel := context.WithTimeout(ctx, readBudget)
	defer cancel()

	var check killswitch.Check
	err := c.withRetry(readCtx, func() error {
		var err error
		check, err = c.store.CheckAll(readCtx, sessionID, toolName)
		return err
	})
	if err != nil {
		c.degraded.Store(true)
		return killswitch.Check{}, gateerr.Wrap(gateerr.KindUnavailable,
			"kill-switch store unreachable", err)
	}
	c.markHealthy(ctx)
	return check, nil
}

// Get reads a single scope target through the same retry policy.
func (c *KillSwitchController) Get(ctx context.Context, scope killswitch.Scope, target string) (killswitch.State, error) {
	var state killswitch.State
	err := c.withRetry(ctx, func() error {
		var err error
		state, err = c.store.Get(ctx, scope, target)
		return err
	})
	if err != nil {
		c.degraded.Store(true)
		return killswitch.State{}, gateerr.Wrap(gateerr.KindUnavailable,
			"kill-switch store unreachable", err)
	}
	c.markHealthy(ctx)
	return state, nil
}

// withRetry runs op with exactly one retry on transient failure.
func (c *KillSwitchController) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Attempts(2),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// markHealthy emits health.recovered exactly once per outage
// transition.
func (c *KillSwitchController) markHealthy(ctx context.Context) {
	if !c.degraded.CompareAndSwap(true, false) {
		return
	}
	c.logger.Info("kill-switch store recovered")
	_, err := c.traces.Append(ctx, trace.Event{
		SessionID: SystemSessionID,
		TenantID:  SystemTenantID,
		Kind:      trace.KindHealth,
		Reason:    "health.recovered",
	})
	if err != nil {
		c.logger.Warn("failed to record recovery event", "error", err)
	}
}

// record persists the mutation as a trace event and mirrors it into
// the audit schema. Trace failures do not unwind the mutation; the
// shared store is already authoritative.
func (c *KillSwitchController) record(ctx context.Context, scope killswitch.Scope, target string, state killswitch.State) {
	sessionID, tenantID := SystemSessionID, SystemTenantID
	if scope == killswitch.ScopeSession {
		sessionID = target
		if sess, err := c.traces.GetSession(ctx, target, ""); err == nil {
			tenantID = sess.TenantID
		}
	}

	_, err := c.traces.Append(ctx, trace.Event{
		SessionID: sessionID,
		TenantID:  tenantID,
		Kind:      trace.KindKill,
		Reason:    state.Reason,
		Payload: map[string]any{
			"scope":  string(scope),
			"target": target,
			"active": state.Active,
			"set_by": state.SetBy,
		},
	})
	if err != nil {
		c.logger.Error("failed to record kill event", "scope", scope, "error", err)
	}

	if c.reflector != nil {
		if err := c.reflector.ReflectKillSwitch(ctx, string(scope), target, state.Active, state.SetAt, state.SetBy, state.Reason); err != nil {
			c.logger.Warn("kill-switch reflection failed", "error", err)
		}
	}
	if c.alerts != nil {
		c.alerts.NotifyKill(ctx, string(scope), target, state.SetBy, state.Reason, state.Active)
	}
}
