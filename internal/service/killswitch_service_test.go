package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/killswitch"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// flakyKillStore fails every operation while failing is set.
type flakyKillStore struct {
	inner   killswitch.Store
	failing atomic.Bool
	calls   atomic.Int64
}

func (f *flakyKillStore) Set(ctx context.Context, scope killswitch.Scope, target string, state killswitch.State) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return errors.New("connection reset")
	}
	return f.inner.Set(ctx, scope, target, state)
}

func (f *flakyKillStore) Get(ctx context.Context, scope killswitch.Scope, target string) (killswitch.State, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return killswitch.State{}, errors.New("connection reset")
	}
	return f.inner.Get(ctx, scope, target)
}

func (f *flakyKillStore) CheckAll(ctx context.Context, sessionID, toolName string) (killswitch.Check, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return killswitch.Check{}, errors.New("connection reset")
	}
	return f.inner.CheckAll(ctx, sessionID, toolName)
}

func TestKillStoreOutageFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	flaky := &flakyKillStore{inner: h.kill.store}
	h.kill.store = flaky
	flaky.failing.Store(true)

	_, err := h.kill.Check(ctx, "s1", "db_query")
	if !gateerr.IsKind(err, gateerr.KindUnavailable) {
		t.Fatalf("got %v, want unavailable", err)
	}
	// Exactly one retry: two attempts per operation.
	if got := flaky.calls.Load(); got != 2 {
		t.Errorf("store calls = %d, want 2 (original + one retry)", got)
	}

	// The gateway turns the outage into a DENY.
	_, err = h.gateway.Call(ctx, CallRequest{
		SessionID: "s1", TenantID: "t1", ToolName: "db_query",
	})
	if !gateerr.IsKind(err, gateerr.KindUnavailable) {
		t.Fatalf("gateway got %v, want unavailable", err)
	}
	if h.invoke.count() != 0 {
		t.Error("tool executed during kill-store outage")
	}
}

func TestHealthRecoveredEmittedOncePerTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	flaky := &flakyKillStore{inner: h.kill.store}
	h.kill.store = flaky

	recoveredEvents := func() int {
		events, err := h.store.Events(ctx, SystemSessionID, SystemTenantID)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, ev := range events {
			if ev.Kind == trace.KindHealth && ev.Reason == "health.recovered" {
				n++
			}
		}
		return n
	}

	// Healthy reads emit nothing.
	if _, err := h.kill.Check(ctx, "s1", "db_query"); err != nil {
		t.Fatal(err)
	}
	if got := recoveredEvents(); got != 0 {
		t.Fatalf("recovered events before outage = %d", got)
	}

	// Outage, then recovery: exactly one event.
	flaky.failing.Store(true)
	if _, err := h.kill.Check(ctx, "s1", "db_query"); err == nil {
		t.Fatal("outage not observed")
	}
	flaky.failing.Store(false)
	for i := 0; i < 3; i++ {
		if _, err := h.kill.Check(ctx, "s1", "db_query"); err != nil {
			t.Fatal(err)
		}
	}
	if got := recoveredEvents(); got != 1 {
		t.Errorf("recovered events after first outage = %d, want 1", got)
	}

	// A second outage cycle emits a second event.
	flaky.failing.Store(true)
	_, _ = h.kill.Check(ctx, "s1", "db_query")
	flaky.failing.Store(false)
	_, _ = h.kill.Check(ctx, "s1", "db_query")
	if got := recoveredEvents(); got != 2 {
		t.Errorf("recovered events after second outage = %d, want 2", got)
	}
}

func TestKillMutationRecordedAsTraceEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.EnsureSession(ctx, "s1", "t1")

	if err := h.kill.Set(ctx, killswitch.ScopeSession, "s1", "op", "contain", true); err != nil {
		t.Fatal(err)
	}

	events, err := h.store.Events(ctx, "s1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == trace.KindKill && ev.Reason == "contain" {
			found = true
		}
	}
	if !found {
		t.Error("session kill not recorded in session trace")
	}
}
