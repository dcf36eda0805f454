package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/incident"
	"github.com/agentgate/agentgate/internal/domain/rollout"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "trace.db")
	store, err := Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestMigrateIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestEnsureSessionBindsTenantOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.EnsureSession(ctx, "s1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.TenantID != "t1" {
		t.Errorf("tenant = %s, want t1", sess.TenantID)
	}

	// Same tenant is a no-op.
	if _, err := store.EnsureSession(ctx, "s1", "t1"); err != nil {
		t.Errorf("re-bind with same tenant: %v", err)
	}

	// A second tenant must conflict.
	_, err = store.EnsureSession(ctx, "s1", "t2")
	if !gateerr.IsKind(err, gateerr.KindTenantConflict) {
		t.Errorf("second tenant: got %v, want tenant_conflict", err)
	}
}

func TestAppendAssignsDenseEventIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, "s1", "t1"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		ev, err := store.Append(ctx, trace.Event{
			SessionID: "s1",
			TenantID:  "t1",
			Kind:      trace.KindDecision,
			Decision:  trace.DecisionAllow,
		})
		if err != nil {
			t.Fatal(err)
		}
		if ev.EventID != int64(i) {
			t.Errorf("event %d got id %d", i, ev.EventID)
		}
		if ev.IntegrityHash == "" {
			t.Error("integrity hash not assigned")
		}
	}

	events, err := store.Events(ctx, "s1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.EventID != int64(i+1) {
			t.Errorf("position %d has id %d", i, ev.EventID)
		}
		if got := ev.ComputeIntegrityHash(); got != ev.IntegrityHash {
			t.Errorf("event %d: stored hash does not recompute", ev.EventID)
		}
	}
}

func TestEventsTenantScoped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _ = store.EnsureSession(ctx, "s1", "t1")
	_, _ = store.Append(ctx, trace.Event{SessionID: "s1", TenantID: "t1", Kind: trace.KindToolCall})

	events, err := store.Events(ctx, "s1", "t2")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("cross-tenant read returned %d events", len(events))
	}
}

func TestLegalHoldBlocksDeletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _ = store.EnsureSession(ctx, "s1", "t1")
	_, _ = store.Append(ctx, trace.Event{SessionID: "s1", TenantID: "t1", Kind: trace.KindToolCall})

	past := time.Now().Add(-time.Hour)
	if err := store.SetRetention(ctx, "s1", past, true); err != nil {
		t.Fatal(err)
	}

	err := store.DeleteSession(ctx, "s1")
	if !gateerr.IsKind(err, gateerr.KindLegalHoldSet) {
		t.Fatalf("delete under hold: got %v, want legal_hold_set", err)
	}

	purged, err := store.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 0 {
		t.Errorf("purge removed %d sessions under hold", purged)
	}

	// Clearing the hold makes the expired session purgeable.
	if err := store.SetRetention(ctx, "s1", past, false); err != nil {
		t.Fatal(err)
	}
	purged, err = store.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purge removed %d sessions, want 1", purged)
	}
	if _, err := store.GetSession(ctx, "s1", "t1"); !gateerr.IsKind(err, gateerr.KindNotFound) {
		t.Errorf("session still present after purge: %v", err)
	}
}

func TestArchiveWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := evidence.Archive{
		SessionID:     "s1",
		Format:        "json",
		IntegrityHash: "abc123",
		Payload:       []byte(`{"ok":true}`),
		Metadata:      `{"algorithm":"hmac-sha256"}`,
	}
	first, created, err := store.PutArchive(ctx, a)
	if err != nil || !created {
		t.Fatalf("first put: created=%v err=%v", created, err)
	}

	second, created, err := store.PutArchive(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("identical re-archive reported created=true")
	}
	if second.Metadata != first.Metadata || string(second.Payload) != string(first.Payload) {
		t.Error("re-archive did not return the existing row")
	}

	// Storage-level guards reject mutation.
	if _, err := store.db.ExecContext(ctx, store.d.Rebind(
		`UPDATE evidence_archives SET metadata = ? WHERE session_id = ?`), "{}", "s1"); err == nil {
		t.Error("UPDATE on evidence_archives succeeded")
	} else if !store.d.IsImmutableViolation(err) {
		t.Errorf("UPDATE failed with unexpected error: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, store.d.Rebind(
		`DELETE FROM evidence_archives WHERE session_id = ?`), "s1"); err == nil {
		t.Error("DELETE on evidence_archives succeeded")
	}
}

func TestCheckpointWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := evidence.Checkpoint{SessionID: "s1", RootHash: "roothash", AnchorSource: "https://witness", Receipt: "r1"}
	_, created, err := store.PutCheckpoint(ctx, c)
	if err != nil || !created {
		t.Fatalf("first put: created=%v err=%v", created, err)
	}

	c.Receipt = "different"
	existing, created, err := store.PutCheckpoint(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if created || existing.Receipt != "r1" {
		t.Errorf("duplicate insert did not return existing row: created=%v receipt=%s", created, existing.Receipt)
	}

	if _, err := store.db.ExecContext(ctx, store.d.Rebind(
		`DELETE FROM transparency_checkpoints WHERE session_id = ?`), "s1"); err == nil {
		t.Error("DELETE on transparency_checkpoints succeeded")
	}
}

func TestSingleActiveIncident(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.CreateActive(ctx, incident.Incident{
		ID: "i1", SessionID: "s1", TenantID: "t1", State: incident.StateOpen, Reason: "risk",
	})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	second, created, err := store.CreateActive(ctx, incident.Incident{
		ID: "i2", SessionID: "s1", TenantID: "t1", State: incident.StateOpen, Reason: "risk again",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("second create won: created=%v id=%s", created, second.ID)
	}

	// Terminal state frees the slot.
	if err := store.Transition(ctx, "i1", incident.StateOpen, incident.StateFailed, ""); err != nil {
		t.Fatal(err)
	}
	_, created, err = store.CreateActive(ctx, incident.Incident{
		ID: "i3", SessionID: "s1", TenantID: "t1", State: incident.StateOpen, Reason: "new",
	})
	if err != nil || !created {
		t.Fatalf("create after terminal: created=%v err=%v", created, err)
	}
}

func TestIncidentTransitionConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, _ = store.CreateActive(ctx, incident.Incident{
		ID: "i1", SessionID: "s1", TenantID: "t1", State: incident.StateOpen,
	})

	if err := store.Transition(ctx, "i1", incident.StateOpen, incident.StateQuarantined, ""); err != nil {
		t.Fatal(err)
	}
	// A second identical transition loses the state condition.
	err := store.Transition(ctx, "i1", incident.StateOpen, incident.StateQuarantined, "")
	if !gateerr.IsKind(err, gateerr.KindConflict) {
		t.Errorf("stale transition: got %v, want conflict", err)
	}
}

func TestRevocationDeduplicated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, _ = store.CreateActive(ctx, incident.Incident{
		ID: "i1", SessionID: "s1", TenantID: "t1", State: incident.StateOpen,
	})

	created, err := store.RecordRevocation(ctx, incident.Revocation{
		IncidentID: "i1", CredentialID: "c1", Reason: "quarantine",
	})
	if err != nil || !created {
		t.Fatalf("first revocation: created=%v err=%v", created, err)
	}
	created, err = store.RecordRevocation(ctx, incident.Revocation{
		IncidentID: "i1", CredentialID: "c1", Reason: "quarantine",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate revocation reported created=true")
	}

	revs, err := store.Revocations(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 1 {
		t.Errorf("got %d revocation records, want 1", len(revs))
	}
}

func TestRolloutIdempotentCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.CreateRollout(ctx, rollout.Rollout{
		ID: "r1", TenantID: "t1", CandidateVersion: "v2", Stage: rollout.StageQueued,
	})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := store.CreateRollout(ctx, rollout.Rollout{
		ID: "r2", TenantID: "t1", CandidateVersion: "v2", Stage: rollout.StageQueued,
	})
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("duplicate start created a new rollout: created=%v id=%s", created, second.ID)
	}
}

func TestActivePackageSwitch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"v1", "v2"} {
		if err := store.SavePackage(ctx, "t1", v, "hash-"+v, "ci", "sig", []byte("bundle: "+v)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SetActivePackage(ctx, "t1", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetActivePackage(ctx, "t1", "v2"); err != nil {
		t.Fatal(err)
	}
	active, err := store.ActivePackageVersion(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if active != "v2" {
		t.Errorf("active = %s, want v2", active)
	}

	// Rollback path restores the previous version.
	if err := store.SetActivePackage(ctx, "t1", "v1"); err != nil {
		t.Fatal(err)
	}
	active, _ = store.ActivePackageVersion(ctx, "t1")
	if active != "v1" {
		t.Errorf("active after restore = %s, want v1", active)
	}
}

func TestReplayAnalysisRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.ReplayAnalysisExists(ctx, "t1", "v2")
	if err != nil || exists {
		t.Fatalf("exists=%v err=%v before save", exists, err)
	}
	if err := store.SaveReplayAnalysis(ctx, "t1", "v2", rollout.Signals{CriticalDrift: 3, TotalDrift: 10}); err != nil {
		t.Fatal(err)
	}
	sig, err := store.ReplaySignals(ctx, "t1", "v2")
	if err != nil {
		t.Fatal(err)
	}
	if sig.CriticalDrift != 3 || sig.TotalDrift != 10 {
		t.Errorf("signals = %+v", sig)
	}
}
