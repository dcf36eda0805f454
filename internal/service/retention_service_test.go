package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

func TestRetentionWorkerPurges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.store.EnsureSession(ctx, "old", "t1")
	_, _ = h.store.Append(ctx, trace.Event{SessionID: "old", TenantID: "t1", Kind: trace.KindToolCall})
	if err := h.store.SetRetention(ctx, "old", time.Now().Add(-time.Hour), false); err != nil {
		t.Fatal(err)
	}

	_, _ = h.store.EnsureSession(ctx, "held", "t1")
	if err := h.store.SetRetention(ctx, "held", time.Now().Add(-time.Hour), true); err != nil {
		t.Fatal(err)
	}

	w := NewRetentionWorker(h.store, time.Hour, quietLogger())
	w.purge(ctx)

	if _, err := h.store.GetSession(ctx, "old", "t1"); !gateerr.IsKind(err, gateerr.KindNotFound) {
		t.Errorf("expired session survived purge: %v", err)
	}
	if _, err := h.store.GetSession(ctx, "held", "t1"); err != nil {
		t.Errorf("held session purged: %v", err)
	}
}

func TestWorkerLifecyclesStopCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewRetentionWorker(h.store, time.Hour, quietLogger())
	w.Start(ctx)

	m := NewSLOMonitor(SLOConfig{}, h.store, quietLogger())
	m.Start(ctx)

	h.quar.Start(ctx, h.gateway.Notices())

	w.Stop()
	m.Stop()
	h.quar.Stop()
}
