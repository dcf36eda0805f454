package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/agentgate/agentgate/internal/adapter/outbound/anchor"
	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedSession(t *testing.T, h *harness, sessionID string, events int) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.EnsureSession(ctx, sessionID, "t1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < events; i++ {
		if _, err := h.store.Append(ctx, trace.Event{
			SessionID: sessionID, TenantID: "t1",
			Kind: trace.KindDecision, ToolName: "db_query",
			Decision: trace.DecisionAllow, Reason: "tool_allowlisted",
			Payload: map[string]any{"api_key": "sk-123", "query": "select 1"},
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func newEvidenceService(h *harness, mode trace.RedactionMode) *EvidenceService {
	signer := evidence.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"), evidence.KeySourceEnv)
	return NewEvidenceService(h.store, h.store, signer, nil,
		trace.NewRedactor(mode, "salt"), quietLogger())
}

func TestExportSignedAndVerifiable(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "s1", 4)
	svc := newEvidenceService(h, trace.RedactOff)

	for _, format := range []evidence.Format{evidence.FormatJSON, evidence.FormatHTML, evidence.FormatPDF} {
		exp, err := svc.Export(context.Background(), "s1", "t1", format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !svc.Verify(exp.Payload, exp.Signature) {
			t.Errorf("%s: unmodified export failed verification", format)
		}
		mutated := append([]byte{}, exp.Payload...)
		mutated[len(mutated)/2] ^= 0x01
		if svc.Verify(mutated, exp.Signature) {
			t.Errorf("%s: single-byte mutation passed verification", format)
		}
		if exp.Metadata.MerkleRoot == "" || exp.Metadata.EventCount != 4 {
			t.Errorf("%s: metadata = %+v", format, exp.Metadata)
		}
	}
}

func TestExportJSONCarriesVerifiableProofs(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "s1", 5)
	svc := newEvidenceService(h, trace.RedactOff)

	exp, err := svc.Export(context.Background(), "s1", "t1", evidence.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Metadata evidence.Metadata `json:"metadata"`
		Events   []trace.Event     `json:"events"`
		Proofs   []evidence.Proof  `json:"proofs"`
	}
	if err := json.Unmarshal(exp.Payload, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Proofs) != len(doc.Events) {
		t.Fatalf("proofs=%d events=%d", len(doc.Proofs), len(doc.Events))
	}
	for i, ev := range doc.Events {
		if !evidence.VerifyInclusion(doc.Metadata.MerkleRoot, ev, doc.Proofs[i]) {
			t.Errorf("event %d: inclusion proof failed", ev.EventID)
		}
	}
}

func TestExportRedactsAtReadTime(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "s1", 1)
	svc := newEvidenceService(h, trace.RedactMask)

	exp, err := svc.Export(context.Background(), "s1", "t1", evidence.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if exp.Metadata.RedactionMode != string(trace.RedactMask) {
		t.Errorf("metadata redaction mode = %s", exp.Metadata.RedactionMode)
	}
	var doc struct {
		Events []trace.Event `json:"events"`
	}
	_ = json.Unmarshal(exp.Payload, &doc)
	if doc.Events[0].Payload["api_key"] != "***REDACTED***" {
		t.Errorf("api_key not redacted in export: %v", doc.Events[0].Payload["api_key"])
	}
	if doc.Events[0].Payload["query"] != "select 1" {
		t.Errorf("non-sensitive payload mutated: %v", doc.Events[0].Payload["query"])
	}
}

func TestArchiveIdempotent(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "s1", 2)
	svc := newEvidenceService(h, trace.RedactOff)
	ctx := context.Background()

	exp, err := svc.Export(ctx, "s1", "t1", evidence.FormatHTML)
	if err != nil {
		t.Fatal(err)
	}
	first, created, err := svc.Archive(ctx, exp)
	if err != nil || !created {
		t.Fatalf("first archive: created=%v err=%v", created, err)
	}
	second, created, err := svc.Archive(ctx, exp)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("identical re-archive reported created=true")
	}
	if second.IntegrityHash != first.IntegrityHash {
		t.Error("re-archive returned a different row")
	}
}

func TestTransparencyRootAndAnchor(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "s1", 3)

	witness := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"witness":"receipt-1"}`))
	}))
	defer witness.Close()

	anchorer, err := anchor.New(witness.URL, []string{"http", "https"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewTransparencyService(h.store, h.store, anchorer, quietLogger())
	ctx := context.Background()

	root, err := svc.Root(ctx, "s1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if root.EventCount != 3 || len(root.Proofs) != 3 {
		t.Fatalf("root = %+v", root)
	}

	checkpoint, err := svc.AnchorRoot(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if checkpoint.Receipt == "" {
		t.Error("checkpoint has no receipt")
	}

	// Anchoring again returns the same write-once checkpoint.
	again, err := svc.AnchorRoot(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if again.Receipt != checkpoint.Receipt {
		t.Error("duplicate anchor produced a different checkpoint")
	}
}

func TestAnchorSchemeAllowlist(t *testing.T) {
	_, err := anchor.New("ftp://witness.example", nil, 0)
	if !gateerr.IsKind(err, gateerr.KindValidation) {
		t.Fatalf("got %v, want validation (scheme not allowlisted)", err)
	}
	// Default allowlist is https only.
	if _, err := anchor.New("http://witness.example", nil, 0); err == nil {
		t.Error("http accepted by the default allowlist")
	}
	if _, err := anchor.New("https://witness.example", nil, 0); err != nil {
		t.Errorf("https rejected by the default allowlist: %v", err)
	}
}

func TestExportEmptySessionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.EnsureSession(ctx, "empty", "t1")
	svc := newEvidenceService(h, trace.RedactOff)

	_, err := svc.Export(ctx, "empty", "t1", evidence.FormatJSON)
	if !gateerr.IsKind(err, gateerr.KindNotFound) {
		t.Fatalf("got %v, want not_found", err)
	}
}
