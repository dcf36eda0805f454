package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// EvidenceService produces signed per-session audit artifacts.
// Redaction applies at read time with the mode recorded in metadata;
// archival is idempotent on identical content.
type EvidenceService struct {
	traces   trace.Store
	archives evidence.ArchiveStore
	signer   evidence.Signer
	renderer evidence.PDFRenderer
	redactor *trace.Redactor
	logger   *slog.Logger
}

// NewEvidenceService creates the exporter.
func NewEvidenceService(traces trace.Store, archives evidence.ArchiveStore, signer evidence.Signer,
	renderer evidence.PDFRenderer, redactor *trace.Redactor, logger *slog.Logger) *EvidenceService {
	if renderer == nil {
		renderer = evidence.PlainRenderer{}
	}
	return &EvidenceService{
		traces:   traces,
		archives: archives,
		signer:   signer,
		renderer: renderer,
		redactor: redactor,
		logger:   logger,
	}
}

// Export builds the artifact for one session in the requested format.
func (s *EvidenceService) Export(ctx context.Context, sessionID, tenantID string, format evidence.Format) (*evidence.Export, error) {
	sess, err := s.traces.GetSession(ctx, sessionID, tenantID)
	if err != nil {
		return nil, err
	}
	events, err := s.traces.Events(ctx, sessionID, sess.TenantID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, gateerr.Newf(gateerr.KindNotFound, "session %s has no events", sessionID)
	}

	// Read-time redaction: exports carry redacted payloads even when
	// the store holds more.
	for i := range events {
		events[i].Payload = s.redactor.Apply(events[i].Payload)
	}

	tree, err := evidence.NewTree(events)
	if err != nil {
		return nil, err
	}

	meta := evidence.Metadata{
		SessionID:     sessionID,
		TenantID:      sess.TenantID,
		Format:        format,
		GeneratedAt:   time.Now().UTC(),
		EventCount:    len(events),
		MerkleRoot:    tree.Root(),
		RedactionMode: string(s.redactor.Mode()),
		Algorithm:     s.signer.Algorithm(),
	}

	var payload []byte
	switch format {
	case evidence.FormatJSON:
		proofs := make([]evidence.Proof, len(events))
		for i, ev := range events {
			proofs[i], err = tree.ProofFor(i, ev.EventID)
			if err != nil {
				return nil, err
			}
		}
		payload, err = evidence.RenderJSON(meta, events, proofs)
	case evidence.FormatHTML:
		payload, err = evidence.RenderHTML(meta, events)
	case evidence.FormatPDF:
		payload, err = s.renderer.Render(meta, events)
	default:
		return nil, gateerr.Newf(gateerr.KindValidation, "unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}

	sig, err := s.signer.Sign(payload)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindUnavailable, "evidence signing failed", err)
	}
	meta.KeySource = sig.KeySource

	return &evidence.Export{
		Metadata:  meta,
		Payload:   payload,
		Signature: sig,
	}, nil
}

// Archive writes the export into the write-once archive table.
// Identical content returns the existing row's metadata.
func (s *EvidenceService) Archive(ctx context.Context, exp *evidence.Export) (*evidence.Archive, bool, error) {
	sum := sha256.Sum256(exp.Payload)
	metaJSON, err := json.Marshal(struct {
		Metadata  evidence.Metadata       `json:"metadata"`
		Signature evidence.SignatureBlock `json:"signature"`
	}{exp.Metadata, exp.Signature})
	if err != nil {
		return nil, false, err
	}

	archive, created, err := s.archives.PutArchive(ctx, evidence.Archive{
		SessionID:     exp.Metadata.SessionID,
		Format:        string(exp.Metadata.Format),
		IntegrityHash: hex.EncodeToString(sum[:]),
		Payload:       exp.Payload,
		Metadata:      string(metaJSON),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("evidence archived",
			"session", exp.Metadata.SessionID, "format", exp.Metadata.Format)
	}
	return archive, created, nil
}

// Verify checks a payload against its signature block offline.
func (s *EvidenceService) Verify(payload []byte, block evidence.SignatureBlock) bool {
	return s.signer.Verify(payload, block)
}
