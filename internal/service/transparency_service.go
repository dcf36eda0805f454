package service

import (
	"context"
	"log/slog"

	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
	"github.com/agentgate/agentgate/internal/domain/trace"
)

// Anchorer posts a session root to an external witness. Implemented by
// the anchor client.
type Anchorer interface {
	Source() string
	Anchor(ctx context.Context, sessionID, rootHash string) (string, error)
}

// SessionRoot is the transparency view of one session.
type SessionRoot struct {
	SessionID  string               `json:"session_id"`
	RootHash   string               `json:"root_hash"`
	EventCount int                  `json:"event_count"`
	Proofs     []evidence.Proof     `json:"proofs"`
	Checkpoint *evidence.Checkpoint `json:"checkpoint,omitempty"`
}

// TransparencyService computes Merkle session roots and writes
// anchored checkpoints.
type TransparencyService struct {
	traces      trace.Store
	checkpoints evidence.CheckpointStore
	anchorer    Anchorer
	logger      *slog.Logger
}

// NewTransparencyService creates the service; anchorer may be nil when
// anchoring is disabled.
func NewTransparencyService(traces trace.Store, checkpoints evidence.CheckpointStore, anchorer Anchorer, logger *slog.Logger) *TransparencyService {
	return &TransparencyService{
		traces:      traces,
		checkpoints: checkpoints,
		anchorer:    anchorer,
		logger:      logger,
	}
}

// Root computes the session root and per-event inclusion proofs.
func (s *TransparencyService) Root(ctx context.Context, sessionID, tenantID string) (*SessionRoot, error) {
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

	tree, err := evidence.NewTree(events)
	if err != nil {
		return nil, err
	}
	root := &SessionRoot{
		SessionID:  sessionID,
		RootHash:   tree.Root(),
		EventCount: len(events),
	}
	for i, ev := range events {
		proof, err := tree.ProofFor(i, ev.EventID)
		if err != nil {
			return nil, err
		}
		root.Proofs = append(root.Proofs, proof)
	}
	return root, nil
}

// AnchorRoot writes the checkpoint, anchoring at the witness when one
// is configured. Duplicate checkpoints return the existing row.
func (s *TransparencyService) AnchorRoot(ctx context.Context, root *SessionRoot) (*evidence.Checkpoint, error) {
	if s.anchorer == nil {
		return nil, gateerr.New(gateerr.KindValidation, "anchoring is not configured")
	}

	receipt, err := s.anchorer.Anchor(ctx, root.SessionID, root.RootHash)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindUnavailable, "anchor witness unreachable", err)
	}

	checkpoint, created, err := s.checkpoints.PutCheckpoint(ctx, evidence.Checkpoint{
		SessionID:    root.SessionID,
		RootHash:     root.RootHash,
		AnchorSource: s.anchorer.Source(),
		Receipt:      receipt,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("transparency checkpoint anchored",
			"session", root.SessionID, "root", root.RootHash)
	}
	return checkpoint, nil
}
