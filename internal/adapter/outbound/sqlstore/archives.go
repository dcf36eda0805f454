package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// PutArchive inserts an evidence archive. Re-archiving identical
// content returns the existing row unchanged (created=false); the
// storage-layer guards reject any mutation attempt.
func (s *Store) PutArchive(ctx context.Context, a evidence.Archive) (*evidence.Archive, bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO evidence_archives (session_id, format, integrity_hash, payload, metadata, created_at)
  VALUES (?, ?, ?, ?, ?, ?)`),
		a.SessionID, a.Format, a.IntegrityHash, a.Payload, a.Metadata, a.CreatedAt)
	if err == nil {
		return &a, true, nil
	}
	if !s.d.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("archive evidence: %w", err)
	}
	existing, err := s.GetArchive(ctx, a.SessionID, a.Format, a.IntegrityHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetArchive reads one archive row.
func (s *Store) GetArchive(ctx context.Context, sessionID, format, integrityHash string) (*evidence.Archive, error) {
	var a evidence.Archive
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT session_id, format, integrity_hash, payload, metadata, created_at
   FROM evidence_archives
  WHERE session_id = ? AND format = ? AND integrity_hash = ?`),
		sessionID, format, integrityHash).
		Scan(&a.SessionID, &a.Format, &a.IntegrityHash, &a.Payload, &a.Metadata, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, gateerr.New(gateerr.KindNotFound, "evidence archive not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	return &a, nil
}

// ListArchives returns archive metadata for a session, oldest first.
func (s *Store) ListArchives(ctx context.Context, sessionID string) ([]evidence.Archive, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT session_id, format, integrity_hash, metadata, created_at
   FROM evidence_archives WHERE session_id = ? ORDER BY created_at ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var out []evidence.Archive
	for rows.Next() {
		var a evidence.Archive
		if err := rows.Scan(&a.SessionID, &a.Format, &a.IntegrityHash, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutCheckpoint inserts a transparency checkpoint. A duplicate insert
// with the identical key returns the existing row.
func (s *Store) PutCheckpoint(ctx context.Context, c evidence.Checkpoint) (*evidence.Checkpoint, bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO transparency_checkpoints (session_id, root_hash, anchor_source, receipt, created_at)
  VALUES (?, ?, ?, ?, ?)`),
		c.SessionID, c.RootHash, c.AnchorSource, c.Receipt, c.CreatedAt)
	if err == nil {
		return &c, true, nil
	}
	if !s.d.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("write checkpoint: %w", err)
	}
	existing, err := s.GetCheckpoint(ctx, c.SessionID, c.RootHash, c.AnchorSource)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetCheckpoint reads one checkpoint row.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID, rootHash, anchorSource string) (*evidence.Checkpoint, error) {
	var c evidence.Checkpoint
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT session_id, root_hash, anchor_source, COALESCE(receipt, ''), created_at
   FROM transparency_checkpoints
  WHERE session_id = ? AND root_hash = ? AND anchor_source = ?`),
		sessionID, rootHash, anchorSource).
		Scan(&c.SessionID, &c.RootHash, &c.AnchorSource, &c.Receipt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, gateerr.New(gateerr.KindNotFound, "transparency checkpoint not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &c, nil
}

// ListCheckpoints returns all checkpoints for a session.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]evidence.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT session_id, root_hash, anchor_source, COALESCE(receipt, ''), created_at
   FROM transparency_checkpoints WHERE session_id = ? ORDER BY created_at ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []evidence.Checkpoint
	for rows.Next() {
		var c evidence.Checkpoint
		if err := rows.Scan(&c.SessionID, &c.RootHash, &c.AnchorSource, &c.Receipt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var (
	_ evidence.ArchiveStore    = (*Store)(nil)
	_ evidence.CheckpointStore = (*Store)(nil)
)
