package evidence

import (
	"context"
	"time"
)

// Archive is one write-once evidence archive row. The composite key
// (SessionID, Format, IntegrityHash) is unique; rows are never updated
// or deleted.
type Archive struct {
	SessionID     string    `json:"session_id"`
	Format        string    `json:"format"`
	IntegrityHash string    `json:"integrity_hash"`
	Payload       []byte    `json:"-"`
	Metadata      string    `json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
}

// Checkpoint is one write-once transparency checkpoint row, keyed by
// (SessionID, RootHash, AnchorSource).
type Checkpoint struct {
	SessionID    string    `json:"session_id"`
	RootHash     string    `json:"root_hash"`
	AnchorSource string    `json:"anchor_source"`
	Receipt      string    `json:"receipt"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArchiveStore is the outbound port for the write-once archive table.
type ArchiveStore interface {
	// PutArchive inserts an archive. Re-archiving identical content
	// returns the existing row with created=false.
	PutArchive(ctx context.Context, a Archive) (existing *Archive, created bool, err error)

	// ListArchives returns archive metadata for a session, oldest first.
	ListArchives(ctx context.Context, sessionID string) ([]Archive, error)
}

// CheckpointStore is the outbound port for the write-once checkpoint
// table.
type CheckpointStore interface {
	// PutCheckpoint inserts a checkpoint. A duplicate insert with the
	// identical key returns the existing row with created=false.
	PutCheckpoint(ctx context.Context, c Checkpoint) (existing *Checkpoint, created bool, err error)

	// ListCheckpoints returns all checkpoints for a session.
	ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)
}
