// Package evidence contains the audit artifact domain: Merkle session
// roots with inclusion proofs, pluggable integrity signers, and the
// export envelope written by the evidence exporter.
package evidence

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/agentgate/agentgate/internal/domain/trace"
)

// LeafHash computes the Merkle leaf for one event:
// SHA-256(event_id as big-endian uint64 ‖ canonical event bytes).
func LeafHash(ev trace.Event) [32]byte {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(ev.EventID))
	h := sha256.New()
	h.Write(idBuf[:])
	h.Write(ev.Canonical())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Proof is an inclusion proof for one leaf. Siblings are ordered from
// the leaf level upward; Index is the leaf position in the tree.
type Proof struct {
	EventID  int64    `json:"event_id"`
	Index    int      `json:"index"`
	LeafHash string   `json:"leaf_hash"`
	Siblings []string `json:"siblings"`
}

// Tree is a binary Merkle tree over a session's events. Odd levels
// duplicate the last node, so every level pairs cleanly.
type Tree struct {
	leaves [][32]byte
	// levels[0] is the leaf level; levels[len-1] is the root level.
	levels [][][32]byte
}

// NewTree builds the tree over events ordered by EventID.
func NewTree(events []trace.Event) (*Tree, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("evidence: cannot build merkle tree over zero events")
	}
	leaves := make([][32]byte, len(events))
	for i, ev := range events {
		leaves[i] = LeafHash(ev)
	}

	levels := [][][32]byte{leaves}
	current := leaves
	for len(current) > 1 {
		if len(current)%2 == 1 {
			current = append(current, current[len(current)-1])
		}
		next := make([][32]byte, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			next = append(next, hashPair(current[i], current[i+1]))
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{leaves: leaves, levels: levels}, nil
}

// Root returns the hex-encoded root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return hex.EncodeToString(top[0][:])
}

// ProofFor returns the inclusion proof for the leaf at index.
func (t *Tree) ProofFor(index int, eventID int64) (Proof, error) {
	if index < 0 || index >= len(t.leaves) {
		return Proof{}, fmt.Errorf("evidence: leaf index %d out of range", index)
	}
	proof := Proof{
		EventID:  eventID,
		Index:    index,
		LeafHash: hex.EncodeToString(t.leaves[index][:]),
	}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		// Mirror the duplication rule used during construction.
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := pos ^ 1
		proof.Siblings = append(proof.Siblings, hex.EncodeToString(level[sibling][:]))
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusion recomputes the root from an event and its proof.
// Verification is deterministic and requires no network access.
func VerifyInclusion(root string, ev trace.Event, proof Proof) bool {
	leaf := LeafHash(ev)
	if hex.EncodeToString(leaf[:]) != proof.LeafHash {
		return false
	}
	current := leaf
	pos := proof.Index
	for _, sibHex := range proof.Siblings {
		sib, err := hex.DecodeString(sibHex)
		if err != nil || len(sib) != 32 {
			return false
		}
		var sibling [32]byte
		copy(sibling[:], sib)
		if pos%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		pos /= 2
	}
	return hex.EncodeToString(current[:]) == root
}

func hashPair(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{0x01}) // domain separation from leaves
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
