package persistence

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/quadgate/sred/pkg/sredcontext"
)

// ContentHashKey is the StateSnapshot.SnapshotMetadata key a snapshot's
// content hash is stored under (spec §4.4's corruption-detection
// requirement).
const ContentHashKey = "contentHash"

// hashableView is a deterministic, JSON-serializable projection of a
// StateContext built from its accessors — the same "serialize a
// shadow, not the private struct" idiom pkg/persistence/sqlstore's
// codec.go uses, needed here because StateContext's state/metadata
// maps are unexported.
type hashableView struct {
	ID             string                 `json:"id"`
	CurrentStateID string                 `json:"currentStateId"`
	LocalState     map[string]interface{} `json:"localState"`
	GlobalState    map[string]interface{} `json:"globalState"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// ContentHash computes a blake2b-256 digest over c's durable fields.
// map[string]interface{} values encode through encoding/json, which
// sorts object keys, so the digest is stable across process restarts
// regardless of map iteration order.
func ContentHash(c sredcontext.StateContext) (string, error) {
	view := hashableView{
		ID:             c.ID,
		CurrentStateID: c.CurrentStateID,
		LocalState:     c.LocalState(),
		GlobalState:    c.GlobalState(),
		Metadata:       c.Metadata(),
	}
	data, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("persistence: hashing context: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// StampContentHash returns a copy of snap with SnapshotMetadata's
// contentHash key set to the digest of snap.Context. Adapters call this
// in CreateSnapshot so every durably stored snapshot self-certifies its
// content.
func StampContentHash(snap sredcontext.StateSnapshot) (sredcontext.StateSnapshot, error) {
	hash, err := ContentHash(snap.Context)
	if err != nil {
		return snap, err
	}
	meta := make(map[string]interface{}, len(snap.SnapshotMetadata)+1)
	for k, v := range snap.SnapshotMetadata {
		meta[k] = v
	}
	meta[ContentHashKey] = hash
	snap.SnapshotMetadata = meta
	return snap, nil
}

// VerifyContentHash recomputes snap.Context's digest and compares it
// against the stored contentHash, if any. A snapshot with no stored
// hash (e.g. written before this check existed) is not flagged as
// corrupt. Used by the instance manager's LoadSnapshot and
// RollbackToSnapshot to detect storage corruption before an instance is
// restored to a tampered or truncated snapshot; export/import do not
// call it.
func VerifyContentHash(snap sredcontext.StateSnapshot) error {
	stored, ok := snap.SnapshotMetadata[ContentHashKey].(string)
	if !ok || stored == "" {
		return nil
	}
	actual, err := ContentHash(snap.Context)
	if err != nil {
		return err
	}
	if actual != stored {
		return newError(CodeCorrupted, nil,
			"snapshot %s content hash mismatch: stored %s, computed %s", snap.SnapshotID, stored, actual)
	}
	return nil
}
