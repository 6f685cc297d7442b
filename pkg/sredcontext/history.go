package sredcontext

import "time"

// StateHistoryEntry is one append-only row of a context's transition
// history (spec §3).
type StateHistoryEntry struct {
	Timestamp   time.Time
	ContextID   string
	FromStateID *string // nil for the very first transition into a workflow
	ToStateID   string
	EventID     *string // nil for forced transitions and timeout actions
	Reason      string  // populated for forceTransition / timeout actions
}

// StateSnapshot is a durable, point-in-time copy of a context (spec §3,
// §4.4).
type StateSnapshot struct {
	SnapshotID       string
	ContextID        string
	Timestamp        time.Time
	Description      string
	Context          StateContext
	SnapshotMetadata map[string]interface{}
}
