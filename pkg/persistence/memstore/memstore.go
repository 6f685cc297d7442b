// Package memstore implements pkg/persistence.Adapter entirely in
// memory: the default backend for tests and the demo binary. Grounded
// on the teacher's pkg/statemachine.MemoryPersistenceAdapter
// (mutex-guarded map keyed by instance id), generalized to the richer
// contract (events, history, snapshots, transactions, validate/repair,
// export/import) spec §4.4 requires.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/persistence"
	"github.com/quadgate/sred/pkg/sredcontext"
)

type record struct {
	ctx       sredcontext.StateContext
	events    []event.Event
	history   []sredcontext.StateHistoryEntry
	snapshots []sredcontext.StateSnapshot
}

// Store is an in-memory, mutex-guarded implementation of
// persistence.Adapter.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	closed  bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*record)}
}

var _ persistence.Adapter = (*Store)(nil)

// txn stages writes so Commit applies them all at once and Rollback
// discards them untouched, matching spec §4.4's atomicity requirement
// for a process() call's saveEvent+saveContext+saveStateHistory trio.
type txn struct {
	store     *Store
	mu        sync.Mutex
	committed bool
	rolled    bool
	ops       []func(*Store)
}

func (t *txn) stage(op func(*Store)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
}

func (t *txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolled {
		return &persistence.Error{Code: persistence.CodeTransactionNotFound, Message: "transaction already finished"}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		op(t.store)
	}
	t.committed = true
	return nil
}

func (t *txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return &persistence.Error{Code: persistence.CodeTransactionNotFound, Message: "transaction already committed"}
	}
	t.rolled = true
	t.ops = nil
	return nil
}

// Begin opens a transactional scope. Writes made through the returned
// context are staged until Commit.
func (s *Store) Begin(ctx context.Context) (context.Context, persistence.Scope, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ctx, nil, &persistence.Error{Code: persistence.CodeAdapterClosed, Message: "memstore adapter is closed"}
	}
	t := &txn{store: s}
	return persistence.WithScope(ctx, t), t, nil
}

func (s *Store) scopeFrom(ctx context.Context) *txn {
	if sc, ok := persistence.ScopeFrom(ctx); ok {
		if t, ok := sc.(*txn); ok {
			return t
		}
	}
	return nil
}

func (s *Store) getOrCreate(id string) *record {
	r, ok := s.records[id]
	if !ok {
		r = &record{}
		s.records[id] = r
	}
	return r
}

// SaveContext upserts the context by id, staged under any active scope.
func (s *Store) SaveContext(ctx context.Context, c sredcontext.StateContext) error {
	apply := func(st *Store) {
		st.getOrCreate(c.ID).ctx = c
	}
	if t := s.scopeFrom(ctx); t != nil {
		t.stage(apply)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(s)
	return nil
}

// LoadContext returns the persisted context, or nil if absent.
func (s *Store) LoadContext(ctx context.Context, id string) (*sredcontext.StateContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	c := r.ctx
	return &c, nil
}

// DeleteContext cascades to events, history, and snapshots.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	apply := func(st *Store) { delete(st.records, id) }
	if t := s.scopeFrom(ctx); t != nil {
		t.stage(apply)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(s)
	return nil
}

// ListContextIDs returns ids ordered by last-update descending.
func (s *Store) ListContextIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.records[ids[i]].ctx.LastUpdatedAt.After(s.records[ids[j]].ctx.LastUpdatedAt)
	})
	return ids, nil
}

// SaveEvent appends one event-log row, staged under any active scope.
func (s *Store) SaveEvent(ctx context.Context, contextID string, e event.Event) error {
	apply := func(st *Store) {
		r := st.getOrCreate(contextID)
		r.events = append(r.events, e)
	}
	if t := s.scopeFrom(ctx); t != nil {
		t.stage(apply)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(s)
	return nil
}

// SaveStateHistory appends one history row, staged under any active scope.
func (s *Store) SaveStateHistory(ctx context.Context, entry sredcontext.StateHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	apply := func(st *Store) {
		r := st.getOrCreate(entry.ContextID)
		r.history = append(r.history, entry)
	}
	if t := s.scopeFrom(ctx); t != nil {
		t.stage(apply)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(s)
	return nil
}

// GetStateHistory returns a context's history in ascending timestamp
// order.
func (s *Store) GetStateHistory(ctx context.Context, contextID string) ([]sredcontext.StateHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[contextID]
	if !ok {
		return nil, nil
	}
	out := append([]sredcontext.StateHistoryEntry{}, r.history...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// FindPausedInstances returns every context id whose metadata carries
// the _pausedAt marker.
func (s *Store) FindPausedInstances(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.records {
		if r.ctx.IsPaused() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateSnapshot stores a durable point-in-time copy, content-hash
// stamped so a later load can detect corruption.
func (s *Store) CreateSnapshot(ctx context.Context, snap sredcontext.StateSnapshot) error {
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.New().String()
	}
	snap, err := persistence.StampContentHash(snap)
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: "hashing snapshot content", Cause: err}
	}
	apply := func(st *Store) {
		r := st.getOrCreate(snap.ContextID)
		r.snapshots = append(r.snapshots, snap)
	}
	if t := s.scopeFrom(ctx); t != nil {
		t.stage(apply)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(s)
	return nil
}

// ListSnapshots returns a context's snapshots in ascending timestamp
// order.
func (s *Store) ListSnapshots(ctx context.Context, contextID string) ([]sredcontext.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[contextID]
	if !ok {
		return nil, nil
	}
	out := append([]sredcontext.StateSnapshot{}, r.snapshots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// LoadSnapshot returns one snapshot by id, or nil if absent. Returns a
// CodeCorrupted error if the stored content hash no longer matches the
// snapshot's contents.
func (s *Store) LoadSnapshot(ctx context.Context, contextID, snapshotID string) (*sredcontext.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[contextID]
	if !ok {
		return nil, nil
	}
	for _, snap := range r.snapshots {
		if snap.SnapshotID == snapshotID {
			out := snap
			if err := persistence.VerifyContentHash(out); err != nil {
				return nil, err
			}
			return &out, nil
		}
	}
	return nil, nil
}

// LoadSnapshotByTime returns the snapshot with the latest timestamp at
// or before t.
func (s *Store) LoadSnapshotByTime(ctx context.Context, contextID string, at time.Time) (*sredcontext.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[contextID]
	if !ok {
		return nil, nil
	}
	var best *sredcontext.StateSnapshot
	for i := range r.snapshots {
		snap := r.snapshots[i]
		if snap.Timestamp.After(at) {
			continue
		}
		if best == nil || snap.Timestamp.After(best.Timestamp) {
			out := snap
			best = &out
		}
	}
	return best, nil
}

// RollbackToSnapshot snapshots the current state first (description
// "pre-rollback", per spec §4.4), then restores the context to the
// target snapshot's embedded value.
func (s *Store) RollbackToSnapshot(ctx context.Context, contextID, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[contextID]
	if !ok {
		return &persistence.Error{Code: persistence.CodeNotFound, Message: "context not found: " + contextID}
	}
	var target *sredcontext.StateSnapshot
	for i := range r.snapshots {
		if r.snapshots[i].SnapshotID == snapshotID {
			out := r.snapshots[i]
			target = &out
			break
		}
	}
	if target == nil {
		return &persistence.Error{Code: persistence.CodeNotFound, Message: "snapshot not found: " + snapshotID}
	}
	if err := persistence.VerifyContentHash(*target); err != nil {
		return err
	}
	preRollback, err := persistence.StampContentHash(sredcontext.StateSnapshot{
		SnapshotID:  uuid.New().String(),
		ContextID:   contextID,
		Timestamp:   time.Now().UTC(),
		Description: "pre-rollback",
		Context:     r.ctx,
	})
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: "hashing pre-rollback snapshot", Cause: err}
	}
	r.snapshots = append(r.snapshots, preRollback)
	r.ctx = target.Context
	return nil
}

// DeleteSnapshot removes one snapshot by id.
func (s *Store) DeleteSnapshot(ctx context.Context, contextID, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[contextID]
	if !ok {
		return nil
	}
	for i, snap := range r.snapshots {
		if snap.SnapshotID == snapshotID {
			r.snapshots = append(r.snapshots[:i], r.snapshots[i+1:]...)
			return nil
		}
	}
	return nil
}

const exportVersion = "1"

// ExportContext bundles a context, its history, and its snapshots into
// a portable value.
func (s *Store) ExportContext(ctx context.Context, id string) (*persistence.ExportedContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, &persistence.Error{Code: persistence.CodeNotFound, Message: "context not found: " + id}
	}
	return &persistence.ExportedContext{
		Context:        r.ctx,
		History:        append([]sredcontext.StateHistoryEntry{}, r.history...),
		Snapshots:      append([]sredcontext.StateSnapshot{}, r.snapshots...),
		Metadata:       r.ctx.Metadata(),
		ExportedAt:     time.Now().UTC(),
		SourceInstance: id,
		Version:        exportVersion,
	}, nil
}

// ImportContext restores an exported bundle, optionally under a new id.
// Identity is preserved (targetID == "") unless the caller supplies one.
func (s *Store) ImportContext(ctx context.Context, exported persistence.ExportedContext, targetID string) (string, error) {
	id := targetID
	if id == "" {
		id = exported.Context.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	imported := exported.Context
	if targetID != "" {
		imported.ID = targetID
	}
	s.records[id] = &record{
		ctx:       imported,
		history:   append([]sredcontext.StateHistoryEntry{}, exported.History...),
		snapshots: append([]sredcontext.StateSnapshot{}, exported.Snapshots...),
	}
	return id, nil
}

// Close marks the adapter closed; subsequent Begin calls fail with
// ADAPTER_CLOSED. There is nothing to drain for an in-memory store.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
