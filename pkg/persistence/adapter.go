// Package persistence defines the durable-store contract (spec §4.4):
// per-instance context, an append-only event/history log, snapshots,
// and the transactional scope every process() call routes its writes
// through. Concrete adapters live in pkg/persistence/memstore and
// pkg/persistence/sqlstore. Grounded on the teacher's
// pkg/statemachine.PersistenceProvider (Save/Load/Delete/List) and
// pkg/db.Pool's driver-agnostic connection pooling, generalized to the
// richer contract (events, history, snapshots, transactions,
// validate/repair, export/import) this engine's data model requires.
package persistence

import (
	"context"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/sredcontext"
)

// Adapter is the durable store every instance manager is built against.
type Adapter interface {
	// Begin opens a transactional scope. Callers thread the returned
	// context through every subsequent call on the same logical task;
	// Commit/Rollback are called on the returned Scope.
	Begin(ctx context.Context) (context.Context, Scope, error)

	SaveContext(ctx context.Context, c sredcontext.StateContext) error
	LoadContext(ctx context.Context, id string) (*sredcontext.StateContext, error)
	DeleteContext(ctx context.Context, id string) error
	ListContextIDs(ctx context.Context) ([]string, error)

	SaveEvent(ctx context.Context, contextID string, e event.Event) error
	SaveStateHistory(ctx context.Context, entry sredcontext.StateHistoryEntry) error
	GetStateHistory(ctx context.Context, contextID string) ([]sredcontext.StateHistoryEntry, error)

	FindPausedInstances(ctx context.Context) ([]string, error)

	CreateSnapshot(ctx context.Context, snap sredcontext.StateSnapshot) error
	ListSnapshots(ctx context.Context, contextID string) ([]sredcontext.StateSnapshot, error)
	LoadSnapshot(ctx context.Context, contextID, snapshotID string) (*sredcontext.StateSnapshot, error)
	LoadSnapshotByTime(ctx context.Context, contextID string, at time.Time) (*sredcontext.StateSnapshot, error)
	RollbackToSnapshot(ctx context.Context, contextID, snapshotID string) error
	DeleteSnapshot(ctx context.Context, contextID, snapshotID string) error

	ExportContext(ctx context.Context, id string) (*ExportedContext, error)
	ImportContext(ctx context.Context, exported ExportedContext, targetID string) (string, error)

	// Close drains in-flight work and rolls back any live transactions.
	Close(ctx context.Context) error
}
