// Package sqlstore is a database/sql-backed persistence.Adapter (spec
// §4.4), selectable between SQLite and Postgres by its explicit driver
// name (the DSN scheme is not inspected). Grounded on the teacher's pkg/db.Pool
// (fail-fast config validation, PingContext on open, driver-name
// indirection over database/sql) generalized from a raw connection
// pool into a full Adapter implementation storing contexts, events,
// history, and snapshots as JSON-valued columns.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "github.com/lib/pq"              // registers "postgres" driver
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3" driver

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/persistence"
	"github.com/quadgate/sred/pkg/sredcontext"
)

// Driver selects the database/sql driver name, deciding both the SQL
// dialect (placeholder style) and which vendored driver package handles
// the connection.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPgx      Driver = "pgx"
	DriverPostgres Driver = "postgres" // lib/pq
)

// Config configures a Store's underlying connection pool, mirroring the
// teacher's pkg/db.PoolConfig shape.
type Config struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a sensible pool configuration for driver/dsn.
func DefaultConfig(driver Driver, dsn string) Config {
	return Config{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store is a database/sql persistence.Adapter.
type Store struct {
	db     *sql.DB
	driver Driver
}

var _ persistence.Adapter = (*Store)(nil)

// Open validates cfg, opens the pool, pings it, and creates the schema
// if absent.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "DSN cannot be empty", Cause: nil}
	}
	if cfg.Driver == "" {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "driver cannot be empty", Cause: nil}
	}

	db, err := sql.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("opening %s connection", cfg.Driver), Cause: err}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("pinging %s", cfg.Driver), Cause: err}
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sred_contexts (
			id TEXT PRIMARY KEY,
			current_state_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			local_state TEXT NOT NULL,
			global_state TEXT NOT NULL,
			metadata TEXT NOT NULL,
			recent_events TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sred_events (
			context_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sred_history (
			context_id TEXT NOT NULL,
			from_state_id TEXT,
			to_state_id TEXT NOT NULL,
			event_id TEXT,
			reason TEXT,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sred_snapshots (
			context_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			description TEXT,
			context_blob TEXT NOT NULL,
			metadata TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &persistence.Error{Code: persistence.CodeUnavailable, Message: "creating schema", Cause: err}
		}
	}
	return nil
}

// Close drains the connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// --- transactional scope -------------------------------------------------

type txScope struct{ tx *sql.Tx }

func (t *txScope) Commit() error   { return t.tx.Commit() }
func (t *txScope) Rollback() error { return t.tx.Rollback() }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) Begin(ctx context.Context) (context.Context, persistence.Scope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "beginning transaction", Cause: err}
	}
	scope := &txScope{tx: tx}
	return persistence.WithScope(ctx, scope), scope, nil
}

func (s *Store) conn(ctx context.Context) querier {
	if scope, ok := persistence.ScopeFrom(ctx); ok {
		if tx, ok := scope.(*txScope); ok {
			return tx.tx
		}
	}
	return s.db
}

// --- contexts -------------------------------------------------------------

func (s *Store) SaveContext(ctx context.Context, c sredcontext.StateContext) error {
	local, _ := json.Marshal(c.LocalState())
	global, _ := json.Marshal(c.GlobalState())
	meta, _ := json.Marshal(c.Metadata())
	events, _ := marshalEvents(c.RecentEvents())

	q := s.conn(ctx)
	_, err := q.ExecContext(ctx, `DELETE FROM sred_contexts WHERE id = `+s.ph(1), c.ID)
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("deleting prior context row for %q", c.ID), Cause: err}
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO sred_contexts (id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata, recent_events)
		 VALUES (`+s.phList(8)+`)`,
		c.ID, c.CurrentStateID, c.CreatedAt.Format(time.RFC3339Nano), c.LastUpdatedAt.Format(time.RFC3339Nano),
		string(local), string(global), string(meta), string(events))
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("saving context %q", c.ID), Cause: err}
	}
	return nil
}

func (s *Store) LoadContext(ctx context.Context, id string) (*sredcontext.StateContext, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata, recent_events
		 FROM sred_contexts WHERE id = `+s.ph(1), id)

	var (
		rid, stateID, createdAt, updatedAt, local, global, meta, events string
	)
	if err := row.Scan(&rid, &stateID, &createdAt, &updatedAt, &local, &global, &meta, &events); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("loading context %q", id), Cause: err}
	}

	created, _ := time.Parse(time.RFC3339Nano, createdAt)
	updated, _ := time.Parse(time.RFC3339Nano, updatedAt)
	sc := sredcontext.New(rid, stateID, nil)
	sc.CreatedAt = created
	sc.LastUpdatedAt = updated

	var localMap, globalMap, metaMap map[string]interface{}
	json.Unmarshal([]byte(local), &localMap)
	json.Unmarshal([]byte(global), &globalMap)
	json.Unmarshal([]byte(meta), &metaMap)
	sc = sc.MergeLocal(localMap).MergeGlobal(globalMap).WithMetadata(metaMap)

	for _, e := range unmarshalEvents([]byte(events)) {
		sc = sc.WithEvent(e)
	}
	return &sc, nil
}

func (s *Store) DeleteContext(ctx context.Context, id string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM sred_contexts WHERE id = `+s.ph(1), id)
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("deleting context %q", id), Cause: err}
	}
	return nil
}

func (s *Store) ListContextIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM sred_contexts ORDER BY last_updated_at DESC`)
	if err != nil {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "listing context ids", Cause: err}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "scanning context id", Cause: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- events & history -------------------------------------------------------

func (s *Store) SaveEvent(ctx context.Context, contextID string, e event.Event) error {
	payload, _ := marshalEvent(e)
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO sred_events (context_id, event_id, payload, recorded_at) VALUES (`+s.phList(4)+`)`,
		contextID, e.ID(), string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("saving event for %q", contextID), Cause: err}
	}
	return nil
}

func (s *Store) SaveStateHistory(ctx context.Context, entry sredcontext.StateHistoryEntry) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO sred_history (context_id, from_state_id, to_state_id, event_id, reason, recorded_at) VALUES (`+s.phList(6)+`)`,
		entry.ContextID, entry.FromStateID, entry.ToStateID, entry.EventID, entry.Reason, entry.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("saving history for %q", entry.ContextID), Cause: err}
	}
	return nil
}

func (s *Store) GetStateHistory(ctx context.Context, contextID string) ([]sredcontext.StateHistoryEntry, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT context_id, from_state_id, to_state_id, event_id, reason, recorded_at FROM sred_history WHERE context_id = `+s.ph(1)+` ORDER BY recorded_at ASC`,
		contextID)
	if err != nil {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("loading history for %q", contextID), Cause: err}
	}
	defer rows.Close()

	var out []sredcontext.StateHistoryEntry
	for rows.Next() {
		var (
			cid, toState, recordedAt        string
			fromState, eventID, reason       sql.NullString
		)
		if err := rows.Scan(&cid, &fromState, &toState, &eventID, &reason, &recordedAt); err != nil {
			return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "scanning history row", Cause: err}
		}
		entry := sredcontext.StateHistoryEntry{ContextID: cid, ToStateID: toState, Reason: reason.String}
		if fromState.Valid {
			v := fromState.String
			entry.FromStateID = &v
		}
		if eventID.Valid {
			v := eventID.String
			entry.EventID = &v
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) FindPausedInstances(ctx context.Context) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id, metadata FROM sred_contexts`)
	if err != nil {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "scanning for paused instances", Cause: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, meta string
		if err := rows.Scan(&id, &meta); err != nil {
			return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: "scanning row", Cause: err}
		}
		var metaMap map[string]interface{}
		json.Unmarshal([]byte(meta), &metaMap)
		if _, paused := metaMap[sredcontext.MetaPausedAt]; paused {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- snapshots --------------------------------------------------------------

func (s *Store) CreateSnapshot(ctx context.Context, snap sredcontext.StateSnapshot) error {
	snap, err := persistence.StampContentHash(snap)
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: "hashing snapshot content", Cause: err}
	}
	blob, _ := marshalContext(snap.Context)
	meta, _ := json.Marshal(snap.SnapshotMetadata)
	_, err = s.conn(ctx).ExecContext(ctx,
		`INSERT INTO sred_snapshots (context_id, snapshot_id, description, context_blob, metadata, recorded_at) VALUES (`+s.phList(6)+`)`,
		snap.ContextID, snap.SnapshotID, snap.Description, string(blob), string(meta), snap.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("creating snapshot %q", snap.SnapshotID), Cause: err}
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, contextID string) ([]sredcontext.StateSnapshot, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT context_id, snapshot_id, description, context_blob, metadata, recorded_at FROM sred_snapshots WHERE context_id = `+s.ph(1)+` ORDER BY recorded_at ASC`,
		contextID)
	if err != nil {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("listing snapshots for %q", contextID), Cause: err}
	}
	defer rows.Close()

	var out []sredcontext.StateSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func scanSnapshot(rows *sql.Rows) (sredcontext.StateSnapshot, error) {
	var cid, sid, desc, blob, meta, recordedAt string
	if err := rows.Scan(&cid, &sid, &desc, &blob, &meta, &recordedAt); err != nil {
		return sredcontext.StateSnapshot{}, &persistence.Error{Code: persistence.CodeUnavailable, Message: "scanning snapshot row", Cause: err}
	}
	sc, err := unmarshalContext([]byte(blob))
	if err != nil {
		return sredcontext.StateContext{}, &persistence.Error{Code: persistence.CodeUnavailable, Message: "decoding snapshot context", Cause: err}
	}
	var metaMap map[string]interface{}
	json.Unmarshal([]byte(meta), &metaMap)
	ts, _ := time.Parse(time.RFC3339Nano, recordedAt)
	return sredcontext.StateSnapshot{
		SnapshotID: sid, ContextID: cid, Timestamp: ts, Description: desc,
		Context: sc, SnapshotMetadata: metaMap,
	}, nil
}

func (s *Store) LoadSnapshot(ctx context.Context, contextID, snapshotID string) (*sredcontext.StateSnapshot, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT context_id, snapshot_id, description, context_blob, metadata, recorded_at FROM sred_snapshots WHERE context_id = `+s.ph(1)+` AND snapshot_id = `+s.ph(2),
		contextID, snapshotID)
	if err != nil {
		return nil, &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("loading snapshot %q", snapshotID), Cause: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, &persistence.Error{Code: persistence.CodeNotFound, Message: fmt.Sprintf("snapshot %q not found", snapshotID), Cause: nil}
	}
	snap, err := scanSnapshot(rows)
	if err != nil {
		return nil, err
	}
	if err := persistence.VerifyContentHash(snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) LoadSnapshotByTime(ctx context.Context, contextID string, at time.Time) (*sredcontext.StateSnapshot, error) {
	snaps, err := s.ListSnapshots(ctx, contextID)
	if err != nil {
		return nil, err
	}
	var best *sredcontext.StateSnapshot
	for i := range snaps {
		if !snaps[i].Timestamp.After(at) {
			if best == nil || snaps[i].Timestamp.After(best.Timestamp) {
				best = &snaps[i]
			}
		}
	}
	if best == nil {
		return nil, &persistence.Error{Code: persistence.CodeNotFound, Message: fmt.Sprintf("no snapshot for %q at or before %s", contextID, at), Cause: nil}
	}
	return best, nil
}

func (s *Store) RollbackToSnapshot(ctx context.Context, contextID, snapshotID string) error {
	target, err := s.LoadSnapshot(ctx, contextID, snapshotID)
	if err != nil {
		return err
	}
	current, err := s.LoadContext(ctx, contextID)
	if err != nil {
		return err
	}
	if current != nil {
		if err := s.CreateSnapshot(ctx, sredcontext.StateSnapshot{
			SnapshotID:  fmt.Sprintf("%s-pre-rollback-%d", contextID, time.Now().UnixNano()),
			ContextID:   contextID,
			Timestamp:   time.Now().UTC(),
			Description: "pre-rollback",
			Context:     *current,
		}); err != nil {
			return err
		}
	}
	return s.SaveContext(ctx, target.Context)
}

func (s *Store) DeleteSnapshot(ctx context.Context, contextID, snapshotID string) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`DELETE FROM sred_snapshots WHERE context_id = `+s.ph(1)+` AND snapshot_id = `+s.ph(2),
		contextID, snapshotID)
	if err != nil {
		return &persistence.Error{Code: persistence.CodeUnavailable, Message: fmt.Sprintf("deleting snapshot %q", snapshotID), Cause: err}
	}
	return nil
}

// --- export / import --------------------------------------------------------

func (s *Store) ExportContext(ctx context.Context, id string) (*persistence.ExportedContext, error) {
	c, err := s.LoadContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &persistence.Error{Code: persistence.CodeNotFound, Message: fmt.Sprintf("context %q not found", id), Cause: nil}
	}
	history, err := s.GetStateHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	snaps, err := s.ListSnapshots(ctx, id)
	if err != nil {
		return nil, err
	}
	return &persistence.ExportedContext{
		Context: *c, History: history, Snapshots: snaps,
		ExportedAt: time.Now().UTC(), SourceInstance: id, Version: "1",
	}, nil
}

func (s *Store) ImportContext(ctx context.Context, exported persistence.ExportedContext, targetID string) (string, error) {
	if targetID == "" {
		targetID = exported.SourceInstance
	}
	c := exported.Context
	c.ID = targetID
	if err := s.SaveContext(ctx, c); err != nil {
		return "", err
	}
	for _, h := range exported.History {
		h.ContextID = targetID
		if err := s.SaveStateHistory(ctx, h); err != nil {
			return "", err
		}
	}
	for _, snap := range exported.Snapshots {
		snap.ContextID = targetID
		if err := s.CreateSnapshot(ctx, snap); err != nil {
			return "", err
		}
	}
	return targetID, nil
}

// --- placeholder dialect helpers --------------------------------------------

// ph returns the nth bind placeholder in this store's dialect: SQLite
// uses "?", Postgres (both pgx and lib/pq) uses "$n".
func (s *Store) ph(n int) string {
	if s.driver == DriverSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (s *Store) phList(count int) string {
	out := ""
	for i := 1; i <= count; i++ {
		if i > 1 {
			out += ", "
		}
		out += s.ph(i)
	}
	return out
}
