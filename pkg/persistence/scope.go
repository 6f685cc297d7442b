package persistence

import "context"

// Scope is a transactional handle returned by Adapter.Begin. It is
// coroutine/task-local: callers thread the context.Context returned by
// Begin through every subsequent call on the same logical task so the
// scope propagates implicitly, matching spec §4.4's "transaction scope
// is coroutine/task-local" requirement. Grounded on the teacher's
// pkg/db.Pool.Begin/BeginTx wrapping *sql.Tx.
type Scope interface {
	Commit() error
	Rollback() error
}

type scopeKey struct{}

// WithScope returns a context carrying s, so adapter calls made with the
// returned context route through the same transaction.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom extracts the Scope carried by ctx, if any.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}
