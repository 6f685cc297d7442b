// Package sredcontext holds the per-instance durable context: local and
// global state, a bounded ring of recent events, and metadata (spec
// §3's StateContext). Every update produces a new value; the engine
// never mutates an observed context in place.
package sredcontext

import (
	"time"

	"github.com/quadgate/sred/pkg/event"
)

// Reserved metadata keys (spec §6 "Pause markers in metadata").
const (
	MetaPausedAt     = "_pausedAt"
	MetaPausedState  = "_pausedState"
	MetaPauseTimeout = "_pauseTimeout"
	MetaWorkflowID   = "workflowId"
)

// DefaultRecentEventsCap bounds recentEvents absent an explicit override.
const DefaultRecentEventsCap = 100

// StateContext is the immutable, per-instance durable record the
// instance manager and persistence layer pass around. Construct with
// New; every mutator returns a new value.
type StateContext struct {
	ID             string
	CurrentStateID string
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
	localState     map[string]interface{}
	globalState    map[string]interface{}
	recentEvents   []event.Event
	metadata       map[string]interface{}
	recentEventsCap int
}

// New builds a fresh context for a new instance.
func New(id, initialStateID string, initialLocal map[string]interface{}) StateContext {
	now := time.Now().UTC()
	return StateContext{
		ID:              id,
		CurrentStateID:  initialStateID,
		CreatedAt:       now,
		LastUpdatedAt:   now,
		localState:      cloneMap(initialLocal),
		globalState:     map[string]interface{}{},
		recentEvents:    nil,
		metadata:        map[string]interface{}{},
		recentEventsCap: DefaultRecentEventsCap,
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LocalState returns a defensive copy of local state.
func (c StateContext) LocalState() map[string]interface{} { return cloneMap(c.localState) }

// GlobalState returns a defensive copy of global state.
func (c StateContext) GlobalState() map[string]interface{} { return cloneMap(c.globalState) }

// Metadata returns a defensive copy of metadata.
func (c StateContext) Metadata() map[string]interface{} { return cloneMap(c.metadata) }

// RecentEvents returns the bounded, newest-last slice of recent events.
func (c StateContext) RecentEvents() []event.Event {
	out := make([]event.Event, len(c.recentEvents))
	copy(out, c.recentEvents)
	return out
}

// GetLocal looks up a local-state key.
func (c StateContext) GetLocal(key string) (interface{}, bool) {
	v, ok := c.localState[key]
	return v, ok
}

// GetGlobal looks up a global-state key.
func (c StateContext) GetGlobal(key string) (interface{}, bool) {
	v, ok := c.globalState[key]
	return v, ok
}

// GetLocalString returns a local key coerced to string, or ("", false)
// if absent or not a string.
func (c StateContext) GetLocalString(key string) (string, bool) {
	v, ok := c.localState[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetLocalInt returns a local key coerced to int, accepting int and
// float64 (the common JSON-decoded numeric shape).
func (c StateContext) GetLocalInt(key string) (int, bool) {
	v, ok := c.localState[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// GetLocalFloat returns a local key coerced to float64.
func (c StateContext) GetLocalFloat(key string) (float64, bool) {
	v, ok := c.localState[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetLocalBool returns a local key coerced to bool.
func (c StateContext) GetLocalBool(key string) (bool, bool) {
	v, ok := c.localState[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetLocalTime returns a local key coerced to time.Time.
func (c StateContext) GetLocalTime(key string) (time.Time, bool) {
	v, ok := c.localState[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

// WithCurrentState returns a copy with CurrentStateID and LastUpdatedAt
// updated.
func (c StateContext) WithCurrentState(stateID string) StateContext {
	next := c.clone()
	next.CurrentStateID = stateID
	next.LastUpdatedAt = time.Now().UTC()
	return next
}

// MergeLocal returns a copy with the given data merged into localState.
func (c StateContext) MergeLocal(data map[string]interface{}) StateContext {
	next := c.clone()
	for k, v := range data {
		next.localState[k] = v
	}
	next.LastUpdatedAt = time.Now().UTC()
	return next
}

// MergeGlobal returns a copy with the given data merged into globalState.
func (c StateContext) MergeGlobal(data map[string]interface{}) StateContext {
	next := c.clone()
	for k, v := range data {
		next.globalState[k] = v
	}
	next.LastUpdatedAt = time.Now().UTC()
	return next
}

// WithMetadata returns a copy with the given keys merged into metadata.
func (c StateContext) WithMetadata(data map[string]interface{}) StateContext {
	next := c.clone()
	for k, v := range data {
		next.metadata[k] = v
	}
	next.LastUpdatedAt = time.Now().UTC()
	return next
}

// WithoutMetadataKeys returns a copy with the given keys removed from
// metadata (used to clear pause markers on resume).
func (c StateContext) WithoutMetadataKeys(keys ...string) StateContext {
	next := c.clone()
	for _, k := range keys {
		delete(next.metadata, k)
	}
	next.LastUpdatedAt = time.Now().UTC()
	return next
}

// WithEvent returns a copy with e appended to recentEvents, truncating
// the oldest entry if the bound is exceeded.
func (c StateContext) WithEvent(e event.Event) StateContext {
	next := c.clone()
	cap := next.recentEventsCap
	if cap <= 0 {
		cap = DefaultRecentEventsCap
	}
	events := append(append([]event.Event{}, next.recentEvents...), e)
	if len(events) > cap {
		events = events[len(events)-cap:]
	}
	next.recentEvents = events
	return next
}

// IsPaused reports whether metadata carries the pause marker.
func (c StateContext) IsPaused() bool {
	_, ok := c.metadata[MetaPausedAt]
	return ok
}

func (c StateContext) clone() StateContext {
	next := c
	next.localState = cloneMap(c.localState)
	next.globalState = cloneMap(c.globalState)
	next.metadata = cloneMap(c.metadata)
	next.recentEvents = append([]event.Event{}, c.recentEvents...)
	return next
}
