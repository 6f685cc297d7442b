// Package event defines the engine's immutable event value and its
// namespaced type, grounded on the teacher's statemachine.Event
// (pkg/statemachine/types.go) but extended with the full attribute set
// the workflow engine's data model requires: a structured event type
// (namespace, name, version), priority, and separate payload/metadata
// maps.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders events for listener dispatch and queueing decisions.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "LOWEST"
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityHighest:
		return "HIGHEST"
	default:
		return "UNKNOWN"
	}
}

// Type identifies an event's shape: a namespace (owning subsystem), a
// name, and a version so payload shape changes can coexist.
type Type struct {
	Namespace string
	Name      string
	Version   string
}

func (t Type) String() string {
	if t.Version == "" {
		return t.Namespace + "." + t.Name
	}
	return t.Namespace + "." + t.Name + "@" + t.Version
}

// Event is an immutable record of something that happened. Construct
// with New; there is no public mutator. Payload and Metadata accessors
// always return copies so callers cannot reach into engine-held state.
type Event struct {
	id          string
	eventType   Type
	name        string
	description string
	timestamp   time.Time
	source      string
	priority    Priority
	payload     map[string]interface{}
	metadata    map[string]interface{}
}

// Option configures an Event at construction time.
type Option func(*Event)

func WithID(id string) Option                { return func(e *Event) { e.id = id } }
func WithDescription(d string) Option        { return func(e *Event) { e.description = d } }
func WithSource(s string) Option             { return func(e *Event) { e.source = s } }
func WithPriority(p Priority) Option          { return func(e *Event) { e.priority = p } }
func WithTimestamp(t time.Time) Option        { return func(e *Event) { e.timestamp = t } }
func WithPayload(p map[string]interface{}) Option {
	return func(e *Event) { e.payload = cloneMap(p) }
}
func WithMetadata(m map[string]interface{}) Option {
	return func(e *Event) { e.metadata = cloneMap(m) }
}

// New builds an Event. An empty id is replaced with a generated uuid; an
// empty timestamp is replaced with time.Now().UTC().
func New(t Type, name string, opts ...Option) Event {
	e := Event{
		eventType: t,
		name:      name,
		priority:  PriorityNormal,
		payload:   map[string]interface{}{},
		metadata:  map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.id == "" {
		e.id = uuid.New().String()
	}
	if e.timestamp.IsZero() {
		e.timestamp = time.Now().UTC()
	}
	return e
}

func (e Event) ID() string                       { return e.id }
func (e Event) Type() Type                        { return e.eventType }
func (e Event) Name() string                      { return e.name }
func (e Event) Description() string               { return e.description }
func (e Event) Timestamp() time.Time               { return e.timestamp }
func (e Event) Source() string                    { return e.source }
func (e Event) Priority() Priority                 { return e.priority }
func (e Event) Payload() map[string]interface{}    { return cloneMap(e.payload) }
func (e Event) Metadata() map[string]interface{}   { return cloneMap(e.metadata) }

// PayloadValue returns a single payload key.
func (e Event) PayloadValue(key string) (interface{}, bool) {
	v, ok := e.payload[key]
	return v, ok
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
