package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/sredcontext"
)

// eventDTO is the JSON-serializable shape of event.Event, whose own
// fields are private by design (spec §3 "events are never mutated").
// sqlstore is the only package that needs events to survive a round
// trip through a text column, so the codec lives here rather than on
// the event type itself.
type eventDTO struct {
	ID          string                 `json:"id"`
	Namespace   string                 `json:"namespace"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	EventName   string                 `json:"eventName"`
	Description string                 `json:"description"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      string                 `json:"source"`
	Priority    int                    `json:"priority"`
	Payload     map[string]interface{} `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func encodeEvent(e event.Event) eventDTO {
	return eventDTO{
		ID:          e.ID(),
		Namespace:   e.Type().Namespace,
		Name:        e.Type().Name,
		Version:     e.Type().Version,
		EventName:   e.Name(),
		Description: e.Description(),
		Timestamp:   e.Timestamp(),
		Source:      e.Source(),
		Priority:    int(e.Priority()),
		Payload:     e.Payload(),
		Metadata:    e.Metadata(),
	}
}

func decodeEvent(d eventDTO) event.Event {
	return event.New(
		event.Type{Namespace: d.Namespace, Name: d.Name, Version: d.Version},
		d.EventName,
		event.WithID(d.ID),
		event.WithDescription(d.Description),
		event.WithSource(d.Source),
		event.WithPriority(event.Priority(d.Priority)),
		event.WithTimestamp(d.Timestamp),
		event.WithPayload(d.Payload),
		event.WithMetadata(d.Metadata),
	)
}

func marshalEvent(e event.Event) ([]byte, error) {
	return json.Marshal(encodeEvent(e))
}

func unmarshalEvent(data []byte) (event.Event, error) {
	var d eventDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return event.Event{}, err
	}
	return decodeEvent(d), nil
}

func marshalEvents(events []event.Event) ([]byte, error) {
	dtos := make([]eventDTO, len(events))
	for i, e := range events {
		dtos[i] = encodeEvent(e)
	}
	return json.Marshal(dtos)
}

func unmarshalEvents(data []byte) []event.Event {
	var dtos []eventDTO
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil
	}
	out := make([]event.Event, len(dtos))
	for i, d := range dtos {
		out[i] = decodeEvent(d)
	}
	return out
}

// contextDTO is the JSON-serializable shape of sredcontext.StateContext
// for the same reason eventDTO exists: the real type's fields are
// private.
type contextDTO struct {
	ID             string                 `json:"id"`
	CurrentStateID string                 `json:"currentStateId"`
	CreatedAt      time.Time              `json:"createdAt"`
	LastUpdatedAt  time.Time              `json:"lastUpdatedAt"`
	LocalState     map[string]interface{} `json:"localState"`
	GlobalState    map[string]interface{} `json:"globalState"`
	Metadata       map[string]interface{} `json:"metadata"`
	RecentEvents   []eventDTO             `json:"recentEvents"`
}

func encodeContext(c sredcontext.StateContext) contextDTO {
	events := c.RecentEvents()
	dtoEvents := make([]eventDTO, len(events))
	for i, e := range events {
		dtoEvents[i] = encodeEvent(e)
	}
	return contextDTO{
		ID:             c.ID,
		CurrentStateID: c.CurrentStateID,
		CreatedAt:      c.CreatedAt,
		LastUpdatedAt:  c.LastUpdatedAt,
		LocalState:     c.LocalState(),
		GlobalState:    c.GlobalState(),
		Metadata:       c.Metadata(),
		RecentEvents:   dtoEvents,
	}
}

func decodeContext(d contextDTO) sredcontext.StateContext {
	sc := sredcontext.New(d.ID, d.CurrentStateID, d.LocalState)
	sc.CreatedAt = d.CreatedAt
	sc.LastUpdatedAt = d.LastUpdatedAt
	sc = sc.MergeGlobal(d.GlobalState).WithMetadata(d.Metadata)
	for _, de := range d.RecentEvents {
		sc = sc.WithEvent(decodeEvent(de))
	}
	return sc
}

func marshalContext(c sredcontext.StateContext) ([]byte, error) {
	return json.Marshal(encodeContext(c))
}

func unmarshalContext(data []byte) (sredcontext.StateContext, error) {
	var d contextDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return sredcontext.StateContext{}, err
	}
	return decodeContext(d), nil
}
