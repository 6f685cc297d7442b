// Package natsbus is a NATS-backed alternate transport for spec
// §4.5's event bus, so events published by one engine process reach
// instance managers running in another. Grounded on the teacher's
// pkg/core/eventbus_cluster_nats.go (subject-prefixed fanout over
// nats.Conn.Publish/Subscribe, request-id header propagation,
// executor-bounded consumer dispatch), narrowed from its
// Publish/Send/Request trio down to the fanout-only Publish this
// engine's event model needs.
package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/sredcore"
)

// Config configures a Bus's NATS connection and subject namespace.
type Config struct {
	URL    string // default: nats.DefaultURL
	Prefix string // default: "sred"
	Name   string // optional connection name
}

// Bus publishes/subscribes event.Event values over NATS, one subject
// per event.Type.
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger sredcore.Logger
}

// Connect dials the NATS server described by cfg.
func Connect(cfg Config, logger sredcore.Logger) (*Bus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sred"
	}
	if logger == nil {
		logger = sredcore.NewDefaultLogger()
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: connecting to %s: %w", url, err)
	}
	return &Bus{nc: nc, prefix: prefix, logger: logger}, nil
}

func (b *Bus) subject(t event.Type) string {
	if t.Version == "" {
		return fmt.Sprintf("%s.%s.%s", b.prefix, t.Namespace, t.Name)
	}
	return fmt.Sprintf("%s.%s.%s.%s", b.prefix, t.Namespace, t.Name, t.Version)
}

// eventWire is event.Event's JSON-serializable shape: Event itself
// exposes only accessor methods, so a direct json.Marshal would
// silently produce an empty object.
type eventWire struct {
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

func encode(e event.Event) ([]byte, error) {
	return json.Marshal(eventWire{
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
	})
}

func decode(data []byte) (event.Event, error) {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return event.Event{}, err
	}
	return event.New(
		event.Type{Namespace: w.Namespace, Name: w.Name, Version: w.Version},
		w.EventName,
		event.WithID(w.ID),
		event.WithDescription(w.Description),
		event.WithSource(w.Source),
		event.WithPriority(event.Priority(w.Priority)),
		event.WithTimestamp(w.Timestamp),
		event.WithPayload(w.Payload),
		event.WithMetadata(w.Metadata),
	), nil
}

// Publish encodes evt and publishes it to its type's subject. Matches
// the Publisher contract pkg/scheduler and pkg/controlplane depend on,
// so a Bus can stand in for the in-memory pkg/bus across processes.
func (b *Bus) Publish(evt event.Event) error {
	data, err := encode(evt)
	if err != nil {
		return fmt.Errorf("natsbus: encoding event: %w", err)
	}
	return b.nc.Publish(b.subject(evt.Type()), data)
}

// Subscription wraps the underlying nats.Subscription.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops delivery.
func (s *Subscription) Unsubscribe() error { return s.sub.Unsubscribe() }

// Subscribe delivers every event of type t to handler. Decode failures
// and handler panics are logged and swallowed, matching pkg/bus's
// "delivery failures never reach the publisher" contract.
func (b *Bus) Subscribe(t event.Type, handler func(event.Event)) (*Subscription, error) {
	sub, err := b.nc.Subscribe(b.subject(t), func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Errorf("natsbus: handler panic for %s: %v", t, r)
			}
		}()
		evt, err := decode(msg.Data)
		if err != nil {
			b.logger.Errorf("natsbus: decoding event for %s: %v", t, err)
			return
		}
		handler(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribing to %s: %w", t, err)
	}
	return &Subscription{sub: sub}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	b.nc.Close()
	return nil
}
