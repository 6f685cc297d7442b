// Package wsobserver bridges published events onto WebSocket dashboard
// clients: one-way, fan-out only, no client-to-server operations. This
// is the "observable state changes" feature the teacher's statemachine
// package promises in its doc comments but never wires to a transport.
// Grounded on the teacher's pkg/core/eventbus_ws.go
// (WebSocketEventBusBridge: a gorilla/websocket Upgrader, a client
// registry guarded by a mutex, JSON-framed messages), narrowed from its
// bidirectional publish/send/request/subscribe RPC protocol down to a
// read-only broadcast, since dashboard clients only ever observe state
// changes here, they never publish into the engine over the socket.
package wsobserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quadgate/sred/pkg/bus"
	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/sredcore"
)

// Message is the JSON frame broadcast to every connected client.
type Message struct {
	Namespace string                 `json:"namespace"`
	Name      string                 `json:"name"`
	EventName string                 `json:"eventName"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Observer upgrades incoming HTTP connections to WebSocket and
// broadcasts every event it's subscribed to onto all connected clients.
// It implements bus.Listener so pkg/bus.Subscribe can drive it directly.
type Observer struct {
	upgrader websocket.Upgrader
	logger   sredcore.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// New builds an Observer. Pass the result to bus.Bus.Subscribe for the
// event types dashboards should see.
func New(logger sredcore.Logger) *Observer {
	if logger == nil {
		logger = sredcore.NewDefaultLogger()
	}
	return &Observer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// HandleWebSocket upgrades r and registers the resulting connection as
// a broadcast target until it closes.
func (o *Observer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Errorf("wsobserver: upgrade failed: %v", err)
		return
	}

	o.mu.Lock()
	o.clients[conn] = struct{}{}
	o.mu.Unlock()

	go o.drainUntilClosed(conn)
}

// drainUntilClosed discards any inbound frames (this bridge is
// broadcast-only) and deregisters the connection once the client
// disconnects.
func (o *Observer) drainUntilClosed(conn *websocket.Conn) {
	defer o.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (o *Observer) remove(conn *websocket.Conn) {
	o.mu.Lock()
	delete(o.clients, conn)
	o.mu.Unlock()
	conn.Close()
}

// OnEvent satisfies bus.Listener: it JSON-encodes evt and writes it to
// every connected client, dropping (and closing) any client whose
// write fails.
func (o *Observer) OnEvent(ctx context.Context, evt event.Event) error {
	msg := Message{
		Namespace: evt.Type().Namespace,
		Name:      evt.Type().Name,
		EventName: evt.Name(),
		Timestamp: evt.Timestamp(),
		Payload:   evt.Payload(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	o.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(o.clients))
	for conn := range o.clients {
		targets = append(targets, conn)
	}
	o.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			o.remove(conn)
		}
	}
	return nil
}

// OnError logs delivery failures; a dashboard losing one update isn't
// fatal to the engine, so this never propagates.
func (o *Observer) OnError(evt event.Event, err error) {
	o.logger.Errorf("wsobserver: delivery failed for %s.%s: %v", evt.Type().Namespace, evt.Type().Name, err)
}

// ClientCount reports the number of currently connected dashboards.
func (o *Observer) ClientCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.clients)
}

var _ bus.Listener = (*Observer)(nil)
