package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

// WebSocketObserver broadcasts dispatch lifecycle events to connected
// dashboard sockets via a WebSocketHub.
type WebSocketObserver struct {
	name   string
	filter EventFilter
	logger *logger.Logger
	hub    *WebSocketHub
}

// WebSocketClient is one connected dashboard socket. executionID, when
// set, scopes it to a single execution's events rather than the full
// firehose.
type WebSocketClient struct {
	ID          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *WebSocketHub
	executionID string
}

// WebSocketHub owns the client set and serializes register/unregister/
// broadcast through a single goroutine so client map access never races.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan hubMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	logger     *logger.Logger
	mu         sync.RWMutex
}

type hubMessage struct {
	executionID string
	payload     []byte
}

// wsMessage is the wire envelope sent to every subscriber.
type wsMessage struct {
	Type      string         `json:"type"`
	Event     *wsEventPayload `json:"event,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type wsEventPayload struct {
	EventType   string         `json:"event_type"`
	ExecutionID string         `json:"execution_id"`
	TaskID      string         `json:"task_id,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// NewWebSocketHub creates a hub and starts its run loop in the
// background; callers register it once with the HTTP upgrade handler
// and never call run() themselves.
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan hubMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     log,
	}
	go hub.run()
	return hub
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.executionID != "" && client.executionID != msg.executionID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					if h.logger != nil {
						h.logger.Warn("ws hub: client send buffer full, dropping message", "client_id", client.ID)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(c *WebSocketClient) { h.register <- c }

// Unregister removes a client from the hub and closes its send channel.
func (h *WebSocketHub) Unregister(c *WebSocketClient) { h.unregister <- c }

// ClientCount reports how many sockets are currently connected.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewWebSocketClient wires a raw connection into the hub's client set.
func NewWebSocketClient(id string, conn *websocket.Conn, hub *WebSocketHub, executionID string) *WebSocketClient {
	return &WebSocketClient{ID: id, conn: conn, send: make(chan []byte, 64), hub: hub, executionID: executionID}
}

// ReadPump discards inbound frames until the socket closes; this is a
// push-only feed; reading exists only to notice disconnects.
func (c *WebSocketClient) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump drains the client's send channel onto the socket and pings
// on an idle ticker to keep intermediary proxies from closing the
// connection.
func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// NewWebSocketObserver creates the shared observer backing /ws/executions.
func NewWebSocketObserver(hub *WebSocketHub, filter EventFilter, log *logger.Logger) *WebSocketObserver {
	return &WebSocketObserver{name: "websocket", hub: hub, filter: filter, logger: log}
}

// Name returns the observer's unique identifier.
func (o *WebSocketObserver) Name() string { return o.name }

// Filter returns the event filter, nil meaning "all events".
func (o *WebSocketObserver) Filter() EventFilter { return o.filter }

// OnEvent marshals event and hands it to the hub for fan-out.
func (o *WebSocketObserver) OnEvent(ctx context.Context, event Event) error {
	payload := &wsEventPayload{
		EventType:   string(event.Type),
		ExecutionID: event.ExecutionID,
		TaskID:      event.TaskID,
		WorkerID:    event.WorkerID,
		Status:      event.Status,
		Output:      event.Output,
	}
	if event.Error != nil {
		errStr := event.Error.Error()
		payload.Error = &errStr
	}

	data, err := json.Marshal(wsMessage{Type: "event", Event: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal ws event: %w", err)
	}

	o.hub.broadcast <- hubMessage{executionID: event.ExecutionID, payload: data}
	return nil
}
