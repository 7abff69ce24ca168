package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskmesh/dispatch/internal/application/observer"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard is same-origin-or-proxied in every deployment this
	// control plane targets; origin checking is left to the reverse
	// proxy in front of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandlers serves the optional dashboard push surface. This
// sits outside the worker/control-plane contract entirely — a socket
// that never connects changes nothing about dispatch behavior.
type WebSocketHandlers struct {
	hub    *observer.WebSocketHub
	logger *logger.Logger
}

// NewWebSocketHandlers wires the shared hub to an HTTP upgrade
// endpoint. hub must back an observer already registered with the
// ObserverManager that the dispatch/result-ingestion paths notify.
func NewWebSocketHandlers(hub *observer.WebSocketHub, log *logger.Logger) *WebSocketHandlers {
	return &WebSocketHandlers{hub: hub, logger: log}
}

// HandleSubscribe handles GET /ws/executions. An optional
// ?execution_id= query param scopes the connection to one execution's
// events instead of the full firehose.
func (h *WebSocketHandlers) HandleSubscribe(c *gin.Context) {
	executionID := c.Query("execution_id")

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err, "request_id", GetRequestID(c))
		return
	}

	client := observer.NewWebSocketClient(uuid.New().String(), conn, h.hub, executionID)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
