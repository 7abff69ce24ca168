package observer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

func testLogger() *logger.Logger {
	return logger.New(config.LoggingConfig{Level: "error", Format: "text"})
}

func TestNewWebSocketHub(t *testing.T) {
	hub := NewWebSocketHub(testLogger())
	require.NotNil(t, hub)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestWebSocketObserver_NameAndFilter(t *testing.T) {
	hub := NewWebSocketHub(testLogger())
	obs := NewWebSocketObserver(hub, nil, testLogger())
	assert.Equal(t, "websocket", obs.Name())
	assert.Nil(t, obs.Filter())

	filter := NewEventTypeFilter(EventTypeTaskCompleted)
	scoped := NewWebSocketObserver(hub, filter, testLogger())
	assert.NotNil(t, scoped.Filter())
}

// upgradeHandler adapts a hub directly into an http.HandlerFunc so the
// test can dial a real websocket connection against it.
func upgradeHandler(hub *WebSocketHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewWebSocketClient("test-client", conn, hub, r.URL.Query().Get("execution_id"))
		hub.Register(client)
		go client.WritePump()
		client.ReadPump()
	}
}

func dialHub(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketObserver_OnEventBroadcastsToConnectedClient(t *testing.T) {
	hub := NewWebSocketHub(testLogger())
	obs := NewWebSocketObserver(hub, nil, testLogger())

	server := httptest.NewServer(upgradeHandler(hub))
	defer server.Close()

	conn := dialHub(t, server, "")
	waitForClientCount(t, hub, 1)

	err := obs.OnEvent(t.Context(), Event{
		Type:        EventTypeTaskCompleted,
		ExecutionID: "exec-1",
		TaskID:      "task-1",
		Status:      "completed",
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, string(EventTypeTaskCompleted), msg.Event.EventType)
	assert.Equal(t, "exec-1", msg.Event.ExecutionID)
}

func TestWebSocketObserver_ExecutionScopedClientIgnoresOtherExecutions(t *testing.T) {
	hub := NewWebSocketHub(testLogger())
	obs := NewWebSocketObserver(hub, nil, testLogger())

	server := httptest.NewServer(upgradeHandler(hub))
	defer server.Close()

	conn := dialHub(t, server, "?execution_id=exec-mine")
	waitForClientCount(t, hub, 1)

	require.NoError(t, obs.OnEvent(t.Context(), Event{
		Type:        EventTypeTaskCompleted,
		ExecutionID: "exec-other",
		Timestamp:   time.Now(),
	}))
	require.NoError(t, obs.OnEvent(t.Context(), Event{
		Type:        EventTypeTaskCompleted,
		ExecutionID: "exec-mine",
		Timestamp:   time.Now(),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "exec-mine", msg.Event.ExecutionID, "a scoped client must never receive another execution's events")
}

func TestWebSocketHub_UnregisterDropsClient(t *testing.T) {
	hub := NewWebSocketHub(testLogger())

	server := httptest.NewServer(upgradeHandler(hub))
	defer server.Close()

	conn := dialHub(t, server, "")
	waitForClientCount(t, hub, 1)

	conn.Close()
	waitForClientCount(t, hub, 0)
}

func waitForClientCount(t *testing.T, hub *WebSocketHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, hub.ClientCount())
}
