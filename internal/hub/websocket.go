package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlFrame is the client-to-server subscription protocol.
type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// WebsocketHandler bridges websocket connections to hub observers. Each
// connection gets one observer; clients manage their topic set with
// subscribe/unsubscribe control frames.
type WebsocketHandler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewWebsocketHandler creates the /ws handler.
func NewWebsocketHandler(h *Hub, logger *zap.Logger) *WebsocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketHandler{hub: h, logger: logger}
}

// ServeHTTP upgrades the connection and serves the observer until it
// disconnects. Blocks for the lifetime of the connection.
func (w *WebsocketHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	observer := NewObserver(16)
	defer w.hub.RemoveObserver(observer)

	w.logger.Debug("websocket observer connected", zap.String("observer", observer.ID()))

	go w.writePump(conn, observer)
	w.readPump(conn, observer) // blocks until connection closes
}

// readPump processes subscribe/unsubscribe control frames and detects
// disconnects. Blocks until the connection closes.
func (w *WebsocketHandler) readPump(conn *websocket.Conn, observer *Observer) {
	defer func() {
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Topic == "" {
			continue
		}
		switch frame.Action {
		case "subscribe":
			w.hub.Subscribe(frame.Topic, observer)
		case "unsubscribe":
			w.hub.Unsubscribe(frame.Topic, observer)
		}
	}
}

// writePump forwards observer events to the connection and sends periodic
// pings. Runs in its own goroutine per connection.
func (w *WebsocketHandler) writePump(conn *websocket.Conn, observer *Observer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case event, ok := <-observer.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Observer was removed (hub shutdown or disconnect).
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
