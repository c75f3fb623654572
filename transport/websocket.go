package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mopl/realtime/types"
)

const writeTimeout = 10 * time.Second

// Envelope is the JSON frame sent on the WebSocket channel.
type Envelope struct {
	ID      string          `json:"id"`
	Type    types.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocket writes event envelopes onto a gorilla websocket connection.
// Heartbeats are ping control frames; the read side (owned by the server
// handler) treats pongs as the client's liveness acknowledgment.
type WebSocket struct {
	conn *websocket.Conn

	closeOnce sync.Once
}

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// WriteEvent writes one JSON envelope frame.
func (w *WebSocket) WriteEvent(event types.NotificationEvent) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(Envelope{
		ID:      event.ID,
		Type:    event.Type,
		Payload: event.Payload,
	})
}

// WriteHeartbeat sends a ping control frame.
func (w *WebSocket) WriteHeartbeat() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close sends a close frame and tears the socket down.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = w.conn.Close()
	})
	return err
}

// ErrTransportClosed is returned for writes on a closed transport.
var ErrTransportClosed = errors.New("transport closed")
