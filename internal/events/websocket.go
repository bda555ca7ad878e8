package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteWait bounds a single frame write to a WebSocket peer.
const DefaultWriteWait = 10 * time.Second

// WebSocketEmitter sends each event as one text frame.
type WebSocketEmitter struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
	closed    bool
}

// NewWebSocketEmitter wraps an upgraded connection. The caller keeps
// ownership of conn and closes it after the stream ends.
func NewWebSocketEmitter(conn *websocket.Conn) *WebSocketEmitter {
	return &WebSocketEmitter{conn: conn, writeWait: DefaultWriteWait}
}

// Emit writes e as a single text frame.
func (ws *WebSocketEmitter) Emit(e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return ErrStreamClosed
	}
	if Terminal(e) {
		ws.closed = true
	}

	if err := ws.conn.SetWriteDeadline(time.Now().Add(ws.writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
