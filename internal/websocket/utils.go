package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// SafeConn serializes writes so the countdown loop and the action reader can share
// one connection. gorilla/websocket allows one concurrent writer only.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewSafeConn wraps conn.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (s *SafeConn) WriteTyped(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (s *SafeConn) WriteError(errMsg string) error {
	return s.WriteTyped(ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (s *SafeConn) ReadJSON(v interface{}) error {
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	return s.conn.ReadJSON(v)
}

// Close sends a normal close frame and closes the connection.
func (s *SafeConn) Close() error {
	s.mu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}
