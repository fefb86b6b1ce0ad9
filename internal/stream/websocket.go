package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocket is a Stream over a gorilla WebSocket connection. Each Send is
// one binary message and each Receive returns one message.
type WebSocket struct {
	conn        *websocket.Conn
	idleTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps conn. If idleTimeout is positive, every Receive fails
// once no message arrives for that long.
func NewWebSocket(conn *websocket.Conn, idleTimeout time.Duration) *WebSocket {
	return &WebSocket{conn: conn, idleTimeout: idleTimeout}
}

func (s *WebSocket) Send(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *WebSocket) Receive() ([]byte, error) {
	for {
		s.ExtendIdle()

		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, nil
			}
			return nil, err
		}

		// An empty message would be indistinguishable from orderly close.
		if len(msg) == 0 {
			continue
		}

		switch mt {
		case websocket.BinaryMessage, websocket.TextMessage:
			return msg, nil
		}
	}
}

// ExtendIdle restarts the idle timer of a pending or future Receive.
func (s *WebSocket) ExtendIdle() {
	if s.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
}

// Close sends a normal-closure control frame, best effort, and closes the
// underlying connection.
func (s *WebSocket) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
