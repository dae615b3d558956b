package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// sender serializes outgoing messages to one WebSocket connection.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newSender(conn *websocket.Conn) *sender {
	return &sender{conn: conn}
}

// send writes msg, guarded by a mutex since gorilla allows one writer.
func (s *sender) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// ping writes a control ping.
func (s *sender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a close frame with reason and closes the connection.
func (s *sender) close(code int, reason string) error {
	s.mu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.mu.Unlock()
	return s.conn.Close()
}
