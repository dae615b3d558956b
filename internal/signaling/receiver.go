package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/drop/internal/util"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// receiver reads envelopes from one connection until it fails.
type receiver struct {
	conn *websocket.Conn
}

// watch delivers every message to handle, serially. It returns when the
// connection is closed or a read fails.
func (r *receiver) watch(handle func(Message)) error {
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read WS message: %w", err)
		}
		r.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			util.LogDebug("dropping malformed signaling message (%d bytes)", len(data))
			continue
		}
		handle(msg)
	}
}

// keepAlive pings through s every pingPeriod until done is closed.
func keepAlive(s *sender, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
