// Package signaling carries transfer events between users over WebSocket.
// The server side is a Hub that routes events between the two parties of a
// transfer and keeps its resumption record; the client side is a Client
// that implements the transfer engine's signaling channel.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the JSON envelope exchanged over the WebSocket.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrNotConnected = errors.New("signaling: not connected")
	ErrClosed       = errors.New("signaling: client closed")
)

// newMessage marshals payload into an envelope for event.
func newMessage(event string, payload any) (Message, error) {
	if event == "" {
		return Message{}, errors.New("signaling: empty event name")
	}
	if payload == nil {
		return Message{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Message{Event: event, Payload: raw}, nil
}
