// Package transport establishes and supervises the WebRTC connection of one
// transfer: offer/answer exchange, candidate queueing, the connect watchdog
// with a single ICE restart, and disconnect debouncing. The transfer engine
// sees only the Link and DataChannel interfaces declared here.
package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrConnectTimeout means the connection was not established before the
	// watchdog gave up, after its ICE restart if it had one.
	ErrConnectTimeout = errors.New("connection timeout")
	// ErrICEFailed means ICE failed again after the restart was used.
	ErrICEFailed = errors.New("ice failed")
	// ErrMessageTooLarge means a frame exceeds the negotiated SCTP max
	// message size.
	ErrMessageTooLarge = errors.New("message larger than max message size")
	// ErrLinkClosed is returned by operations on a closed link.
	ErrLinkClosed = errors.New("link closed")
)

// DataChannel is the part of *webrtc.DataChannel the transfer engine uses.
type DataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Close() error
}

// LinkEvents are invoked by a Link as its connection changes. Any field may
// be nil.
type LinkEvents struct {
	// Open fires once the data channel is usable. maxMessageSize is the
	// negotiated SCTP limit, 0 when unknown.
	Open func(dc DataChannel, maxMessageSize int)
	// Message delivers one binary data-channel message. Calls are serial.
	Message func(data []byte)
	// Disconnected fires when the connection stayed disconnected for longer
	// than the grace period.
	Disconnected func()
	// Restored fires when a connection reported by Disconnected came back.
	Restored func()
	// Failed fires at most once with ErrConnectTimeout or ErrICEFailed.
	Failed func(err error)
}

// Signal emits one signaling event to the other party.
type Signal func(event string, payload any) error

// LinkRequest describes the connection of one transfer.
type LinkRequest struct {
	TransferID string
	PeerID     string
	Signal     Signal
	Events     LinkEvents
}

// Link is one side of a peer connection.
type Link interface {
	// Negotiate starts the exchange. The dialing side creates and emits its
	// offer; on an accepted link it does nothing and HandleOffer drives it.
	Negotiate() error
	// HandleOffer applies a remote offer, initial or ICE restart, and answers it.
	HandleOffer(offer webrtc.SessionDescription) error
	HandleAnswer(answer webrtc.SessionDescription) error
	// AddCandidate applies a remote candidate, queueing it until the remote
	// description is set.
	AddCandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// Connector creates links. Dial is used by the sending (offering) side and
// Accept by the receiving (answering) side, which then waits for HandleOffer.
type Connector interface {
	Dial(ctx context.Context, req LinkRequest) (Link, error)
	Accept(ctx context.Context, req LinkRequest) (Link, error)
}
