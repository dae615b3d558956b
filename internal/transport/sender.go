package transport

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// dataChannel adapts *webrtc.DataChannel to DataChannel. Sends over the
// negotiated max message size fail with ErrMessageTooLarge instead of an
// SCTP error.
type dataChannel struct {
	*webrtc.DataChannel
	maxMessageSize int
}

func (d *dataChannel) Send(data []byte) error {
	if d.maxMessageSize > 0 && len(data) > d.maxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), d.maxMessageSize)
	}
	err := d.DataChannel.Send(data)
	if err != nil && strings.Contains(err.Error(), "larger than maximum message size") {
		return fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	}
	return err
}
