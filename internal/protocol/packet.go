// Package protocol defines the data channel chunk framing and the signaling
// events exchanged between the two parties of a transfer.
package protocol

import "errors"

// HeaderSize is the fixed frame header size: ChunkIndex(4), little endian.
const HeaderSize = 4

// CompleteIndex is the sentinel chunk index carried by the completion marker.
const CompleteIndex uint32 = 0xFFFFFFFF

// MaxChunkIndex is the largest index usable by a data frame.
const MaxChunkIndex = CompleteIndex - 1

// ErrShortFrame is returned by Decode for frames shorter than HeaderSize.
var ErrShortFrame = errors.New("frame too short")

// Frame is one data channel message: either a file chunk or the completion marker.
type Frame struct {
	Index   uint32 // chunk index, or CompleteIndex for the marker
	Payload []byte // chunk bytes; empty for the marker
}

// IsComplete reports whether the frame is the completion marker.
func (f *Frame) IsComplete() bool {
	return f.Index == CompleteIndex && len(f.Payload) == 0
}
