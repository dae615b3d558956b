package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a chunk into a byte slice for DataChannel transmission.
func Encode(index uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], index)
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeComplete returns the 4-byte completion marker.
func EncodeComplete() []byte {
	return Encode(CompleteIndex, nil)
}

// Decode deserializes a DataChannel message into a Frame. The payload is
// copied, so the frame stays valid after the transport reuses data.
//
// A frame carrying CompleteIndex with trailing bytes is not a marker and is
// reported as a data frame the caller will reject by index.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortFrame, len(data), HeaderSize)
	}
	f := &Frame{Index: binary.LittleEndian.Uint32(data[:HeaderSize])}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}
