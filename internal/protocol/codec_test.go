package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for various indices and payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		index   uint32
		payload []byte
	}{
		{"first chunk small payload", 0, []byte("hello world")},
		{"middle chunk 60KiB", 1234, make([]byte, 60*1024)},
		{"max data index", MaxChunkIndex, []byte{0x01}},
		{"empty payload", 7, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.index, tc.payload)
			if len(encoded) != HeaderSize+len(tc.payload) {
				t.Fatalf("encoded size: got %d, want %d", len(encoded), HeaderSize+len(tc.payload))
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Index != tc.index {
				t.Errorf("Index mismatch: got %d, want %d", decoded.Index, tc.index)
			}
			if !bytes.Equal(decoded.Payload, tc.payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d", len(decoded.Payload), len(tc.payload))
			}
			if decoded.IsComplete() {
				t.Errorf("data frame reported as completion marker")
			}
		})
	}
}

// TestIndexIsLittleEndian pins the wire byte order.
func TestIndexIsLittleEndian(t *testing.T) {
	encoded := Encode(0x04030201, []byte{0xAA})
	want := []byte{0x01, 0x02, 0x03, 0x04, 0xAA}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("got % x, want % x", encoded, want)
	}
}

func TestCompletionMarker(t *testing.T) {
	marker := EncodeComplete()
	if !bytes.Equal(marker, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("marker bytes: got % x", marker)
	}

	f, err := Decode(marker)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !f.IsComplete() {
		t.Fatal("expected completion marker")
	}

	// The sentinel followed by payload bytes is not a marker.
	f, err = Decode(Encode(CompleteIndex, []byte{0x00}))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.IsComplete() {
		t.Fatal("sentinel with payload must not be treated as marker")
	}
}

// TestDecodeTooShort verifies that Decode rejects frames shorter than HeaderSize.
func TestDecodeTooShort(t *testing.T) {
	for _, n := range []int{0, 1, HeaderSize - 1} {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			_, err := Decode(make([]byte, n))
			if !errors.Is(err, ErrShortFrame) {
				t.Fatalf("expected ErrShortFrame, got %v", err)
			}
		})
	}
}

// TestDecodePreservesPayload verifies that the payload is copied and not
// aliased to the input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	encoded := Encode(10, []byte("original"))
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("Payload was incorrectly aliased: got %v", decoded.Payload)
	}
}
