package integrity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func hexSum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestSingleBatchIsPlainDigest(t *testing.T) {
	data := makeData(1000)
	got, err := Hasher{BatchSize: 4096}.Sum(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, hexSum(data), got)
}

func TestEmptyInput(t *testing.T) {
	got, err := Hasher{}.Sum(context.Background(), bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Equal(t, hexSum(nil), got)
}

func TestMultiBatchCombination(t *testing.T) {
	data := makeData(10_000)
	const batch = 4096

	want := hexSum([]byte(hexSum(data[:4096]) + hexSum(data[4096:8192]) + hexSum(data[8192:])))

	var calls int
	h := Hasher{BatchSize: batch, OnProgress: func(done, total int64) {
		calls++
		assert.Equal(t, int64(len(data)), total)
	}}
	got, err := h.Sum(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, calls)
}

func TestExactBatchMultipleIsTwoLevel(t *testing.T) {
	data := makeData(8192)
	got, err := Hasher{BatchSize: 4096}.Sum(context.Background(), bytes.NewReader(data), 8192)
	require.NoError(t, err)
	assert.Equal(t, Combine([]string{hexSum(data[:4096]), hexSum(data[4096:])}), got)
}

func TestCorruptedByteChangesDigest(t *testing.T) {
	data := makeData(9000)
	h := Hasher{BatchSize: 4096}
	orig, err := h.Sum(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	data[5000] ^= 0x01
	bad, err := h.Sum(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	assert.Equal(t, VerdictMismatch, Compare(orig, bad))
	assert.Equal(t, VerdictMatch, Compare(orig, orig))
	assert.Equal(t, VerdictUnknown, Compare("", orig))
}

func TestSkipAboveCeiling(t *testing.T) {
	h := Hasher{MaxSize: 100}
	assert.True(t, h.Skip(101))
	assert.False(t, h.Skip(100))

	_, err := h.Sum(context.Background(), bytes.NewReader(makeData(101)), 101)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestShortReaderFails(t *testing.T) {
	_, err := Hasher{}.Sum(context.Background(), bytes.NewReader(makeData(10)), 20)
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Hasher{}.Sum(ctx, bytes.NewReader(makeData(10)), 10)
	assert.ErrorIs(t, err, context.Canceled)
}
