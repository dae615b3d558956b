package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// CompactKeepRecent is how many of the newest chunks stay as separate slots
// when the memory writer compacts.
const CompactKeepRecent = 64

// Memory accumulates chunks in memory up to a hard ceiling. Once the loose
// chunks exceed the high water mark, all but the newest CompactKeepRecent are
// merged into a single block.
type Memory struct {
	ceiling   int64
	highWater int64

	location string
	blocks   [][]byte
	recent   [][]byte
	loose    int64
	size     int64
	next     int
	closed   bool
}

func NewMemory(ceiling, compactHighWater int64) *Memory {
	return &Memory{ceiling: ceiling, highWater: compactHighWater}
}

func (m *Memory) Strategy() Strategy { return StrategyMemory }

func (m *Memory) Init(_ context.Context, meta Meta) (int, error) {
	if meta.FileSize > m.ceiling {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrSizeLimit, meta.FileSize, m.ceiling)
	}
	m.location = "memory:" + SanitizeName(meta.FileName)
	return 0, nil
}

func (m *Memory) Write(_ context.Context, index int, data []byte) error {
	if m.closed {
		return ErrClosed
	}
	if index < m.next {
		return nil
	}
	if index > m.next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, index, m.next)
	}
	if m.size+int64(len(data)) > m.ceiling {
		return fmt.Errorf("%w: %d > %d bytes", ErrSizeLimit, m.size+int64(len(data)), m.ceiling)
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	m.recent = append(m.recent, chunk)
	m.loose += int64(len(chunk))
	m.size += int64(len(chunk))
	m.next++

	if m.highWater > 0 && m.loose > m.highWater {
		m.compact()
	}
	return nil
}

// compact merges every loose chunk but the newest CompactKeepRecent into
// one block.
func (m *Memory) compact() {
	n := len(m.recent) - CompactKeepRecent
	if n <= 0 {
		return
	}

	var total int
	for _, c := range m.recent[:n] {
		total += len(c)
	}
	block := make([]byte, 0, total)
	for _, c := range m.recent[:n] {
		block = append(block, c...)
	}

	m.blocks = append(m.blocks, block)
	m.recent = append([][]byte(nil), m.recent[n:]...)
	m.loose -= int64(total)
}

// Blocks reports how many compacted blocks and loose chunks are held.
func (m *Memory) Blocks() (compacted, loose int) {
	return len(m.blocks), len(m.recent)
}

func (m *Memory) Finalize(_ context.Context) (Result, error) {
	if m.closed {
		return Result{}, ErrClosed
	}
	m.closed = true

	parts := make([][]byte, 0, len(m.blocks)+len(m.recent))
	parts = append(parts, m.blocks...)
	parts = append(parts, m.recent...)

	return Result{
		Location: m.location,
		Bytes:    m.size,
		Reopen: func() (io.ReadCloser, error) {
			readers := make([]io.Reader, len(parts))
			for i, p := range parts {
				readers[i] = bytes.NewReader(p)
			}
			return io.NopCloser(io.MultiReader(readers...)), nil
		},
	}, nil
}

func (m *Memory) Abort() error {
	m.closed = true
	m.blocks = nil
	m.recent = nil
	return nil
}

func (m *Memory) Close() error { return m.Abort() }
