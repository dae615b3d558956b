// Package storage implements the receiver-side writers a transfer streams
// chunks into. Three strategies exist, tried in priority order:
//
//  1. native: direct filesystem access, resumable, re-readable for verification
//  2. stream: a host-provided sequential sink, not re-readable
//  3. memory: bounded in-memory accumulation with periodic compaction
//
// A strategy is chosen once per receiving session by Open and never switched.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/drop/internal/util"
)

// Strategy tags the concrete writer implementation.
type Strategy string

const (
	StrategyNative Strategy = "native"
	StrategyStream Strategy = "stream"
	StrategyMemory Strategy = "memory"
)

var (
	// ErrInitCancelled means the user dismissed a destination prompt. The
	// whole transfer is cancelled rather than downgraded.
	ErrInitCancelled = errors.New("storage init cancelled by user")
	// ErrSizeLimit means the file cannot fit the in-memory ceiling.
	ErrSizeLimit = errors.New("file exceeds in-memory size limit")
	// ErrUnavailable means the host lacks the capability a strategy needs.
	ErrUnavailable = errors.New("storage strategy unavailable")
	// ErrOutOfOrder is returned for a chunk that skips ahead of the cursor.
	ErrOutOfOrder = errors.New("chunk out of order")
	// ErrClosed is returned by writes after Finalize or Abort.
	ErrClosed = errors.New("writer closed")
)

// Meta describes the file a writer receives.
type Meta struct {
	TransferID  string
	FileName    string
	MimeType    string
	FileSize    int64
	ChunkSize   int
	TotalChunks int
	ResumeFrom  int // chunk index the receiver would like to continue from
}

// Result describes a finalized file.
type Result struct {
	Location string
	Bytes    int64

	// Reopen returns a fresh reader over the saved bytes. It is nil when the
	// strategy cannot read its output back.
	Reopen func() (io.ReadCloser, error)
}

// Writer consumes in-order chunks of one file.
type Writer interface {
	Strategy() Strategy

	// Init prepares the destination and returns the chunk index writing
	// continues from, which is meta.ResumeFrom only if the strategy could
	// keep the earlier bytes and 0 otherwise.
	Init(ctx context.Context, meta Meta) (int, error)

	// Write appends chunk index. Re-delivered indices below the cursor are
	// ignored; indices above it fail with ErrOutOfOrder.
	Write(ctx context.Context, index int, data []byte) error

	Finalize(ctx context.Context) (Result, error)

	// Abort releases the destination and discards partial output.
	Abort() error

	// Close releases the destination but keeps partial output where the
	// strategy can resume from it later.
	Close() error
}

// Capabilities describes what the host offers. A nil field disables the
// strategy that needs it.
type Capabilities struct {
	Paths  PathPicker
	Target SaveTarget

	// MemoryCeiling and CompactHighWater configure the memory fallback.
	// MemoryCeiling <= 0 disables it.
	MemoryCeiling    int64
	CompactHighWater int64
}

// Open tries each available strategy in priority order and returns the
// first one that initializes. ErrInitCancelled and ErrSizeLimit stop the
// search; any other init error downgrades to the next strategy.
func Open(ctx context.Context, caps Capabilities, meta Meta) (Writer, int, error) {
	log := util.ForTransfer(meta.TransferID)

	var candidates []Writer
	if caps.Paths != nil {
		candidates = append(candidates, NewNative(caps.Paths))
	}
	if caps.Target != nil {
		candidates = append(candidates, NewStream(caps.Target))
	}
	if caps.MemoryCeiling > 0 {
		candidates = append(candidates, NewMemory(caps.MemoryCeiling, caps.CompactHighWater))
	}
	if len(candidates) == 0 {
		return nil, 0, ErrUnavailable
	}

	var errs []error
	for _, w := range candidates {
		start, err := w.Init(ctx, meta)
		if err == nil {
			log.Debug("storage strategy %s selected (start chunk %d)", w.Strategy(), start)
			return w, start, nil
		}
		if errors.Is(err, ErrInitCancelled) || errors.Is(err, ErrSizeLimit) {
			return nil, 0, err
		}
		log.Warning("storage strategy %s failed, trying next: %v", w.Strategy(), err)
		errs = append(errs, fmt.Errorf("%s: %w", w.Strategy(), err))
	}

	return nil, 0, fmt.Errorf("no storage strategy available: %w", errors.Join(errs...))
}
