package storage

import (
	"context"
	"fmt"
	"io"
	"os"
)

// SaveTarget is a host-provided sequential sink such as a pipe. Returning
// ErrInitCancelled cancels the transfer.
type SaveTarget interface {
	Create(ctx context.Context, meta Meta) (io.WriteCloser, string, error)
}

// SaveTargetFunc adapts a function to SaveTarget.
type SaveTargetFunc func(ctx context.Context, meta Meta) (io.WriteCloser, string, error)

func (f SaveTargetFunc) Create(ctx context.Context, meta Meta) (io.WriteCloser, string, error) {
	return f(ctx, meta)
}

// StdoutTarget streams the file to standard output.
var StdoutTarget = SaveTargetFunc(func(context.Context, Meta) (io.WriteCloser, string, error) {
	return nopCloser{os.Stdout}, "stdout", nil
})

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Stream writes into a sequential sink. It never resumes and its output
// cannot be read back, so received files are unverifiable.
type Stream struct {
	target SaveTarget

	w        io.WriteCloser
	location string
	next     int
	written  int64
	closed   bool
}

func NewStream(target SaveTarget) *Stream {
	return &Stream{target: target}
}

func (s *Stream) Strategy() Strategy { return StrategyStream }

func (s *Stream) Init(ctx context.Context, meta Meta) (int, error) {
	w, location, err := s.target.Create(ctx, meta)
	if err != nil {
		return 0, err
	}
	s.w = w
	s.location = location
	return 0, nil
}

func (s *Stream) Write(_ context.Context, index int, data []byte) error {
	if s.closed || s.w == nil {
		return ErrClosed
	}
	if index < s.next {
		return nil
	}
	if index > s.next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, index, s.next)
	}

	n, err := s.w.Write(data)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	s.next++
	return nil
}

func (s *Stream) Finalize(_ context.Context) (Result, error) {
	if s.closed || s.w == nil {
		return Result{}, ErrClosed
	}
	s.closed = true
	if err := s.w.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s: %w", s.location, err)
	}
	return Result{Location: s.location, Bytes: s.written}, nil
}

func (s *Stream) Abort() error {
	if s.closed || s.w == nil {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

func (s *Stream) Close() error { return s.Abort() }
