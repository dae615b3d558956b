package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// partSuffix marks a file still being received.
const partSuffix = ".part"

// PathPicker chooses the final destination path for a file. Returning
// ErrInitCancelled cancels the transfer.
type PathPicker interface {
	PickPath(ctx context.Context, meta Meta) (string, error)
}

// PathPickerFunc adapts a function to PathPicker.
type PathPickerFunc func(ctx context.Context, meta Meta) (string, error)

func (f PathPickerFunc) PickPath(ctx context.Context, meta Meta) (string, error) {
	return f(ctx, meta)
}

// DirPicker places files in Dir under their sanitized base name, adding a
// " (n)" suffix when the final name is taken.
type DirPicker struct {
	Dir string
}

func (p DirPicker) PickPath(_ context.Context, meta Meta) (string, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	name := SanitizeName(meta.FileName)
	path := filepath.Join(p.Dir, name)

	// An existing partial file for this name is continued, not renamed.
	if _, err := os.Stat(path + partSuffix); err == nil {
		return path, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		path = filepath.Join(p.Dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

// SanitizeName strips directory components and characters that are unsafe
// in file names.
func SanitizeName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '|', '?', '*':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

// Native writes straight to a file on disk. Peak memory is one chunk.
type Native struct {
	picker PathPicker

	path    string
	f       *os.File
	next    int
	written int64
	closed  bool
}

func NewNative(picker PathPicker) *Native {
	return &Native{picker: picker}
}

func (w *Native) Strategy() Strategy { return StrategyNative }

func (w *Native) Init(ctx context.Context, meta Meta) (int, error) {
	path, err := w.picker.PickPath(ctx, meta)
	if err != nil {
		return 0, err
	}
	w.path = path

	part := path + partSuffix
	f, err := os.OpenFile(part, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", part, err)
	}

	start := 0
	if meta.ResumeFrom > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("stat %s: %w", part, err)
		}
		if keep := int64(meta.ResumeFrom) * int64(meta.ChunkSize); info.Size() >= keep {
			start = meta.ResumeFrom
		}
	}

	offset := int64(start) * int64(meta.ChunkSize)
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return 0, fmt.Errorf("truncate %s: %w", part, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return 0, fmt.Errorf("seek %s: %w", part, err)
	}

	w.f = f
	w.next = start
	w.written = offset
	return start, nil
}

func (w *Native) Write(_ context.Context, index int, data []byte) error {
	if w.closed || w.f == nil {
		return ErrClosed
	}
	if index < w.next {
		return nil
	}
	if index > w.next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, index, w.next)
	}

	n, err := w.f.Write(data)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	w.next++
	return nil
}

func (w *Native) Finalize(_ context.Context) (Result, error) {
	if w.closed || w.f == nil {
		return Result{}, ErrClosed
	}
	w.closed = true

	part := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return Result{}, fmt.Errorf("sync %s: %w", part, err)
	}
	if err := w.f.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, w.path); err != nil {
		return Result{}, fmt.Errorf("rename %s: %w", part, err)
	}

	path := w.path
	return Result{
		Location: path,
		Bytes:    w.written,
		Reopen: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func (w *Native) Abort() error {
	if w.closed || w.f == nil {
		return nil
	}
	w.closed = true
	part := w.f.Name()
	return errors.Join(w.f.Close(), os.Remove(part))
}

func (w *Native) Close() error {
	if w.closed || w.f == nil {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
