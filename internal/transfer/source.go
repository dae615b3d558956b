package transfer

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// FileSource is the file a sender offers. Chunks are read with ReadAt so a
// resumed transfer can seek freely.
type FileSource interface {
	io.ReaderAt
	Name() string
	Size() int64
	MimeType() string
}

// LocalFile is a FileSource backed by a file on disk.
type LocalFile struct {
	f    *os.File
	name string
	size int64
	mime string
}

// OpenFile opens path for sending.
func OpenFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	mt := mime.TypeByExtension(filepath.Ext(name))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return &LocalFile{f: f, name: name, size: info.Size(), mime: mt}, nil
}

func (l *LocalFile) ReadAt(p []byte, off int64) (int, error) { return l.f.ReadAt(p, off) }
func (l *LocalFile) Name() string                             { return l.name }
func (l *LocalFile) Size() int64                              { return l.size }
func (l *LocalFile) MimeType() string                         { return l.mime }
func (l *LocalFile) Close() error                             { return l.f.Close() }

// BytesSource is an in-memory FileSource.
type BytesSource struct {
	name string
	mime string
	data []byte
}

func NewBytesSource(name, mimeType string, data []byte) *BytesSource {
	return &BytesSource{name: name, mime: mimeType, data: data}
}

func (b *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *BytesSource) Name() string     { return b.name }
func (b *BytesSource) Size() int64      { return int64(len(b.data)) }
func (b *BytesSource) MimeType() string { return b.mime }
