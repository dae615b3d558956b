// Package integrity computes bounded-memory content digests for transferred
// files and tracks the verification pipeline stage.
//
// A file is read in sequential batches of BatchSize bytes and each batch is
// hashed on its own with SHA-256. A single batch yields its digest directly;
// several batches yield SHA-256 over the concatenated lowercase-hex batch
// digests. Peak memory is one batch regardless of file size.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// DefaultBatchSize caps the memory used while hashing.
const DefaultBatchSize = 32 * 1024 * 1024

// ErrTooLarge is returned when the input exceeds the configured MaxSize.
var ErrTooLarge = errors.New("file exceeds hash size limit")

// Hasher computes digests. The zero value uses DefaultBatchSize and no size limit.
type Hasher struct {
	BatchSize int
	MaxSize   int64 // 0 means unlimited

	// OnProgress, if set, is called after each batch with bytes hashed so far.
	OnProgress func(done, total int64)
}

// Skip reports whether a file of size bytes is above the hashing ceiling.
func (h Hasher) Skip(size int64) bool {
	return h.MaxSize > 0 && size > h.MaxSize
}

// Sum reads exactly size bytes from r and returns the combined digest.
func (h Hasher) Sum(ctx context.Context, r io.Reader, size int64) (string, error) {
	if h.Skip(size) {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	batch := int64(h.BatchSize)
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if size < batch {
		batch = size
	}

	buf := make([]byte, batch)
	var digests []string
	var done int64

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n := batch
		if rem := size - done; rem < n {
			n = rem
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return "", fmt.Errorf("read batch at offset %d: %w", done, err)
		}

		sum := sha256.Sum256(buf[:n])
		digests = append(digests, hex.EncodeToString(sum[:]))
		done += n

		if h.OnProgress != nil {
			h.OnProgress(done, size)
		}
		if done >= size {
			break
		}
	}

	return Combine(digests), nil
}

// Combine folds ordered batch digests into the final digest.
func Combine(digests []string) string {
	if len(digests) == 1 {
		return digests[0]
	}
	h := sha256.New()
	for _, d := range digests {
		io.WriteString(h, d)
	}
	return hex.EncodeToString(h.Sum(nil))
}
