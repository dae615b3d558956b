package transfer

import (
	"fmt"
	"io"

	"github.com/1ureka/drop/internal/integrity"
	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/util"
)

// handleFrame consumes one data-channel message on the receiving side.
// Messages of one channel arrive serially and in order.
func (m *Manager) handleFrame(s *Session, data []byte) {
	if s.ctx.Err() != nil {
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		m.malformedFrame(s, err)
		return
	}
	if frame.IsComplete() {
		go m.finalizeReceiver(s)
		return
	}

	index := int(frame.Index)
	if index == 0 {
		s.adoptChunkSize(len(frame.Payload))
	}

	s.mu.Lock()
	status, cursor, total, w := s.status, s.currentChunk, s.totalChunks, s.writer
	want := s.chunkLen(index)
	s.mu.Unlock()

	if status.Terminal() || w == nil {
		return
	}
	if index < cursor {
		s.sometimes.Do(func() { s.log.Debug("duplicate chunk %d below cursor %d dropped", index, cursor) })
		return
	}
	if index > cursor || index >= total {
		m.failSession(s, ReasonChunkError, fmt.Errorf("chunk %d out of sequence (expected %d of %d)", index, cursor, total))
		return
	}
	if len(frame.Payload) != want {
		m.failSession(s, ReasonChunkError, fmt.Errorf("chunk %d is %d bytes, expected %d", index, len(frame.Payload), want))
		return
	}

	if err := w.Write(s.ctx, index, frame.Payload); err != nil {
		m.failSession(s, ReasonWriterError, fmt.Errorf("write chunk %d: %w", index, err))
		return
	}
	if !s.advance(index, len(frame.Payload)) {
		return
	}
	util.Stats.AddRecv(len(data))

	snap := s.Snapshot()
	if m.cb.OnProgress != nil {
		m.cb.OnProgress(snap)
	}
	if snap.CurrentChunk%m.cfg.ProgressEvery == 0 || snap.CurrentChunk == snap.TotalChunks {
		m.emit(protocol.EventProgress, protocol.Progress{
			TransferID:        s.ID,
			LastReceivedChunk: snap.CurrentChunk,
			ChunkSize:         snap.ChunkSize,
			BytesTransferred:  snap.BytesTransferred,
			SpeedBps:          snap.SpeedBps,
		})
	}
}

// malformedFrame drops a frame too short to decode. Isolated ones are
// tolerated; MaxMalformedFrames of them fail the session.
func (m *Manager) malformedFrame(s *Session, err error) {
	s.mu.Lock()
	s.malformed++
	n := s.malformed
	s.mu.Unlock()

	if n >= m.cfg.MaxMalformedFrames {
		m.failSession(s, ReasonProtocolViolation, fmt.Errorf("%d malformed frames: %w", n, err))
		return
	}
	s.log.Warning("dropped malformed frame (%d/%d): %v", n, m.cfg.MaxMalformedFrames, err)
}

// finalizeReceiver runs once after the completion marker: it closes the
// writer, verifies the saved bytes when possible and reports the verdict.
func (m *Manager) finalizeReceiver(s *Session) {
	s.finalizeOnce.Do(func() {
		snap := s.Snapshot()
		if snap.Status.Terminal() {
			return
		}
		if snap.CurrentChunk != snap.TotalChunks || snap.BytesTransferred != snap.FileSize {
			m.failSession(s, ReasonChunkError, fmt.Errorf("completion marker after %d/%d chunks, %d/%d bytes",
				snap.CurrentChunk, snap.TotalChunks, snap.BytesTransferred, snap.FileSize))
			return
		}

		s.mu.Lock()
		w := s.writer
		s.mu.Unlock()

		res, err := w.Finalize(s.ctx)
		if err != nil {
			m.failSession(s, ReasonWriterError, fmt.Errorf("finalize: %w", err))
			return
		}
		s.mu.Lock()
		s.location = res.Location
		s.mu.Unlock()

		verdict, status := m.verify(s, snap, res.Reopen)

		s.mu.Lock()
		if s.status.Terminal() {
			s.mu.Unlock()
			return
		}
		s.status = StatusCompleted
		s.verdict = verdict
		s.hashStatus = status
		s.mu.Unlock()

		switch verdict {
		case integrity.VerdictMismatch:
			s.log.Error("saved to %s, hash mismatch", res.Location)
		case integrity.VerdictMatch:
			s.log.Success("saved to %s, hash verified", res.Location)
		default:
			s.log.Success("saved to %s (%s)", res.Location, status)
		}

		m.emit(protocol.EventComplete, protocol.Complete{
			TransferID: s.ID,
			Verified:   verdict != integrity.VerdictUnknown,
			HashMatch:  verdict == integrity.VerdictMatch,
		})

		m.teardown(s, false)
		if m.cb.OnComplete != nil {
			m.cb.OnComplete(s.Snapshot())
		}
		m.notify(s)
		m.retain(s)
	})
}

// verify hashes the finalized output and compares it with the sender's
// digest. Outputs that cannot be read back are unverifiable, not failed.
func (m *Manager) verify(s *Session, snap Snapshot, reopen func() (io.ReadCloser, error)) (integrity.Verdict, integrity.Status) {
	h := integrity.Hasher{BatchSize: m.cfg.HashBatchSize, MaxSize: m.cfg.MaxHashSize}
	switch {
	case h.Skip(snap.FileSize):
		return integrity.VerdictUnknown, integrity.StatusSkippedTooLarge
	case snap.ExpectedHash == "":
		return integrity.VerdictUnknown, integrity.StatusNone
	case reopen == nil:
		return integrity.VerdictUnknown, integrity.StatusUnverifiableStreaming
	}

	s.mu.Lock()
	s.hashStatus = integrity.StatusVerifying
	s.mu.Unlock()
	m.notify(s)

	r, err := reopen()
	if err != nil {
		s.log.Warning("reopen for verification: %v", err)
		return integrity.VerdictUnknown, integrity.StatusFailed
	}
	defer r.Close()

	h.OnProgress = func(done, total int64) {
		if m.cb.OnHashProgress != nil {
			m.cb.OnHashProgress(s.ID, done, total)
		}
	}
	sum, err := h.Sum(s.ctx, r, snap.FileSize)
	if err != nil {
		s.log.Warning("verification hash: %v", err)
		return integrity.VerdictUnknown, integrity.StatusFailed
	}

	s.mu.Lock()
	s.computedHash = sum
	s.mu.Unlock()

	verdict := integrity.Compare(snap.ExpectedHash, sum)
	if verdict == integrity.VerdictMatch {
		return verdict, integrity.StatusVerified
	}
	return verdict, integrity.StatusFailed
}
