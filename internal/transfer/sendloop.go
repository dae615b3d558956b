package transfer

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/transport"
	"github.com/1ureka/drop/internal/util"
)

// watchDrain arms the low-water callback of dc to signal the send loop.
func (m *Manager) watchDrain(s *Session, dc transport.DataChannel) {
	dc.SetBufferedAmountLowThreshold(uint64(m.cfg.LowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drain <- struct{}{}:
		default:
		}
	})
}

// startSendLoop runs the send loop unless it is already running, in which
// case it is woken.
func (m *Manager) startSendLoop(s *Session) {
	s.mu.Lock()
	if s.dc == nil || s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.looping {
		s.mu.Unlock()
		s.signal()
		return
	}
	s.looping = true
	s.mu.Unlock()

	go m.sendLoop(s)
}

// sendLoop is the single writer of a sender session. It reads chunk
// CurrentChunk from the source, sends it when the channel's buffered amount
// is at or below the high water mark, and ends with the completion marker.
// Pauses park the loop on the wake channel without closing the connection.
func (m *Manager) sendLoop(s *Session) {
	defer func() {
		s.mu.Lock()
		s.looping = false
		s.mu.Unlock()
	}()

	high := uint64(m.cfg.HighWaterMark)
	buf := make([]byte, 0, m.cfg.ChunkSize)

	for {
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		status, cursor, total, chunkSize, size, dc := s.status, s.currentChunk, s.totalChunks, s.chunkSize, s.fileSize, s.dc
		s.mu.Unlock()

		if status.Terminal() {
			return
		}
		if status != StatusTransferring || dc == nil {
			select {
			case <-s.wake:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		if cursor >= total {
			m.sendCompletion(s, dc)
			return
		}

		if dc.BufferedAmount() > high {
			m.waitDrain(s)
			continue
		}

		off := int64(cursor) * int64(chunkSize)
		n := int(min(int64(chunkSize), size-off))
		if cap(buf) < n {
			buf = make([]byte, 0, n)
		}
		payload := buf[:n]
		if _, err := s.source.ReadAt(payload, off); err != nil && !errors.Is(err, io.EOF) {
			m.failSession(s, ReasonFileError, fmt.Errorf("read chunk %d: %w", cursor, err))
			return
		}

		frame := protocol.Encode(uint32(cursor), payload)
		if err := m.sendFrame(s, dc, frame); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if s.currentDC() != dc {
				// The link was replaced mid-send; continue on the new one.
				continue
			}
			reason := ReasonChunkSendFailed
			if errors.Is(err, transport.ErrMessageTooLarge) {
				reason = ReasonPacketTooLarge
			}
			m.failSession(s, reason, fmt.Errorf("send chunk %d: %w", cursor, err))
			return
		}

		if s.advanceOn(dc, cursor, n) {
			util.Stats.AddSent(len(frame))
			s.sometimes.Do(func() {
				s.log.Debug("sent chunk %d/%d, buffered %s", cursor+1, total, util.FormatBytes(float64(dc.BufferedAmount())))
			})
			if m.cb.OnProgress != nil {
				m.cb.OnProgress(s.Snapshot())
			}
		}
	}
}

// waitDrain blocks until the channel reports its buffer drained, the poll
// interval passes, the loop is woken or the session ends.
func (m *Manager) waitDrain(s *Session) {
	t := time.NewTimer(m.cfg.DrainPoll)
	defer t.Stop()
	select {
	case <-s.drain:
	case <-t.C:
	case <-s.wake:
	case <-s.ctx.Done():
	}
}

// sendCompletion sends the completion marker once per cursor position and
// arms the completion timeout.
func (m *Manager) sendCompletion(s *Session, dc transport.DataChannel) {
	s.mu.Lock()
	if s.markerSent {
		s.mu.Unlock()
		return
	}
	s.markerSent = true
	s.mu.Unlock()

	if err := m.sendFrame(s, dc, protocol.EncodeComplete()); err != nil {
		if s.ctx.Err() == nil {
			m.failSession(s, ReasonChunkSendFailed, fmt.Errorf("send completion marker: %w", err))
		}
		return
	}
	s.log.Info("all %d chunks sent, waiting for receiver", s.Snapshot().TotalChunks)
	m.armCompleteTimeout(s)
}

// sendFrame sends one frame, retrying transient failures with exponential
// backoff. Oversized frames are not retried.
func (m *Manager) sendFrame(s *Session, dc transport.DataChannel, frame []byte) error {
	var tooLarge error
	op := func() error {
		err := dc.Send(frame)
		if errors.Is(err, transport.ErrMessageTooLarge) {
			tooLarge = err
			return nil
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 10 * time.Second

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.cfg.SendRetries)), s.ctx)
	notify := func(err error, wait time.Duration) {
		s.log.Warning("send failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}
	return tooLarge
}
