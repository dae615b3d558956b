// Package transfer is the resumable chunked transfer engine. A Manager owns
// the sessions of one user, drives their state machines from signaling
// events and link callbacks, and streams file chunks over the data channel
// with backpressure.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/1ureka/drop/internal/config"
	"github.com/1ureka/drop/internal/integrity"
	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/storage"
	"github.com/1ureka/drop/internal/transport"
	"github.com/1ureka/drop/internal/util"
)

var (
	ErrNoChannel       = errors.New("no signaling channel bound")
	ErrAlreadyActive   = errors.New("transfer already active")
	ErrInvalidReceiver = errors.New("receiver id required")
	ErrTooManyChunks   = errors.New("file needs more chunks than a frame can index")
)

// Channel is the signaling channel the Manager emits on and listens to.
// Delivery is at least once; handlers for one channel are called serially.
type Channel interface {
	Emit(event string, payload any) error
	On(event string, handler func(payload json.RawMessage))
	Off(event string)
}

// ReconnectNotifier is implemented by channels that can report a reconnect.
type ReconnectNotifier interface {
	OnReconnect(fn func())
}

// IncomingTransfer is a transfer offered to this user. ResumeFrom is set when
// it re-surfaces from the pending list after a reconnect.
type IncomingTransfer struct {
	protocol.Request
	ResumeFrom int
}

// Callbacks report session changes to the host. Any field may be nil. They
// are called from engine goroutines and must not block.
type Callbacks struct {
	OnIncoming     func(in IncomingTransfer)
	OnStatus       func(s Snapshot)
	OnProgress     func(s Snapshot)
	OnHashProgress func(id string, done, total int64)
	OnComplete     func(s Snapshot)
	OnError        func(s Snapshot, err error)
}

// Options configures a Manager. Registry may be nil.
type Options struct {
	Config    config.Config
	Connector transport.Connector
	Storage   storage.Capabilities
	Registry  *Registry
	Callbacks Callbacks
}

// Manager is the public API of the transfer engine.
type Manager struct {
	cfg       config.Config
	connector transport.Connector
	caps      storage.Capabilities
	registry  *Registry
	cb        Callbacks
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	ch Channel
}

func NewManager(opts Options) (*Manager, error) {
	cfg := opts.Config
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if opts.Connector == nil {
		return nil, errors.New("transfer: connector required")
	}

	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		connector: opts.Connector,
		caps:      opts.Storage,
		registry:  reg,
		cb:        opts.Callbacks,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Registry exposes the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Get returns a snapshot of the session id.
func (m *Manager) Get(id string) (Snapshot, bool) {
	s, ok := m.registry.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// List returns snapshots of every registered session.
func (m *Manager) List() []Snapshot {
	sessions := m.registry.All()
	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// Close tears down every live session. Partial receiver output is kept so
// the transfer can resume later.
func (m *Manager) Close() {
	m.Bind(nil)
	m.cancel()
	for _, s := range m.registry.All() {
		m.teardown(s, false)
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendFile registers a pending session for src and announces it to
// receiverID once the file is hashed. It returns the new transfer id.
func (m *Manager) SendFile(ctx context.Context, src FileSource, receiverID string) (string, error) {
	if receiverID == "" {
		return "", ErrInvalidReceiver
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s := newSession(util.NewTransferID(), receiverID, false)
	s.fileName = src.Name()
	s.fileSize = src.Size()
	s.mimeType = src.MimeType()
	s.chunkSize = m.cfg.ChunkSize
	s.totalChunks = chunkCount(s.fileSize, s.chunkSize)
	s.source = src
	if !indexable(s.totalChunks) {
		return "", fmt.Errorf("%w: %d chunks", ErrTooManyChunks, s.totalChunks)
	}

	m.attach(s)
	if !m.registry.Add(s) {
		return "", ErrAlreadyActive
	}
	s.log.Info("sending %s (%s, %d chunks) to %s", s.fileName, util.FormatBytes(float64(s.fileSize)), s.totalChunks, receiverID)
	m.notify(s)

	go m.announce(s)
	return s.ID, nil
}

// announce hashes the source unless it is above the ceiling, then emits the
// request.
func (m *Manager) announce(s *Session) {
	defer close(s.hashReady)

	size := s.fileSize
	h := integrity.Hasher{
		BatchSize: m.cfg.HashBatchSize,
		MaxSize:   m.cfg.MaxHashSize,
		OnProgress: func(done, total int64) {
			if m.cb.OnHashProgress != nil {
				m.cb.OnHashProgress(s.ID, done, total)
			}
		},
	}

	if h.Skip(size) {
		s.mu.Lock()
		s.hashStatus = integrity.StatusSkippedTooLarge
		s.mu.Unlock()
		s.log.Info("file above hash ceiling, integrity check skipped")
	} else {
		s.mu.Lock()
		s.hashStatus = integrity.StatusComputing
		s.mu.Unlock()

		sum, err := h.Sum(s.ctx, io.NewSectionReader(s.source, 0, size), size)
		if err != nil {
			if s.ctx.Err() == nil {
				m.failSession(s, ReasonFileError, fmt.Errorf("hash source: %w", err))
			}
			return
		}

		s.mu.Lock()
		s.expectedHash = sum
		s.hashStatus = integrity.StatusWaiting
		s.mu.Unlock()
		s.log.Debug("sha256 %s", sum)
	}

	if s.Status() != StatusPending {
		return
	}
	if err := m.emit(protocol.EventRequest, s.request()); err != nil {
		m.failSession(s, ReasonSignalingError, err)
	}
}

// connectSender dials a fresh link after the receiver accepted from chunk
// `from`. An existing link is replaced. The session waits for a free slot
// in connecting.
func (m *Manager) connectSender(s *Session, from int) {
	<-s.hashReady
	if _, ok := s.transition(StatusConnecting); !ok {
		return
	}
	m.notify(s)
	if err := m.acquire(s); err != nil {
		return
	}

	s.mu.Lock()
	old := s.link
	s.link = nil
	s.dc = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.seek(from)

	link, err := m.connector.Dial(s.ctx, m.linkRequest(s))
	if err != nil {
		m.failSession(s, ReasonSignalingError, fmt.Errorf("dial: %w", err))
		return
	}
	if !m.setLink(s, link) {
		return
	}
	if err := link.Negotiate(); err != nil {
		m.failSession(s, ReasonSignalingError, fmt.Errorf("negotiate: %w", err))
	}
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

// AcceptTransfer opens a writer for in and tells the sender where to start.
// Accepting an already active transfer returns its id.
func (m *Manager) AcceptTransfer(ctx context.Context, in IncomingTransfer) (string, error) {
	if cur, ok := m.registry.Get(in.TransferID); ok && !cur.Status().Terminal() {
		return cur.ID, nil
	}

	s := newReceiverSession(in.Request)
	m.attach(s)

	meta := storage.Meta{
		TransferID:  in.TransferID,
		FileName:    in.FileName,
		MimeType:    in.MimeType,
		FileSize:    in.FileSize,
		ChunkSize:   in.ChunkSize,
		TotalChunks: in.TotalChunks,
		ResumeFrom:  in.ResumeFrom,
	}
	w, start, err := storage.Open(ctx, m.caps, meta)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInitCancelled):
			s.transition(StatusCancelled)
			s.cancel()
			m.emit(protocol.EventCancelled, protocol.TransferRef{TransferID: s.ID})
			m.notify(s)
		case errors.Is(err, storage.ErrSizeLimit):
			m.registry.Replace(s)
			m.emit(protocol.EventRejected, protocol.Rejected{TransferID: s.ID, Reason: string(ReasonBrowserSizeLimit)})
			m.failSession(s, ReasonBrowserSizeLimit, err)
		default:
			m.registry.Replace(s)
			m.emit(protocol.EventRejected, protocol.Rejected{TransferID: s.ID, Reason: string(ReasonWriterError)})
			m.failSession(s, ReasonWriterError, err)
		}
		return "", err
	}

	s.mu.Lock()
	s.writer = w
	s.strategy = w.Strategy()
	s.mu.Unlock()
	s.seek(start)
	if s.strategy == storage.StrategyStream && s.expectedHash != "" {
		s.mu.Lock()
		s.hashStatus = integrity.StatusUnverifiableStreaming
		s.mu.Unlock()
	}

	if !m.registry.Replace(s) {
		w.Close()
		s.cancel()
		return "", ErrAlreadyActive
	}
	s.transition(StatusConnecting)
	s.log.Info("accepted %s from %s via %s storage, starting at chunk %d/%d", s.fileName, s.PeerID, s.strategy, start, s.totalChunks)
	m.notify(s)

	go m.connectReceiver(s, start)
	return s.ID, nil
}

// connectReceiver waits for a slot, prepares the answering link and sends
// the acceptance that makes the sender dial.
func (m *Manager) connectReceiver(s *Session, start int) {
	if err := m.acquire(s); err != nil {
		return
	}

	s.mu.Lock()
	old := s.link
	s.link = nil
	s.dc = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	link, err := m.connector.Accept(s.ctx, m.linkRequest(s))
	if err != nil {
		m.failSession(s, ReasonSignalingError, fmt.Errorf("accept: %w", err))
		return
	}
	if !m.setLink(s, link) {
		return
	}

	if err := m.emit(protocol.EventAccepted, m.acceptance(s, start, false)); err != nil {
		m.failSession(s, ReasonSignalingError, err)
	}
}

// acceptance builds an acceptance of s from chunk `from`, counted in the
// session's current chunk size. Each one gets a fresh id so the sender can
// drop re-delivered copies.
func (m *Manager) acceptance(s *Session, from int, inPlace bool) protocol.Accepted {
	s.mu.Lock()
	chunkSize := s.chunkSize
	s.mu.Unlock()
	return protocol.Accepted{
		TransferID:        s.ID,
		ReceiverID:        m.cfg.UserID,
		AcceptID:          util.NewTransferID(),
		LastReceivedChunk: from,
		ChunkSize:         chunkSize,
		InPlace:           inPlace,
	}
}

// RejectTransfer declines an incoming transfer. It is a no-op for unknown
// or finished transfers that were never accepted.
func (m *Manager) RejectTransfer(id string) error {
	if s, ok := m.registry.Get(id); ok {
		if s.Status().Terminal() {
			return nil
		}
		m.cancelSession(s, false)
	}
	return m.emit(protocol.EventRejected, protocol.Rejected{TransferID: id, Reason: "declined"})
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// CancelTransfer stops id on both sides. Missing or finished transfers are
// ignored.
func (m *Manager) CancelTransfer(id string) error {
	s, ok := m.registry.Get(id)
	if !ok || s.Status().Terminal() {
		return nil
	}
	m.cancelSession(s, true)
	return nil
}

// PauseTransfer halts the send loop while keeping the connection open.
func (m *Manager) PauseTransfer(id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	switch s.Status() {
	case StatusConnecting, StatusTransferring:
	default:
		return nil
	}
	if !s.setPaused(pauseUser) {
		return nil
	}
	s.log.Info("paused")
	m.notify(s)
	return m.emit(protocol.EventPaused, protocol.TransferRef{TransferID: id})
}

// ResumeTransfer asks the signaling server to resume a paused transfer. The
// receiver re-accepts from its own cursor when the resume info arrives.
func (m *Manager) ResumeTransfer(id string) error {
	s, ok := m.registry.Get(id)
	if !ok || s.Status() != StatusPaused {
		return nil
	}
	return m.emit(protocol.EventResume, protocol.TransferRef{TransferID: id})
}

// HandleReconnect requests the pending list after the signaling channel
// came back.
func (m *Manager) HandleReconnect() {
	util.LogInfo("signaling reconnected, requesting pending transfers")
	if err := m.emit(protocol.EventPendingList, protocol.PendingList{}); err != nil {
		util.LogWarning("pending list request failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// attach gives s a context bound to the manager.
func (m *Manager) attach(s *Session) {
	s.ctx, s.cancel = context.WithCancel(m.ctx)
}

// acquire takes a concurrency slot for s once. It blocks while
// MaxConcurrent sessions hold one.
func (m *Manager) acquire(s *Session) error {
	s.mu.Lock()
	held := s.releaseSlot != nil
	s.mu.Unlock()
	if held {
		return nil
	}

	if !m.sem.TryAcquire(1) {
		s.log.Info("waiting for a free transfer slot")
		if err := m.sem.Acquire(s.ctx, 1); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.releaseSlot = sync.OnceFunc(func() { m.sem.Release(1) })
	s.mu.Unlock()
	return nil
}

// setLink stores link on s unless s finished meanwhile.
func (m *Manager) setLink(s *Session, link transport.Link) bool {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		link.Close()
		return false
	}
	s.link = link
	s.mu.Unlock()
	return true
}

func (m *Manager) linkRequest(s *Session) transport.LinkRequest {
	return transport.LinkRequest{
		TransferID: s.ID,
		PeerID:     s.PeerID,
		Signal:     m.emit,
		Events:     m.linkEvents(s),
	}
}

// linkEvents binds link callbacks to s.
func (m *Manager) linkEvents(s *Session) transport.LinkEvents {
	return transport.LinkEvents{
		Open: func(dc transport.DataChannel, maxMessageSize int) {
			m.onOpen(s, dc, maxMessageSize)
		},
		Message: func(data []byte) {
			if s.IsReceiver {
				m.handleFrame(s, data)
			}
		},
		Disconnected: func() {
			if s.setPaused(pauseNetwork) {
				s.log.Warning("connection lost, paused")
				m.notify(s)
			}
		},
		Restored: func() {
			if !s.pausedBy(pauseNetwork) {
				return
			}
			if _, ok := s.transition(StatusTransferring); ok {
				s.log.Info("connection restored, resuming")
				m.notify(s)
				s.signal()
			}
		},
		Failed: func(err error) {
			reason := ReasonConnectionTimeout
			if errors.Is(err, transport.ErrICEFailed) {
				reason = ReasonICEFailed
			}
			m.failSession(s, reason, err)
		},
	}
}

// onOpen records the data channel and starts moving chunks.
func (m *Manager) onOpen(s *Session, dc transport.DataChannel, maxMessageSize int) {
	if !s.IsReceiver {
		chunk, err := s.adaptChunkSize(maxMessageSize)
		if err != nil {
			m.failSession(s, ReasonPacketTooLarge, err)
			return
		}
		if chunk != m.cfg.ChunkSize {
			s.log.Info("chunk size reduced to %d bytes for max message size %d", chunk, maxMessageSize)
		}
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.dc = dc
	if s.status != StatusPaused {
		s.status = StatusTransferring
	}
	s.mu.Unlock()

	s.log.Info("data channel open")
	util.Stats.AddStarted()
	m.notify(s)

	if !s.IsReceiver {
		m.watchDrain(s, dc)
		m.startSendLoop(s)
	}
}

// emit sends one signaling event on the bound channel.
func (m *Manager) emit(event string, payload any) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return ErrNoChannel
	}
	return ch.Emit(event, payload)
}

func (m *Manager) notify(s *Session) {
	if m.cb.OnStatus != nil {
		m.cb.OnStatus(s.Snapshot())
	}
}

// failSession moves s to failed, tells the peer and releases resources.
func (m *Manager) failSession(s *Session, reason FailReason, err error) {
	if !s.fail(reason) {
		return
	}
	s.log.Error("failed (%s): %v", reason, err)

	// Network failures keep partial output so the transfer can resume, and
	// the peer detects them on its own.
	keep := reason == ReasonConnectionTimeout || reason == ReasonICEFailed
	if !keep {
		m.emit(protocol.EventCancelled, protocol.TransferRef{TransferID: s.ID})
	}
	m.teardown(s, !keep)

	snap := s.Snapshot()
	if m.cb.OnError != nil {
		m.cb.OnError(snap, err)
	}
	m.notify(s)
	m.retain(s)
}

// cancelSession moves s to cancelled and removes it. notify tells the peer.
func (m *Manager) cancelSession(s *Session, notify bool) {
	if _, ok := s.transition(StatusCancelled); !ok {
		return
	}
	s.log.Warning("cancelled")
	if notify {
		m.emit(protocol.EventCancelled, protocol.TransferRef{TransferID: s.ID})
	}
	m.teardown(s, true)
	m.registry.Remove(s)
	m.notify(s)
}

// teardown releases the transport, the writer and the concurrency slot of s
// exactly once. discard aborts the writer instead of closing it.
func (m *Manager) teardown(s *Session, discard bool) {
	s.teardownOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		link, w, src, tmr, release := s.link, s.writer, s.source, s.completeTmr, s.releaseSlot
		s.dc = nil
		s.mu.Unlock()

		if tmr != nil {
			tmr.Stop()
		}
		if link != nil {
			if err := link.Close(); err != nil {
				s.log.Debug("close link: %v", err)
			}
		}
		if w != nil {
			var err error
			if discard {
				err = w.Abort()
			} else {
				err = w.Close()
			}
			if err != nil {
				s.log.Debug("release writer: %v", err)
			}
		}
		if c, ok := src.(io.Closer); ok {
			c.Close()
		}
		if release != nil {
			release()
		}
		util.Stats.AddFinished()
	})
}

// retain evicts a finished session after RetainCompleted.
func (m *Manager) retain(s *Session) {
	time.AfterFunc(m.cfg.RetainCompleted, func() {
		m.registry.Remove(s)
	})
}
