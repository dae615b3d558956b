package transfer

import (
	"encoding/json"
	"time"

	"github.com/1ureka/drop/internal/integrity"
	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/util"
)

// Bind attaches the Manager to ch. Handlers on a previously bound channel
// are removed first, so each event has exactly one live handler. Passing nil
// only unbinds.
func (m *Manager) Bind(ch Channel) {
	m.mu.Lock()
	prev := m.ch
	m.ch = ch
	m.mu.Unlock()

	if prev != nil {
		for _, event := range protocol.Events {
			prev.Off(event)
		}
		if rn, ok := prev.(ReconnectNotifier); ok {
			rn.OnReconnect(nil)
		}
	}
	if ch == nil {
		return
	}

	for event, handle := range m.handlers() {
		ch.On(event, handle)
	}
	if rn, ok := ch.(ReconnectNotifier); ok {
		rn.OnReconnect(m.HandleReconnect)
	}
}

// handlers maps every transfer event to its handler.
func (m *Manager) handlers() map[string]func(json.RawMessage) {
	return map[string]func(json.RawMessage){
		protocol.EventRequest:      decodeInto(m.onRequest),
		protocol.EventAccepted:     decodeInto(m.onAccepted),
		protocol.EventRejected:     decodeInto(m.onRejected),
		protocol.EventCancelled:    decodeInto(m.onCancelled),
		protocol.EventPaused:       decodeInto(m.onPaused),
		protocol.EventOffer:        decodeInto(m.onOffer),
		protocol.EventAnswer:       decodeInto(m.onAnswer),
		protocol.EventICECandidate: decodeInto(m.onCandidate),
		protocol.EventProgress:     decodeInto(m.onProgress),
		protocol.EventComplete:     decodeInto(m.onComplete),
		protocol.EventCompleted:    decodeInto(m.onCompleted),
		protocol.EventPendingList:  decodeInto(m.onPendingList),
		protocol.EventResumeInfo:   decodeInto(m.onResumeInfo),
	}
}

// decodeInto adapts a typed handler to a raw JSON one. Undecodable payloads
// are logged and dropped.
func decodeInto[T any](fn func(T)) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			util.LogWarning("dropping malformed %T payload: %v", v, err)
			return
		}
		fn(v)
	}
}

// session looks up a live session for an incoming event.
func (m *Manager) session(id string, receiver bool) (*Session, bool) {
	s, ok := m.registry.Get(id)
	if !ok || s.IsReceiver != receiver || s.Status().Terminal() {
		return nil, false
	}
	return s, true
}

func (m *Manager) onRequest(req protocol.Request) {
	if _, ok := m.registry.Get(req.TransferID); ok {
		return
	}
	util.LogInfo("incoming %s (%s) from %s", req.FileName, util.FormatBytes(float64(req.FileSize)), req.SenderID)
	if m.cb.OnIncoming != nil {
		m.cb.OnIncoming(IncomingTransfer{Request: req})
	}
}

func (m *Manager) onAccepted(acc protocol.Accepted) {
	s, ok := m.registry.Get(acc.TransferID)
	if !ok {
		// The receiver holds a transfer this process no longer knows.
		m.emit(protocol.EventCancelled, protocol.TransferRef{TransferID: acc.TransferID})
		return
	}
	if s.IsReceiver {
		return
	}
	if s.Status().Terminal() {
		// The receiver is waiting for a dial; tell it none is coming.
		s.log.Info("acceptance for finished transfer, cancelling")
		m.emit(protocol.EventCancelled, protocol.TransferRef{TransferID: s.ID})
		return
	}

	s.mu.Lock()
	if acc.AcceptID != "" && acc.AcceptID == s.lastAccept {
		s.mu.Unlock()
		s.log.Debug("duplicate acceptance %s ignored", acc.AcceptID)
		return
	}
	s.lastAccept = acc.AcceptID
	open := s.dc != nil && s.link != nil
	s.mu.Unlock()

	if s.useChunkSize(acc.ChunkSize) {
		s.log.Info("continuing with the receiver's chunk size of %d bytes", acc.ChunkSize)
	}

	if acc.InPlace && open {
		s.seek(acc.LastReceivedChunk)
		if _, ok := s.transition(StatusTransferring); ok {
			s.log.Info("resuming at chunk %d", acc.LastReceivedChunk)
			m.notify(s)
			m.startSendLoop(s)
		}
		return
	}

	s.log.Info("accepted by %s at chunk %d", acc.ReceiverID, acc.LastReceivedChunk)
	go m.connectSender(s, acc.LastReceivedChunk)
}

func (m *Manager) onRejected(rej protocol.Rejected) {
	s, ok := m.registry.Get(rej.TransferID)
	if !ok || s.Status().Terminal() {
		return
	}
	s.log.Warning("rejected by peer: %s", rej.Reason)
	m.cancelSession(s, false)
}

func (m *Manager) onCancelled(ref protocol.TransferRef) {
	s, ok := m.registry.Get(ref.TransferID)
	if !ok || s.Status().Terminal() {
		return
	}
	m.cancelSession(s, false)
}

func (m *Manager) onPaused(ref protocol.TransferRef) {
	s, ok := m.registry.Get(ref.TransferID)
	if !ok {
		return
	}
	if s.setPaused(pausePeer) {
		s.log.Info("paused by peer")
		m.notify(s)
	}
}

func (m *Manager) onOffer(o protocol.Offer) {
	s, ok := m.session(o.TransferID, true)
	if !ok {
		return
	}
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		s.log.Warning("offer before link is ready, dropped")
		return
	}
	go func() {
		if err := link.HandleOffer(o.Offer); err != nil {
			s.log.Warning("handle offer: %v", err)
		}
	}()
}

func (m *Manager) onAnswer(a protocol.Answer) {
	s, ok := m.session(a.TransferID, false)
	if !ok {
		return
	}
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.HandleAnswer(a.Answer); err != nil {
		s.log.Warning("handle answer: %v", err)
	}
}

func (m *Manager) onCandidate(c protocol.Candidate) {
	s, ok := m.registry.Get(c.TransferID)
	if !ok || s.Status().Terminal() {
		return
	}
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.AddCandidate(c.Candidate); err != nil {
		s.log.Debug("add candidate: %v", err)
	}
}

func (m *Manager) onProgress(p protocol.Progress) {
	s, ok := m.session(p.TransferID, false)
	if !ok {
		return
	}
	s.mu.Lock()
	s.ackedChunk = max(s.ackedChunk, p.LastReceivedChunk)
	s.mu.Unlock()
	if m.cb.OnProgress != nil {
		m.cb.OnProgress(s.Snapshot())
	}
}

// onComplete is the sender learning the receiver's verdict.
func (m *Manager) onComplete(c protocol.Complete) {
	s, ok := m.session(c.TransferID, false)
	if !ok {
		return
	}
	verdict := integrity.VerdictUnknown
	if c.Verified {
		verdict = integrity.VerdictMismatch
		if c.HashMatch {
			verdict = integrity.VerdictMatch
		}
	}
	m.completeSender(s, verdict)
}

func (m *Manager) onCompleted(c protocol.Completed) {
	if s, ok := m.registry.Get(c.TransferID); ok && s.IsReceiver {
		s.log.Debug("sender acknowledged completion (hash match %t)", c.HashMatch)
	}
}

// onPendingList re-surfaces unfinished transfers after a reconnect.
// Receiver entries come back as incoming transfers with a resume point;
// sender entries this process no longer drives are cancelled.
func (m *Manager) onPendingList(list protocol.PendingList) {
	self := m.cfg.UserID
	for _, t := range list.Transfers {
		cur, ok := m.registry.Get(t.TransferID)
		live := ok && !cur.Status().Terminal()

		switch {
		case t.ReceiverID == self:
			if live {
				continue
			}
			util.LogInfo("pending transfer %s (%s) can resume from chunk %d", util.ShortID(t.TransferID), t.FileName, t.LastReceivedChunk)
			if m.cb.OnIncoming != nil {
				m.cb.OnIncoming(IncomingTransfer{Request: t.Request, ResumeFrom: t.LastReceivedChunk})
			}
		case t.SenderID == self:
			if live {
				continue
			}
			util.LogInfo("pending transfer %s has no local sender, cancelling", util.ShortID(t.TransferID))
			m.emit(protocol.EventCancelled, protocol.TransferRef{TransferID: t.TransferID})
		}
	}
}

// onResumeInfo reacts to a resume request. A paused receiver re-accepts
// from its own cursor; the sender waits for that acceptance.
func (m *Manager) onResumeInfo(info protocol.ResumeInfo) {
	s, ok := m.registry.Get(info.TransferID)
	if !ok || s.Status().Terminal() {
		return
	}
	if !info.PeerOnline {
		s.log.Warning("peer offline, staying paused")
		return
	}
	if !s.IsReceiver || s.Status() != StatusPaused {
		return
	}

	s.mu.Lock()
	cursor := s.currentChunk
	open := s.dc != nil && s.link != nil
	s.mu.Unlock()

	if !open {
		if _, ok := s.transition(StatusConnecting); ok {
			m.notify(s)
			go m.connectReceiver(s, cursor)
		}
		return
	}

	if _, ok := s.transition(StatusTransferring); !ok {
		return
	}
	s.log.Info("resuming at chunk %d", cursor)
	m.notify(s)
	if err := m.emit(protocol.EventAccepted, m.acceptance(s, cursor, true)); err != nil {
		m.failSession(s, ReasonSignalingError, err)
	}
}

// completeSender finishes a sender session with the receiver's verdict.
func (m *Manager) completeSender(s *Session, verdict integrity.Verdict) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusCompleted
	s.verdict = verdict
	switch verdict {
	case integrity.VerdictMatch:
		s.hashStatus = integrity.StatusVerified
	case integrity.VerdictMismatch:
		s.hashStatus = integrity.StatusFailed
	}
	s.mu.Unlock()

	if verdict == integrity.VerdictMismatch {
		s.log.Warning("completed, receiver reports hash mismatch")
	} else {
		s.log.Success("completed (hash %s)", verdict)
	}
	m.emit(protocol.EventCompleted, protocol.Completed{TransferID: s.ID, HashMatch: verdict == integrity.VerdictMatch})

	m.teardown(s, false)
	if m.cb.OnComplete != nil {
		m.cb.OnComplete(s.Snapshot())
	}
	m.notify(s)
	m.retain(s)
}

// armCompleteTimeout completes the sender with an unknown verdict if the
// receiver never reports back after the completion marker.
func (m *Manager) armCompleteTimeout(s *Session) {
	tmr := time.AfterFunc(m.cfg.CompleteTimeout, func() {
		s.log.Warning("no completion report within %s", m.cfg.CompleteTimeout)
		m.completeSender(s, integrity.VerdictUnknown)
	})
	s.mu.Lock()
	if s.completeTmr != nil {
		s.completeTmr.Stop()
	}
	s.completeTmr = tmr
	s.mu.Unlock()
}
