package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/util"
)

// Transport is one side of the peer connection of a transfer: a single
// PeerConnection plus the pre-negotiated "file" DataChannel. It implements
// Link.
//
// Its lifecycle is governed by the watchdog until the connection is up and
// by the debounced ICE state afterwards. Once Close is called no further
// LinkEvents fire.
type Transport struct {
	req     LinkRequest
	opts    Options
	offerer bool
	log     util.Logger

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	candidates *candidateQueue
	watchdog   *watchdog

	ctx    context.Context
	cancel context.CancelFunc

	openOnce sync.Once

	mu           sync.Mutex
	closed       bool
	described    bool // local description sent; later candidates trickle
	grace        *time.Timer
	disconnected bool // Disconnected reported, Restored pending
	iceState     webrtc.ICEConnectionState
}

func newTransport(ctx context.Context, opts Options, req LinkRequest, offerer bool, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *Transport {
	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		req:      req,
		opts:     opts,
		offerer:  offerer,
		log:      util.ForTransfer(req.TransferID),
		pc:       pc,
		dc:       dc,
		ctx:      tCtx,
		cancel:   tCancel,
		iceState: webrtc.ICEConnectionStateNew,
	}
	t.candidates = newCandidateQueue(pc.AddICECandidate)
	t.watchdog = newWatchdog(opts.ConnectTimeout, opts.RestartTimeout, offerer, t.restartICE, t.fail)

	pc.OnICECandidate(t.onLocalCandidate)
	pc.OnICEConnectionStateChange(t.onICEState)

	dc.OnOpen(func() {
		t.openOnce.Do(func() {
			limit := maxMessageSize(pc)
			t.log.Debug("data channel open, max message size %d", limit)
			if t.live() && t.req.Events.Open != nil {
				t.req.Events.Open(&dataChannel{DataChannel: dc, maxMessageSize: limit}, limit)
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.live() && t.req.Events.Message != nil {
			t.req.Events.Message(msg.Data)
		}
	})
	dc.OnClose(func() {
		if !t.live() {
			return
		}
		t.log.Debug("data channel closed by peer")
		t.reportDisconnected()
	})

	// Tear down with the owning session.
	go func() {
		<-tCtx.Done()
		t.Close()
	}()

	return t
}

// ---------------------------------------------------------------------------
// Link
// ---------------------------------------------------------------------------

// Negotiate creates the offer on the dialing side. It blocks until local
// gathering completes or GatherTimeout passes.
func (t *Transport) Negotiate() error {
	if !t.offerer {
		return nil
	}
	return t.offer(false)
}

// HandleOffer applies an initial or restart offer and answers it.
func (t *Transport) HandleOffer(offer webrtc.SessionDescription) error {
	if !t.live() {
		return ErrLinkClosed
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	t.flushCandidates()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	desc, err := t.gather(gathered)
	if err != nil {
		return err
	}

	if err := t.req.Signal(protocol.EventAnswer, protocol.Answer{
		TransferID:   t.req.TransferID,
		TargetUserID: t.req.PeerID,
		Answer:       desc,
	}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	t.watchdog.start()
	return nil
}

func (t *Transport) HandleAnswer(answer webrtc.SessionDescription) error {
	if !t.live() {
		return ErrLinkClosed
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	t.flushCandidates()
	return nil
}

func (t *Transport) AddCandidate(c webrtc.ICECandidateInit) error {
	if !t.live() {
		return ErrLinkClosed
	}
	return t.candidates.Add(c)
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.grace != nil {
		t.grace.Stop()
	}
	t.mu.Unlock()

	t.watchdog.stop()
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ---------------------------------------------------------------------------
// Negotiation internals
// ---------------------------------------------------------------------------

// offer creates and emits an offer, with ICE restart after the first.
func (t *Transport) offer(restart bool) error {
	if !t.live() {
		return ErrLinkClosed
	}
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	t.mu.Lock()
	t.described = false
	t.mu.Unlock()

	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	desc, err := t.gather(gathered)
	if err != nil {
		return err
	}

	if err := t.req.Signal(protocol.EventOffer, protocol.Offer{
		TransferID:   t.req.TransferID,
		TargetUserID: t.req.PeerID,
		Offer:        desc,
	}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	t.watchdog.start()
	return nil
}

// gather waits for candidate gathering, bounded by GatherTimeout, and
// returns the local description with whatever was gathered. Candidates
// found afterwards are trickled.
func (t *Transport) gather(done <-chan struct{}) (webrtc.SessionDescription, error) {
	timer := time.NewTimer(t.opts.GatherTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		t.log.Debug("gathering still running after %s, sending partial candidates", t.opts.GatherTimeout)
	case <-t.ctx.Done():
		return webrtc.SessionDescription{}, ErrLinkClosed
	}

	t.mu.Lock()
	t.described = true
	t.mu.Unlock()

	desc := t.pc.LocalDescription()
	if desc == nil {
		return webrtc.SessionDescription{}, errors.New("no local description")
	}
	return *desc, nil
}

func (t *Transport) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	t.mu.Lock()
	trickle := t.described && !t.closed
	t.mu.Unlock()
	if !trickle {
		return
	}
	err := t.req.Signal(protocol.EventICECandidate, protocol.Candidate{
		TransferID:   t.req.TransferID,
		TargetUserID: t.req.PeerID,
		Candidate:    c.ToJSON(),
	})
	if err != nil {
		t.log.Debug("trickle candidate: %v", err)
	}
}

// restartICE is the watchdog's single restart on the offering side.
func (t *Transport) restartICE() {
	t.log.Warning("connection not established, restarting ICE")
	if err := t.offer(true); err != nil && !errors.Is(err, ErrLinkClosed) {
		t.log.Warning("ICE restart: %v", err)
	}
}

// fail reports a final connection failure.
func (t *Transport) fail(err error) {
	if !t.live() {
		return
	}
	t.log.Error("connection failed: %v", err)
	if t.req.Events.Failed != nil {
		t.req.Events.Failed(err)
	}
}

// ---------------------------------------------------------------------------
// Connection state
// ---------------------------------------------------------------------------

func (t *Transport) onICEState(state webrtc.ICEConnectionState) {
	t.log.Debug("ICE connection state: %s", state)

	t.mu.Lock()
	t.iceState = state
	t.mu.Unlock()

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		t.watchdog.connected()
		t.recovered()
	case webrtc.ICEConnectionStateDisconnected:
		t.armGrace()
	case webrtc.ICEConnectionStateFailed:
		t.reportDisconnected()
		t.watchdog.iceFailed()
	}
}

// armGrace reports the disconnect only if it outlasts DisconnectGrace.
func (t *Transport) armGrace() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.grace != nil {
		return
	}
	t.grace = time.AfterFunc(t.opts.DisconnectGrace, func() {
		t.mu.Lock()
		t.grace = nil
		still := t.iceState == webrtc.ICEConnectionStateDisconnected
		t.mu.Unlock()
		if still {
			t.reportDisconnected()
		}
	})
}

// reportDisconnected fires Disconnected once per outage.
func (t *Transport) reportDisconnected() {
	t.mu.Lock()
	if t.closed || t.disconnected {
		t.mu.Unlock()
		return
	}
	t.disconnected = true
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}
	t.mu.Unlock()

	t.log.Warning("peer connection lost")
	if t.req.Events.Disconnected != nil {
		t.req.Events.Disconnected()
	}
}

// recovered cancels a pending grace period and fires Restored if the
// outage had been reported.
func (t *Transport) recovered() {
	t.mu.Lock()
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}
	report := t.disconnected && !t.closed
	t.disconnected = false
	t.mu.Unlock()

	if report {
		t.log.Info("peer connection restored")
		if t.req.Events.Restored != nil {
			t.req.Events.Restored()
		}
	}
}

func (t *Transport) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// flushCandidates applies the candidates that arrived before the remote
// description.
func (t *Transport) flushCandidates() {
	if n := t.candidates.queued(); n > 0 {
		t.log.Debug("applying %d queued candidates", n)
	}
	if err := t.candidates.Flush(); err != nil {
		t.log.Debug("queued candidates: %v", err)
	}
}
