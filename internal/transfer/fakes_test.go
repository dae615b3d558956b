package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/transport"
)

// ---------------------------------------------------------------------------
// In-memory signaling hub
// ---------------------------------------------------------------------------

type hubRecord struct {
	req      protocol.Request
	last     int
	accepted json.RawMessage
	finished bool
}

// chunking records the receiver's chunk size so pending lists count in it.
// Caller holds the hub's mu.
func (rec *hubRecord) chunking(chunkSize int) {
	if chunkSize > 0 && chunkSize != rec.req.ChunkSize {
		rec.req.ChunkSize = chunkSize
		rec.req.TotalChunks = chunkCount(rec.req.FileSize, chunkSize)
	}
}

// fakeHub routes events between channels the way the signaling server does.
type fakeHub struct {
	mu      sync.Mutex
	peers   map[string]*fakeChannel
	records map[string]*hubRecord
}

func newFakeHub() *fakeHub {
	return &fakeHub{peers: make(map[string]*fakeChannel), records: make(map[string]*hubRecord)}
}

// connect registers a fresh channel for user, replacing any previous one.
func (h *fakeHub) connect(user string) *fakeChannel {
	c := &fakeChannel{
		hub:      h,
		user:     user,
		handlers: make(map[string]func(json.RawMessage)),
		queue:    make(chan delivery, 1<<14),
	}
	go c.pump()

	h.mu.Lock()
	if old := h.peers[user]; old != nil {
		old.stop()
	}
	h.peers[user] = c
	h.mu.Unlock()
	return c
}

func (h *fakeHub) disconnect(user string) {
	h.mu.Lock()
	c := h.peers[user]
	delete(h.peers, user)
	h.mu.Unlock()
	if c != nil {
		c.stop()
	}
}

func (h *fakeHub) send(user, event string, raw json.RawMessage) {
	h.mu.Lock()
	c := h.peers[user]
	h.mu.Unlock()
	if c != nil {
		c.deliver(event, raw)
	}
}

func (h *fakeHub) other(rec *hubRecord, from string) string {
	if from == rec.req.SenderID {
		return rec.req.ReceiverID
	}
	return rec.req.SenderID
}

func (h *fakeHub) route(from, event string, raw json.RawMessage) {
	switch event {
	case protocol.EventRequest:
		var req protocol.Request
		json.Unmarshal(raw, &req)
		req.SenderID = from
		h.mu.Lock()
		h.records[req.TransferID] = &hubRecord{req: req}
		h.mu.Unlock()
		out, _ := json.Marshal(req)
		h.send(req.ReceiverID, event, out)
		return

	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		var t struct {
			TargetUserID string `json:"targetUserId"`
		}
		json.Unmarshal(raw, &t)
		h.send(t.TargetUserID, event, raw)
		return

	case protocol.EventPendingList:
		var list protocol.PendingList
		h.mu.Lock()
		for _, rec := range h.records {
			if rec.finished || (rec.req.SenderID != from && rec.req.ReceiverID != from) {
				continue
			}
			list.Transfers = append(list.Transfers, protocol.PendingTransfer{Request: rec.req, LastReceivedChunk: rec.last})
		}
		h.mu.Unlock()
		out, _ := json.Marshal(list)
		h.send(from, event, out)
		return
	}

	var ref protocol.TransferRef
	json.Unmarshal(raw, &ref)
	h.mu.Lock()
	rec := h.records[ref.TransferID]
	h.mu.Unlock()
	if rec == nil {
		return
	}
	to := h.other(rec, from)

	switch event {
	case protocol.EventResume:
		h.mu.Lock()
		_, online := h.peers[to]
		info := protocol.ResumeInfo{TransferID: ref.TransferID, ResumeFrom: rec.last, PeerOnline: online}
		h.mu.Unlock()
		out, _ := json.Marshal(info)
		h.send(from, protocol.EventResumeInfo, out)
		h.send(to, protocol.EventResumeInfo, out)
		return
	case protocol.EventAccepted:
		var acc protocol.Accepted
		json.Unmarshal(raw, &acc)
		h.mu.Lock()
		rec.chunking(acc.ChunkSize)
		rec.last = acc.LastReceivedChunk
		rec.accepted = raw
		h.mu.Unlock()
	case protocol.EventProgress:
		var p protocol.Progress
		json.Unmarshal(raw, &p)
		h.mu.Lock()
		rec.chunking(p.ChunkSize)
		rec.last = p.LastReceivedChunk
		h.mu.Unlock()
	case protocol.EventCancelled, protocol.EventRejected, protocol.EventComplete:
		h.mu.Lock()
		rec.finished = true
		h.mu.Unlock()
	}
	h.send(to, event, raw)
}

type delivery struct {
	event string
	raw   json.RawMessage
}

// fakeChannel implements Channel and ReconnectNotifier. Handlers run
// serially on one goroutine, like a WebSocket read loop.
type fakeChannel struct {
	hub  *fakeHub
	user string

	mu          sync.Mutex
	handlers    map[string]func(json.RawMessage)
	onReconnect func()
	stopped     bool
	queue       chan delivery

	emitted []string
}

func (c *fakeChannel) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	c.emitted = append(c.emitted, event)
	c.mu.Unlock()
	c.hub.route(c.user, event, raw)
	return nil
}

func (c *fakeChannel) On(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *fakeChannel) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

func (c *fakeChannel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

func (c *fakeChannel) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func (c *fakeChannel) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.emitted {
		if e == event {
			n++
		}
	}
	return n
}

func (c *fakeChannel) deliver(event string, raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.queue <- delivery{event: event, raw: raw}
	}
}

func (c *fakeChannel) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.queue)
	}
}

func (c *fakeChannel) pump() {
	for d := range c.queue {
		c.mu.Lock()
		h := c.handlers[d.event]
		c.mu.Unlock()
		if h != nil {
			h(d.raw)
		}
	}
}

// ---------------------------------------------------------------------------
// In-memory links
// ---------------------------------------------------------------------------

// fakeNet is a transport.Connector whose links are joined in memory once
// the offer/answer exchange has gone through the signaling channel.
type fakeNet struct {
	mu             sync.Mutex
	dialers        map[string]*fakeLink
	maxMessageSize int
	delay          time.Duration
	failWith       error
	dials          int
}

func newFakeNet() *fakeNet {
	return &fakeNet{dialers: make(map[string]*fakeLink)}
}

func (n *fakeNet) Dial(_ context.Context, req transport.LinkRequest) (transport.Link, error) {
	n.mu.Lock()
	n.dials++
	n.mu.Unlock()
	return &fakeLink{net: n, req: req, offerer: true}, nil
}

func (n *fakeNet) Accept(_ context.Context, req transport.LinkRequest) (transport.Link, error) {
	return &fakeLink{net: n, req: req}, nil
}

func (n *fakeNet) dialer(id string) *fakeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialers[id]
}

func (n *fakeNet) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

type fakeLink struct {
	net     *fakeNet
	req     transport.LinkRequest
	offerer bool

	mu     sync.Mutex
	dc     *fakeDC
	peer   *fakeLink
	closed bool
}

func (l *fakeLink) Negotiate() error {
	if !l.offerer {
		return nil
	}
	l.net.mu.Lock()
	failWith := l.net.failWith
	l.net.mu.Unlock()
	if err := failWith; err != nil {
		go l.req.Events.Failed(err)
		return nil
	}
	l.net.mu.Lock()
	l.net.dialers[l.req.TransferID] = l
	l.net.mu.Unlock()
	return l.req.Signal(protocol.EventOffer, protocol.Offer{
		TransferID:   l.req.TransferID,
		TargetUserID: l.req.PeerID,
		Offer:        webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"},
	})
}

func (l *fakeLink) HandleOffer(webrtc.SessionDescription) error {
	dialer := l.net.dialer(l.req.TransferID)
	if dialer == nil {
		return errors.New("no dialer")
	}

	toAnswerer := newFakeDC(l.net.delay)
	toDialer := newFakeDC(l.net.delay)
	toAnswerer.target, toDialer.target = l, dialer

	dialer.mu.Lock()
	dialer.dc, dialer.peer = toAnswerer, l
	dialer.mu.Unlock()
	l.mu.Lock()
	l.dc, l.peer = toDialer, dialer
	l.mu.Unlock()

	if err := l.req.Signal(protocol.EventAnswer, protocol.Answer{
		TransferID:   l.req.TransferID,
		TargetUserID: l.req.PeerID,
		Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"},
	}); err != nil {
		return err
	}
	l.open()
	return nil
}

func (l *fakeLink) HandleAnswer(webrtc.SessionDescription) error {
	l.open()
	return nil
}

func (l *fakeLink) AddCandidate(webrtc.ICECandidateInit) error { return nil }

func (l *fakeLink) open() {
	l.mu.Lock()
	dc, closed := l.dc, l.closed
	l.mu.Unlock()
	if dc != nil && !closed && l.req.Events.Open != nil {
		l.req.Events.Open(dc, l.net.maxMessageSize)
	}
}

func (l *fakeLink) receive(data []byte) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed && l.req.Events.Message != nil {
		l.req.Events.Message(data)
	}
}

// blip reports a disconnect on both ends of the link.
func (l *fakeLink) blip() {
	for _, side := range []*fakeLink{l, l.peerLink()} {
		if side != nil && side.req.Events.Disconnected != nil {
			side.req.Events.Disconnected()
		}
	}
}

// restore reports recovery on both ends of the link.
func (l *fakeLink) restore() {
	for _, side := range []*fakeLink{l, l.peerLink()} {
		if side != nil && side.req.Events.Restored != nil {
			side.req.Events.Restored()
		}
	}
}

func (l *fakeLink) dataChannel() *fakeDC {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dc
}

func (l *fakeLink) peerLink() *fakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	dc, peer := l.dc, l.peer
	l.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if peer != nil {
		peer.mu.Lock()
		peerClosed := peer.closed
		if peer.dc != nil {
			peer.dc.drop()
		}
		peer.mu.Unlock()
		if !peerClosed && peer.req.Events.Disconnected != nil {
			go peer.req.Events.Disconnected()
		}
	}
	return nil
}

// fakeDC is one direction of an in-memory data channel. Sent frames are
// delivered in order by a pump goroutine; the buffered amount drops as
// they are delivered.
type fakeDC struct {
	target *fakeLink
	delay  time.Duration

	mu        sync.Mutex
	buffered  uint64
	threshold uint64
	onLow     func()
	closed    bool
	dropping  bool
	queue     chan []byte
	indices   []uint32
}

func newFakeDC(delay time.Duration) *fakeDC {
	dc := &fakeDC{delay: delay, queue: make(chan []byte, 1<<14)}
	go dc.pump()
	return dc
}

func (d *fakeDC) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("data channel closed")
	}
	if len(data) >= protocol.HeaderSize {
		f, _ := protocol.Decode(data)
		d.indices = append(d.indices, f.Index)
	}
	if d.dropping {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	d.buffered += uint64(len(buf))
	d.queue <- buf
	return nil
}

func (d *fakeDC) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *fakeDC) SetBufferedAmountLowThreshold(th uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = th
}

func (d *fakeDC) OnBufferedAmountLow(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLow = f
}

func (d *fakeDC) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	return nil
}

// drop silently discards further sends, as when the far end went away.
func (d *fakeDC) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropping = true
}

func (d *fakeDC) sentIndices() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.indices...)
}

func (d *fakeDC) pump() {
	for data := range d.queue {
		if d.delay > 0 {
			time.Sleep(d.delay)
		}
		d.target.receive(data)

		d.mu.Lock()
		prev := d.buffered
		d.buffered -= uint64(len(data))
		fire := prev > d.threshold && d.buffered <= d.threshold
		onLow := d.onLow
		d.mu.Unlock()
		if fire && onLow != nil {
			onLow()
		}
	}
}
