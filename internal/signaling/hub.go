package signaling

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/drop/internal/bookkeeping"
	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/util"
)

// Records is the resumption store the Hub keeps per transfer.
type Records interface {
	Create(req protocol.Request) error
	Get(transferID string) (*bookkeeping.Record, error)
	SetStatus(transferID string, status bookkeeping.Status) error
	SetProgress(transferID string, lastReceivedChunk int, bytesTransferred int64) error
	SetChunkSize(transferID string, chunkSize int) error
	Pending(userID string) ([]bookkeeping.Record, error)
}

// closedBy maps the events that end a transfer to its final status.
var closedBy = map[string]bookkeeping.Status{
	protocol.EventCancelled: bookkeeping.StatusCancelled,
	protocol.EventRejected:  bookkeeping.StatusRejected,
	protocol.EventComplete:  bookkeeping.StatusCompleted,
}

// Hub routes transfer events between the two parties of each transfer.
// Negotiation events go to their targetUserId; everything else goes to the
// other party of the stored record. One connection per user: a new one
// replaces the old.
type Hub struct {
	records Records

	mu    sync.Mutex
	peers map[string]*sender
}

func NewHub(records Records) *Hub {
	return &Hub{
		records: records,
		peers:   make(map[string]*sender),
	}
}

// Online reports whether user currently has a connection.
func (h *Hub) Online(user string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[user]
	return ok
}

// join registers out as user's connection.
func (h *Hub) join(user string, out *sender) {
	h.mu.Lock()
	old := h.peers[user]
	h.peers[user] = out
	h.mu.Unlock()

	if old != nil {
		util.LogInfo("%s reconnected, dropping previous connection", user)
		old.close(websocket.ClosePolicyViolation, "replaced by a newer connection")
	} else {
		util.LogInfo("%s connected", user)
	}
}

// leave unregisters out if it is still user's connection.
func (h *Hub) leave(user string, out *sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[user] == out {
		delete(h.peers, user)
		util.LogInfo("%s disconnected", user)
	}
}

// closeAll drops every connection.
func (h *Hub) closeAll() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*sender)
	h.mu.Unlock()

	for _, out := range peers {
		out.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// send delivers one envelope to user. Offline users miss it; the pending
// list brings them up to date when they return.
func (h *Hub) send(user string, msg Message) {
	h.mu.Lock()
	out := h.peers[user]
	h.mu.Unlock()

	if out == nil {
		util.LogDebug("%s offline, %s dropped", user, msg.Event)
		return
	}
	if err := out.send(msg); err != nil {
		util.LogDebug("send %s to %s: %v", msg.Event, user, err)
	}
}

func (h *Hub) reply(user, event string, payload any) {
	msg, err := newMessage(event, payload)
	if err != nil {
		util.LogError("%v", err)
		return
	}
	h.send(user, msg)
}

// route handles one message from user from.
func (h *Hub) route(from string, msg Message) {
	switch msg.Event {
	case protocol.EventRequest:
		h.onRequest(from, msg)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		h.onNegotiation(from, msg)
	case protocol.EventPendingList:
		h.onPendingList(from)
	default:
		h.onTransferEvent(from, msg)
	}
}

func (h *Hub) onRequest(from string, msg Message) {
	var req protocol.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.TransferID == "" || req.ReceiverID == "" {
		util.LogWarning("malformed request from %s", from)
		return
	}
	req.SenderID = from

	if rec, err := h.records.Get(req.TransferID); err == nil && rec.SenderID != from {
		util.LogWarning("%s tried to reuse transfer %s", from, util.ShortID(req.TransferID))
		return
	}
	if err := h.records.Create(req); err != nil {
		util.LogError("record request: %v", err)
		return
	}
	util.LogInfo("%s -> %s: %s (%s)", from, req.ReceiverID, req.FileName, util.FormatBytes(float64(req.FileSize)))
	h.reply(req.ReceiverID, msg.Event, req)
}

// onNegotiation forwards offer/answer/candidate between the two parties.
func (h *Hub) onNegotiation(from string, msg Message) {
	var target struct {
		TransferID   string `json:"transferId"`
		TargetUserID string `json:"targetUserId"`
	}
	if err := json.Unmarshal(msg.Payload, &target); err != nil || target.TargetUserID == "" {
		util.LogWarning("malformed %s from %s", msg.Event, from)
		return
	}
	rec, err := h.records.Get(target.TransferID)
	if err != nil || !parties(rec, from, target.TargetUserID) {
		util.LogWarning("%s from %s for unknown transfer %s dropped", msg.Event, from, util.ShortID(target.TransferID))
		return
	}
	h.send(target.TargetUserID, msg)
}

func (h *Hub) onPendingList(from string) {
	recs, err := h.records.Pending(from)
	if err != nil {
		util.LogError("pending list of %s: %v", from, err)
		return
	}
	list := protocol.PendingList{Transfers: make([]protocol.PendingTransfer, 0, len(recs))}
	for _, rec := range recs {
		list.Transfers = append(list.Transfers, rec.Pending())
	}
	h.reply(from, protocol.EventPendingList, list)
}

// onTransferEvent updates the record and forwards to the other party.
func (h *Hub) onTransferEvent(from string, msg Message) {
	var ref protocol.TransferRef
	if err := json.Unmarshal(msg.Payload, &ref); err != nil || ref.TransferID == "" {
		util.LogWarning("malformed %s from %s", msg.Event, from)
		return
	}
	rec, err := h.records.Get(ref.TransferID)
	if err != nil {
		if !errors.Is(err, bookkeeping.ErrNotFound) {
			util.LogError("lookup %s: %v", util.ShortID(ref.TransferID), err)
		}
		return
	}
	if from != rec.SenderID && from != rec.ReceiverID {
		util.LogWarning("%s is not a party of %s", from, util.ShortID(ref.TransferID))
		return
	}
	to := rec.SenderID
	if from == rec.SenderID {
		to = rec.ReceiverID
	}

	switch msg.Event {
	case protocol.EventResume:
		info := protocol.ResumeInfo{
			TransferID: rec.TransferID,
			ResumeFrom: rec.LastReceivedChunk,
			PeerOnline: h.Online(to),
		}
		h.reply(from, protocol.EventResumeInfo, info)
		h.reply(to, protocol.EventResumeInfo, info)
		return

	case protocol.EventAccepted:
		var acc protocol.Accepted
		if err := json.Unmarshal(msg.Payload, &acc); err == nil {
			h.update(rec, bookkeeping.StatusAccepted)
			h.chunking(rec, acc.ChunkSize)
			h.progress(rec, acc.LastReceivedChunk)
		}

	case protocol.EventProgress:
		var p protocol.Progress
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			h.chunking(rec, p.ChunkSize)
			if err := h.records.SetProgress(rec.TransferID, p.LastReceivedChunk, p.BytesTransferred); err != nil {
				util.LogError("record progress: %v", err)
			}
		}

	case protocol.EventPaused:
		h.update(rec, bookkeeping.StatusPaused)

	default:
		if status, ok := closedBy[msg.Event]; ok {
			h.update(rec, status)
		}
	}
	h.send(to, msg)
}

func (h *Hub) update(rec *bookkeeping.Record, status bookkeeping.Status) {
	if err := h.records.SetStatus(rec.TransferID, status); err != nil {
		util.LogError("record %s: %v", status, err)
	}
}

// chunking stores the chunk size the receiver counts its cursor in, so a
// later resume truncates and seeks in the same units.
func (h *Hub) chunking(rec *bookkeeping.Record, chunkSize int) {
	if chunkSize <= 0 || chunkSize == rec.ChunkSize {
		return
	}
	if err := h.records.SetChunkSize(rec.TransferID, chunkSize); err != nil {
		util.LogError("record chunk size: %v", err)
		return
	}
	rec.ChunkSize = chunkSize
}

// progress stores an acceptance cursor.
func (h *Hub) progress(rec *bookkeeping.Record, chunk int) {
	if chunk < 0 {
		chunk = 0
	}
	bytes := min(int64(chunk)*int64(rec.ChunkSize), rec.FileSize)
	if err := h.records.SetProgress(rec.TransferID, chunk, bytes); err != nil {
		util.LogError("record progress: %v", err)
	}
}

func parties(rec *bookkeeping.Record, a, b string) bool {
	return (rec.SenderID == a && rec.ReceiverID == b) || (rec.SenderID == b && rec.ReceiverID == a)
}
