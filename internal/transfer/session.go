package transfer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/drop/internal/integrity"
	"github.com/1ureka/drop/internal/protocol"
	"github.com/1ureka/drop/internal/storage"
	"github.com/1ureka/drop/internal/transport"
	"github.com/1ureka/drop/internal/util"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnecting   Status = "connecting"
	StatusTransferring Status = "transferring"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailReason explains a failed session.
type FailReason string

const (
	ReasonConnectionTimeout FailReason = "connection_timeout"
	ReasonICEFailed         FailReason = "ice_failed"
	ReasonPacketTooLarge    FailReason = "packet_too_large"
	ReasonChunkSendFailed   FailReason = "chunk_send_failed"
	ReasonBrowserSizeLimit  FailReason = "browser_size_limit"
	ReasonWriterError       FailReason = "writer_error"
	ReasonChunkError        FailReason = "chunk_error"
	ReasonProtocolViolation FailReason = "protocol_violation"
	ReasonHashError         FailReason = "hash_error"
	ReasonSignalingError    FailReason = "signaling_error"
	ReasonFileError         FailReason = "file_error"
)

type pauseCause int

const (
	pauseNone pauseCause = iota
	pauseUser
	pausePeer
	pauseNetwork
)

// speedSampleInterval is the minimum spacing of throughput samples.
const speedSampleInterval = 500 * time.Millisecond

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	ID         string
	PeerID     string
	IsReceiver bool

	FileName    string
	FileSize    int64
	MimeType    string
	TotalChunks int
	ChunkSize   int

	Status           Status
	FailReason       FailReason
	Paused           bool
	CurrentChunk     int
	AckedChunk       int
	BytesTransferred int64
	SpeedBps         float64
	ETA              float64 // seconds, +Inf while speed is unknown

	ExpectedHash string
	ComputedHash string
	HashVerified integrity.Verdict
	HashStatus   integrity.Status

	Strategy storage.Strategy
	Location string
}

// Fraction returns the completed share of the file in [0, 1].
func (s Snapshot) Fraction() float64 {
	if s.FileSize <= 0 {
		if s.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	return float64(s.BytesTransferred) / float64(s.FileSize)
}

// Session is one transfer, on either side. Identity fields never change;
// everything else is guarded by mu.
type Session struct {
	ID         string
	PeerID     string
	IsReceiver bool

	log       util.Logger
	sometimes rate.Sometimes

	mu sync.Mutex

	fileName     string
	fileSize     int64
	mimeType     string
	totalChunks  int
	chunkSize    int
	expectedHash string

	status       Status
	failReason   FailReason
	pause        pauseCause
	currentChunk int
	ackedChunk   int
	bytes        int64
	malformed    int

	speed       float64
	sampleAt    time.Time
	sampleBytes int64

	computedHash string
	verdict      integrity.Verdict
	hashStatus   integrity.Status
	strategy     storage.Strategy
	location     string

	link   transport.Link
	dc     transport.DataChannel
	writer storage.Writer
	source FileSource

	ctx    context.Context
	cancel context.CancelFunc

	// Send loop plumbing (sender only).
	wake        chan struct{}
	drain       chan struct{}
	looping     bool
	hashReady   chan struct{}
	markerSent  bool
	completeTmr *time.Timer
	lastAccept  string

	releaseSlot  func()
	finalizeOnce sync.Once
	teardownOnce sync.Once
}

func newSession(id, peerID string, isReceiver bool) *Session {
	return &Session{
		ID:         id,
		PeerID:     peerID,
		IsReceiver: isReceiver,
		log:        util.ForTransfer(id),
		sometimes:  rate.Sometimes{Interval: 2 * time.Second},
		status:     StatusPending,
		hashStatus: integrity.StatusNone,
		wake:       make(chan struct{}, 1),
		drain:      make(chan struct{}, 1),
		hashReady:  make(chan struct{}),
	}
}

// newReceiverSession builds a session from an announced request.
func newReceiverSession(req protocol.Request) *Session {
	s := newSession(req.TransferID, req.SenderID, true)
	s.fileName = req.FileName
	s.fileSize = req.FileSize
	s.mimeType = req.MimeType
	s.chunkSize = req.ChunkSize
	s.totalChunks = req.TotalChunks
	s.expectedHash = req.FileHash
	close(s.hashReady)
	return s
}

// indexable reports whether total chunks fit the frame's index space.
func indexable(total int) bool {
	return int64(total) <= int64(protocol.MaxChunkIndex)+1
}

// chunkCount returns how many chunks of chunkSize cover size bytes.
func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// transition moves the session to next and reports the previous status. It
// refuses to leave a terminal status.
func (s *Session) transition(next Status) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.status
	if prev.Terminal() {
		return prev, false
	}
	s.status = next
	if next != StatusPaused {
		s.pause = pauseNone
	}
	return prev, true
}

// fail moves the session to failed with reason unless it is already terminal.
func (s *Session) fail(reason FailReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = StatusFailed
	s.failReason = reason
	return true
}

// setPaused pauses a non-terminal session, recording why.
func (s *Session) setPaused(cause pauseCause) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || s.status == StatusPaused {
		return false
	}
	s.status = StatusPaused
	s.pause = cause
	return true
}

// pausedBy reports whether the session is paused for cause.
func (s *Session) pausedBy(cause pauseCause) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusPaused && s.pause == cause
}

// advance counts chunk index as delivered if it is the next expected one.
// Duplicates never double count.
func (s *Session) advance(index, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index != s.currentChunk || s.currentChunk >= s.totalChunks {
		return false
	}
	s.currentChunk++
	s.bytes = min(s.bytes+int64(n), s.fileSize)
	s.sample(time.Now())
	return true
}

// advanceOn is advance for the sender: the chunk only counts if dc is
// still the session's data channel.
func (s *Session) advanceOn(dc transport.DataChannel, index, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dc != dc || index != s.currentChunk || s.currentChunk >= s.totalChunks {
		return false
	}
	s.currentChunk++
	s.bytes = min(s.bytes+int64(n), s.fileSize)
	s.sample(time.Now())
	return true
}

func (s *Session) currentDC() transport.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

// sample updates the throughput estimate. Callers hold mu.
func (s *Session) sample(now time.Time) {
	if s.sampleAt.IsZero() {
		s.sampleAt = now
		s.sampleBytes = s.bytes
		return
	}
	dt := now.Sub(s.sampleAt)
	if dt < speedSampleInterval {
		return
	}
	inst := float64(s.bytes-s.sampleBytes) / dt.Seconds()
	if s.speed == 0 {
		s.speed = inst
	} else {
		s.speed = 0.7*s.speed + 0.3*inst
	}
	s.sampleAt = now
	s.sampleBytes = s.bytes
}

// seek moves the cursor to chunk, used when the receiver reports where it
// wants to continue.
func (s *Session) seek(chunk int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk = max(0, min(chunk, s.totalChunks))
	s.currentChunk = chunk
	s.bytes = min(int64(chunk)*int64(s.chunkSize), s.fileSize)
	s.sampleAt = time.Time{}
	s.markerSent = false
}

// adaptChunkSize shrinks the chunk size so header plus payload fits
// maxMessageSize. It is only allowed before the first chunk.
func (s *Session) adaptChunkSize(maxMessageSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxMessageSize <= 0 || s.chunkSize+protocol.HeaderSize <= maxMessageSize {
		return s.chunkSize, nil
	}
	if s.currentChunk != 0 {
		return 0, fmt.Errorf("%w: chunk %d bytes, limit %d", transport.ErrMessageTooLarge, s.chunkSize, maxMessageSize)
	}
	limit := maxMessageSize - protocol.HeaderSize
	if limit <= 0 || !indexable(chunkCount(s.fileSize, limit)) {
		return 0, fmt.Errorf("%w: limit %d", transport.ErrMessageTooLarge, maxMessageSize)
	}
	s.chunkSize = limit
	s.totalChunks = chunkCount(s.fileSize, limit)
	return limit, nil
}

// useChunkSize switches the sender to the chunk size the receiver counts its
// cursor in. It reports whether the size changed.
func (s *Session) useChunkSize(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n == s.chunkSize {
		return false
	}
	s.chunkSize = n
	s.totalChunks = chunkCount(s.fileSize, n)
	return true
}

// chunkLen returns the payload length of chunk index. Callers hold mu.
func (s *Session) chunkLen(index int) int {
	off := int64(index) * int64(s.chunkSize)
	return int(max(0, min(int64(s.chunkSize), s.fileSize-off)))
}

// adoptChunkSize lets the receiver follow a sender that shrank its chunk
// size, detected from the length of chunk 0.
func (s *Session) adoptChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentChunk != 0 || n <= 0 || n >= s.chunkSize || int64(n) >= s.fileSize {
		return
	}
	s.chunkSize = n
	s.totalChunks = chunkCount(s.fileSize, n)
}

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	eta := math.Inf(1)
	if s.speed > 0 {
		eta = float64(s.fileSize-s.bytes) / s.speed
	}
	return Snapshot{
		ID:               s.ID,
		PeerID:           s.PeerID,
		IsReceiver:       s.IsReceiver,
		FileName:         s.fileName,
		FileSize:         s.fileSize,
		MimeType:         s.mimeType,
		TotalChunks:      s.totalChunks,
		ChunkSize:        s.chunkSize,
		Status:           s.status,
		FailReason:       s.failReason,
		Paused:           s.status == StatusPaused,
		CurrentChunk:     s.currentChunk,
		AckedChunk:       s.ackedChunk,
		BytesTransferred: s.bytes,
		SpeedBps:         s.speed,
		ETA:              eta,
		ExpectedHash:     s.expectedHash,
		ComputedHash:     s.computedHash,
		HashVerified:     s.verdict,
		HashStatus:       s.hashStatus,
		Strategy:         s.strategy,
		Location:         s.location,
	}
}

// request builds the announcement for this sender session.
func (s *Session) request() protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.Request{
		TransferID:  s.ID,
		ReceiverID:  s.PeerID,
		FileName:    s.fileName,
		FileSize:    s.fileSize,
		MimeType:    s.mimeType,
		TotalChunks: s.totalChunks,
		ChunkSize:   s.chunkSize,
		FileHash:    s.expectedHash,
	}
}

// signal wakes the send loop without blocking.
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
