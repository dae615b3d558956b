package protocol

import "github.com/pion/webrtc/v4"

// Signaling event names.
const (
	EventRequest      = "transfer:request"
	EventAccepted     = "transfer:accepted"
	EventRejected     = "transfer:rejected"
	EventCancelled    = "transfer:cancelled"
	EventPaused       = "transfer:paused"
	EventOffer        = "transfer:offer"
	EventAnswer       = "transfer:answer"
	EventICECandidate = "transfer:ice-candidate"
	EventProgress     = "transfer:progress"
	EventComplete     = "transfer:complete"
	EventCompleted    = "transfer:completed"
	EventPendingList  = "transfer:pending-list"
	EventResume       = "transfer:resume"
	EventResumeInfo   = "transfer:resume-info"
)

// Events lists every transfer event, in the order the Manager binds them.
var Events = []string{
	EventRequest,
	EventAccepted,
	EventRejected,
	EventCancelled,
	EventPaused,
	EventOffer,
	EventAnswer,
	EventICECandidate,
	EventProgress,
	EventComplete,
	EventCompleted,
	EventPendingList,
	EventResume,
	EventResumeInfo,
}

// Request announces a file to the receiver. SenderID is filled in by the
// signaling server when forwarding.
type Request struct {
	TransferID  string `json:"transferId"`
	SenderID    string `json:"senderId,omitempty"`
	ReceiverID  string `json:"receiverId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	MimeType    string `json:"mimeType"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
	FileHash    string `json:"fileHash,omitempty"`
}

// Accepted tells the sender where to continue. AcceptID is unique per
// acceptance, so a re-delivered copy can be told apart from a new one.
// LastReceivedChunk counts chunks of ChunkSize bytes, which differs from the
// announced size when the sender shrank it for the connection. InPlace is
// set when the receiver's existing connection survives, so the sender
// resumes on it instead of dialing a new one.
type Accepted struct {
	TransferID        string `json:"transferId"`
	ReceiverID        string `json:"receiverId"`
	AcceptID          string `json:"acceptId,omitempty"`
	LastReceivedChunk int    `json:"lastReceivedChunk"`
	ChunkSize         int    `json:"chunkSize,omitempty"`
	InPlace           bool   `json:"inPlace,omitempty"`
}

type Rejected struct {
	TransferID string `json:"transferId"`
	Reason     string `json:"reason"`
}

// TransferRef carries only the transfer id (cancelled, paused, resume).
type TransferRef struct {
	TransferID string `json:"transferId"`
}

type Offer struct {
	TransferID   string                    `json:"transferId"`
	TargetUserID string                    `json:"targetUserId"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	TransferID   string                    `json:"transferId"`
	TargetUserID string                    `json:"targetUserId"`
	Answer       webrtc.SessionDescription `json:"answer"`
}

type Candidate struct {
	TransferID   string                  `json:"transferId"`
	TargetUserID string                  `json:"targetUserId"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// Progress is the receiver's cursor. ChunkSize is the effective chunk size
// LastReceivedChunk is counted in.
type Progress struct {
	TransferID        string  `json:"transferId"`
	LastReceivedChunk int     `json:"lastReceivedChunk"`
	ChunkSize         int     `json:"chunkSize,omitempty"`
	BytesTransferred  int64   `json:"bytesTransferred"`
	SpeedBps          float64 `json:"speedBps"`
}

// Complete is emitted by the receiver once the file is finalized.
type Complete struct {
	TransferID string `json:"transferId"`
	Verified   bool   `json:"verified"`
	HashMatch  bool   `json:"hashMatch"`
}

// Completed is the sender's acknowledgement of Complete.
type Completed struct {
	TransferID string `json:"transferId"`
	HashMatch  bool   `json:"hashMatch"`
}

// PendingTransfer is one entry of the pending list returned on reconnect.
// Request carries the effective chunk size LastReceivedChunk is counted in.
type PendingTransfer struct {
	Request
	LastReceivedChunk int    `json:"lastReceivedChunk"`
	Status            string `json:"status"`
}

// PendingList is both the request (empty) and the server's reply.
type PendingList struct {
	Transfers []PendingTransfer `json:"transfers"`
}

type ResumeInfo struct {
	TransferID string `json:"transferId"`
	ResumeFrom int    `json:"resumeFrom"`
	PeerOnline bool   `json:"peerOnline"`
}
