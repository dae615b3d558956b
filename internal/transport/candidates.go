package transport

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue holds remote ICE candidates until the remote description
// is applied, then hands them to add in arrival order. Later candidates go
// straight through.
type candidateQueue struct {
	add func(webrtc.ICECandidateInit) error

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newCandidateQueue(add func(webrtc.ICECandidateInit) error) *candidateQueue {
	return &candidateQueue{add: add}
}

func (q *candidateQueue) Add(c webrtc.ICECandidateInit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.remoteSet {
		q.pending = append(q.pending, c)
		return nil
	}
	return q.add(c)
}

// Flush marks the remote description as set and applies every queued
// candidate. It is safe to call again after a re-offer.
func (q *candidateQueue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remoteSet = true

	var errs []error
	for _, c := range q.pending {
		if err := q.add(c); err != nil {
			errs = append(errs, err)
		}
	}
	q.pending = nil
	return errors.Join(errs...)
}

// queued returns how many candidates are waiting.
func (q *candidateQueue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
