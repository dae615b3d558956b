package transport

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidateQueueHoldsUntilRemoteDescription(t *testing.T) {
	var applied []string
	q := newCandidateQueue(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	})

	require.NoError(t, q.Add(candidate("a")))
	require.NoError(t, q.Add(candidate("b")))
	assert.Empty(t, applied)
	assert.Equal(t, 2, q.queued())

	require.NoError(t, q.Flush())
	assert.Equal(t, []string{"a", "b"}, applied)
	assert.Zero(t, q.queued())

	require.NoError(t, q.Add(candidate("c")))
	assert.Equal(t, []string{"a", "b", "c"}, applied)

	// A re-offer flushes again without replaying anything.
	require.NoError(t, q.Flush())
	assert.Len(t, applied, 3)
}

func TestCandidateQueueJoinsErrors(t *testing.T) {
	bad := errors.New("bad candidate")
	var applied int
	q := newCandidateQueue(func(c webrtc.ICECandidateInit) error {
		applied++
		if c.Candidate == "x" {
			return bad
		}
		return nil
	})

	q.Add(candidate("x"))
	q.Add(candidate("ok"))
	err := q.Flush()
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 2, applied, "a bad candidate does not stop the rest")
}
