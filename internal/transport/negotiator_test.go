package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/drop/internal/config"
	"github.com/1ureka/drop/internal/protocol"
)

func loopbackAPI() *webrtc.API {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func testOptions(user string) Options {
	return Options{
		UserID:          user,
		GatherTimeout:   2 * time.Second,
		ConnectTimeout:  10 * time.Second,
		RestartTimeout:  10 * time.Second,
		DisconnectGrace: time.Second,
	}
}

// pair routes the signaling of two links to each other.
type pair struct {
	mu               sync.Mutex
	dialer, answerer Link
}

func (p *pair) signal(from string) Signal {
	return func(event string, payload any) error {
		p.mu.Lock()
		dialer, answerer := p.dialer, p.answerer
		p.mu.Unlock()

		go func() {
			switch v := payload.(type) {
			case protocol.Offer:
				answerer.HandleOffer(v.Offer)
			case protocol.Answer:
				dialer.HandleAnswer(v.Answer)
			case protocol.Candidate:
				if from == "dialer" {
					answerer.AddCandidate(v.Candidate)
				} else {
					dialer.AddCandidate(v.Candidate)
				}
			}
		}()
		return nil
	}
}

func TestNegotiatorLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real UDP sockets")
	}

	n, err := NewNegotiator(testOptions("alice"), loopbackAPI())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &pair{}
	opened := make(chan DataChannel, 1)
	received := make(chan []byte, 1)

	dialer, err := n.Dial(ctx, LinkRequest{
		TransferID: "loop",
		PeerID:     "bob",
		Signal:     p.signal("dialer"),
		Events: LinkEvents{
			Open: func(dc DataChannel, _ int) { opened <- dc },
		},
	})
	require.NoError(t, err)
	defer dialer.Close()

	answerer, err := n.Accept(ctx, LinkRequest{
		TransferID: "loop",
		PeerID:     "alice",
		Signal:     p.signal("answerer"),
		Events: LinkEvents{
			Message: func(data []byte) { received <- data },
		},
	})
	require.NoError(t, err)
	defer answerer.Close()

	p.mu.Lock()
	p.dialer, p.answerer = dialer, answerer
	p.mu.Unlock()

	require.NoError(t, dialer.Negotiate())

	var dc DataChannel
	select {
	case dc = <-opened:
	case <-time.After(20 * time.Second):
		t.Fatal("data channel never opened")
	}

	frame := protocol.Encode(7, []byte("hello"))
	require.NoError(t, dc.Send(frame))

	select {
	case got := <-received:
		assert.Equal(t, frame, got)
	case <-time.After(10 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestNegotiatorRejectsBadOptions(t *testing.T) {
	_, err := NewNegotiator(Options{}, nil)
	assert.Error(t, err)

	cfg := config.Default()
	cfg.RelayURL = "http://relay.example/relay-credentials"
	opts := OptionsFromConfig(cfg)
	require.NotNil(t, opts.Relay)
	assert.Equal(t, cfg.RelayURL, opts.Relay.URL)

	_, err = NewNegotiator(opts, nil)
	assert.NoError(t, err)
}

func TestDataChannelTooLarge(t *testing.T) {
	dc := &dataChannel{maxMessageSize: 16}
	err := dc.Send(make([]byte, 17))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
