package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/drop/internal/config"
	"github.com/1ureka/drop/internal/relay"
)

// Options configures a Negotiator.
type Options struct {
	UserID      string
	STUNServers []string
	Relay       *relay.Fetcher

	GatherTimeout   time.Duration
	ConnectTimeout  time.Duration
	RestartTimeout  time.Duration
	DisconnectGrace time.Duration
}

// OptionsFromConfig takes the negotiation settings from cfg. A RelayURL
// enables relay credential fetching.
func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		UserID:          cfg.UserID,
		STUNServers:     cfg.STUNServers,
		GatherTimeout:   cfg.GatherTimeout,
		ConnectTimeout:  cfg.ConnectTimeout,
		RestartTimeout:  cfg.RestartTimeout,
		DisconnectGrace: cfg.DisconnectGrace,
	}
	if cfg.RelayURL != "" {
		opts.Relay = &relay.Fetcher{URL: cfg.RelayURL}
	}
	return opts
}

// Negotiator is the Connector backed by pion/webrtc.
type Negotiator struct {
	opts Options
	api  *webrtc.API
}

// NewNegotiator returns a Negotiator. api may be nil to use pion's default
// API.
func NewNegotiator(opts Options, api *webrtc.API) (*Negotiator, error) {
	if opts.GatherTimeout <= 0 || opts.ConnectTimeout <= 0 || opts.RestartTimeout <= 0 || opts.DisconnectGrace <= 0 {
		return nil, errors.New("transport: all timeouts must be positive")
	}
	return &Negotiator{opts: opts, api: api}, nil
}

// Dial prepares the offering side. Negotiate sends the offer.
func (n *Negotiator) Dial(ctx context.Context, req LinkRequest) (Link, error) {
	return n.open(ctx, req, true)
}

// Accept prepares the answering side, which waits for HandleOffer.
func (n *Negotiator) Accept(ctx context.Context, req LinkRequest) (Link, error) {
	return n.open(ctx, req, false)
}

func (n *Negotiator) open(ctx context.Context, req LinkRequest, offerer bool) (*Transport, error) {
	if req.Signal == nil {
		return nil, errors.New("transport: link request without signal")
	}

	pc, err := n.newPeerConnection(n.iceServers(ctx, req.TransferID))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	dc, err := newFileChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return newTransport(ctx, n.opts, req, offerer, pc, dc), nil
}
