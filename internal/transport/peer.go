package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/drop/internal/util"
)

// iceServers builds the ICE server list for one connection attempt. Relay
// credentials are fetched fresh every time; when that fails the attempt
// goes ahead with STUN only.
func (n *Negotiator) iceServers(ctx context.Context, transferID string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(n.opts.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: n.opts.STUNServers})
	}
	if n.opts.Relay == nil || n.opts.Relay.URL == "" {
		return servers
	}

	creds, err := n.opts.Relay.Fetch(ctx, n.opts.UserID)
	if err != nil {
		util.ForTransfer(transferID).Warning("relay credentials unavailable, using STUN only: %v", err)
		return servers
	}
	return append(servers, creds.ICEServer())
}

// newPeerConnection creates a PeerConnection using servers.
func (n *Negotiator) newPeerConnection(servers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{ICEServers: servers}
	if n.api != nil {
		return n.api.NewPeerConnection(config)
	}
	return webrtc.NewPeerConnection(config)
}

// newFileChannel creates the pre-negotiated, ordered and reliable "file"
// DataChannel. Negotiated mode (ID 0) lets both sides create the channel
// independently without relying on OnDataChannel.
func newFileChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("file", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// maxMessageSize reads the SCTP max message size the remote side
// advertised, 0 when unknown.
func maxMessageSize(pc *webrtc.PeerConnection) int {
	sctp := pc.SCTP()
	if sctp == nil {
		return 0
	}
	return int(sctp.GetCapabilities().MaxMessageSize)
}
