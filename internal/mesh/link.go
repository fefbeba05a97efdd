// Package mesh implements the full-mesh connection engine: one
// independently negotiated, health-monitored transport connection per
// remote participant, driven by presence events and point-to-point
// signaling.
package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Link is the negotiation surface of one transport connection. The
// production implementation wraps a pion PeerConnection; tests use
// in-memory fakes.
type Link interface {
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	GetStats() webrtc.StatsReport
	// ReplaceVideoTrack swaps the outgoing video track in place, with
	// no renegotiation beyond the connection's own negotiation-needed
	// event.
	ReplaceVideoTrack(t webrtc.TrackLocal) error
	Close() error
}

// LinkEvents carries the callbacks a Link fires into its peer's event
// queue. All callbacks may be invoked from transport goroutines; the
// receiving peer serializes them.
type LinkEvents struct {
	OnICECandidate      func(webrtc.ICECandidateInit)
	OnTrack             func(*webrtc.TrackRemote)
	OnStateChange       func(webrtc.PeerConnectionState)
	OnNegotiationNeeded func()
}

// LinkConfig parameterizes link creation.
type LinkConfig struct {
	// ForceRelay restricts ICE to relay (TURN) candidates. Set by the
	// second tier of the failure recovery policy.
	ForceRelay bool
}

// LinkFactory creates one transport connection with local tracks
// attached and callbacks wired.
type LinkFactory func(cfg LinkConfig, ev LinkEvents) (Link, error)

// RemoteStream accumulates the remote tracks of one participant into a
// single object consumers bind to once. Audio and video arrive at
// different times; tracks are appended, never replaced.
type RemoteStream struct {
	mu     sync.RWMutex
	peerID string
	tracks []*webrtc.TrackRemote
}

func NewRemoteStream(peerID string) *RemoteStream {
	return &RemoteStream{peerID: peerID}
}

func (s *RemoteStream) PeerID() string { return s.peerID }

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Tracks returns the accumulated remote tracks.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}
