// Package signal defines the signaling transport the mesh engine rides
// on: point-to-point offer/answer/ice-candidate envelopes plus
// room-scoped presence events. The engine treats the transport as an
// external collaborator; this package provides the contract and a
// websocket implementation of it.
package signal

import (
	"github.com/pion/webrtc/v4"
)

// Kind tags an Envelope.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
)

// Envelope is one point-to-point signaling message. Exactly one of SDP
// or Candidate is set depending on Kind. The hub may fan an envelope
// out to the whole room; receivers drop anything not addressed to them.
type Envelope struct {
	Kind Kind   `json:"kind"`
	From string `json:"from"`
	To   string `json:"to"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// PresenceInfo is the per-participant metadata published on join.
type PresenceInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// PresenceKind distinguishes the three presence notifications.
type PresenceKind string

const (
	// PresenceSync is delivered once after TrackPresence and lists every
	// participant already in the room.
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent is a join/leave/sync notification. Sync carries the
// full member list in Peers; Join and Leave carry a single entry.
type PresenceEvent struct {
	Kind  PresenceKind   `json:"kind"`
	Peers []PresenceInfo `json:"peers"`
}

// joinParams is the client->hub room registration payload.
type joinParams struct {
	Room string       `json:"room"`
	Peer PresenceInfo `json:"peer"`
}

// Wire methods. Envelopes travel as JSON-RPC requests so the framing
// stays compatible with ordinary JSON-RPC tooling.
const (
	methodJoin          = "join"
	methodLeave         = "leave"
	methodSignal        = "signal"
	methodPresenceSync  = "presence.sync"
	methodPresenceJoin  = "presence.join"
	methodPresenceLeave = "presence.leave"
)
