package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/signal"
)

// maxRelayRestarts bounds ICE restarts after the relay-forced tier has
// also failed. Past this the peer is surfaced as a persistent failure
// and removed; the rest of the room continues.
const maxRelayRestarts = 3

// maxOfferRetries bounds redelivery of an offer whose signaling send
// failed before the peer is given up.
const maxOfferRetries = 3

// ErrPeerFailed reports a peer whose connection could not be recovered
// by either tier of the fallback policy.
var ErrPeerFailed = errors.New("peer connection failed permanently")

type eventKind int

const (
	evRemoteOffer eventKind = iota
	evRemoteAnswer
	evRemoteCandidate
	evLocalCandidate
	evSendOffer
	evOfferRetry
	evStateChange
	evTrack
	evNegotiationNeeded
	evConnectTimeout
	evDisconnectGrace
	evReplaceVideo
	evClose
)

// peerEvent is one entry in a peer's ordered event queue. Every
// signaling message, transport callback and timer expiry for a peer
// becomes an event, so all handling for one peer is serialized while
// peers stay independent of each other.
type peerEvent struct {
	kind      eventKind
	sdp       *webrtc.SessionDescription
	candidate *webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	track     *webrtc.TrackRemote
	video     webrtc.TrackLocal
	restart   bool

	// gen identifies the connection (or its timers) that produced the
	// event. The recovery policy replaces connections; an event from a
	// superseded connection must not act on its replacement.
	gen int
}

// Peer is one remote participant: identity, negotiation role, the
// current transport connection and its recovery state. All fields
// below the channels are owned by the run goroutine.
type Peer struct {
	id     string
	name   string
	polite bool

	mgr *Manager
	log *zap.Logger

	// The event queue is unbounded so posting never blocks a transport
	// callback or the shared signaling loop on a slow peer.
	queueMu sync.Mutex
	queue   []peerEvent
	wake    chan struct{}
	stopped chan struct{}

	// state mirror readable outside the run goroutine
	stateAtomic atomic.Int32

	linkMu sync.RWMutex
	link   Link

	gen           int
	buffer        candidateBuffer
	stream        *RemoteStream
	state         webrtc.PeerConnectionState
	makingOffer   bool
	forceRelay    bool
	relayRestarts int
	offerRetries  int

	connectTimer *time.Timer
	graceTimer   *time.Timer
}

func (p *Peer) ID() string   { return p.id }
func (p *Peer) Name() string { return p.name }

// Polite reports the local negotiation role toward this peer.
func (p *Peer) Polite() bool { return p.polite }

// Stream returns the accumulated remote media of this peer.
func (p *Peer) Stream() *RemoteStream { return p.stream }

// State returns the last observed connection lifecycle state.
func (p *Peer) State() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionState(p.stateAtomic.Load())
}

// Link returns the current transport connection. Safe for concurrent
// read-only use (stats sampling); the connection may be replaced by
// the recovery policy at any time.
func (p *Peer) Link() Link {
	p.linkMu.RLock()
	defer p.linkMu.RUnlock()
	return p.link
}

func (p *Peer) setLink(l Link) {
	p.linkMu.Lock()
	p.link = l
	p.linkMu.Unlock()
}

// post enqueues an event. Never blocks; events arriving after the peer
// stopped stay in the queue unprocessed.
func (p *Peer) post(ev peerEvent) {
	p.queueMu.Lock()
	p.queue = append(p.queue, ev)
	p.queueMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Peer) take() []peerEvent {
	p.queueMu.Lock()
	evs := p.queue
	p.queue = nil
	p.queueMu.Unlock()
	return evs
}

// linkEvents adapts transport callbacks into the event queue, tagged
// with the generation of the connection that fires them.
func (p *Peer) linkEvents(gen int) LinkEvents {
	return LinkEvents{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			p.post(peerEvent{kind: evLocalCandidate, candidate: &c, gen: gen})
		},
		OnTrack: func(t *webrtc.TrackRemote) {
			p.post(peerEvent{kind: evTrack, track: t, gen: gen})
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			p.post(peerEvent{kind: evStateChange, state: s, gen: gen})
		},
		OnNegotiationNeeded: func() {
			p.post(peerEvent{kind: evNegotiationNeeded, gen: gen})
		},
	}
}

func (p *Peer) run() {
	defer close(p.stopped)
	for range p.wake {
		for _, ev := range p.take() {
			if p.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event; returning true terminates the peer.
func (p *Peer) handle(ev peerEvent) bool {
	switch ev.kind {
	case evLocalCandidate, evTrack, evStateChange, evNegotiationNeeded,
		evConnectTimeout, evDisconnectGrace, evOfferRetry:
		// Closing a replaced connection fires its final state change
		// (and possibly stray candidates) into this same queue. Those
		// belong to the dead connection, not its replacement.
		if ev.gen != p.gen {
			p.log.Debug("discarding event from superseded connection",
				zap.Int("eventGen", ev.gen), zap.Int("linkGen", p.gen))
			return false
		}
	}

	switch ev.kind {
	case evSendOffer:
		return p.sendOffer(ev.restart)

	case evOfferRetry:
		// Redeliver only while our offer is still the outstanding one;
		// an answer or collision may have resolved it meanwhile.
		if p.makingOffer {
			if desc := p.link.LocalDescription(); desc != nil && desc.Type == webrtc.SDPTypeOffer {
				return p.deliverOffer()
			}
		}

	case evRemoteOffer:
		p.handleRemoteOffer(ev.sdp)

	case evRemoteAnswer:
		p.handleRemoteAnswer(ev.sdp)

	case evRemoteCandidate:
		p.handleRemoteCandidate(*ev.candidate)

	case evLocalCandidate:
		p.forwardLocalCandidate(*ev.candidate)

	case evTrack:
		p.log.Info("remote track added",
			zap.String("track", ev.track.ID()),
			zap.String("kind", ev.track.Kind().String()))
		p.stream.add(ev.track)
		p.mgr.notifyTrack(p.id, p.stream)

	case evNegotiationNeeded:
		// The impolite side does not open negotiation, but once a
		// connection is up it may renegotiate (track replacement).
		if p.polite || p.state == webrtc.PeerConnectionStateConnected {
			return p.sendOffer(false)
		}

	case evStateChange:
		return p.handleStateChange(ev.state)

	case evConnectTimeout:
		if p.state != webrtc.PeerConnectionStateConnected {
			p.log.Warn("connection attempt timed out")
			return p.fail()
		}

	case evDisconnectGrace:
		if p.state == webrtc.PeerConnectionStateDisconnected {
			p.log.Warn("still disconnected after grace period, restarting ICE")
			return p.sendOffer(true)
		}

	case evReplaceVideo:
		if err := p.link.ReplaceVideoTrack(ev.video); err != nil {
			p.log.Warn("failed to replace video track", zap.Error(err))
		}

	case evClose:
		p.teardown()
		p.mgr.removePeer(p, nil)
		return true
	}
	return false
}

// sendOffer creates and forwards an offer. The makingOffer flag is the
// per-peer mutual exclusion: a second attempt while one is in flight is
// dropped here rather than raced. Returning true terminates the peer.
func (p *Peer) sendOffer(restart bool) bool {
	if p.makingOffer {
		p.log.Debug("offer already in flight, skipping")
		return false
	}
	if !restart && p.link.SignalingState() != webrtc.SignalingStateStable {
		p.log.Debug("signaling not stable, skipping offer",
			zap.String("state", p.link.SignalingState().String()))
		return false
	}

	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	p.makingOffer = true
	offer, err := p.link.CreateOffer(opts)
	if err != nil {
		p.makingOffer = false
		p.log.Error("failed to create offer", zap.Error(err))
		return false
	}
	if err := p.link.SetLocalDescription(offer); err != nil {
		p.makingOffer = false
		p.log.Error("failed to set local offer", zap.Error(err))
		return false
	}

	// An offer is out: the connection must reach connected within the
	// timeout or the recovery policy takes over. Renegotiation on an
	// established connection needs no deadline.
	if p.state != webrtc.PeerConnectionStateConnected {
		p.startConnectTimer()
	}
	return p.deliverOffer()
}

// deliverOffer forwards the outstanding local offer. A delivery failure
// schedules a bounded redelivery of the same offer; exhausting the
// budget removes the peer. Returning true terminates the peer.
func (p *Peer) deliverOffer() bool {
	err := p.mgr.send(signal.Envelope{
		Kind: signal.KindOffer,
		From: p.mgr.localID,
		To:   p.id,
		SDP:  p.link.LocalDescription(),
	})
	if err == nil {
		p.offerRetries = 0
		return false
	}

	p.offerRetries++
	if p.offerRetries > maxOfferRetries {
		p.log.Error("offer delivery failed repeatedly, giving up", zap.Error(err))
		p.teardown()
		p.mgr.removePeer(p, fmt.Errorf("%w: %v", ErrPeerFailed, err))
		return true
	}

	p.log.Warn("offer delivery failed, retrying",
		zap.Int("attempt", p.offerRetries), zap.Error(err))
	gen := p.gen
	time.AfterFunc(p.mgr.timing.OfferRetryDelay, func() {
		p.post(peerEvent{kind: evOfferRetry, gen: gen})
	})
	return false
}

// handleRemoteOffer applies the collision rule: when both sides have an
// offer outstanding, the polite side's offer wins. The polite side
// drops the incoming offer without touching its own signaling state;
// the impolite side abandons its offer and answers the incoming one.
func (p *Peer) handleRemoteOffer(offer *webrtc.SessionDescription) {
	collision := p.makingOffer || p.link.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if p.polite {
			p.log.Info("offer collision, dropping incoming offer")
			return
		}
		p.log.Info("offer collision, yielding to remote offer")
		p.makingOffer = false
	}

	if err := p.link.SetRemoteDescription(*offer); err != nil {
		p.log.Error("failed to apply remote offer", zap.Error(err))
		return
	}
	p.drainCandidates()

	answer, err := p.link.CreateAnswer()
	if err != nil {
		p.log.Error("failed to create answer", zap.Error(err))
		return
	}
	if err := p.link.SetLocalDescription(answer); err != nil {
		p.log.Error("failed to set local answer", zap.Error(err))
		return
	}

	if err := p.mgr.send(signal.Envelope{
		Kind: signal.KindAnswer,
		From: p.mgr.localID,
		To:   p.id,
		SDP:  p.link.LocalDescription(),
	}); err != nil {
		p.log.Error("failed to deliver answer", zap.Error(err))
	}
}

func (p *Peer) handleRemoteAnswer(answer *webrtc.SessionDescription) {
	p.makingOffer = false
	if err := p.link.SetRemoteDescription(*answer); err != nil {
		p.log.Error("failed to apply remote answer", zap.Error(err))
		return
	}
	p.drainCandidates()
}

func (p *Peer) handleRemoteCandidate(c webrtc.ICECandidateInit) {
	if p.link.RemoteDescription() == nil {
		p.buffer.hold(c)
		p.log.Debug("buffered early candidate", zap.Int("pending", p.buffer.size()))
		return
	}
	if err := p.link.AddICECandidate(c); err != nil {
		// A single bad candidate must never take the connection down.
		p.log.Warn("skipping unusable candidate", zap.Error(err))
	}
}

func (p *Peer) drainCandidates() {
	for _, c := range p.buffer.drain() {
		if err := p.link.AddICECandidate(c); err != nil {
			p.log.Warn("skipping unusable buffered candidate", zap.Error(err))
		}
	}
}

func (p *Peer) forwardLocalCandidate(c webrtc.ICECandidateInit) {
	if err := p.mgr.send(signal.Envelope{
		Kind:      signal.KindCandidate,
		From:      p.mgr.localID,
		To:        p.id,
		Candidate: &c,
	}); err != nil {
		p.log.Warn("failed to deliver candidate", zap.Error(err))
	}
}

func (p *Peer) handleStateChange(s webrtc.PeerConnectionState) bool {
	p.state = s
	p.stateAtomic.Store(int32(s))
	p.log.Info("connection state changed", zap.String("state", s.String()))

	switch s {
	case webrtc.PeerConnectionStateConnecting:
		p.startConnectTimer()

	case webrtc.PeerConnectionStateConnected:
		p.stopTimers()
		p.relayRestarts = 0

	case webrtc.PeerConnectionStateDisconnected:
		p.startGraceTimer()

	case webrtc.PeerConnectionStateFailed:
		return p.fail()

	case webrtc.PeerConnectionStateClosed:
		// Closed out from under us; drop the peer entirely.
		p.teardown()
		p.mgr.removePeer(p, nil)
		return true
	}
	return false
}

// fail runs the two-tier recovery policy: a first failure replaces the
// connection with a relay-forced one (direct and STUN paths have
// demonstrably failed); a failure of the relay-forced connection gets
// ICE restarts only, up to a bound. Returning true terminates the peer.
func (p *Peer) fail() bool {
	p.stopTimers()

	if !p.forceRelay {
		p.log.Warn("connection failed, recreating relay-forced")

		// The failed connection is fully closed before its replacement
		// exists; at most one live connection per peer, always. Bumping
		// the generation first makes everything the dying connection
		// still emits (its Closed state change included) stale.
		p.gen++
		p.link.Close()
		p.buffer = candidateBuffer{}
		p.makingOffer = false
		p.offerRetries = 0

		link, err := p.mgr.newLink(p, LinkConfig{ForceRelay: true})
		if err != nil {
			p.log.Error("failed to create relay-forced connection", zap.Error(err))
			p.teardown()
			p.mgr.removePeer(p, fmt.Errorf("%w: %v", ErrPeerFailed, err))
			return true
		}
		p.setLink(link)
		p.forceRelay = true
		p.state = webrtc.PeerConnectionStateNew
		p.stateAtomic.Store(int32(webrtc.PeerConnectionStateNew))
		p.startConnectTimer()

		if p.polite {
			return p.sendOffer(false)
		}
		return false
	}

	p.relayRestarts++
	if p.relayRestarts > maxRelayRestarts {
		p.log.Error("relay-forced connection failed repeatedly, giving up",
			zap.Int("restarts", p.relayRestarts-1))
		p.teardown()
		p.mgr.removePeer(p, ErrPeerFailed)
		return true
	}

	p.log.Warn("relay-forced connection failed, restarting ICE",
		zap.Int("attempt", p.relayRestarts))
	p.makingOffer = false
	return p.sendOffer(true)
}

func (p *Peer) startConnectTimer() {
	if p.connectTimer != nil {
		return
	}
	gen := p.gen
	p.connectTimer = time.AfterFunc(p.mgr.timing.ConnectTimeout, func() {
		p.post(peerEvent{kind: evConnectTimeout, gen: gen})
	})
}

func (p *Peer) startGraceTimer() {
	if p.graceTimer != nil {
		return
	}
	gen := p.gen
	p.graceTimer = time.AfterFunc(p.mgr.timing.DisconnectGrace, func() {
		p.post(peerEvent{kind: evDisconnectGrace, gen: gen})
	})
}

func (p *Peer) stopTimers() {
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}

func (p *Peer) teardown() {
	p.stopTimers()
	if err := p.link.Close(); err != nil {
		p.log.Debug("link close", zap.Error(err))
	}
	p.stateAtomic.Store(int32(webrtc.PeerConnectionStateClosed))
}

// Close asks the peer to shut down and returns once its event loop has
// exited.
func (p *Peer) Close(ctx context.Context) error {
	p.post(peerEvent{kind: evClose})
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
