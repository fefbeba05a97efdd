package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/signal"
)

// Manager owns the peer table: one Peer per remote participant, keyed
// by identity. It routes incoming signaling to the right peer, creates
// peers on demand, and fans room-level operations (close, track
// replacement) out to all of them.
type Manager struct {
	localID string
	send    func(signal.Envelope) error
	factory LinkFactory
	timing  config.TimingConfig
	log     *zap.Logger

	// onTrack is invoked whenever a peer's remote stream gains a track.
	onTrack func(peerID string, stream *RemoteStream)
	// onPeerClosed is invoked after a peer is removed from the table.
	// reason is nil for a deliberate close and ErrPeerFailed when both
	// recovery tiers were exhausted.
	onPeerClosed func(peerID string, reason error)

	mu    sync.Mutex
	peers map[string]*Peer
}

// ManagerConfig collects the dependencies of a Manager.
type ManagerConfig struct {
	LocalID      string
	Send         func(signal.Envelope) error
	Factory      LinkFactory
	Timing       config.TimingConfig
	Log          *zap.Logger
	OnTrack      func(peerID string, stream *RemoteStream)
	OnPeerClosed func(peerID string, reason error)
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		localID:      cfg.LocalID,
		send:         cfg.Send,
		factory:      cfg.Factory,
		timing:       cfg.Timing,
		log:          cfg.Log.Named("mesh"),
		onTrack:      cfg.OnTrack,
		onPeerClosed: cfg.OnPeerClosed,
		peers:        make(map[string]*Peer),
	}
	if m.onTrack == nil {
		m.onTrack = func(string, *RemoteStream) {}
	}
	if m.onPeerClosed == nil {
		m.onPeerClosed = func(string, error) {}
	}
	return m
}

// CreateOrReuse returns the peer for id, creating it when absent. An
// existing peer whose connection is still viable is reused as-is; a
// peer stuck in a terminal state is replaced. This keeps the
// one-connection-per-peer invariant across duplicate presence events.
func (m *Manager) CreateOrReuse(id, name string) (*Peer, error) {
	if id == m.localID {
		return nil, fmt.Errorf("refusing to create peer for local identity %q", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.peers[id]; ok {
		s := p.State()
		if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateClosed {
			return p, nil
		}
		// Terminal peer still in the table: detach it and start fresh.
		delete(m.peers, id)
		go p.Close(context.Background())
	}

	p, err := m.newPeer(id, name)
	if err != nil {
		return nil, err
	}
	m.peers[id] = p
	return p, nil
}

func (m *Manager) newPeer(id, name string) (*Peer, error) {
	p := &Peer{
		id:      id,
		name:    name,
		polite:  PoliteTowards(m.localID, id),
		mgr:     m,
		log:     m.log.Named("peer").With(zap.String("peer", id)),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		stream:  NewRemoteStream(id),
	}

	link, err := m.newLink(p, LinkConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection for peer %s: %w", id, err)
	}
	p.link = link

	p.log.Info("peer created",
		zap.String("name", name),
		zap.Bool("polite", p.polite))
	go p.run()
	return p, nil
}

// newLink creates a connection for the peer's current generation; the
// caller (peer creation or the run goroutine) owns p.gen at that point.
func (m *Manager) newLink(p *Peer, cfg LinkConfig) (Link, error) {
	return m.factory(cfg, p.linkEvents(p.gen))
}

// SendOffer starts negotiation toward id. Callers invoke this for
// peers the local side is polite toward; the impolite side waits for
// the offer instead.
func (m *Manager) SendOffer(id string) {
	if p := m.peer(id); p != nil {
		p.post(peerEvent{kind: evSendOffer})
	}
}

// HandleEnvelope routes one signaling message to its peer. A message
// from an unknown sender creates the peer: signaling can outrun the
// presence event that announced it.
func (m *Manager) HandleEnvelope(env signal.Envelope) error {
	if env.To != "" && env.To != m.localID {
		return nil
	}
	if env.From == m.localID || env.From == "" {
		return nil
	}

	p := m.peer(env.From)
	if p == nil {
		var err error
		p, err = m.CreateOrReuse(env.From, env.From)
		if err != nil {
			return fmt.Errorf("failed to create peer for %s: %w", env.From, err)
		}
	}

	switch env.Kind {
	case signal.KindOffer:
		if env.SDP == nil {
			return fmt.Errorf("offer from %s carries no description", env.From)
		}
		p.post(peerEvent{kind: evRemoteOffer, sdp: env.SDP})
	case signal.KindAnswer:
		if env.SDP == nil {
			return fmt.Errorf("answer from %s carries no description", env.From)
		}
		p.post(peerEvent{kind: evRemoteAnswer, sdp: env.SDP})
	case signal.KindCandidate:
		if env.Candidate == nil {
			return fmt.Errorf("candidate from %s carries no payload", env.From)
		}
		p.post(peerEvent{kind: evRemoteCandidate, candidate: env.Candidate})
	default:
		return fmt.Errorf("unknown signal kind %q from %s", env.Kind, env.From)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video track on every live
// connection, used for screen sharing and encoding changes.
func (m *Manager) ReplaceVideoTrack(t webrtc.TrackLocal) {
	for _, p := range m.snapshot() {
		p.post(peerEvent{kind: evReplaceVideo, video: t})
	}
}

// ClosePeer tears down the peer for id, if present.
func (m *Manager) ClosePeer(ctx context.Context, id string) error {
	p := m.peer(id)
	if p == nil {
		return nil
	}
	return p.Close(ctx)
}

// CloseAll tears down every peer and waits for their event loops.
func (m *Manager) CloseAll(ctx context.Context) error {
	var firstErr error
	for _, p := range m.snapshot() {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Peers returns the current peer set.
func (m *Manager) Peers() []*Peer {
	return m.snapshot()
}

// Links returns the live connection per peer, keyed by identity. Used
// by the stats sampler; the links may be replaced concurrently.
func (m *Manager) Links() map[string]Link {
	out := make(map[string]Link)
	for _, p := range m.snapshot() {
		if l := p.Link(); l != nil {
			out[p.id] = l
		}
	}
	return out
}

func (m *Manager) peer(id string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

func (m *Manager) snapshot() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// removePeer drops p from the table if it is still the registered
// entry. A replacement created by CreateOrReuse must not be evicted by
// the old peer's shutdown.
func (m *Manager) removePeer(p *Peer, reason error) {
	m.mu.Lock()
	if cur, ok := m.peers[p.id]; ok && cur == p {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()
	m.onPeerClosed(p.id, reason)
}

func (m *Manager) notifyTrack(id string, stream *RemoteStream) {
	m.onTrack(id, stream)
}
