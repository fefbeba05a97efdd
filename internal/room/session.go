// Package room ties the engine together: one Session per joined room,
// wiring presence to peer creation, signaling to negotiation, and
// statistics to media adaptation.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/media"
	"github.com/quorumchat/meshcall/internal/mesh"
	"github.com/quorumchat/meshcall/internal/quality"
	"github.com/quorumchat/meshcall/internal/signal"
)

// leaveTimeout bounds how long Leave waits for peer teardown.
const leaveTimeout = 5 * time.Second

// Options parameterize a join.
type Options struct {
	Room        string
	DisplayName string
	Audio       bool
	Video       bool

	// OnTrack fires whenever a remote participant's stream gains a
	// track. Optional.
	OnTrack func(peerID string, stream *mesh.RemoteStream)

	// Transport overrides the websocket transport; tests use this.
	Transport signal.Transport
	// Source overrides device capture; tests use this.
	Source media.Source
	// Factory overrides connection creation; tests use this.
	Factory mesh.LinkFactory
}

// Participant is the public view of one remote peer.
type Participant struct {
	ID          string
	DisplayName string
	State       webrtc.PeerConnectionState
	// Stream accumulates the participant's remote tracks; consumers
	// bind to it once and see tracks appear as they arrive.
	Stream *mesh.RemoteStream
}

// Session is one participation in one room: local media, the peer
// mesh, the signaling transport and the adaptive quality loop, with a
// single lifecycle.
type Session struct {
	id   string
	room string
	log  *zap.Logger

	transport signal.Transport
	local     *media.Local
	mgr       *mesh.Manager
	monitor   *quality.Monitor
	adapter   *quality.Adapter

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	names  map[string]string
	closed bool
}

// Join acquires media, connects signaling and announces presence. The
// session starts connecting to existing room members as soon as the
// presence sync arrives. A busy camera degrades the join to audio-only
// rather than failing it.
func Join(ctx context.Context, cfg *config.Config, opts Options, log *zap.Logger) (*Session, error) {
	if opts.Room == "" {
		return nil, fmt.Errorf("room id is required")
	}
	log = log.Named("room").With(zap.String("room", opts.Room))

	id := uuid.NewString()

	src := opts.Source
	if src == nil {
		devices, err := media.NewDevices(opts.Audio, opts.Video, log)
		if devices == nil {
			return nil, fmt.Errorf("failed to acquire media: %w", err)
		}
		var acq *media.AcquisitionError
		if errors.As(err, &acq) {
			log.Warn("joining without a capability", zap.String("capability", acq.Capability), zap.Error(acq))
		}
		src = devices
	}
	local := media.NewLocal(src, opts.Audio, opts.Video, log)

	transport := opts.Transport
	if transport == nil {
		client := signal.NewClient(cfg, opts.Room, id, log)
		if err := client.Connect(ctx); err != nil {
			local.Close()
			return nil, fmt.Errorf("failed to connect signaling: %w", err)
		}
		transport = client
	}

	factory := opts.Factory
	if factory == nil {
		factory = mesh.NewPionLinkFactory(cfg.ICE, local.AudioTrack(), local.VideoTrack(), log)
	}

	s := &Session{
		id:        id,
		room:      opts.Room,
		log:       log,
		transport: transport,
		local:     local,
		names:     make(map[string]string),
	}

	s.mgr = mesh.NewManager(mesh.ManagerConfig{
		LocalID: id,
		Send: func(env signal.Envelope) error {
			return transport.Send(context.Background(), env)
		},
		Factory: factory,
		Timing:  cfg.Timing,
		Log:     log,
		OnTrack: func(peerID string, stream *mesh.RemoteStream) {
			if opts.OnTrack != nil {
				opts.OnTrack(peerID, stream)
			}
		},
		OnPeerClosed: func(peerID string, reason error) {
			if errors.Is(reason, mesh.ErrPeerFailed) {
				s.log.Warn("peer unreachable, continuing without them",
					zap.String("peer", peerID), zap.Error(reason))
				return
			}
			s.log.Info("peer left the mesh", zap.String("peer", peerID))
		},
	})

	s.adapter = quality.NewAdapter(cfg.Quality, local, log)
	s.monitor = quality.NewMonitor(cfg.Quality, cfg.Timing.StatsInterval, s.statsSources, s.adapter.Apply, log)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.monitor.Run(runCtx)
	}()

	if err := transport.TrackPresence(ctx, signal.PresenceInfo{ID: id, DisplayName: opts.DisplayName}); err != nil {
		s.Leave()
		return nil, fmt.Errorf("failed to announce presence: %w", err)
	}

	log.Info("joined room", zap.String("self", id), zap.String("name", opts.DisplayName))
	return s, nil
}

// ID returns the local participant identity.
func (s *Session) ID() string { return s.id }

func (s *Session) run(ctx context.Context) {
	messages := s.transport.Messages()
	presence := s.transport.Presence()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-messages:
			if !ok {
				return
			}
			if err := s.mgr.HandleEnvelope(env); err != nil {
				s.log.Warn("dropping signaling message", zap.Error(err))
			}

		case ev, ok := <-presence:
			if !ok {
				return
			}
			s.handlePresence(ev)
		}
	}
}

func (s *Session) handlePresence(ev signal.PresenceEvent) {
	switch ev.Kind {
	case signal.PresenceSync, signal.PresenceJoin:
		for _, p := range ev.Peers {
			s.connect(p)
		}
	case signal.PresenceLeave:
		for _, p := range ev.Peers {
			s.forgetName(p.ID)
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			if err := s.mgr.ClosePeer(ctx, p.ID); err != nil {
				s.log.Warn("failed to close departed peer", zap.String("peer", p.ID), zap.Error(err))
			}
			cancel()
		}
	}
}

// connect ensures a peer exists for p and, when the local side holds
// the polite role, starts negotiation. The impolite side creates its
// peer and waits for the offer, so exactly one side opens.
func (s *Session) connect(p signal.PresenceInfo) {
	if p.ID == s.id {
		return
	}
	s.rememberName(p.ID, p.DisplayName)

	peer, err := s.mgr.CreateOrReuse(p.ID, p.DisplayName)
	if err != nil {
		s.log.Error("failed to create peer", zap.String("peer", p.ID), zap.Error(err))
		return
	}
	if peer.Polite() {
		s.mgr.SendOffer(p.ID)
	}
}

// ToggleAudio flips the microphone and returns the new state.
func (s *Session) ToggleAudio() (bool, error) {
	return s.local.ToggleAudio()
}

// ToggleVideo flips the camera and returns the new state.
func (s *Session) ToggleVideo() (bool, error) {
	return s.local.ToggleVideo()
}

// ToggleScreenShare starts display capture, swapping the shared screen
// onto every connection, or stops it and restores the camera. Returns
// whether sharing is now active.
func (s *Session) ToggleScreenShare() (bool, error) {
	if !s.local.Sharing() {
		track, err := s.local.StartScreenShare()
		if err != nil {
			return false, err
		}
		s.mgr.ReplaceVideoTrack(track)
		return true, nil
	}

	camera, err := s.local.StopScreenShare()
	s.mgr.ReplaceVideoTrack(camera)
	if err != nil {
		return false, err
	}
	return false, nil
}

// Participants returns the current remote peers and their states.
func (s *Session) Participants() []Participant {
	peers := s.mgr.Peers()
	out := make([]Participant, 0, len(peers))
	for _, p := range peers {
		out = append(out, Participant{
			ID:          p.ID(),
			DisplayName: s.nameOf(p.ID()),
			State:       p.State(),
			Stream:      p.Stream(),
		})
	}
	return out
}

// LocalTracks returns the outgoing audio and video tracks; either may
// be nil when the capability was not acquired.
func (s *Session) LocalTracks() (audio, video webrtc.TrackLocal) {
	return s.local.AudioTrack(), s.local.VideoTrack()
}

// Quality returns the latest room snapshot and the applied tier.
func (s *Session) Quality() (quality.Snapshot, quality.Tier) {
	return s.monitor.Last(), s.adapter.Tier()
}

// Leave tears the session down: capture devices are released first so
// the camera frees even if peers hang up slowly, then the mesh, then
// signaling. Idempotent.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	var firstErr error
	if err := s.local.Close(); err != nil {
		firstErr = fmt.Errorf("failed to release media: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.mgr.CloseAll(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close peers: %w", err)
	}

	if err := s.transport.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close signaling: %w", err)
	}

	s.wg.Wait()
	s.log.Info("left room")
	return firstErr
}

func (s *Session) statsSources() map[string]quality.StatsSource {
	links := s.mgr.Links()
	out := make(map[string]quality.StatsSource, len(links))
	for id, l := range links {
		out[id] = l
	}
	return out
}

func (s *Session) rememberName(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[id] = name
}

func (s *Session) forgetName(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, id)
}

func (s *Session) nameOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.names[id]; ok && n != "" {
		return n
	}
	return id
}
