package room

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/media"
	"github.com/quorumchat/meshcall/internal/mesh"
	"github.com/quorumchat/meshcall/internal/signal"
)

const waitFor = 2 * time.Second

// closeOrder hands out increasing stamps so teardown ordering is
// observable.
type closeOrder struct{ n atomic.Int32 }

func (o *closeOrder) stamp() int32 { return o.n.Add(1) }

type fakeTransport struct {
	mu       sync.Mutex
	sent     []signal.Envelope
	tracked  []signal.PresenceInfo
	messages chan signal.Envelope
	presence chan signal.PresenceEvent

	order    *closeOrder
	closedAt int32
}

func newFakeTransport(order *closeOrder) *fakeTransport {
	return &fakeTransport{
		messages: make(chan signal.Envelope, 16),
		presence: make(chan signal.PresenceEvent, 16),
		order:    order,
	}
}

func (f *fakeTransport) Send(_ context.Context, env signal.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Messages() <-chan signal.Envelope { return f.messages }

func (f *fakeTransport) TrackPresence(_ context.Context, info signal.PresenceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, info)
	return nil
}

func (f *fakeTransport) Presence() <-chan signal.PresenceEvent { return f.presence }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedAt == 0 {
		f.closedAt = f.order.stamp()
	}
	return nil
}

func (f *fakeTransport) sentOffers() []signal.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Envelope
	for _, e := range f.sent {
		if e.Kind == signal.KindOffer {
			out = append(out, e)
		}
	}
	return out
}

type fakeSource struct {
	order    *closeOrder
	mu       sync.Mutex
	closedAt int32
}

func (f *fakeSource) AudioTrack() webrtc.TrackLocal                { return nil }
func (f *fakeSource) VideoTrack() webrtc.TrackLocal                { return nil }
func (f *fakeSource) SetAudioEnabled(bool) error                   { return nil }
func (f *fakeSource) SetVideoEnabled(bool) error                   { return nil }
func (f *fakeSource) SetEncoding(media.EncodingParams) error       { return nil }
func (f *fakeSource) StartScreenShare() (webrtc.TrackLocal, error) { return nil, nil }
func (f *fakeSource) StopScreenShare() error                       { return nil }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedAt == 0 {
		f.closedAt = f.order.stamp()
	}
	return nil
}

// stubLink is just enough connection for negotiation to proceed.
type stubLink struct {
	mu     sync.Mutex
	state  webrtc.SignalingState
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
}

func (l *stubLink) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (l *stubLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (l *stubLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		l.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		l.state = webrtc.SignalingStateStable
	}
	return nil
}

func (l *stubLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		l.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		l.state = webrtc.SignalingStateStable
	}
	return nil
}

func (l *stubLink) LocalDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

func (l *stubLink) RemoteDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *stubLink) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (l *stubLink) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *stubLink) GetStats() webrtc.StatsReport              { return webrtc.StatsReport{} }
func (l *stubLink) ReplaceVideoTrack(webrtc.TrackLocal) error { return nil }
func (l *stubLink) Close() error                              { return nil }

func stubFactory(mesh.LinkConfig, mesh.LinkEvents) (mesh.Link, error) {
	return &stubLink{state: webrtc.SignalingStateStable}, nil
}

func joinTestSession(t *testing.T) (*Session, *fakeTransport, *fakeSource, *closeOrder) {
	t.Helper()

	order := &closeOrder{}
	transport := newFakeTransport(order)
	source := &fakeSource{order: order}

	s, err := Join(context.Background(), config.NewDefaultConfig(), Options{
		Room:        "standup",
		DisplayName: "Tester",
		Audio:       true,
		Video:       true,
		Transport:   transport,
		Source:      source,
		Factory:     stubFactory,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Leave() })
	return s, transport, source, order
}

func TestJoinAnnouncesPresence(t *testing.T) {
	s, transport, _, _ := joinTestSession(t)

	transport.mu.Lock()
	tracked := append([]signal.PresenceInfo(nil), transport.tracked...)
	transport.mu.Unlock()

	require.Len(t, tracked, 1)
	require.Equal(t, s.ID(), tracked[0].ID)
	require.Equal(t, "Tester", tracked[0].DisplayName)
}

func TestPoliteSideOffersToExistingMembers(t *testing.T) {
	_, transport, _, _ := joinTestSession(t)

	// "zzz..." sorts after any UUID, so the local side is polite and
	// must open negotiation.
	transport.presence <- signal.PresenceEvent{
		Kind:  signal.PresenceSync,
		Peers: []signal.PresenceInfo{{ID: "zzz-remote", DisplayName: "Zed"}},
	}

	require.Eventually(t, func() bool {
		offers := transport.sentOffers()
		return len(offers) == 1 && offers[0].To == "zzz-remote"
	}, waitFor, 5*time.Millisecond)
}

func TestImpoliteSideWaitsForOffer(t *testing.T) {
	s, transport, _, _ := joinTestSession(t)

	// "!remote" sorts before any UUID, so the remote side is polite and
	// the local side must wait.
	transport.presence <- signal.PresenceEvent{
		Kind:  signal.PresenceJoin,
		Peers: []signal.PresenceInfo{{ID: "!remote", DisplayName: "Bang"}},
	}

	require.Eventually(t, func() bool {
		return len(s.Participants()) == 1
	}, waitFor, 5*time.Millisecond)
	require.Empty(t, transport.sentOffers(), "impolite side must not open negotiation")

	// The remote offer arrives; the local side answers it.
	transport.messages <- signal.Envelope{
		Kind: signal.KindOffer,
		From: "!remote",
		To:   s.ID(),
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"},
	}

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		for _, e := range transport.sent {
			if e.Kind == signal.KindAnswer && e.To == "!remote" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
}

func TestPresenceLeaveClosesPeer(t *testing.T) {
	s, transport, _, _ := joinTestSession(t)

	transport.presence <- signal.PresenceEvent{
		Kind:  signal.PresenceSync,
		Peers: []signal.PresenceInfo{{ID: "zzz-remote", DisplayName: "Zed"}},
	}
	require.Eventually(t, func() bool {
		return len(s.Participants()) == 1
	}, waitFor, 5*time.Millisecond)

	transport.presence <- signal.PresenceEvent{
		Kind:  signal.PresenceLeave,
		Peers: []signal.PresenceInfo{{ID: "zzz-remote"}},
	}
	require.Eventually(t, func() bool {
		return len(s.Participants()) == 0
	}, waitFor, 5*time.Millisecond)
}

func TestLeaveReleasesMediaBeforePeersAndTransport(t *testing.T) {
	s, transport, source, _ := joinTestSession(t)

	require.NoError(t, s.Leave())
	require.NoError(t, s.Leave(), "leave must be idempotent")

	source.mu.Lock()
	mediaAt := source.closedAt
	source.mu.Unlock()
	transport.mu.Lock()
	transportAt := transport.closedAt
	transport.mu.Unlock()

	require.NotZero(t, mediaAt, "media must be released")
	require.NotZero(t, transportAt, "transport must be closed")
	require.Less(t, mediaAt, transportAt, "devices are released before signaling goes down")
}
