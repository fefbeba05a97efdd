package mesh

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/quorumchat/meshcall/internal/signal"
)

// fakeLink mimics the signaling-state mechanics of a real connection
// without any networking.
type fakeLink struct {
	mu sync.Mutex

	cfg LinkConfig
	ev  LinkEvents

	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit

	offers        int
	restartOffers int
	answers       int
	videoReplaced webrtc.TrackLocal
	closed        bool

	// barrier, when set, blocks AddICECandidate until it is closed,
	// simulating a connection that stopped making progress.
	barrier chan struct{}
}

func (l *fakeLink) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	if opts != nil && opts.ICERestart {
		l.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", l.offers)}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", l.answers)}, nil
}

func (l *fakeLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local = &desc
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		l.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer, webrtc.SDPTypeRollback:
		l.state = webrtc.SignalingStateStable
	}
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = &desc
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		l.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		l.state = webrtc.SignalingStateStable
	}
	return nil
}

func (l *fakeLink) LocalDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

func (l *fakeLink) RemoteDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	barrier := l.barrier
	l.mu.Unlock()
	if barrier != nil {
		<-barrier
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) setBarrier(ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.barrier = ch
}

func (l *fakeLink) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) GetStats() webrtc.StatsReport { return webrtc.StatsReport{} }

func (l *fakeLink) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.videoReplaced = t
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	ev := l.ev
	l.mu.Unlock()

	// A real connection reports Closed as its final state change when
	// closed locally.
	if !already && ev.OnStateChange != nil {
		ev.OnStateChange(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) snapshot() (offers, restarts, answers int, candidates []webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers, l.restartOffers, l.answers, append([]webrtc.ICECandidateInit(nil), l.candidates...)
}

// fakeFactory records every created link so tests can drive callbacks.
type fakeFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeFactory) create(cfg LinkConfig, ev LinkEvents) (Link, error) {
	l := &fakeLink{cfg: cfg, ev: ev, state: webrtc.SignalingStateStable}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeFactory) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[i]
}

// sentRecorder captures outbound envelopes and can be told to fail the
// next sends; failed attempts are still recorded so tests can count them.
type sentRecorder struct {
	mu       sync.Mutex
	envs     []signal.Envelope
	failures int
	failErr  error
}

func (r *sentRecorder) failNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures, r.failErr = n, err
}

func (r *sentRecorder) send(env signal.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	if r.failures > 0 {
		r.failures--
		return r.failErr
	}
	return nil
}

func (r *sentRecorder) byKind(k signal.Kind) []signal.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signal.Envelope
	for _, e := range r.envs {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
