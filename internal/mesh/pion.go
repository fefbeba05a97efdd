package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
)

// pionLink wraps one pion PeerConnection behind the Link interface.
type pionLink struct {
	pc          *webrtc.PeerConnection
	videoSender *webrtc.RTPSender
	log         *zap.Logger
}

// NewPionLinkFactory builds the production LinkFactory. Each link gets
// the shared local tracks attached (either may be nil) and a fresh
// PeerConnection configured from ice. When a link is created with
// ForceRelay, ICE is restricted to TURN candidates.
func NewPionLinkFactory(ice config.ICEConfig, audio, video webrtc.TrackLocal, log *zap.Logger) LinkFactory {
	log = log.Named("link")

	return func(cfg LinkConfig, ev LinkEvents) (Link, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("failed to register default codecs: %w", err)
		}
		api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

		pc, err := api.NewPeerConnection(iceConfiguration(ice, cfg.ForceRelay))
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}

		l := &pionLink{pc: pc, log: log}

		if audio != nil {
			sender, err := pc.AddTrack(audio)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add audio track: %w", err)
			}
			go drainRTCP(sender)
		}
		if video != nil {
			sender, err := pc.AddTrack(video)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add video track: %w", err)
			}
			l.videoSender = sender
			go drainRTCP(sender)
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				// Gathering finished.
				return
			}
			ev.OnICECandidate(c.ToJSON())
		})
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			ev.OnTrack(track)
		})
		pc.OnConnectionStateChange(ev.OnStateChange)
		pc.OnNegotiationNeeded(ev.OnNegotiationNeeded)

		return l, nil
	}
}

func iceConfiguration(ice config.ICEConfig, forceRelay bool) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(ice.STUNURLs) > 0 && !forceRelay {
		servers = append(servers, webrtc.ICEServer{URLs: ice.STUNURLs})
	}
	if len(ice.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       ice.TURNURLs,
			Username:   ice.TURNUsername,
			Credential: ice.TURNPassword,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if forceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}

// drainRTCP keeps the interceptor pipeline fed; sender reports are not
// consumed anywhere else.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *pionLink) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(opts)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies desc, rolling back a pending local
// offer first when an incoming offer supersedes it (the yield path of
// collision handling).
func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeOffer && l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := l.pc.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("failed to roll back local offer: %w", err)
		}
	}
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) LocalDescription() *webrtc.SessionDescription {
	return l.pc.LocalDescription()
}

func (l *pionLink) RemoteDescription() *webrtc.SessionDescription {
	return l.pc.RemoteDescription()
}

func (l *pionLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *pionLink) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *pionLink) GetStats() webrtc.StatsReport {
	return l.pc.GetStats()
}

func (l *pionLink) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	if l.videoSender == nil {
		if t == nil {
			return nil
		}
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		l.videoSender = sender
		go drainRTCP(sender)
		return nil
	}
	return l.videoSender.ReplaceTrack(t)
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
