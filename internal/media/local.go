package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Local composes user intent (mute toggles, screen share) with the
// adaptive layer's decisions on top of a capture Source. Video flows
// only when the user has it on AND the adaptive layer has not pulled it
// for bandwidth reasons; re-enabling on either axis restores the other
// axis's state rather than overriding it.
type Local struct {
	src Source
	log *zap.Logger

	mu            sync.Mutex
	audioOn       bool
	videoOn       bool // user intent
	adaptiveVideo bool // adaptive layer intent
	sharing       bool
	shareTrack    webrtc.TrackLocal
}

func NewLocal(src Source, wantAudio, wantVideo bool, log *zap.Logger) *Local {
	return &Local{
		src:           src,
		log:           log.Named("media"),
		audioOn:       wantAudio,
		videoOn:       wantVideo,
		adaptiveVideo: true,
	}
}

func (l *Local) AudioTrack() webrtc.TrackLocal { return l.src.AudioTrack() }
func (l *Local) VideoTrack() webrtc.TrackLocal { return l.src.VideoTrack() }

// ToggleAudio flips the microphone and returns the new state.
func (l *Local) ToggleAudio() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioOn = !l.audioOn
	if err := l.src.SetAudioEnabled(l.audioOn); err != nil {
		return l.audioOn, fmt.Errorf("failed to toggle audio: %w", err)
	}
	l.log.Info("audio toggled", zap.Bool("enabled", l.audioOn))
	return l.audioOn, nil
}

// ToggleVideo flips the camera and returns the new user-intent state.
func (l *Local) ToggleVideo() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.videoOn = !l.videoOn
	if err := l.applyVideoLocked(); err != nil {
		return l.videoOn, err
	}
	l.log.Info("video toggled", zap.Bool("enabled", l.videoOn))
	return l.videoOn, nil
}

// SetVideoEnabled is the adaptive layer's handle: it pulls video for
// the audio-only tier and restores it on recovery, without clobbering
// the user's own mute.
func (l *Local) SetVideoEnabled(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.adaptiveVideo == enabled {
		return nil
	}
	l.adaptiveVideo = enabled
	return l.applyVideoLocked()
}

func (l *Local) applyVideoLocked() error {
	live := l.videoOn && l.adaptiveVideo
	if err := l.src.SetVideoEnabled(live); err != nil {
		return fmt.Errorf("failed to set video state: %w", err)
	}
	return nil
}

// SetEncoding forwards encoder retuning to the capture source.
func (l *Local) SetEncoding(p EncodingParams) error {
	return l.src.SetEncoding(p)
}

// StartScreenShare begins display capture and returns the track to
// swap onto every connection.
func (l *Local) StartScreenShare() (webrtc.TrackLocal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sharing {
		return l.shareTrack, nil
	}
	t, err := l.src.StartScreenShare()
	if err != nil {
		return nil, fmt.Errorf("failed to start screen share: %w", err)
	}
	l.sharing = true
	l.shareTrack = t
	l.log.Info("screen share started")
	return t, nil
}

// StopScreenShare ends display capture and returns the camera track to
// restore, which may be nil when no camera was acquired.
func (l *Local) StopScreenShare() (webrtc.TrackLocal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.sharing {
		return l.src.VideoTrack(), nil
	}
	l.sharing = false
	l.shareTrack = nil
	if err := l.src.StopScreenShare(); err != nil {
		return l.src.VideoTrack(), fmt.Errorf("failed to stop screen share: %w", err)
	}
	l.log.Info("screen share stopped")
	return l.src.VideoTrack(), nil
}

// Sharing reports whether a screen share is active.
func (l *Local) Sharing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharing
}

// Close stops capture. It must complete before connections are torn
// down so device handles are released even if peers hang up slowly.
func (l *Local) Close() error {
	return l.src.Close()
}
