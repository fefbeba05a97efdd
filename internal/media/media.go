// Package media owns local capture: microphone and camera acquisition,
// mute state, screen sharing, and the encoding parameters the adaptive
// quality layer drives.
package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EncodingParams is the knob set the adaptive layer turns. A zero
// MaxBitrateKbps means the video encoder should not produce anything.
type EncodingParams struct {
	MaxBitrateKbps        int
	ScaleResolutionDownBy float64
}

// AcquisitionError reports a capture device that could not be opened.
// Callers degrade rather than abort: a busy camera still allows an
// audio-only join.
type AcquisitionError struct {
	Capability string // "audio" or "video"
	Err        error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire %s device: %v", e.Capability, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Source produces the local outgoing tracks. The production
// implementation captures real devices; tests substitute static
// sources.
type Source interface {
	// AudioTrack and VideoTrack return the local tracks to attach to
	// every connection, or nil when the capability was not acquired.
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal

	// SetAudioEnabled and SetVideoEnabled gate the media flow without
	// detaching the tracks, so no renegotiation is needed.
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error

	// SetEncoding retunes the video encoder in place.
	SetEncoding(p EncodingParams) error

	// StartScreenShare begins display capture and returns its track;
	// StopScreenShare ends it.
	StartScreenShare() (webrtc.TrackLocal, error)
	StopScreenShare() error

	Close() error
}
