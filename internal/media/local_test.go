package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBusy = errors.New("device busy")

type recordSource struct {
	audioStates []bool
	videoStates []bool
	encodings   []EncodingParams
	shareTrack  webrtc.TrackLocal
	shareStarts int
	shareStops  int
	closed      bool
}

func (r *recordSource) AudioTrack() webrtc.TrackLocal { return nil }
func (r *recordSource) VideoTrack() webrtc.TrackLocal { return nil }

func (r *recordSource) SetAudioEnabled(enabled bool) error {
	r.audioStates = append(r.audioStates, enabled)
	return nil
}

func (r *recordSource) SetVideoEnabled(enabled bool) error {
	r.videoStates = append(r.videoStates, enabled)
	return nil
}

func (r *recordSource) SetEncoding(p EncodingParams) error {
	r.encodings = append(r.encodings, p)
	return nil
}

func (r *recordSource) StartScreenShare() (webrtc.TrackLocal, error) {
	r.shareStarts++
	return r.shareTrack, nil
}

func (r *recordSource) StopScreenShare() error {
	r.shareStops++
	return nil
}

func (r *recordSource) Close() error {
	r.closed = true
	return nil
}

func TestVideoGateComposesUserAndAdaptiveIntent(t *testing.T) {
	src := &recordSource{}
	l := NewLocal(src, true, true, zap.NewNop())

	// User mutes video.
	on, err := l.ToggleVideo()
	require.NoError(t, err)
	require.False(t, on)
	require.Equal(t, []bool{false}, src.videoStates)

	// The adaptive layer restoring video must not override the user's
	// mute.
	require.NoError(t, l.SetVideoEnabled(true)) // no change: already allowed
	require.NoError(t, l.SetVideoEnabled(false))
	require.NoError(t, l.SetVideoEnabled(true))
	for _, state := range src.videoStates {
		require.False(t, state, "video must stay off while the user has it muted")
	}

	// User unmutes; the adaptive gate is open, so video flows again.
	on, err = l.ToggleVideo()
	require.NoError(t, err)
	require.True(t, on)
	require.True(t, src.videoStates[len(src.videoStates)-1])
}

func TestAdaptiveGateHoldsThroughUserToggle(t *testing.T) {
	src := &recordSource{}
	l := NewLocal(src, true, true, zap.NewNop())

	// Adaptive layer pulls video for bandwidth.
	require.NoError(t, l.SetVideoEnabled(false))

	// User toggling video off and on cannot reopen the adaptive gate.
	l.ToggleVideo()
	l.ToggleVideo()
	for _, state := range src.videoStates {
		require.False(t, state)
	}

	// Recovery reopens it.
	require.NoError(t, l.SetVideoEnabled(true))
	require.True(t, src.videoStates[len(src.videoStates)-1])
}

func TestToggleAudio(t *testing.T) {
	src := &recordSource{}
	l := NewLocal(src, true, true, zap.NewNop())

	on, err := l.ToggleAudio()
	require.NoError(t, err)
	require.False(t, on)

	on, err = l.ToggleAudio()
	require.NoError(t, err)
	require.True(t, on)
	require.Equal(t, []bool{false, true}, src.audioStates)
}

func TestScreenShareLifecycle(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
	}, "screen", "test")
	require.NoError(t, err)

	src := &recordSource{shareTrack: track}
	l := NewLocal(src, true, true, zap.NewNop())

	got, err := l.StartScreenShare()
	require.NoError(t, err)
	require.Equal(t, track, got)
	require.True(t, l.Sharing())

	// Starting again is a no-op returning the live share.
	again, err := l.StartScreenShare()
	require.NoError(t, err)
	require.Equal(t, track, again)
	require.Equal(t, 1, src.shareStarts)

	_, err = l.StopScreenShare()
	require.NoError(t, err)
	require.False(t, l.Sharing())
	require.Equal(t, 1, src.shareStops)
}

func TestAcquisitionErrorUnwraps(t *testing.T) {
	cause := &AcquisitionError{Capability: "video", Err: errBusy}
	require.Contains(t, cause.Error(), "video")
	require.ErrorIs(t, cause, errBusy)
}
