package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	// Driver registration. Blank imports are required for device discovery.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

const (
	rtpMTU = 1200

	baseWidth  = 640
	baseHeight = 480

	defaultVideoBitrateKbps = 2500
	defaultAudioBitrate     = 32_000
)

// Devices captures the local microphone and camera through
// mediadevices and republishes their RTP packets onto static local
// tracks. The static tracks are what connections bind to, so the
// encoder can be torn down and rebuilt (bitrate or resolution changes)
// without any renegotiation.
type Devices struct {
	log *zap.Logger

	audioTrack *webrtc.TrackLocalStaticRTP
	videoTrack *webrtc.TrackLocalStaticRTP

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu         sync.Mutex
	audioPump  *rtpPump
	videoPump  *rtpPump
	screenPump *rtpPump
	screen     *webrtc.TrackLocalStaticRTP
	encoding   EncodingParams
	closed     bool
}

// NewDevices opens the requested capture devices. When only one of the
// two requested capabilities can be opened, the usable Devices is
// returned together with an *AcquisitionError for the missing one so
// the caller can join degraded instead of failing the call.
func NewDevices(wantAudio, wantVideo bool, log *zap.Logger) (*Devices, error) {
	d := &Devices{
		log:      log.Named("devices"),
		encoding: EncodingParams{MaxBitrateKbps: defaultVideoBitrateKbps, ScaleResolutionDownBy: 1},
	}
	d.audioOn.Store(true)
	d.videoOn.Store(true)

	var acqErr error

	if wantAudio {
		if err := d.startAudio(); err != nil {
			acqErr = &AcquisitionError{Capability: "audio", Err: err}
			d.log.Warn("microphone unavailable", zap.Error(err))
		}
	}
	if wantVideo {
		if err := d.startVideo(d.encoding); err != nil {
			verr := &AcquisitionError{Capability: "video", Err: err}
			if acqErr != nil {
				d.Close()
				return nil, errors.Join(acqErr, verr)
			}
			acqErr = verr
			d.log.Warn("camera unavailable", zap.Error(err))
		}
	}

	if d.audioTrack == nil && d.videoTrack == nil {
		if acqErr == nil {
			acqErr = fmt.Errorf("no capture capabilities requested")
		}
		return nil, acqErr
	}
	return d, acqErr
}

func (d *Devices) AudioTrack() webrtc.TrackLocal {
	if d.audioTrack == nil {
		return nil
	}
	return d.audioTrack
}

func (d *Devices) VideoTrack() webrtc.TrackLocal {
	if d.videoTrack == nil {
		return nil
	}
	return d.videoTrack
}

func (d *Devices) SetAudioEnabled(enabled bool) error {
	d.audioOn.Store(enabled)
	return nil
}

func (d *Devices) SetVideoEnabled(enabled bool) error {
	d.videoOn.Store(enabled)
	return nil
}

// SetEncoding rebuilds the video encoder with the new bitrate and
// resolution scale. The static track stays in place, so every bound
// sender keeps streaming without renegotiation.
func (d *Devices) SetEncoding(p EncodingParams) error {
	if p.MaxBitrateKbps <= 0 {
		// Video is gated off separately; nothing to retune.
		return nil
	}
	if p.ScaleResolutionDownBy < 1 {
		p.ScaleResolutionDownBy = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.videoTrack == nil {
		return nil
	}
	if p == d.encoding {
		return nil
	}

	d.log.Info("retuning video encoder",
		zap.Int("bitrateKbps", p.MaxBitrateKbps),
		zap.Float64("scaleDown", p.ScaleResolutionDownBy))

	if d.videoPump != nil {
		d.videoPump.stop()
		d.videoPump = nil
	}
	if err := d.startVideoLocked(p); err != nil {
		return fmt.Errorf("failed to restart video with new encoding: %w", err)
	}
	d.encoding = p
	return nil
}

// StartScreenShare opens display capture on its own static track.
func (d *Devices) StartScreenShare() (webrtc.TrackLocal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screen != nil {
		return d.screen, nil
	}

	selector, err := newCodecSelector(defaultVideoBitrateKbps)
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, &AcquisitionError{Capability: "screen", Err: err}
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "screen", "meshcall-screen")
	if err != nil {
		closeStream(stream)
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}

	pump, err := newRTPPump(stream, mediadevices.VideoInput, track, nil, d.log.Named("screen"))
	if err != nil {
		closeStream(stream)
		return nil, err
	}
	d.screen = track
	d.screenPump = pump
	return track, nil
}

func (d *Devices) StopScreenShare() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screenPump != nil {
		d.screenPump.stop()
		d.screenPump = nil
	}
	d.screen = nil
	return nil
}

func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, p := range []*rtpPump{d.audioPump, d.videoPump, d.screenPump} {
		if p != nil {
			p.stop()
		}
	}
	d.audioPump, d.videoPump, d.screenPump = nil, nil, nil
	return nil
}

func (d *Devices) startAudio() error {
	selector, err := newCodecSelector(defaultVideoBitrateKbps)
	if err != nil {
		return err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: selector,
	})
	if err != nil {
		return err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "meshcall-audio")
	if err != nil {
		closeStream(stream)
		return fmt.Errorf("failed to create audio track: %w", err)
	}

	pump, err := newRTPPump(stream, mediadevices.AudioInput, track, &d.audioOn, d.log.Named("audio"))
	if err != nil {
		closeStream(stream)
		return err
	}
	d.audioTrack = track
	d.audioPump = pump
	return nil
}

func (d *Devices) startVideo(p EncodingParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startVideoLocked(p)
}

func (d *Devices) startVideoLocked(p EncodingParams) error {
	selector, err := newCodecSelector(p.MaxBitrateKbps)
	if err != nil {
		return err
	}
	width := int(float64(baseWidth) / p.ScaleResolutionDownBy)
	height := int(float64(baseHeight) / p.ScaleResolutionDownBy)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			c.FrameRate = prop.Float(30)
		},
		Codec: selector,
	})
	if err != nil {
		return err
	}

	if d.videoTrack == nil {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "meshcall-video")
		if err != nil {
			closeStream(stream)
			return fmt.Errorf("failed to create video track: %w", err)
		}
		d.videoTrack = track
	}

	pump, err := newRTPPump(stream, mediadevices.VideoInput, d.videoTrack, &d.videoOn, d.log.Named("video"))
	if err != nil {
		closeStream(stream)
		return err
	}
	d.videoPump = pump
	return nil
}

func newCodecSelector(videoBitrateKbps int) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to configure VP8 encoder: %w", err)
	}
	vpxParams.BitRate = videoBitrateKbps * 1000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to configure Opus encoder: %w", err)
	}
	opusParams.BitRate = defaultAudioBitrate
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// rtpPump moves encoded packets from a mediadevices track onto a
// static local track. When enabled is false the packets are read and
// dropped so the encoder keeps draining.
type rtpPump struct {
	src    mediadevices.Track
	reader mediadevices.RTPReadCloser
	done   chan struct{}
}

func newRTPPump(stream mediadevices.MediaStream, kind mediadevices.MediaDeviceType, dst *webrtc.TrackLocalStaticRTP, enabled *atomic.Bool, log *zap.Logger) (*rtpPump, error) {
	var src mediadevices.Track
	switch kind {
	case mediadevices.AudioInput:
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, fmt.Errorf("capture stream carries no audio track")
		}
		src = tracks[0]
	default:
		tracks := stream.GetVideoTracks()
		if len(tracks) == 0 {
			return nil, fmt.Errorf("capture stream carries no video track")
		}
		src = tracks[0]
	}

	reader, err := src.NewRTPReader(dst.Codec().MimeType, uuid.New().ID(), rtpMTU)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create RTP reader: %w", err)
	}

	p := &rtpPump{src: src, reader: reader, done: make(chan struct{})}
	go p.run(dst, enabled, log)
	return p, nil
}

func (p *rtpPump) run(dst *webrtc.TrackLocalStaticRTP, enabled *atomic.Bool, log *zap.Logger) {
	defer close(p.done)
	for {
		packets, _, err := p.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("capture read failed", zap.Error(err))
			}
			return
		}
		if enabled != nil && !enabled.Load() {
			continue
		}
		writePackets(dst, packets, log)
	}
}

func writePackets(dst *webrtc.TrackLocalStaticRTP, packets []*rtp.Packet, log *zap.Logger) {
	for _, packet := range packets {
		if err := dst.WriteRTP(packet); err != nil {
			log.Warn("failed to forward packet", zap.Error(err))
		}
	}
}

func (p *rtpPump) stop() {
	p.reader.Close()
	p.src.Close()
	<-p.done
}

func closeStream(stream mediadevices.MediaStream) {
	for _, t := range stream.GetTracks() {
		t.Close()
	}
}
