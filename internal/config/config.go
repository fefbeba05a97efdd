package config

import "time"

// Config holds all engine configuration. Every timer and threshold the
// engine owns lives here so deployments can tune policy without code
// changes.
type Config struct {
	// SignalingURL is the websocket endpoint of the signaling hub.
	SignalingURL string

	ICE     ICEConfig
	Timing  TimingConfig
	Quality QualityConfig
}

// ICEConfig lists the STUN and TURN servers handed to each peer
// connection. TURN credentials use the long-term mechanism.
type ICEConfig struct {
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// TimingConfig carries the engine-owned timers. ConnectTimeout and
// DisconnectGrace are the only two timers the reconnection policy uses;
// the rest belong to the websocket keepalive.
type TimingConfig struct {
	// ConnectTimeout is how long a connection may sit in "connecting"
	// before it is treated as failed.
	ConnectTimeout time.Duration
	// DisconnectGrace is how long "disconnected" may persist before an
	// ICE restart is attempted.
	DisconnectGrace time.Duration
	// StatsInterval is the quality sampling period.
	StatsInterval time.Duration
	// OfferRetryDelay spaces redelivery attempts for an offer whose
	// signaling send failed.
	OfferRetryDelay time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// QualityConfig holds the grading and adaptation thresholds. These are
// policy, not protocol: the defaults are starting points, not contracts.
type QualityConfig struct {
	// Adaptive tier cutoffs on total (inbound+outbound) bandwidth.
	TierHighKbps   int
	TierMediumKbps int
	TierLowKbps    int

	// Grade cutoffs. The worst of RTT, loss and bandwidth dominates.
	RTTGood time.Duration
	RTTFair time.Duration
	RTTPoor time.Duration

	LossGood float64
	LossFair float64
	LossPoor float64

	BandwidthGoodKbps int
	BandwidthFairKbps int
	BandwidthPoorKbps int
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "ws://localhost:7000/ws",
		ICE: ICEConfig{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Timing: TimingConfig{
			ConnectTimeout:  15 * time.Second,
			DisconnectGrace: 5 * time.Second,
			StatsInterval:   2 * time.Second,
			OfferRetryDelay: 500 * time.Millisecond,
			PingInterval:    54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
		Quality: QualityConfig{
			TierHighKbps:   5000,
			TierMediumKbps: 2000,
			TierLowKbps:    500,

			RTTGood: 150 * time.Millisecond,
			RTTFair: 300 * time.Millisecond,
			RTTPoor: 500 * time.Millisecond,

			LossGood: 0.02,
			LossFair: 0.05,
			LossPoor: 0.10,

			BandwidthGoodKbps: 2000,
			BandwidthFairKbps: 1000,
			BandwidthPoorKbps: 300,
		},
	}
}
