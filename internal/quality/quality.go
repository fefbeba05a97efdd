// Package quality samples per-connection statistics, grades each peer
// link, and adapts the outgoing media tier to the available bandwidth.
package quality

import (
	"fmt"
	"time"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/media"
)

// Grade classifies one peer link from its latest sample. The worst of
// round-trip time, packet loss and bandwidth dominates: a link with
// perfect latency but heavy loss is still poor.
type Grade int

const (
	GradeExcellent Grade = iota
	GradeGood
	GradeFair
	GradePoor
)

func (g Grade) String() string {
	switch g {
	case GradeExcellent:
		return "excellent"
	case GradeGood:
		return "good"
	case GradeFair:
		return "fair"
	case GradePoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Tier is the outgoing media level the adaptive layer selects.
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
	TierAudioOnly
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	case TierAudioOnly:
		return "audio-only"
	default:
		return "unknown"
	}
}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "high":
		return TierHigh, nil
	case "medium":
		return TierMedium, nil
	case "low":
		return TierLow, nil
	case "audio-only":
		return TierAudioOnly, nil
	default:
		return 0, fmt.Errorf("invalid tier: %s", s)
	}
}

// Sample is one sampling-period view of one peer link.
type Sample struct {
	PeerID       string
	RTT          time.Duration
	Jitter       time.Duration
	Loss         float64
	InboundKbps  int
	OutboundKbps int
	Relayed      bool
	Grade        Grade
}

// Snapshot is one sampling-period view of the whole room.
type Snapshot struct {
	At        time.Time
	Samples   []Sample
	TotalKbps int
}

// gradeFor applies the configured cutoffs; the worst axis wins.
func gradeFor(rtt time.Duration, loss float64, kbps int, cfg config.QualityConfig) Grade {
	g := GradeExcellent

	switch {
	case rtt > cfg.RTTPoor:
		g = worse(g, GradePoor)
	case rtt > cfg.RTTFair:
		g = worse(g, GradeFair)
	case rtt > cfg.RTTGood:
		g = worse(g, GradeGood)
	}

	switch {
	case loss > cfg.LossPoor:
		g = worse(g, GradePoor)
	case loss > cfg.LossFair:
		g = worse(g, GradeFair)
	case loss > cfg.LossGood:
		g = worse(g, GradeGood)
	}

	switch {
	case kbps < cfg.BandwidthPoorKbps:
		g = worse(g, GradePoor)
	case kbps < cfg.BandwidthFairKbps:
		g = worse(g, GradeFair)
	case kbps < cfg.BandwidthGoodKbps:
		g = worse(g, GradeGood)
	}

	return g
}

func worse(a, b Grade) Grade {
	if b > a {
		return b
	}
	return a
}

// tierFor maps total available bandwidth to a tier.
func tierFor(totalKbps int, cfg config.QualityConfig) Tier {
	switch {
	case totalKbps >= cfg.TierHighKbps:
		return TierHigh
	case totalKbps >= cfg.TierMediumKbps:
		return TierMedium
	case totalKbps >= cfg.TierLowKbps:
		return TierLow
	default:
		return TierAudioOnly
	}
}

// encodingFor returns the encoder settings of a tier. Audio-only
// yields a zero bitrate; the video gate is handled separately.
func encodingFor(t Tier) media.EncodingParams {
	switch t {
	case TierHigh:
		return media.EncodingParams{MaxBitrateKbps: 2500, ScaleResolutionDownBy: 1}
	case TierMedium:
		return media.EncodingParams{MaxBitrateKbps: 1200, ScaleResolutionDownBy: 1}
	case TierLow:
		return media.EncodingParams{MaxBitrateKbps: 350, ScaleResolutionDownBy: 2}
	default:
		return media.EncodingParams{}
	}
}
