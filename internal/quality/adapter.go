package quality

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/media"
)

// Controller is the handle the adapter drives. media.Local implements
// it; tests substitute a recorder.
type Controller interface {
	SetEncoding(p media.EncodingParams) error
	SetVideoEnabled(enabled bool) error
}

// Adapter turns bandwidth snapshots into tier changes. Applying the
// same tier twice is a no-op, so a stable network costs nothing; only
// transitions touch the encoder. Entering the audio-only tier gates
// video off, and any recovery out of it gates video back on.
type Adapter struct {
	cfg  config.QualityConfig
	ctrl Controller
	log  *zap.Logger

	mu        sync.Mutex
	tier      Tier
	lowStreak int
}

func NewAdapter(cfg config.QualityConfig, ctrl Controller, log *zap.Logger) *Adapter {
	return &Adapter{
		cfg:  cfg,
		ctrl: ctrl,
		log:  log.Named("adapt"),
		tier: TierHigh,
	}
}

// Tier returns the currently applied tier.
func (a *Adapter) Tier() Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tier
}

// LowBandwidthStreak reports how many consecutive ticks have measured
// audio-only bandwidth. The streak degrades quality but never ends the
// call.
func (a *Adapter) LowBandwidthStreak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lowStreak
}

// Apply consumes one snapshot. An empty snapshot (no rated peers yet)
// leaves the current tier alone rather than thrashing on missing data.
func (a *Adapter) Apply(snap Snapshot) {
	if len(snap.Samples) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := tierFor(snap.TotalKbps, a.cfg)
	if next == TierAudioOnly {
		a.lowStreak++
		if a.lowStreak > 1 && a.lowStreak%10 == 0 {
			a.log.Warn("bandwidth starved for a sustained period",
				zap.Int("ticks", a.lowStreak))
		}
	} else {
		a.lowStreak = 0
	}
	if next == a.tier {
		return
	}

	a.log.Info("switching media tier",
		zap.String("from", a.tier.String()),
		zap.String("to", next.String()),
		zap.Int("totalKbps", snap.TotalKbps))

	if next == TierAudioOnly {
		if err := a.ctrl.SetVideoEnabled(false); err != nil {
			a.log.Warn("failed to gate video off", zap.Error(err))
			return
		}
		a.tier = next
		return
	}

	if err := a.ctrl.SetEncoding(encodingFor(next)); err != nil {
		a.log.Warn("failed to retune encoder", zap.Error(err))
		return
	}
	if a.tier == TierAudioOnly {
		if err := a.ctrl.SetVideoEnabled(true); err != nil {
			a.log.Warn("failed to restore video", zap.Error(err))
		}
	}
	a.tier = next
}
