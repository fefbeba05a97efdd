package quality

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
)

// StatsSource exposes the statistics of one live connection.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// Sources returns the current connection per peer. The set changes as
// peers come, go and have their connections replaced by recovery, so
// the monitor re-resolves it every period.
type Sources func() map[string]StatsSource

// Monitor periodically samples every connection, computes rates from
// counter deltas, and publishes a room snapshot. Byte and packet
// counts in the reports are cumulative, so each peer keeps the
// previous reading; the first period for a peer yields no rates.
type Monitor struct {
	cfg      config.QualityConfig
	interval time.Duration
	sources  Sources
	onSnap   func(Snapshot)
	log      *zap.Logger

	mu   sync.Mutex
	prev map[string]counters
	last Snapshot
}

type counters struct {
	at          time.Time
	bytesSent   uint64
	bytesRecv   uint64
	packetsRecv uint32
	packetsLost int32
}

func NewMonitor(cfg config.QualityConfig, interval time.Duration, sources Sources, onSnapshot func(Snapshot), log *zap.Logger) *Monitor {
	if onSnapshot == nil {
		onSnapshot = func(Snapshot) {}
	}
	return &Monitor{
		cfg:      cfg,
		interval: interval,
		sources:  sources,
		onSnap:   onSnapshot,
		log:      log.Named("quality"),
		prev:     make(map[string]counters),
	}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := m.sample(now)
			m.onSnap(snap)
		}
	}
}

// Last returns the most recent snapshot.
func (m *Monitor) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) sample(now time.Time) Snapshot {
	links := m.sources()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{At: now}
	seen := make(map[string]bool, len(links))

	for id, link := range links {
		seen[id] = true
		cur, s, ok := m.read(id, link.GetStats(), now)
		m.prev[id] = cur
		if !ok {
			// First reading for this peer; rates need a delta.
			continue
		}
		s.Grade = gradeFor(s.RTT, s.Loss, s.InboundKbps+s.OutboundKbps, m.cfg)
		snap.Samples = append(snap.Samples, s)
		snap.TotalKbps += s.InboundKbps + s.OutboundKbps

		if s.Grade >= GradeFair {
			m.log.Debug("degraded link",
				zap.String("peer", id),
				zap.String("grade", s.Grade.String()),
				zap.Duration("rtt", s.RTT),
				zap.Float64("loss", s.Loss),
				zap.Int("kbps", s.InboundKbps+s.OutboundKbps))
		}
	}

	// Forget peers that went away so a rejoin starts a fresh delta.
	for id := range m.prev {
		if !seen[id] {
			delete(m.prev, id)
		}
	}

	m.last = snap
	return snap
}

// read parses one stats report into current counters and, when a
// previous reading exists, a rate sample.
func (m *Monitor) read(id string, report webrtc.StatsReport, now time.Time) (counters, Sample, bool) {
	cur := counters{at: now}
	s := Sample{PeerID: id}

	var rtt, jitter float64
	var activePairLocal string
	candidateTypes := make(map[string]webrtc.ICECandidateType)

	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			cur.bytesRecv += st.BytesReceived
			cur.packetsRecv += st.PacketsReceived
			cur.packetsLost += st.PacketsLost
			if st.Jitter > jitter {
				jitter = st.Jitter
			}
		case webrtc.OutboundRTPStreamStats:
			cur.bytesSent += st.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			if st.RoundTripTime > rtt {
				rtt = st.RoundTripTime
			}
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded {
				activePairLocal = st.LocalCandidateID
			}
		case webrtc.ICECandidateStats:
			candidateTypes[st.ID] = st.CandidateType
		}
	}

	s.RTT = time.Duration(rtt * float64(time.Second))
	s.Jitter = time.Duration(jitter * float64(time.Second))
	if t, ok := candidateTypes[activePairLocal]; ok {
		s.Relayed = t == webrtc.ICECandidateTypeRelay
	}

	prev, ok := m.prev[id]
	if !ok || !now.After(prev.at) {
		return cur, s, false
	}
	dt := now.Sub(prev.at).Seconds()

	s.InboundKbps = rateKbps(cur.bytesRecv, prev.bytesRecv, dt)
	s.OutboundKbps = rateKbps(cur.bytesSent, prev.bytesSent, dt)

	// A replaced connection resets its counters; treat a backwards
	// delta as a fresh start.
	if cur.bytesRecv < prev.bytesRecv || cur.bytesSent < prev.bytesSent {
		return cur, s, false
	}

	lost := int64(cur.packetsLost) - int64(prev.packetsLost)
	recv := int64(cur.packetsRecv) - int64(prev.packetsRecv)
	if lost < 0 || recv < 0 {
		return cur, s, false
	}
	if lost+recv > 0 {
		s.Loss = float64(lost) / float64(lost+recv)
	}
	return cur, s, true
}

func rateKbps(cur, prev uint64, dtSeconds float64) int {
	if cur <= prev || dtSeconds <= 0 {
		return 0
	}
	return int(float64(cur-prev) * 8 / dtSeconds / 1000)
}
