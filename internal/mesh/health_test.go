package mesh

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/signal"
)

func TestFailureFallsBackToRelay(t *testing.T) {
	m, factory, sent, _ := newTestManager(t, "alice", relaxedTiming())

	_, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	factory.link(0).ev.OnStateChange(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		return factory.count() == 2
	}, waitFor, 5*time.Millisecond)

	first, second := factory.link(0), factory.link(1)
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	require.True(t, closed, "failed connection must be closed before its replacement connects")
	require.True(t, second.cfg.ForceRelay, "replacement connection must be relay-forced")

	// Alice is polite toward bob, so she reopens negotiation herself.
	require.Eventually(t, func() bool {
		return len(sent.byKind(signal.KindOffer)) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestRelayFailureRestartsInPlace(t *testing.T) {
	m, factory, _, _ := newTestManager(t, "alice", relaxedTiming())

	_, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	factory.link(0).ev.OnStateChange(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return factory.count() == 2
	}, waitFor, 5*time.Millisecond)

	// The relay-forced connection failing must not trigger another
	// recreation, only an ICE restart on the same connection.
	factory.link(1).ev.OnStateChange(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		_, restarts, _, _ := factory.link(1).snapshot()
		return restarts >= 1
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, 2, factory.count())
}

func TestRepeatedRelayFailuresRemovePeer(t *testing.T) {
	m, factory, _, closed := newTestManager(t, "alice", relaxedTiming())

	_, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	factory.link(0).ev.OnStateChange(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return factory.count() == 2
	}, waitFor, 5*time.Millisecond)

	for i := 0; i <= maxRelayRestarts; i++ {
		factory.link(1).ev.OnStateChange(webrtc.PeerConnectionStateFailed)
	}

	select {
	case c := <-closed:
		require.Equal(t, "bob", c.id)
		require.ErrorIs(t, c.reason, ErrPeerFailed)
	case <-time.After(waitFor):
		t.Fatal("peer was never given up on")
	}
	require.Eventually(t, func() bool {
		return len(m.Peers()) == 0
	}, waitFor, 5*time.Millisecond)
}

func TestConnectTimeoutTreatedAsFailure(t *testing.T) {
	timing := config.TimingConfig{
		ConnectTimeout:  30 * time.Millisecond,
		DisconnectGrace: 10 * time.Second,
	}
	m, factory, _, _ := newTestManager(t, "alice", timing)

	_, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	factory.link(0).ev.OnStateChange(webrtc.PeerConnectionStateConnecting)

	// Never reaching connected within the timeout escalates to the
	// relay-forced tier.
	require.Eventually(t, func() bool {
		return factory.count() == 2 && factory.link(1).cfg.ForceRelay
	}, waitFor, 5*time.Millisecond)
}

func TestDisconnectGraceTriggersICERestart(t *testing.T) {
	timing := config.TimingConfig{
		ConnectTimeout:  10 * time.Second,
		DisconnectGrace: 25 * time.Millisecond,
	}
	m, factory, _, _ := newTestManager(t, "alice", timing)

	_, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	link := factory.link(0)
	link.ev.OnStateChange(webrtc.PeerConnectionStateConnected)
	link.ev.OnStateChange(webrtc.PeerConnectionStateDisconnected)

	require.Eventually(t, func() bool {
		_, restarts, _, _ := link.snapshot()
		return restarts == 1
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, 1, factory.count(), "a disconnect must not recreate the connection")
}

func TestRecoveryWithinGraceAvoidsRestart(t *testing.T) {
	timing := config.TimingConfig{
		ConnectTimeout:  10 * time.Second,
		DisconnectGrace: 40 * time.Millisecond,
	}
	m, factory, _, _ := newTestManager(t, "alice", timing)

	_, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	link := factory.link(0)
	link.ev.OnStateChange(webrtc.PeerConnectionStateConnected)
	link.ev.OnStateChange(webrtc.PeerConnectionStateDisconnected)
	link.ev.OnStateChange(webrtc.PeerConnectionStateConnected)

	time.Sleep(3 * timing.DisconnectGrace)

	_, restarts, _, _ := link.snapshot()
	require.Zero(t, restarts, "a blip shorter than the grace period must not restart ICE")
	require.Equal(t, 1, factory.count())
}

func TestStaleClosedEventDoesNotKillRelayRecovery(t *testing.T) {
	m, factory, _, closed := newTestManager(t, "alice", relaxedTiming())

	_, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	// Failing the first connection closes it, and closing it fires its
	// final Closed state change into the peer's queue. That event
	// belongs to the dead connection and must not tear down the
	// relay-forced replacement.
	factory.link(0).ev.OnStateChange(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		return factory.count() == 2
	}, waitFor, 5*time.Millisecond)

	select {
	case c := <-closed:
		t.Fatalf("peer %s removed during relay recovery (reason=%v)", c.id, c.reason)
	case <-time.After(150 * time.Millisecond):
	}

	require.Len(t, m.Peers(), 1)
	require.False(t, factory.link(1).isClosed(), "replacement connection must stay open")
}

func TestRemotePeerRecreatedAfterTerminalState(t *testing.T) {
	m, factory, _, closed := newTestManager(t, "alice", relaxedTiming())

	p1, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)

	// The remote side closed the connection outright.
	factory.link(0).ev.OnStateChange(webrtc.PeerConnectionStateClosed)
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("closed peer never removed")
	}

	// A fresh presence event builds a brand new peer.
	p2, err := m.CreateOrReuse("bob", "Bob")
	require.NoError(t, err)
	require.NotSame(t, p1, p2)
	require.Equal(t, 2, factory.count())
}
