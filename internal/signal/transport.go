package signal

import (
	"context"
	"fmt"
)

// Transport is the room-scoped signaling channel the engine depends on.
// Implementations must deliver messages at least once, ordered per
// sender, and must emit presence join/leave notifications. The engine
// never retries sends itself; a failed Send surfaces as *DeliveryError
// to whoever initiated the operation.
type Transport interface {
	// Send delivers one envelope. Addressing is point-to-point even if
	// the underlying channel broadcasts.
	Send(ctx context.Context, env Envelope) error

	// Messages yields envelopes addressed to the local participant.
	Messages() <-chan Envelope

	// TrackPresence publishes the local participant and subscribes to
	// room membership. A PresenceSync event follows on the Presence
	// channel.
	TrackPresence(ctx context.Context, info PresenceInfo) error

	// Presence yields sync/join/leave events.
	Presence() <-chan PresenceEvent

	// Close releases the transport. Both channels are closed.
	Close() error
}

// DeliveryError wraps a transport send failure.
type DeliveryError struct {
	Kind Kind
	To   string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("signaling delivery of %s to %s failed: %v", e.Kind, e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
