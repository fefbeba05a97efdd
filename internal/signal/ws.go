package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
)

const maxMessageSize = 64 * 1024

// Client is the websocket Transport implementation. Envelopes travel as
// JSON-RPC requests; presence notifications arrive as server-initiated
// requests on the same connection.
type Client struct {
	url      string
	room     string
	identity string
	timing   config.TimingConfig
	log      *zap.Logger

	conn *websocket.Conn
	wmu  sync.Mutex // guards conn and serializes writes to it

	joinMu   sync.Mutex
	joinInfo PresenceInfo
	joined   bool

	messages chan Envelope
	presence chan PresenceEvent

	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Client)(nil)

// NewClient creates a signaling client scoped to one room. Envelopes
// not addressed to identity are dropped on receive.
func NewClient(cfg *config.Config, room, identity string, log *zap.Logger) *Client {
	return &Client{
		url:      cfg.SignalingURL,
		room:     room,
		identity: identity,
		timing:   cfg.Timing,
		log:      log.Named("signal"),
		messages: make(chan Envelope, 32),
		presence: make(chan PresenceEvent, 8),
		done:     make(chan struct{}),
	}
}

// Connect dials the hub, retrying with exponential backoff until the
// context is cancelled, then starts the read and keepalive loops.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return fmt.Errorf("failed to connect to signaling hub at %s: %w", c.url, err)
	}

	go c.readPump()
	go c.pingLoop()

	c.log.Info("connected to signaling hub", zap.String("url", c.url))
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	op := func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Warn("signaling dial failed, retrying", zap.String("url", c.url), zap.Error(err))
			return err
		}

		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(c.timing.PongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(c.timing.PongWait))
			return nil
		})

		c.wmu.Lock()
		c.conn = conn
		c.wmu.Unlock()
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

// redial restores a dropped connection and re-announces presence so the
// hub puts the participant back in its room. Bounded by the backoff
// policy's elapsed-time budget.
func (c *Client) redial() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.dial(ctx); err != nil {
		return err
	}

	c.joinMu.Lock()
	info, joined := c.joinInfo, c.joined
	c.joinMu.Unlock()
	if joined {
		if err := c.writeRequest(methodJoin, joinParams{Room: c.room, Peer: info}); err != nil {
			return err
		}
	}

	c.log.Info("signaling connection restored", zap.String("url", c.url))
	return nil
}

func (c *Client) current() *websocket.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn
}

// Send implements Transport.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	if err := c.writeRequest(methodSignal, env); err != nil {
		return &DeliveryError{Kind: env.Kind, To: env.To, Err: err}
	}
	return nil
}

// TrackPresence implements Transport. The hub answers with a
// presence.sync listing everyone already in the room. The identity is
// remembered so a reconnect rejoins automatically.
func (c *Client) TrackPresence(ctx context.Context, info PresenceInfo) error {
	c.joinMu.Lock()
	c.joinInfo = info
	c.joined = true
	c.joinMu.Unlock()
	return c.writeRequest(methodJoin, joinParams{Room: c.room, Peer: info})
}

// Messages implements Transport.
func (c *Client) Messages() <-chan Envelope { return c.messages }

// Presence implements Transport.
func (c *Client) Presence() <-chan PresenceEvent { return c.presence }

// Close implements Transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if conn := c.current(); conn != nil {
			// Best-effort explicit leave so the room learns immediately
			// instead of waiting for the connection drop.
			c.writeRequest(methodLeave, joinParams{Room: c.room, Peer: PresenceInfo{ID: c.identity}})

			c.wmu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.wmu.Unlock()
			conn.Close()
		}
	})
	return nil
}

func (c *Client) writeRequest(method string, payload interface{}) error {
	params, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	req := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	}

	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("signaling client not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

func (c *Client) readPump() {
	defer func() {
		if conn := c.current(); conn != nil {
			conn.Close()
		}
		close(c.messages)
		close(c.presence)
	}()

	for {
		conn := c.current()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.log.Warn("signaling connection lost, redialing", zap.Error(err))
			conn.Close()
			if err := c.redial(); err != nil {
				c.log.Error("failed to restore signaling connection", zap.Error(err))
				return
			}
			continue
		}

		var req jsonrpc2.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("dropping malformed signaling frame", zap.Error(err))
			continue
		}
		c.dispatch(&req)
	}
}

func (c *Client) dispatch(req *jsonrpc2.Request) {
	if req.Params == nil {
		c.log.Warn("dropping signaling frame with no params", zap.String("method", req.Method))
		return
	}

	switch req.Method {
	case methodSignal:
		var env Envelope
		if err := json.Unmarshal(*req.Params, &env); err != nil {
			c.log.Warn("dropping malformed envelope", zap.Error(err))
			return
		}
		// The hub may broadcast; only messages addressed to us matter.
		if env.To != c.identity {
			return
		}
		select {
		case c.messages <- env:
		case <-c.done:
		}

	case methodPresenceSync, methodPresenceJoin, methodPresenceLeave:
		var ev PresenceEvent
		if err := json.Unmarshal(*req.Params, &ev); err != nil {
			c.log.Warn("dropping malformed presence event", zap.Error(err))
			return
		}
		select {
		case c.presence <- ev:
		case <-c.done:
		}

	default:
		c.log.Debug("ignoring unknown signaling method", zap.String("method", req.Method))
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.timing.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Ping failures are left to the read loop, which owns
			// reconnection; the next ping targets the fresh connection.
			if err := c.current().WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.timing.WriteWait)); err != nil {
				c.log.Debug("signaling ping failed", zap.Error(err))
			}
		case <-c.done:
			return
		}
	}
}
