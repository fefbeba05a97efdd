package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
)

// Hub is a room-scoped signaling relay: it fans presence events out to
// room members and forwards signal envelopes point-to-point. All room
// state is owned by the single Run goroutine; the websocket clients
// only touch their own connection.
type Hub struct {
	log    *zap.Logger
	timing config.TimingConfig

	upgrader websocket.Upgrader

	rooms      map[string]*hubRoom
	register   chan *hubClient
	unregister chan *hubClient
	inbound    chan inboundFrame
}

type hubRoom struct {
	members map[string]*hubClient
}

type hubClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	room string
	info PresenceInfo
	gone bool // owned by the Run goroutine
}

type inboundFrame struct {
	client *hubClient
	req    *jsonrpc2.Request
}

// NewHub creates an empty hub. Call Run before serving connections.
func NewHub(cfg *config.Config, log *zap.Logger) *Hub {
	return &Hub{
		log:    log.Named("hub"),
		timing: cfg.Timing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:      make(map[string]*hubRoom),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		inbound:    make(chan inboundFrame),
	}
}

// ServeWS upgrades an HTTP request to a hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// Run is the hub's single state-owning loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.log.Debug("client connected", zap.String("addr", client.conn.RemoteAddr().String()))

		case client := <-h.unregister:
			h.drop(client)

		case frame := <-h.inbound:
			h.handle(frame.client, frame.req)
		}
	}
}

func (h *Hub) handle(client *hubClient, req *jsonrpc2.Request) {
	switch req.Method {
	case methodJoin:
		var params joinParams
		if req.Params == nil || json.Unmarshal(*req.Params, &params) != nil {
			h.log.Warn("malformed join request")
			return
		}
		h.join(client, params)

	case methodLeave:
		h.drop(client)

	case methodSignal:
		var env Envelope
		if req.Params == nil || json.Unmarshal(*req.Params, &env) != nil {
			h.log.Warn("malformed signal envelope")
			return
		}
		h.relay(client, env)

	default:
		h.log.Debug("unknown hub method", zap.String("method", req.Method))
	}
}

func (h *Hub) join(client *hubClient, params joinParams) {
	room, ok := h.rooms[params.Room]
	if !ok {
		room = &hubRoom{members: make(map[string]*hubClient)}
		h.rooms[params.Room] = room
	}

	// A reconnecting participant replaces its previous connection.
	if prev, ok := room.members[params.Peer.ID]; ok && prev != client && !prev.gone {
		prev.gone = true
		close(prev.send)
	}

	client.room = params.Room
	client.info = params.Peer
	room.members[params.Peer.ID] = client

	h.log.Info("peer joined room",
		zap.String("room", params.Room),
		zap.String("peer", params.Peer.ID))

	// The joiner gets everyone already present; everyone else gets the
	// newcomer.
	others := make([]PresenceInfo, 0, len(room.members)-1)
	for id, member := range room.members {
		if id == params.Peer.ID {
			continue
		}
		others = append(others, member.info)
		h.notify(member, methodPresenceJoin, PresenceEvent{
			Kind:  PresenceJoin,
			Peers: []PresenceInfo{params.Peer},
		})
	}
	h.notify(client, methodPresenceSync, PresenceEvent{Kind: PresenceSync, Peers: others})
}

func (h *Hub) relay(client *hubClient, env Envelope) {
	room, ok := h.rooms[client.room]
	if !ok {
		h.log.Warn("signal from client outside any room", zap.String("from", env.From))
		return
	}

	if target, ok := room.members[env.To]; ok {
		h.notify(target, methodSignal, env)
		return
	}
	// Unknown target: fall back to room broadcast, receivers filter by
	// address. Covers the window where a member's join is in flight.
	for id, member := range room.members {
		if id == env.From {
			continue
		}
		h.notify(member, methodSignal, env)
	}
}

func (h *Hub) drop(client *hubClient) {
	if client.gone {
		return
	}
	client.gone = true

	room, ok := h.rooms[client.room]
	if !ok {
		close(client.send)
		return
	}

	if room.members[client.info.ID] == client {
		delete(room.members, client.info.ID)
		for _, member := range room.members {
			h.notify(member, methodPresenceLeave, PresenceEvent{
				Kind:  PresenceLeave,
				Peers: []PresenceInfo{client.info},
			})
		}
		h.log.Info("peer left room",
			zap.String("room", client.room),
			zap.String("peer", client.info.ID))
	}

	if len(room.members) == 0 {
		delete(h.rooms, client.room)
		h.log.Debug("room deleted", zap.String("room", client.room))
	}
	close(client.send)
}

func (h *Hub) notify(client *hubClient, method string, payload interface{}) {
	params, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal hub notification", zap.Error(err))
		return
	}
	frame, err := json.Marshal(&jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	})
	if err != nil {
		h.log.Error("failed to marshal hub frame", zap.Error(err))
		return
	}

	select {
	case client.send <- frame:
	default:
		// Slow consumer; drop rather than stall the whole room.
		h.log.Warn("dropping frame for slow client", zap.String("peer", client.info.ID))
	}
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.timing.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.timing.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req jsonrpc2.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.hub.inbound <- inboundFrame{client: c, req: &req}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(c.hub.timing.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.timing.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.timing.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
