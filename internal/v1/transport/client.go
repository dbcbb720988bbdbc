// Package transport owns the websocket surface of the signaling plane: it
// upgrades HTTP connections, mints participant identities, frames and
// parses signaling messages, probes liveness, and routes frames into rooms.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/metrics"
	"github.com/huddlelabs/huddle/internal/v1/protocol"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

const (
	// Time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// Interval between websocket-level liveness probes. A session that
	// answers neither of two consecutive probes is terminated, so a dead
	// peer holds resources for at most twice this interval.
	pingPeriod = 30 * time.Second

	// Largest inbound frame accepted. Capability and SDP-shaped blobs run
	// a few KB; anything bigger is not signaling traffic.
	maxMessageSize = 64 * 1024

	// Outbound frames queued per session before sends start dropping.
	sendBufferSize = 256
)

// wsConnection is the slice of *websocket.Conn the client uses, kept as an
// interface so tests can drive the pumps with a scripted connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
}

// Client is one websocket session. It implements types.ClientInterface.
//
// All outbound traffic flows through the buffered send channel and the
// write pump; nothing else may write to the connection. The liveness flag
// is cleared each time the write pump emits a protocol-level ping and set
// again by any sign of life from the peer.
type Client struct {
	conn wsConnection
	hub  *Hub
	id   types.ParticipantIDType

	mu           sync.RWMutex
	state        types.SessionStateType
	room         types.Roomer
	closed       bool
	alive        bool
	lastActivity time.Time

	clock clock.WithTicker
	send  chan []byte
}

func newClient(conn wsConnection, hub *Hub, id types.ParticipantIDType, clk clock.WithTicker) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		id:           id,
		state:        types.SessionStateOpened,
		alive:        true,
		lastActivity: clk.Now(),
		clock:        clk,
		send:         make(chan []byte, sendBufferSize),
	}
}

// --- types.ClientInterface ---

func (c *Client) GetID() types.ParticipantIDType {
	return c.id
}

func (c *Client) GetState() types.SessionStateType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) SetState(state types.SessionStateType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Client) Room() types.Roomer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Client) SetRoom(r types.Roomer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = r
}

// SendRaw queues a pre-serialized frame for delivery. Frames to a closed
// or saturated session are dropped and counted; signaling state is
// eventually repaired by the client rejoining, so blocking a room fan-out
// on one slow peer is never worth it.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed session", zap.String("participantId", string(c.id)))
		return
	}
	c.mu.RUnlock()

	// Disconnect may close the channel between the check above and the
	// send below; recover turns that narrow race into a dropped frame.
	defer func() {
		if r := recover(); r != nil {
			metrics.DroppedMessages.Inc()
			logging.Warn(context.Background(), "Recovered from send on closed session", zap.String("participantId", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		metrics.DroppedMessages.Inc()
		logging.Warn(context.Background(), "Session send buffer full, dropping frame", zap.String("participantId", string(c.id)))
	}
}

// Disconnect tears the session down once. Closing the send channel makes
// the write pump drain queued frames, emit a close frame, and close the
// connection, which in turn unblocks the read pump.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
}

// LastActivity reports when the peer last gave any sign of life.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// touch marks the session alive. Called for every inbound frame and for
// protocol-level pongs, so intermediaries that strip control frames do not
// get active clients terminated.
func (c *Client) touch() {
	c.mu.Lock()
	c.alive = true
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
}

// consumeLiveness reports whether the peer showed life since the previous
// probe and spends that credit.
func (c *Client) consumeLiveness() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := c.alive
	c.alive = false
	return alive
}

// readPump reads frames off the connection and dispatches them until the
// connection dies. Runs as a goroutine per session and owns cleanup: on
// exit the room is informed, the write pump is stopped, and the session
// is accounted as closed.
func (c *Client) readPump() {
	defer func() {
		if r := c.Room(); r != nil {
			r.HandleClientDisconnect(c)
		}
		c.Disconnect()
		_ = c.conn.Close()
		c.SetState(types.SessionStateClosed)
		metrics.DecSession()
	}()

	ctx := logging.WithParticipant(context.Background(), string(c.id))

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(ctx, "Session read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.touch()

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			logging.Warn(ctx, "Discarding unparseable frame", zap.Error(err))
			c.sendError("Invalid message")
			continue
		}

		c.dispatch(ctx, msg)
	}
}

// dispatch routes one parsed frame. Pings are answered here so liveness
// works in every session state; join frames with no room yet go through
// the hub; everything else needs a room.
func (c *Client) dispatch(ctx context.Context, msg *protocol.ClientMessage) {
	if msg.Type == protocol.TypePing {
		metrics.SignalingEvents.WithLabelValues(protocol.TypePing, "ok").Inc()
		if frame, err := protocol.NewPong(); err == nil {
			c.SendRaw(frame)
		}
		return
	}

	if r := c.Room(); r != nil {
		r.Router(ctx, c, msg)
		return
	}

	if msg.Type == protocol.TypeJoin {
		c.hub.routeJoin(ctx, c, msg)
		return
	}

	logging.Warn(ctx, "Frame before join", zap.String("type", msg.Type))
	metrics.SignalingEvents.WithLabelValues(msg.Type, "error").Inc()
	c.sendError("Not in a room")
}

// writePump serializes all writes to the connection: queued frames, the
// liveness probe, and the final close frame. Runs as a goroutine per
// session.
func (c *Client) writePump() {
	ticker := c.clock.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "Session write failed", zap.String("participantId", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C():
			if !c.consumeLiveness() {
				logging.Warn(context.Background(), "Liveness probe unanswered, terminating session", zap.String("participantId", string(c.id)))
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "liveness timeout"))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(message string) {
	frame, err := protocol.NewError(message)
	if err != nil {
		return
	}
	c.SendRaw(frame)
}
