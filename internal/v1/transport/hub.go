package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/metrics"
	"github.com/huddlelabs/huddle/internal/v1/protocol"
	"github.com/huddlelabs/huddle/internal/v1/ratelimit"
	"github.com/huddlelabs/huddle/internal/v1/room"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

// How long an empty room survives before it is reaped. Rejoining within
// the grace period cancels the pending cleanup, so a brief everyone-left
// moment (page reload, network blip) does not lose the room id.
const cleanupGracePeriod = 30 * time.Second

// Hub is the registry of rooms and the entry point for new websocket
// sessions. It owns room lifecycle: creation on first join, delayed reaping
// once empty, and closing everything on shutdown.
type Hub struct {
	rooms               map[types.RoomIDType]*room.Room
	mu                  sync.Mutex
	pendingRoomCleanups map[types.RoomIDType]*time.Timer
	cleanupGracePeriod  time.Duration
	sfu                 types.SFUProvider
	limiter             *ratelimit.Limiter
	clock               clock.WithTicker
	upgrader            websocket.Upgrader
}

// NewHub creates a Hub wired to the given media facade. A nil limiter
// admits every connection.
func NewHub(sfu types.SFUProvider, limiter *ratelimit.Limiter) *Hub {
	return NewHubWithClock(sfu, limiter, clock.RealClock{})
}

// NewHubWithClock is NewHub with an injectable clock for liveness timing.
func NewHubWithClock(sfu types.SFUProvider, limiter *ratelimit.Limiter, clk clock.WithTicker) *Hub {
	h := &Hub{
		rooms:               make(map[types.RoomIDType]*room.Room),
		pendingRoomCleanups: make(map[types.RoomIDType]*time.Timer),
		cleanupGracePeriod:  cleanupGracePeriod,
		sfu:                 sfu,
		limiter:             limiter,
		clock:               clk,
		upgrader: websocket.Upgrader{
			// Identity is minted server-side and rooms are unlisted, so
			// cross-origin upgrades are accepted. Admission pressure is
			// handled by the rate limiter instead.
			CheckOrigin:       func(*http.Request) bool { return true },
			EnableCompression: true,
			WriteBufferPool:   &sync.Pool{},
		},
	}

	// The default room exists for the life of the process. Joins without
	// a room id land here, and the reaper never touches it.
	h.rooms[types.DefaultRoomID] = room.NewRoom(types.DefaultRoomID, h.scheduleRoomCleanup, sfu)
	metrics.ActiveRooms.Inc()

	return h
}

// ServeWs is the gin handler for the websocket endpoint. It admits,
// upgrades, and hands the connection to a new session.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.limiter.Allow(c) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Warn(c.Request.Context(), "Websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection takes an established connection, assigns it a fresh
// participant identity, and starts the session pumps.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	client := newClient(conn, h, newParticipantID(), h.clock)

	metrics.IncSession()
	logging.Info(context.Background(), "Session opened", zap.String("participantId", string(client.id)))

	go client.writePump()
	go client.readPump()

	return client
}

// routeJoin resolves the target room for a session's first join and hands
// the frame to that room. Later joins on the same session go straight to
// the room the client already holds.
func (h *Hub) routeJoin(ctx context.Context, client *Client, msg *protocol.ClientMessage) {
	roomID := types.RoomIDType(msg.RoomID)
	if roomID == "" {
		roomID = types.DefaultRoomID
	}

	r := h.getOrCreateRoom(roomID)
	r.Router(ctx, client, msg)
}

// getOrCreateRoom returns the room for the given id, creating it on first
// use. Finding an existing room cancels any pending reap for it.
func (h *Hub) getOrCreateRoom(roomID types.RoomIDType) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		if timer, pending := h.pendingRoomCleanups[roomID]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to rejoin", zap.String("roomId", string(roomID)))
		}
		return r
	}

	logging.Info(context.Background(), "Creating room", zap.String("roomId", string(roomID)))
	r := room.NewRoom(roomID, h.scheduleRoomCleanup, h.sfu)
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()

	return r
}

// scheduleRoomCleanup is the rooms' on-empty callback. The room is not
// deleted immediately; a timer gives departed participants the grace
// period to come back.
func (h *Hub) scheduleRoomCleanup(roomID types.RoomIDType) {
	if roomID == types.DefaultRoomID {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// The shutdown path empties the registry; rooms no longer tracked get
	// no timer.
	if _, ok := h.rooms[roomID]; !ok {
		return
	}

	if timer, exists := h.pendingRoomCleanups[roomID]; exists {
		timer.Stop()
	}
	h.pendingRoomCleanups[roomID] = time.AfterFunc(h.cleanupGracePeriod, func() {
		h.reapRoom(roomID)
	})
	logging.Info(context.Background(), "Room empty, cleanup scheduled", zap.String("roomId", string(roomID)), zap.Duration("gracePeriod", h.cleanupGracePeriod))
}

// reapRoom deletes an empty room once its grace period expires. Emptiness
// is re-checked at fire time: a rejoin races the timer, and the rejoin
// wins.
func (h *Hub) reapRoom(roomID types.RoomIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.pendingRoomCleanups, roomID)

	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if !r.IsEmpty() {
		logging.Info(context.Background(), "Skipping room cleanup, room is occupied again", zap.String("roomId", string(roomID)))
		return
	}

	delete(h.rooms, roomID)
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(roomID))
	logging.Info(context.Background(), "Reaped empty room", zap.String("roomId", string(roomID)))
}

// Shutdown closes every room and disconnects every session. The registry
// is emptied first so late on-empty callbacks cannot schedule new reaps.
func (h *Hub) Shutdown(ctx context.Context) {
	logging.Info(ctx, "Shutting down hub")

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[types.RoomIDType]*room.Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close(ctx)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(r.GetID()))
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
}
