package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlelabs/huddle/internal/v1/config"
	"github.com/huddlelabs/huddle/internal/v1/ratelimit"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

func hubHasRoom(h *Hub, id types.RoomIDType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[id]
	return ok
}

func hubPendingCleanups(h *Hub) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pendingRoomCleanups)
}

// joinedClient connects a scripted session through the hub and completes
// the first phase of the join handshake.
func joinedClient(t *testing.T, h *Hub, roomID string) (*Client, *scriptedConn) {
	t.Helper()
	sc := newScriptedConn()
	client := h.HandleConnection(sc)
	sc.push(`{"type":"join","roomId":"` + roomID + `"}`)
	require.Eventually(t, sc.hasFrameOfType("welcome"), waitFor, pollTick)
	return client, sc
}

func TestJoinWithoutRoomIDLandsInDefaultRoom(t *testing.T) {
	h := NewHub(newStubSFU(), nil)

	sc := newScriptedConn()
	client := h.HandleConnection(sc)
	sc.push(`{"type":"join"}`)

	require.Eventually(t, sc.hasFrameOfType("welcome"), waitFor, pollTick)
	require.NotNil(t, client.Room())
	assert.Equal(t, types.DefaultRoomID, client.Room().GetID())

	sc.Close()
	require.Eventually(t, func() bool { return client.GetState() == types.SessionStateClosed }, waitFor, pollTick)
	assert.True(t, hubHasRoom(h, types.DefaultRoomID), "default room outlives its last participant")
}

func TestJoinCreatesNamedRoom(t *testing.T) {
	h := NewHub(newStubSFU(), nil)

	client, sc := joinedClient(t, h, "standup")
	assert.Equal(t, types.RoomIDType("standup"), client.Room().GetID())
	assert.True(t, hubHasRoom(h, "standup"))

	sc.Close()
	require.Eventually(t, func() bool { return client.GetState() == types.SessionStateClosed }, waitFor, pollTick)
}

func TestGetOrCreateRoomReturnsSameInstance(t *testing.T) {
	h := NewHub(newStubSFU(), nil)

	r1 := h.getOrCreateRoom("alpha")
	r2 := h.getOrCreateRoom("alpha")
	assert.Same(t, r1, r2)
}

func TestEmptyRoomReapedAfterGrace(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.cleanupGracePeriod = 20 * time.Millisecond

	h.getOrCreateRoom("ephemeral")
	h.scheduleRoomCleanup("ephemeral")

	require.Eventually(t, func() bool { return !hubHasRoom(h, "ephemeral") }, waitFor, pollTick)
	assert.Equal(t, 0, hubPendingCleanups(h))
}

func TestRejoinCancelsPendingCleanup(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.cleanupGracePeriod = time.Hour

	h.getOrCreateRoom("alpha")
	h.scheduleRoomCleanup("alpha")
	require.Equal(t, 1, hubPendingCleanups(h))

	h.getOrCreateRoom("alpha")
	assert.Equal(t, 0, hubPendingCleanups(h))
	assert.True(t, hubHasRoom(h, "alpha"))
}

func TestReapSkipsOccupiedRoom(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.cleanupGracePeriod = 20 * time.Millisecond

	client, sc := joinedClient(t, h, "alpha")

	// Force a cleanup while someone is still in the room; the fire-time
	// emptiness check must win.
	h.scheduleRoomCleanup("alpha")
	require.Eventually(t, func() bool { return hubPendingCleanups(h) == 0 }, waitFor, pollTick)
	assert.True(t, hubHasRoom(h, "alpha"))

	sc.Close()
	require.Eventually(t, func() bool { return client.GetState() == types.SessionStateClosed }, waitFor, pollTick)
}

func TestDefaultRoomNeverScheduledForCleanup(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.cleanupGracePeriod = 10 * time.Millisecond

	h.scheduleRoomCleanup(types.DefaultRoomID)

	assert.Equal(t, 0, hubPendingCleanups(h))
	assert.True(t, hubHasRoom(h, types.DefaultRoomID))
}

func TestLastLeaveTriggersRoomReap(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.cleanupGracePeriod = 30 * time.Millisecond

	client, sc := joinedClient(t, h, "fleeting")
	require.True(t, hubHasRoom(h, "fleeting"))

	sc.Close()
	require.Eventually(t, func() bool { return client.GetState() == types.SessionStateClosed }, waitFor, pollTick)
	require.Eventually(t, func() bool { return !hubHasRoom(h, "fleeting") }, waitFor, pollTick)
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.cleanupGracePeriod = time.Hour

	clientA, scA := joinedClient(t, h, "alpha")
	clientB, scB := joinedClient(t, h, "beta")

	// A pending cleanup must not fire after shutdown.
	h.getOrCreateRoom("ghost")
	h.scheduleRoomCleanup("ghost")

	h.Shutdown(context.Background())

	assert.False(t, hubHasRoom(h, "alpha"))
	assert.False(t, hubHasRoom(h, "beta"))
	assert.False(t, hubHasRoom(h, types.DefaultRoomID))
	assert.Equal(t, 0, hubPendingCleanups(h))

	require.Eventually(t, scA.isClosed, waitFor, pollTick)
	require.Eventually(t, scB.isClosed, waitFor, pollTick)
	require.Eventually(t, func() bool { return clientA.GetState() == types.SessionStateClosed }, waitFor, pollTick)
	require.Eventually(t, func() bool { return clientB.GetState() == types.SessionStateClosed }, waitFor, pollTick)
}

func TestScheduleCleanupAfterShutdownIsNoOp(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.Shutdown(context.Background())

	h.scheduleRoomCleanup("ghost")
	assert.Equal(t, 0, hubPendingCleanups(h))
}

func TestServeWsRejectsOverAdmissionLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	lim, err := ratelimit.New(&config.Config{RateLimitWsIP: "1-M"})
	require.NoError(t, err)
	h := NewHub(newStubSFU(), lim)

	serve := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		c.Request.RemoteAddr = "203.0.113.7:4242"
		h.ServeWs(c)
		return w
	}

	// First attempt passes admission and dies at the upgrade, since this
	// is not a real websocket handshake.
	assert.Equal(t, http.StatusBadRequest, serve().Code)

	// Second attempt from the same IP is over the 1-per-minute budget.
	assert.Equal(t, http.StatusTooManyRequests, serve().Code)
}
