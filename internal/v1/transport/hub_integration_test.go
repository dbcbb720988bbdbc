package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlelabs/huddle/internal/v1/types"
)

func newWsTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.ServeWs)
	srv := httptest.NewServer(router)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWs(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestWebsocketSessionEndToEnd(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	srv, url := newWsTestServer(t, h)
	defer srv.Close()

	conn := dialWs(t, url)

	// Liveness works before any join.
	sendFrame(t, conn, `{"type":"ping"}`)
	assert.Equal(t, "pong", readFrame(t, conn).Type)

	// Phase one: attach and receive the welcome.
	sendFrame(t, conn, `{"type":"join"}`)
	welcome := readFrame(t, conn)
	require.Equal(t, "welcome", welcome.Type)

	var data struct {
		RouterRTPCapabilities  json.RawMessage `json:"routerRtpCapabilities"`
		WebRTCTransportOptions json.RawMessage `json:"webRtcTransportOptions"`
	}
	require.NoError(t, json.Unmarshal(welcome.Data, &data))
	assert.NotEmpty(t, data.RouterRTPCapabilities)
	assert.NotEmpty(t, data.WebRTCTransportOptions)

	// Phase two: register capabilities. Alone in the room there is no
	// replay, so prove the session is still live with a ping.
	sendFrame(t, conn, `{"type":"join","rtpCapabilities":{"codecs":[{"mimeType":"video/VP8"}]}}`)
	sendFrame(t, conn, `{"type":"ping"}`)
	assert.Equal(t, "pong", readFrame(t, conn).Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.rooms[types.DefaultRoomID].IsEmpty()
	}, waitFor, pollTick)
}

func TestProducerAnnouncedToLateJoiner(t *testing.T) {
	h := NewHub(newStubSFU(), nil)
	h.cleanupGracePeriod = time.Hour
	srv, url := newWsTestServer(t, h)
	defer srv.Close()

	// First participant joins fully and produces.
	alice := dialWs(t, url)
	sendFrame(t, alice, `{"type":"join","roomId":"demo"}`)
	require.Equal(t, "welcome", readFrame(t, alice).Type)
	sendFrame(t, alice, `{"type":"join","roomId":"demo","rtpCapabilities":{"codecs":[{"mimeType":"video/VP8"}]}}`)

	sendFrame(t, alice, `{"type":"produce","transportId":"send-a","kind":"video","rtpParameters":{}}`)
	produceResp := readFrame(t, alice)
	require.Equal(t, "produce-response", produceResp.Type)
	var produced struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(produceResp.Data, &produced))
	require.NotEmpty(t, produced.ID)

	// Second participant joins afterwards and learns about the existing
	// producer during its capability registration.
	bob := dialWs(t, url)
	sendFrame(t, bob, `{"type":"join","roomId":"demo"}`)
	require.Equal(t, "welcome", readFrame(t, bob).Type)
	sendFrame(t, bob, `{"type":"join","roomId":"demo","rtpCapabilities":{"codecs":[{"mimeType":"video/VP8"}]}}`)

	replay := readFrame(t, bob)
	require.Equal(t, "new-producer", replay.Type)
	var announced struct {
		ProducerID    string `json:"producerId"`
		ParticipantID string `json:"participantId"`
	}
	require.NoError(t, json.Unmarshal(replay.Data, &announced))
	assert.Equal(t, produced.ID, announced.ProducerID)
	assert.Regexp(t, `^user-[0-9a-z]{9}$`, announced.ParticipantID)

	// When the producer leaves, the remaining participant hears both the
	// producer teardown and the departure.
	sendFrame(t, alice, `{"type":"leave"}`)

	closedFrame := readFrame(t, bob)
	require.Equal(t, "producer-closed", closedFrame.Type)
	var closed struct {
		ProducerID string `json:"producerId"`
	}
	require.NoError(t, json.Unmarshal(closedFrame.Data, &closed))
	assert.Equal(t, produced.ID, closed.ProducerID)

	gone := readFrame(t, bob)
	require.Equal(t, "disconnect", gone.Type)
	assert.Equal(t, announced.ParticipantID, gone.ParticipantID)

	require.NoError(t, bob.Close())
	_ = alice.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		r, ok := h.rooms["demo"]
		return ok && r.IsEmpty()
	}, waitFor, pollTick)
}
