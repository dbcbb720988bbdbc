package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/huddlelabs/huddle/internal/v1/protocol"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

// inboundFrame is one frame the test feeds to a scripted connection.
type inboundFrame struct {
	messageType int
	data        []byte
}

// scriptedConn implements wsConnection for pump tests. Inbound frames are
// pushed by the test, writes are recorded by kind, and Close unblocks a
// pending read.
type scriptedConn struct {
	inbound chan inboundFrame

	mu          sync.Mutex
	texts       [][]byte
	pings       int
	closeFrames [][]byte
	writeErr    error
	pongHandler func(string) error

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		inbound: make(chan inboundFrame, 16),
		closed:  make(chan struct{}),
	}
}

func (s *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-s.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.messageType, f.data, nil
	case <-s.closed:
		return 0, nil, net.ErrClosed
	}
}

func (s *scriptedConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	switch messageType {
	case websocket.TextMessage:
		s.texts = append(s.texts, append([]byte(nil), data...))
	case websocket.PingMessage:
		s.pings++
	case websocket.CloseMessage:
		s.closeFrames = append(s.closeFrames, append([]byte(nil), data...))
	}
	return nil
}

func (s *scriptedConn) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedConn) SetWriteDeadline(time.Time) error { return nil }
func (s *scriptedConn) SetReadLimit(int64)               {}

func (s *scriptedConn) SetPongHandler(h func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongHandler = h
}

func (s *scriptedConn) hasPongHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongHandler != nil
}

func (s *scriptedConn) push(data string) {
	s.inbound <- inboundFrame{messageType: websocket.TextMessage, data: []byte(data)}
}

// pong invokes the registered pong handler the way the websocket library
// would on an inbound pong control frame.
func (s *scriptedConn) pong(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	h := s.pongHandler
	s.mu.Unlock()
	require.NotNil(t, h, "pong handler not installed")
	require.NoError(t, h(""))
}

func (s *scriptedConn) setWriteErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *scriptedConn) textCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func (s *scriptedConn) textFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.texts))
	copy(out, s.texts)
	return out
}

func (s *scriptedConn) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *scriptedConn) closeFrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closeFrames)
}

func (s *scriptedConn) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// wireFrame is the decoded shape of one recorded outbound frame.
type wireFrame struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	ParticipantID string          `json:"participantId"`
	Error         string          `json:"error"`
}

func (s *scriptedConn) frames(t *testing.T) []wireFrame {
	t.Helper()
	raw := s.textFrames()
	out := make([]wireFrame, 0, len(raw))
	for _, data := range raw {
		var f wireFrame
		require.NoError(t, json.Unmarshal(data, &f))
		out = append(out, f)
	}
	return out
}

func (s *scriptedConn) framesOfType(t *testing.T, msgType string) []wireFrame {
	t.Helper()
	var out []wireFrame
	for _, f := range s.frames(t) {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

// hasFrameOfType is a polling target for require.Eventually.
func (s *scriptedConn) hasFrameOfType(msgType string) func() bool {
	return func() bool {
		for _, data := range s.textFrames() {
			var f wireFrame
			if json.Unmarshal(data, &f) == nil && f.Type == msgType {
				return true
			}
		}
		return false
	}
}

// mockRoomer records the calls a session makes into its room.
type mockRoomer struct {
	id types.RoomIDType

	mu          sync.Mutex
	routed      []*protocol.ClientMessage
	disconnects []types.ClientInterface
}

func newMockRoomer(id types.RoomIDType) *mockRoomer {
	return &mockRoomer{id: id}
}

func (m *mockRoomer) GetID() types.RoomIDType { return m.id }

func (m *mockRoomer) Router(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routed = append(m.routed, msg)
}

func (m *mockRoomer) HandleClientDisconnect(client types.ClientInterface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, client)
}

func (m *mockRoomer) routedTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.routed))
	for _, msg := range m.routed {
		out = append(out, msg.Type)
	}
	return out
}

func (m *mockRoomer) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.disconnects)
}

// stubSFU satisfies types.SFUProvider with canned answers so hub tests can
// drive real rooms without a media engine.
type stubSFU struct {
	mu       sync.Mutex
	produced int
	removed  []types.ParticipantIDType
}

func newStubSFU() *stubSFU {
	return &stubSFU{}
}

func (s *stubSFU) Init(ctx context.Context) error { return nil }

func (s *stubSFU) RouterRTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"video/VP8"}]}`)
}

func (s *stubSFU) CreateSendTransport(ctx context.Context, pid types.ParticipantIDType) (*types.TransportInfo, error) {
	return &types.TransportInfo{ID: "send-" + string(pid), Options: json.RawMessage(`{"id":"send-` + string(pid) + `"}`)}, nil
}

func (s *stubSFU) CreateRecvTransport(ctx context.Context, pid types.ParticipantIDType) (*types.TransportInfo, error) {
	return &types.TransportInfo{ID: "recv-" + string(pid), Options: json.RawMessage(`{"id":"recv-` + string(pid) + `"}`)}, nil
}

func (s *stubSFU) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	return nil
}

func (s *stubSFU) Produce(ctx context.Context, transportID string, kind types.MediaKindType, rtpParameters json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.produced++
	return "producer-" + string(rune('0'+s.produced)), nil
}

func (s *stubSFU) Consume(ctx context.Context, pid types.ParticipantIDType, producerID string, rtpCapabilities json.RawMessage) (*types.ConsumerInfo, error) {
	return &types.ConsumerInfo{
		ConsumerID:    "consumer-1",
		ProducerID:    producerID,
		Kind:          types.MediaKindVideo,
		RTPParameters: json.RawMessage(`{}`),
	}, nil
}

func (s *stubSFU) CloseProducer(ctx context.Context, producerID string) error { return nil }

func (s *stubSFU) RemoveParticipant(ctx context.Context, pid types.ParticipantIDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, pid)
	return nil
}

func (s *stubSFU) Shutdown(ctx context.Context) error { return nil }

func (s *stubSFU) Fatal() <-chan error { return nil }
