package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/huddlelabs/huddle/internal/v1/types"
)

// MockClient implements types.ClientInterface and records every frame the
// room sends so tests can assert on the outbound traffic.
type MockClient struct {
	ID types.ParticipantIDType

	mu           sync.Mutex
	state        types.SessionStateType
	room         types.Roomer
	sentFrames   [][]byte
	disconnected bool
}

func NewMockClient(id string) *MockClient {
	return &MockClient{
		ID:    types.ParticipantIDType(id),
		state: types.SessionStateOpened,
	}
}

func (m *MockClient) GetID() types.ParticipantIDType {
	return m.ID
}

func (m *MockClient) GetState() types.SessionStateType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockClient) SetState(state types.SessionStateType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *MockClient) Room() types.Roomer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *MockClient) SetRoom(r types.Roomer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.room = r
}

func (m *MockClient) SendRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentFrames = append(m.sentFrames, data)
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *MockClient) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func (m *MockClient) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentFrames)
}

// wireFrame is the generic decode of one outbound frame. Top-level fields
// cover the flat shapes (disconnect, error); Data covers the wrapped ones.
type wireFrame struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	ParticipantID string          `json:"participantId"`
	Error         string          `json:"error"`
}

// Frames decodes everything the client was sent, in send order.
func (m *MockClient) Frames(t *testing.T) []wireFrame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	frames := make([]wireFrame, 0, len(m.sentFrames))
	for _, raw := range m.sentFrames {
		var f wireFrame
		require.NoError(t, json.Unmarshal(raw, &f), "frame must be valid JSON: %s", raw)
		frames = append(frames, f)
	}
	return frames
}

// FramesOfType filters the recorded frames down to one message type.
func (m *MockClient) FramesOfType(t *testing.T, msgType string) []wireFrame {
	t.Helper()
	var matched []wireFrame
	for _, f := range m.Frames(t) {
		if f.Type == msgType {
			matched = append(matched, f)
		}
	}
	return matched
}

// decodeData unmarshals a frame's data payload into out.
func decodeData(t *testing.T, f wireFrame, out any) {
	t.Helper()
	require.NotEmpty(t, f.Data, "frame %q has no data payload", f.Type)
	require.NoError(t, json.Unmarshal(f.Data, out))
}

// MockSFU implements types.SFUProvider with canned answers and call
// recording. The zero value answers every call successfully; set the Err
// fields to force failures. Producer and consumer ids are sequential so
// tests can predict them.
type MockSFU struct {
	mu sync.Mutex

	CreateSendErr    error
	CreateRecvErr    error
	ConnectErr       error
	ProduceErr       error
	ConsumeErr       error
	CloseProducerErr error

	SendTransports  []types.ParticipantIDType
	RecvTransports  []types.ParticipantIDType
	Connected       []string
	ProducedOn      []string
	ConsumedFrom    []string
	ClosedProducers []string
	Removed         []types.ParticipantIDType
	LastConsumeCaps json.RawMessage

	produceSeq int
	consumeSeq int
	fatal      chan error
}

func NewMockSFU() *MockSFU {
	return &MockSFU{fatal: make(chan error, 1)}
}

func (m *MockSFU) Init(context.Context) error { return nil }

func (m *MockSFU) RouterRTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"video/VP8"}]}`)
}

func (m *MockSFU) CreateSendTransport(_ context.Context, pid types.ParticipantIDType) (*types.TransportInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateSendErr != nil {
		return nil, m.CreateSendErr
	}
	m.SendTransports = append(m.SendTransports, pid)
	id := "send-" + string(pid)
	return &types.TransportInfo{
		ID:      id,
		Options: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
	}, nil
}

func (m *MockSFU) CreateRecvTransport(_ context.Context, pid types.ParticipantIDType) (*types.TransportInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateRecvErr != nil {
		return nil, m.CreateRecvErr
	}
	m.RecvTransports = append(m.RecvTransports, pid)
	id := "recv-" + string(pid)
	return &types.TransportInfo{
		ID:      id,
		Options: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
	}, nil
}

func (m *MockSFU) ConnectTransport(_ context.Context, transportID string, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.Connected = append(m.Connected, transportID)
	return nil
}

func (m *MockSFU) Produce(_ context.Context, transportID string, _ types.MediaKindType, _ json.RawMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProduceErr != nil {
		return "", m.ProduceErr
	}
	m.produceSeq++
	m.ProducedOn = append(m.ProducedOn, transportID)
	return fmt.Sprintf("producer-%d", m.produceSeq), nil
}

func (m *MockSFU) Consume(_ context.Context, _ types.ParticipantIDType, producerID string, rtpCapabilities json.RawMessage) (*types.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	m.consumeSeq++
	m.ConsumedFrom = append(m.ConsumedFrom, producerID)
	m.LastConsumeCaps = rtpCapabilities
	return &types.ConsumerInfo{
		ConsumerID:    fmt.Sprintf("consumer-%d", m.consumeSeq),
		ProducerID:    producerID,
		Kind:          types.MediaKindVideo,
		RTPParameters: json.RawMessage(`{"codecs":[{"mimeType":"video/VP8"}]}`),
	}, nil
}

func (m *MockSFU) CloseProducer(_ context.Context, producerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CloseProducerErr != nil {
		return m.CloseProducerErr
	}
	m.ClosedProducers = append(m.ClosedProducers, producerID)
	return nil
}

func (m *MockSFU) RemoveParticipant(_ context.Context, pid types.ParticipantIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, pid)
	return nil
}

func (m *MockSFU) Shutdown(context.Context) error { return nil }

func (m *MockSFU) Fatal() <-chan error { return m.fatal }

// RemovedParticipants returns a copy of the removal log.
func (m *MockSFU) RemovedParticipants() []types.ParticipantIDType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ParticipantIDType(nil), m.Removed...)
}
