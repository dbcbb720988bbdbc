// Package protocol defines the JSON signaling messages exchanged with
// clients over the websocket session.
//
// Inbound frames are flat objects with a required "type" field and
// type-specific fields at the top level. Outbound responses wrap their
// fields in a "data" object; lightweight notifications (disconnect, pong,
// error) carry top-level fields. Clients tolerate both shapes for the same
// type. RTP parameters, RTP capabilities and DTLS parameters are opaque
// JSON subtrees; the coordinator forwards them without inspection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server message types.
const (
	TypeJoin              = "join"
	TypeLeave             = "leave"
	TypeConnectTransport  = "connect-transport"
	TypeProduce           = "produce"
	TypeRequestConsume    = "request-consume"
	TypeNicknameChange    = "nickname-change"
	TypeParticipantKilled = "participant-killed"
	TypePing              = "ping"
)

// Server to client message types. NicknameChange and ParticipantKilled are
// reused in both directions.
const (
	TypeWelcome         = "welcome"
	TypeNewProducer     = "new-producer"
	TypeProduceResponse = "produce-response"
	TypeConsumeResponse = "consume-response"
	TypeProducerClosed  = "producer-closed"
	TypeDisconnect      = "disconnect"
	TypePong            = "pong"
	TypeError           = "error"
)

// ErrMissingType is returned when a frame parses as JSON but carries no
// "type" field.
var ErrMissingType = errors.New("protocol: message has no type")

// ClientMessage is the union of every inbound frame. Fields outside the
// sender's message type are left at their zero value; handlers read only
// the fields their type defines.
type ClientMessage struct {
	Type string `json:"type"`

	// join
	RoomID          string          `json:"roomId,omitempty"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`

	// connect-transport, produce
	TransportID    string          `json:"transportId,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	RTPParameters  json.RawMessage `json:"rtpParameters,omitempty"`

	// request-consume
	ProducerID    string `json:"producerId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`

	// nickname-change
	Nickname     string `json:"nickname,omitempty"`
	PreviousName string `json:"previousName,omitempty"`

	// participant-killed
	Killed bool `json:"killed,omitempty"`
}

// ParseClientMessage decodes one inbound text frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// HasCapabilities reports whether a join frame carries the client's
// receive-side RTP capabilities, i.e. whether this is the second phase of
// the join handshake.
func (m *ClientMessage) HasCapabilities() bool {
	return len(m.RTPCapabilities) > 0 && string(m.RTPCapabilities) != "null"
}

// WelcomeData is the payload of the first-join reply.
type WelcomeData struct {
	RouterRTPCapabilities  json.RawMessage `json:"routerRtpCapabilities"`
	WebRTCTransportOptions json.RawMessage `json:"webRtcTransportOptions"`
}

// WelcomeEvent is sent once per session, after the first join attaches the
// participant to a room.
type WelcomeEvent struct {
	Type string      `json:"type"`
	Data WelcomeData `json:"data"`
}

// NewProducerData announces a producer to the other members of a room.
type NewProducerData struct {
	ProducerID    string `json:"producerId"`
	ParticipantID string `json:"participantId"`
}

// NewProducerEvent carries NewProducerData.
type NewProducerEvent struct {
	Type string          `json:"type"`
	Data NewProducerData `json:"data"`
}

// ProduceResponseData acknowledges a produce request with the SFU-assigned
// producer id.
type ProduceResponseData struct {
	ID string `json:"id"`
}

// ProduceResponseEvent carries ProduceResponseData.
type ProduceResponseEvent struct {
	Type string              `json:"type"`
	Data ProduceResponseData `json:"data"`
}

// ConsumeResponseData answers a request-consume with everything the client
// needs to attach its receiver: the consumer handle, the producer it maps
// to, and the receive transport options (echoed on every response so the
// client can lazily create its receive side).
type ConsumeResponseData struct {
	ConsumerID       string          `json:"consumerId"`
	ProducerID       string          `json:"producerId"`
	Kind             string          `json:"kind"`
	RTPParameters    json.RawMessage `json:"rtpParameters"`
	TransportOptions json.RawMessage `json:"transportOptions"`
	ParticipantID    string          `json:"participantId"`
}

// ConsumeResponseEvent carries ConsumeResponseData.
type ConsumeResponseEvent struct {
	Type string              `json:"type"`
	Data ConsumeResponseData `json:"data"`
}

// ProducerClosedData tells receivers a producer is gone and any consumer
// state for it can be dropped.
type ProducerClosedData struct {
	ProducerID    string `json:"producerId"`
	ParticipantID string `json:"participantId"`
}

// ProducerClosedEvent carries ProducerClosedData.
type ProducerClosedEvent struct {
	Type string             `json:"type"`
	Data ProducerClosedData `json:"data"`
}

// DisconnectEvent announces a participant leaving its room. Top-level
// fields, no data wrapper.
type DisconnectEvent struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
}

// NicknameChangeData fans out a presence rename. IsLocalChange is set only
// on the copy echoed to the sender.
type NicknameChangeData struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	PreviousName  string `json:"previousName,omitempty"`
	IsLocalChange bool   `json:"isLocalChange,omitempty"`
}

// NicknameChangeEvent carries NicknameChangeData.
type NicknameChangeEvent struct {
	Type string             `json:"type"`
	Data NicknameChangeData `json:"data"`
}

// ParticipantKilledData fans out the presence overlay flag. Media flow is
// unaffected.
type ParticipantKilledData struct {
	ParticipantID string `json:"participantId"`
	Killed        bool   `json:"killed"`
}

// ParticipantKilledEvent carries ParticipantKilledData.
type ParticipantKilledEvent struct {
	Type string                `json:"type"`
	Data ParticipantKilledData `json:"data"`
}

// PongEvent answers an application-level ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ErrorEvent reports a failed request to its originator.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewWelcome builds the welcome frame.
func NewWelcome(routerCaps, transportOptions json.RawMessage) ([]byte, error) {
	return json.Marshal(WelcomeEvent{
		Type: TypeWelcome,
		Data: WelcomeData{
			RouterRTPCapabilities:  routerCaps,
			WebRTCTransportOptions: transportOptions,
		},
	})
}

// NewNewProducer builds a new-producer frame.
func NewNewProducer(producerID, participantID string) ([]byte, error) {
	return json.Marshal(NewProducerEvent{
		Type: TypeNewProducer,
		Data: NewProducerData{ProducerID: producerID, ParticipantID: participantID},
	})
}

// NewProduceResponse builds a produce-response frame.
func NewProduceResponse(producerID string) ([]byte, error) {
	return json.Marshal(ProduceResponseEvent{
		Type: TypeProduceResponse,
		Data: ProduceResponseData{ID: producerID},
	})
}

// NewConsumeResponse builds a consume-response frame.
func NewConsumeResponse(data ConsumeResponseData) ([]byte, error) {
	return json.Marshal(ConsumeResponseEvent{Type: TypeConsumeResponse, Data: data})
}

// NewProducerClosed builds a producer-closed frame.
func NewProducerClosed(producerID, participantID string) ([]byte, error) {
	return json.Marshal(ProducerClosedEvent{
		Type: TypeProducerClosed,
		Data: ProducerClosedData{ProducerID: producerID, ParticipantID: participantID},
	})
}

// NewDisconnect builds a disconnect frame.
func NewDisconnect(participantID string) ([]byte, error) {
	return json.Marshal(DisconnectEvent{Type: TypeDisconnect, ParticipantID: participantID})
}

// NewNicknameChange builds a nickname-change frame.
func NewNicknameChange(data NicknameChangeData) ([]byte, error) {
	return json.Marshal(NicknameChangeEvent{Type: TypeNicknameChange, Data: data})
}

// NewParticipantKilled builds a participant-killed frame.
func NewParticipantKilled(participantID string, killed bool) ([]byte, error) {
	return json.Marshal(ParticipantKilledEvent{
		Type: TypeParticipantKilled,
		Data: ParticipantKilledData{ParticipantID: participantID, Killed: killed},
	})
}

// NewPong builds a pong frame.
func NewPong() ([]byte, error) {
	return json.Marshal(PongEvent{Type: TypePong})
}

// NewError builds an error frame.
func NewError(message string) ([]byte, error) {
	return json.Marshal(ErrorEvent{Type: TypeError, Error: message})
}
