package types

import (
	"context"
	"encoding/json"

	"github.com/huddlelabs/huddle/internal/v1/protocol"
)

// --- Core Domain Types ---

// ParticipantIDType is the server-assigned opaque identity of one session.
type ParticipantIDType string

// RoomIDType is the client-chosen identifier of a conference room.
type RoomIDType string

// MediaKindType is the media kind of a producer or consumer.
type MediaKindType string

// SessionStateType tracks a session through its lifecycle.
type SessionStateType string

// DefaultRoomID is the room every join without a roomId lands in. It exists
// from process start and is never reaped.
const DefaultRoomID RoomIDType = "default-room"

const (
	MediaKindAudio MediaKindType = "audio"
	MediaKindVideo MediaKindType = "video"
)

// Valid reports whether the kind is one the protocol defines.
func (k MediaKindType) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// Session lifecycle. A session enters Opened at accept time, moves to
// Joining on the first join (transports allocated, welcome sent), to Active
// once the second join registers its capabilities, and through Closing to
// Closed on leave, disconnect or forced termination.
const (
	SessionStateOpened  SessionStateType = "opened"
	SessionStateJoining SessionStateType = "joining"
	SessionStateActive  SessionStateType = "active"
	SessionStateClosing SessionStateType = "closing"
	SessionStateClosed  SessionStateType = "closed"
)

// TransportInfo is the facade's handle for one WebRTC transport: the id the
// signaling plane keys on, plus the rendered ICE/DTLS options blob handed to
// the client. The blob is opaque to everything outside the facade.
type TransportInfo struct {
	ID      string
	Options json.RawMessage
}

// ConsumerInfo is the facade's answer to a consume call.
type ConsumerInfo struct {
	ConsumerID    string
	ProducerID    string
	Kind          MediaKindType
	RTPParameters json.RawMessage
}

// --- Shared Interfaces ---

// SFUProvider is the media-plane facade the coordinator drives. All methods
// may block on the engine's worker queue; implementations must be safe for
// concurrent use. Fatal exposes unrecoverable engine failures (worker death)
// so the process can fail stop.
type SFUProvider interface {
	Init(ctx context.Context) error
	RouterRTPCapabilities() json.RawMessage
	CreateSendTransport(ctx context.Context, pid ParticipantIDType) (*TransportInfo, error)
	CreateRecvTransport(ctx context.Context, pid ParticipantIDType) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, transportID string, kind MediaKindType, rtpParameters json.RawMessage) (string, error)
	Consume(ctx context.Context, pid ParticipantIDType, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)
	CloseProducer(ctx context.Context, producerID string) error
	RemoveParticipant(ctx context.Context, pid ParticipantIDType) error
	Shutdown(ctx context.Context) error
	Fatal() <-chan error
}

// ClientInterface is the behavior the room package needs from a websocket
// session, kept here so room does not depend on transport.
type ClientInterface interface {
	GetID() ParticipantIDType
	GetState() SessionStateType
	SetState(SessionStateType)
	Room() Roomer
	SetRoom(Roomer)
	SendRaw(data []byte)
	Disconnect()
}

// Roomer is the behavior a session needs from the room it joined.
type Roomer interface {
	GetID() RoomIDType
	Router(ctx context.Context, client ClientInterface, msg *protocol.ClientMessage)
	HandleClientDisconnect(client ClientInterface)
}
