// Package room implements the conference coordinator: the per-room
// participant state machine, the two-phase join handshake, producer and
// consumer orchestration against the media facade, and the fan-out rules
// that keep every member's view of the room consistent.
package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/metrics"
	"github.com/huddlelabs/huddle/internal/v1/protocol"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// participant is the room's view of one joined session: the signaling
// channel plus the media bookkeeping the coordinator owns. The heavy media
// objects live behind the facade; the room holds ids only.
type participant struct {
	client          types.ClientInterface
	rtpCapabilities json.RawMessage
	producerID      string
	killed          bool
}

// active reports whether the participant completed the join handshake.
// Only active participants receive fan-outs; whatever happened while a
// participant was still joining is replayed when its capabilities register.
func (p *participant) active() bool {
	return len(p.rtpCapabilities) > 0
}

// Room coordinates one conference. It owns the participant set, drives the
// media facade on behalf of its members, and fans presence and
// media-availability events out to everyone else. All state is in memory;
// a room dies with the process.
type Room struct {
	ID types.RoomIDType

	mu           sync.RWMutex
	participants map[types.ParticipantIDType]*participant

	sfu     types.SFUProvider
	onEmpty func(types.RoomIDType)
}

// NewRoom creates an empty room. onEmptyCallback fires on its own goroutine
// whenever the last participant leaves, so the registry can schedule the
// room for reaping without holding the room's lock.
func NewRoom(id types.RoomIDType, onEmptyCallback func(types.RoomIDType), sfu types.SFUProvider) *Room {
	return &Room{
		ID:           id,
		participants: make(map[types.ParticipantIDType]*participant),
		sfu:          sfu,
		onEmpty:      onEmptyCallback,
	}
}

// GetID returns the room ID.
func (r *Room) GetID() types.RoomIDType {
	return r.ID
}

// ParticipantCount returns the number of joined participants.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// IsEmpty reports whether the room has no participants.
func (r *Room) IsEmpty() bool {
	return r.ParticipantCount() == 0
}

// Router dispatches one parsed frame to its handler. The transport calls it
// from the session's read loop, so frames of one session arrive in order and
// each handler runs to completion before the next frame is read.
func (r *Room) Router(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	ctx = logging.WithRoom(logging.WithParticipant(ctx, string(client.GetID())), string(r.ID))

	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}()

	switch msg.Type {
	case protocol.TypeJoin:
		r.handleJoin(ctx, client, msg)
	case protocol.TypeLeave:
		r.handleLeave(ctx, client)
	case protocol.TypeConnectTransport:
		r.handleConnectTransport(ctx, client, msg)
	case protocol.TypeProduce:
		r.handleProduce(ctx, client, msg)
	case protocol.TypeRequestConsume:
		r.handleRequestConsume(ctx, client, msg)
	case protocol.TypeNicknameChange:
		r.handleNicknameChange(ctx, client, msg)
	case protocol.TypeParticipantKilled:
		r.handleParticipantKilled(ctx, client, msg)
	default:
		logging.Warn(ctx, "Unknown message type", zap.String("type", msg.Type))
		countEvent(msg.Type, statusError)
		r.sendError(ctx, client, "Unknown message type: "+msg.Type)
	}
}

// HandleClientDisconnect is the transport's hook for a session that ended
// without a leave: closed socket, failed liveness probe, process shutdown.
// It runs the same cleanup as an explicit leave.
func (r *Room) HandleClientDisconnect(client types.ClientInterface) {
	ctx := logging.WithRoom(logging.WithParticipant(context.Background(), string(client.GetID())), string(r.ID))
	r.removeParticipant(ctx, client, "disconnect")
}

// Close removes and disconnects every participant. Used by the hub on
// process shutdown; ordinary rooms drain through per-session cleanup.
func (r *Room) Close(ctx context.Context) {
	r.mu.RLock()
	clients := make([]types.ClientInterface, 0, len(r.participants))
	for _, p := range r.participants {
		clients = append(clients, p.client)
	}
	r.mu.RUnlock()

	for _, client := range clients {
		r.removeParticipant(ctx, client, "shutdown")
		client.Disconnect()
	}
}

// removeParticipant runs the full departure path: close and announce the
// participant's producer, detach it from the room, announce the departure,
// then release all its media resources. Only the first call for a given
// participant does anything, so the leave and disconnect paths can overlap.
func (r *Room) removeParticipant(ctx context.Context, client types.ClientInterface, reason string) {
	pid := client.GetID()

	r.mu.Lock()
	p, ok := r.participants[pid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.participants, pid)
	producerID := p.producerID
	peers := r.activePeersLocked(pid)
	remaining := len(r.participants)
	r.mu.Unlock()

	client.SetState(types.SessionStateClosing)
	client.SetRoom(nil)

	if producerID != "" {
		if err := r.sfu.CloseProducer(ctx, producerID); err != nil {
			logging.Warn(ctx, "Failed to close producer on departure",
				zap.String("producerId", producerID), zap.Error(err))
		}
		if frame, err := protocol.NewProducerClosed(producerID, string(pid)); err == nil {
			fanOut(peers, frame)
		}
	}

	if frame, err := protocol.NewDisconnect(string(pid)); err == nil {
		fanOut(peers, frame)
	}

	if err := r.sfu.RemoveParticipant(ctx, pid); err != nil {
		logging.Warn(ctx, "Failed to release participant media state", zap.Error(err))
	}

	r.setParticipantGauge(remaining)
	logging.Info(ctx, "Participant left room",
		zap.String("reason", reason), zap.Int("remaining", remaining))

	if remaining == 0 && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// activePeersLocked snapshots every active participant except the one named.
// Caller must hold r.mu.
func (r *Room) activePeersLocked(exclude types.ParticipantIDType) []types.ClientInterface {
	peers := make([]types.ClientInterface, 0, len(r.participants))
	for pid, p := range r.participants {
		if pid == exclude || !p.active() {
			continue
		}
		peers = append(peers, p.client)
	}
	return peers
}

// fanOut sends one prebuilt frame to each peer. Delivery is best effort; an
// unwritable session drops the frame and accounts the drop itself.
func fanOut(peers []types.ClientInterface, frame []byte) {
	for _, peer := range peers {
		peer.SendRaw(frame)
	}
}

// sendError emits one error frame to the originator. Errors never fan out.
func (r *Room) sendError(ctx context.Context, client types.ClientInterface, message string) {
	frame, err := protocol.NewError(message)
	if err != nil {
		logging.Error(ctx, "Failed to build error frame", zap.Error(err))
		return
	}
	client.SendRaw(frame)
}

// setParticipantGauge mirrors the room's population into the per-room gauge,
// dropping the label series once the room drains.
func (r *Room) setParticipantGauge(count int) {
	if count > 0 {
		metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(count))
	} else {
		metrics.RoomParticipants.DeleteLabelValues(string(r.ID))
	}
}

func countEvent(eventType, status string) {
	metrics.SignalingEvents.WithLabelValues(eventType, status).Inc()
}
