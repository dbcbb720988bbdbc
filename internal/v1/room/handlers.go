package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/protocol"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

// handleJoin runs the two-phase join handshake. The first join (no
// capabilities) admits the participant and answers with a welcome; the
// second join (capabilities present) activates it and replays the producers
// it missed. Phase is session state, not a separate message type.
func (r *Room) handleJoin(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	// A joined participant cannot switch rooms in place; it must leave first.
	if client.GetState() != types.SessionStateOpened &&
		msg.RoomID != "" && types.RoomIDType(msg.RoomID) != r.ID {
		countEvent(protocol.TypeJoin, statusError)
		r.sendError(ctx, client, "Already in a room")
		return
	}

	switch client.GetState() {
	case types.SessionStateOpened:
		if msg.HasCapabilities() {
			countEvent(protocol.TypeJoin, statusError)
			r.sendError(ctx, client, "Join with rtpCapabilities before welcome")
			return
		}
		r.admitParticipant(ctx, client)
	case types.SessionStateJoining:
		if !msg.HasCapabilities() {
			countEvent(protocol.TypeJoin, statusError)
			r.sendError(ctx, client, "Already joined")
			return
		}
		r.activateParticipant(ctx, client, msg.RTPCapabilities)
	case types.SessionStateActive:
		countEvent(protocol.TypeJoin, statusError)
		r.sendError(ctx, client, "Already joined")
	default:
		// Closing or Closed: the session is on its way out.
	}
}

// admitParticipant attaches the session to the room, allocates its send
// transport and answers with the welcome. Nothing is fanned out; the rest
// of the room learns about the newcomer when it produces.
func (r *Room) admitParticipant(ctx context.Context, client types.ClientInterface) {
	pid := client.GetID()

	r.mu.Lock()
	if _, exists := r.participants[pid]; exists {
		r.mu.Unlock()
		countEvent(protocol.TypeJoin, statusError)
		r.sendError(ctx, client, "Already joined")
		return
	}
	r.participants[pid] = &participant{client: client}
	count := len(r.participants)
	r.mu.Unlock()

	client.SetRoom(r)
	client.SetState(types.SessionStateJoining)
	r.setParticipantGauge(count)

	info, err := r.sfu.CreateSendTransport(ctx, pid)
	if err != nil {
		logging.Error(ctx, "Failed to create send transport", zap.Error(err))
		r.evictAdmitted(client)
		countEvent(protocol.TypeJoin, statusError)
		r.sendError(ctx, client, "Failed to create transport: "+err.Error())
		return
	}

	welcome, err := protocol.NewWelcome(r.sfu.RouterRTPCapabilities(), info.Options)
	if err != nil {
		logging.Error(ctx, "Failed to build welcome", zap.Error(err))
		countEvent(protocol.TypeJoin, statusError)
		return
	}
	client.SendRaw(welcome)
	countEvent(protocol.TypeJoin, statusOK)
	logging.Info(ctx, "Participant joined room", zap.Int("participants", count))
}

// evictAdmitted rolls a failed admission back so the session can retry a
// join from scratch.
func (r *Room) evictAdmitted(client types.ClientInterface) {
	pid := client.GetID()

	r.mu.Lock()
	delete(r.participants, pid)
	remaining := len(r.participants)
	r.mu.Unlock()

	client.SetRoom(nil)
	client.SetState(types.SessionStateOpened)
	r.setParticipantGauge(remaining)

	if remaining == 0 && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// activateParticipant registers the newcomer's receive capabilities and
// replays every producer it missed while joining, plus the kill flag of
// each replayed owner.
func (r *Room) activateParticipant(ctx context.Context, client types.ClientInterface, caps json.RawMessage) {
	pid := client.GetID()

	r.mu.Lock()
	p, ok := r.participants[pid]
	if !ok {
		r.mu.Unlock()
		countEvent(protocol.TypeJoin, statusError)
		r.sendError(ctx, client, "Not in a room")
		return
	}
	p.rtpCapabilities = caps

	// Building the replay under the lock pins the exactly-once boundary:
	// producers created after this point reach the newcomer as ordinary
	// fan-out instead.
	var replay [][]byte
	producers := 0
	for peerID, peer := range r.participants {
		if peerID == pid || peer.producerID == "" {
			continue
		}
		frame, err := protocol.NewNewProducer(peer.producerID, string(peerID))
		if err != nil {
			logging.Error(ctx, "Failed to build new-producer frame", zap.Error(err))
			continue
		}
		replay = append(replay, frame)
		producers++
		if peer.killed {
			if killed, kerr := protocol.NewParticipantKilled(string(peerID), true); kerr == nil {
				replay = append(replay, killed)
			}
		}
	}
	r.mu.Unlock()

	client.SetState(types.SessionStateActive)
	for _, frame := range replay {
		client.SendRaw(frame)
	}
	countEvent(protocol.TypeJoin, statusOK)
	logging.Info(ctx, "Participant active", zap.Int("knownProducers", producers))
}

// handleProduce publishes the participant's media: the facade creates the
// producer, the response carries its id back to the sender, and everyone
// else learns about it through new-producer. A participant holds at most
// one producer; producing again closes and announces the previous one.
func (r *Room) handleProduce(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	pid := client.GetID()
	if client.GetState() != types.SessionStateActive {
		countEvent(protocol.TypeProduce, statusError)
		r.sendError(ctx, client, "Join not complete")
		return
	}

	producerID, err := r.sfu.Produce(ctx, msg.TransportID, types.MediaKindType(msg.Kind), msg.RTPParameters)
	if err != nil {
		logging.Error(ctx, "Produce failed",
			zap.String("transportId", msg.TransportID), zap.Error(err))
		countEvent(protocol.TypeProduce, statusError)
		r.sendError(ctx, client, "Failed to produce: "+err.Error())
		return
	}

	r.mu.Lock()
	p, ok := r.participants[pid]
	var replaced string
	if ok {
		replaced = p.producerID
		p.producerID = producerID
	}
	peers := r.activePeersLocked(pid)
	r.mu.Unlock()

	if !ok {
		// The participant left while produce was in flight.
		if cerr := r.sfu.CloseProducer(ctx, producerID); cerr != nil {
			logging.Warn(ctx, "Failed to close orphaned producer", zap.Error(cerr))
		}
		countEvent(protocol.TypeProduce, statusError)
		return
	}

	resp, err := protocol.NewProduceResponse(producerID)
	if err != nil {
		logging.Error(ctx, "Failed to build produce-response", zap.Error(err))
		countEvent(protocol.TypeProduce, statusError)
		return
	}
	client.SendRaw(resp)

	if replaced != "" {
		if cerr := r.sfu.CloseProducer(ctx, replaced); cerr != nil {
			logging.Warn(ctx, "Failed to close replaced producer",
				zap.String("producerId", replaced), zap.Error(cerr))
		}
		if frame, ferr := protocol.NewProducerClosed(replaced, string(pid)); ferr == nil {
			fanOut(peers, frame)
		}
	}

	if frame, ferr := protocol.NewNewProducer(producerID, string(pid)); ferr == nil {
		fanOut(peers, frame)
	}
	countEvent(protocol.TypeProduce, statusOK)
	logging.Info(ctx, "Producer created",
		zap.String("producerId", producerID),
		zap.String("kind", msg.Kind),
		zap.Int("notified", len(peers)))
}

// handleRequestConsume subscribes the requester to one remote producer. The
// receive transport is created lazily on the first request and reused after
// that; its options ride along in every consume-response so the client can
// connect it once.
func (r *Room) handleRequestConsume(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	pid := client.GetID()
	if client.GetState() != types.SessionStateActive {
		countEvent(protocol.TypeRequestConsume, statusError)
		r.sendError(ctx, client, "Join not complete")
		return
	}

	caps := msg.RTPCapabilities
	if len(caps) == 0 {
		r.mu.RLock()
		if p, ok := r.participants[pid]; ok {
			caps = p.rtpCapabilities
		}
		r.mu.RUnlock()
	}

	info, err := r.sfu.CreateRecvTransport(ctx, pid)
	if err != nil {
		logging.Error(ctx, "Failed to create receive transport", zap.Error(err))
		countEvent(protocol.TypeRequestConsume, statusError)
		r.sendError(ctx, client, "Failed to create transport: "+err.Error())
		return
	}

	consumed, err := r.sfu.Consume(ctx, pid, msg.ProducerID, caps)
	if err != nil {
		logging.Warn(ctx, "Consume failed",
			zap.String("producerId", msg.ProducerID), zap.Error(err))
		countEvent(protocol.TypeRequestConsume, statusError)
		r.sendError(ctx, client, "Failed to consume: "+err.Error())
		// The producer may already be gone. Tell the requester to drop its
		// tile instead of waiting on media that will never arrive.
		if frame, ferr := protocol.NewProducerClosed(msg.ProducerID, msg.ParticipantID); ferr == nil {
			client.SendRaw(frame)
		}
		return
	}

	resp, err := protocol.NewConsumeResponse(protocol.ConsumeResponseData{
		ConsumerID:       consumed.ConsumerID,
		ProducerID:       consumed.ProducerID,
		Kind:             string(consumed.Kind),
		RTPParameters:    consumed.RTPParameters,
		TransportOptions: info.Options,
		ParticipantID:    msg.ParticipantID,
	})
	if err != nil {
		logging.Error(ctx, "Failed to build consume-response", zap.Error(err))
		countEvent(protocol.TypeRequestConsume, statusError)
		return
	}
	client.SendRaw(resp)
	countEvent(protocol.TypeRequestConsume, statusOK)
	logging.Info(ctx, "Consumer created",
		zap.String("consumerId", consumed.ConsumerID),
		zap.String("producerId", consumed.ProducerID))
}

// handleLeave tears the participant down and ends the session. Leave is not
// acknowledged; a client that wants another room reconnects and joins it.
func (r *Room) handleLeave(ctx context.Context, client types.ClientInterface) {
	r.removeParticipant(ctx, client, "leave")
	countEvent(protocol.TypeLeave, statusOK)
	client.Disconnect()
}

// handleConnectTransport passes the client's ICE/DTLS answer through to the
// facade. There is no success reply; media flowing is the acknowledgement.
func (r *Room) handleConnectTransport(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	if err := r.sfu.ConnectTransport(ctx, msg.TransportID, msg.DTLSParameters); err != nil {
		logging.Error(ctx, "Failed to connect transport",
			zap.String("transportId", msg.TransportID), zap.Error(err))
		countEvent(protocol.TypeConnectTransport, statusError)
		r.sendError(ctx, client, "Failed to connect transport: "+err.Error())
		return
	}
	countEvent(protocol.TypeConnectTransport, statusOK)
}

// handleNicknameChange relays a display-name change to the rest of the room
// and echoes it to the sender marked as the local change. Nicknames are not
// stored server-side.
func (r *Room) handleNicknameChange(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	pid := client.GetID()

	r.mu.RLock()
	_, ok := r.participants[pid]
	peers := r.activePeersLocked(pid)
	r.mu.RUnlock()
	if !ok {
		countEvent(protocol.TypeNicknameChange, statusError)
		r.sendError(ctx, client, "Not in a room")
		return
	}

	frame, err := protocol.NewNicknameChange(protocol.NicknameChangeData{
		ParticipantID: string(pid),
		Nickname:      msg.Nickname,
		PreviousName:  msg.PreviousName,
	})
	if err != nil {
		logging.Error(ctx, "Failed to build nickname-change frame", zap.Error(err))
		countEvent(protocol.TypeNicknameChange, statusError)
		return
	}
	fanOut(peers, frame)

	echo, err := protocol.NewNicknameChange(protocol.NicknameChangeData{
		ParticipantID: string(pid),
		Nickname:      msg.Nickname,
		PreviousName:  msg.PreviousName,
		IsLocalChange: true,
	})
	if err == nil {
		client.SendRaw(echo)
	}
	countEvent(protocol.TypeNicknameChange, statusOK)
}

// handleParticipantKilled records the sender's kill flag and fans it out.
// The flag is pure presence: media keeps flowing, and new joiners see it
// replayed alongside the owner's producer.
func (r *Room) handleParticipantKilled(ctx context.Context, client types.ClientInterface, msg *protocol.ClientMessage) {
	pid := client.GetID()

	r.mu.Lock()
	p, ok := r.participants[pid]
	if ok {
		p.killed = msg.Killed
	}
	peers := r.activePeersLocked(pid)
	r.mu.Unlock()
	if !ok {
		countEvent(protocol.TypeParticipantKilled, statusError)
		r.sendError(ctx, client, "Not in a room")
		return
	}

	frame, err := protocol.NewParticipantKilled(string(pid), msg.Killed)
	if err != nil {
		logging.Error(ctx, "Failed to build participant-killed frame", zap.Error(err))
		countEvent(protocol.TypeParticipantKilled, statusError)
		return
	}
	fanOut(peers, frame)
	countEvent(protocol.TypeParticipantKilled, statusOK)
	logging.Info(ctx, "Participant kill flag updated", zap.Bool("killed", msg.Killed))
}
