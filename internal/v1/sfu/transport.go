package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

type transportDirection string

const (
	directionSend transportDirection = "send"
	directionRecv transportDirection = "recv"
)

// transport bundles the ICE gatherer, ICE transport and DTLS transport of
// one direction of one participant. Candidates are gathered eagerly at
// creation so the rendered options blob is complete when the signaling
// reply goes out.
type transport struct {
	id        string
	pid       types.ParticipantIDType
	direction transportDirection

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	options json.RawMessage

	// ready is closed once the ICE and DTLS handshakes both finish.
	// Producers and consumers wait on it before binding their streams;
	// pion refuses SRTP streams on an unfinished transport.
	ready chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	handshake sync.WaitGroup
}

func newTransport(api *webrtc.API, pid types.ParticipantIDType, direction transportDirection) (*transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("sfu: create gatherer: %w", err)
	}

	ice := api.NewICETransport(gatherer)

	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: create dtls transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: gather candidates: %w", err)
	}
	<-gatherDone

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local dtls parameters: %w", err)
	}

	t := &transport{
		id:        uuid.NewString(),
		pid:       pid,
		direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
	}

	t.options, err = json.Marshal(transportOptionsJSON{
		ID: t.id,
		ICEParameters: iceParametersJSON{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			ICELite:          iceParams.ICELite,
		},
		ICECandidates:  renderICECandidates(candidates),
		DTLSParameters: renderDTLSParameters(dtlsParams),
	})
	if err != nil {
		t.close()
		return nil, fmt.Errorf("sfu: render transport options: %w", err)
	}

	return t, nil
}

// connect validates the remote parameters and kicks off the ICE and DTLS
// handshakes in the background. Signaling must not wait for connectivity;
// the client's checks complete the handshake whenever its network lets it.
// A repeat connect is a no-op.
func (t *transport) connect(params *remoteConnectParameters) error {
	ufrag := params.UsernameFragment
	pwd := params.Password
	if params.ICEParameters != nil {
		ufrag = params.ICEParameters.UsernameFragment
		pwd = params.ICEParameters.Password
	}
	if ufrag == "" || pwd == "" {
		return fmt.Errorf("sfu: connect transport %s: missing remote ice credentials", t.id)
	}
	if len(params.Fingerprints) == 0 {
		return fmt.Errorf("sfu: connect transport %s: missing remote dtls fingerprints", t.id)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportNotFound
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.handshake.Add(1)
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{UsernameFragment: ufrag, Password: pwd}

	remoteDTLS := webrtc.DTLSParameters{Role: dtlsRoleFromString(params.Role)}
	for _, f := range params.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}

	var remoteCandidates []webrtc.ICECandidate
	for _, c := range params.ICECandidates {
		remoteCandidates = append(remoteCandidates, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Port:       c.Port,
			Protocol:   webrtc.NewICEProtocol(c.Protocol),
			Typ:        webrtc.NewICECandidateType(c.Type),
		})
	}

	go t.runHandshake(remoteICE, remoteDTLS, remoteCandidates)
	return nil
}

func (t *transport) runHandshake(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters, remoteCandidates []webrtc.ICECandidate) {
	defer t.handshake.Done()

	ctx := logging.WithParticipant(context.Background(), string(t.pid))

	if len(remoteCandidates) > 0 {
		if err := t.ice.SetRemoteCandidates(remoteCandidates); err != nil {
			logging.Warn(ctx, "set remote candidates failed",
				zap.String("transport_id", t.id), zap.Error(err))
		}
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		logging.Warn(ctx, "ice start failed",
			zap.String("transport_id", t.id), zap.Error(err))
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		logging.Warn(ctx, "dtls start failed",
			zap.String("transport_id", t.id), zap.Error(err))
		return
	}

	close(t.ready)

	logging.Info(ctx, "transport connected",
		zap.String("transport_id", t.id), zap.String("direction", string(t.direction)))
}

// isStarted reports whether connect was called. Produce only needs the
// handshake to be underway, not finished; stream binding waits on ready.
func (t *transport) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// close tears the transport down and waits out a pending handshake.
// Idempotent.
func (t *transport) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()
	t.handshake.Wait()
}
