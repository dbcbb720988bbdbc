// Package sfu is the media plane of the signaling service: a selective
// forwarding unit built on pion's ORTC API. Each participant gets at most
// one send and one receive transport; inbound streams become producers,
// outbound copies become consumers, and a fixed pool of workers serializes
// the blocking setup work per participant.
//
// The engine is the only package that interprets the RTP blobs carried
// opaquely through signaling. Everything above it deals in
// json.RawMessage.
package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/metrics"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

// Options carries the network shape of the engine. Zero port bounds leave
// UDP port selection to the OS.
type Options struct {
	MinPort     uint16
	MaxPort     uint16
	AnnouncedIP string
}

// slot is the engine's per-participant bookkeeping: the worker its
// blocking setup work is pinned to, its transports and the consumers
// delivering media to it.
type slot struct {
	pid       types.ParticipantIDType
	worker    *worker
	send      *transport
	recv      *transport
	recvInfo  *types.TransportInfo
	consumers map[string]*consumer
}

// Engine implements types.SFUProvider on a shared pion API instance.
type Engine struct {
	opts   Options
	api    *webrtc.API
	router *router

	workers []*worker
	eg      *errgroup.Group
	fatal   chan error

	mu          sync.RWMutex
	slots       map[types.ParticipantIDType]*slot
	producers   map[string]*producer
	nextWorker  int
	initialized bool
	closed      bool
}

var _ types.SFUProvider = (*Engine)(nil)

func New(opts Options) *Engine {
	return &Engine{
		opts:      opts,
		fatal:     make(chan error, 1),
		slots:     make(map[types.ParticipantIDType]*slot),
		producers: make(map[string]*producer),
	}
}

// Init builds the codec table, the shared pion API and the worker pool.
// An error here means the process cannot serve media and should exit.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrShutdown
	}
	if e.initialized {
		return nil
	}

	r, err := newRouter()
	if err != nil {
		return fmt.Errorf("sfu: build router: %w", err)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := r.registerTo(mediaEngine); err != nil {
		return fmt.Errorf("sfu: register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("sfu: register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetLite(true)
	if e.opts.MinPort != 0 || e.opts.MaxPort != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.opts.MinPort, e.opts.MaxPort); err != nil {
			return fmt.Errorf("sfu: udp port range %d-%d: %w", e.opts.MinPort, e.opts.MaxPort, err)
		}
	}
	if e.opts.AnnouncedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{e.opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	e.router = r
	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	n := poolSize()
	e.eg = &errgroup.Group{}
	for i := 0; i < n; i++ {
		w := newWorker(i)
		e.workers = append(e.workers, w)
		e.eg.Go(func() error {
			err := w.loop()
			if err != nil {
				// Report the first death immediately; Wait only returns
				// once every worker has stopped.
				select {
				case e.fatal <- err:
				default:
				}
			}
			return err
		})
	}

	e.initialized = true

	logging.Info(ctx, "sfu engine initialized",
		zap.Int("workers", n),
		zap.Uint16("min_port", e.opts.MinPort),
		zap.Uint16("max_port", e.opts.MaxPort),
		zap.String("announced_ip", e.opts.AnnouncedIP))
	return nil
}

// Fatal reports unrecoverable engine failure, currently a died worker.
// The supervisor is expected to log and exit; no restart is attempted.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

// Ready reports whether the engine can take participants.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized && !e.closed
}

// RouterRTPCapabilities returns the advertised codec table. Nil before
// Init.
func (e *Engine) RouterRTPCapabilities() json.RawMessage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.router == nil {
		return nil
	}
	return e.router.capabilities
}

func (e *Engine) ensureRunning() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrShutdown
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

// getOrCreateSlot pins a new participant to the next worker round robin.
func (e *Engine) getOrCreateSlot(pid types.ParticipantIDType) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.slots[pid]; ok {
		return s
	}
	w := e.workers[e.nextWorker%len(e.workers)]
	e.nextWorker++
	s := &slot{pid: pid, worker: w, consumers: make(map[string]*consumer)}
	e.slots[pid] = s
	return s
}

// findTransport scans the per-participant slots for a transport id. The
// slot count is the participant count; a linear scan is fine.
func (e *Engine) findTransport(transportID string) (*slot, *transport) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.slots {
		if s.send != nil && s.send.id == transportID {
			return s, s.send
		}
		if s.recv != nil && s.recv.id == transportID {
			return s, s.recv
		}
	}
	return nil, nil
}

// CreateSendTransport builds the participant's uplink transport. At most
// one per participant; a second call is a protocol error upstream.
func (e *Engine) CreateSendTransport(ctx context.Context, pid types.ParticipantIDType) (*types.TransportInfo, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	s := e.getOrCreateSlot(pid)

	var info *types.TransportInfo
	err := s.worker.perform(ctx, func() error {
		e.mu.RLock()
		exists := s.send != nil
		e.mu.RUnlock()
		if exists {
			return ErrTransportExists
		}

		t, err := newTransport(e.api, pid, directionSend)
		if err != nil {
			return err
		}

		e.mu.Lock()
		if e.closed || e.slots[pid] != s {
			e.mu.Unlock()
			t.close()
			return ErrShutdown
		}
		s.send = t
		e.mu.Unlock()

		metrics.ActiveTransports.Inc()
		info = &types.TransportInfo{ID: t.id, Options: t.options}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info(logging.WithParticipant(ctx, string(pid)), "send transport created",
		zap.String("transport_id", info.ID))
	return info, nil
}

// CreateRecvTransport builds the participant's downlink transport, or
// returns the existing one. Consume requests race here when several
// producers are replayed at join; first caller wins, the rest reuse.
func (e *Engine) CreateRecvTransport(ctx context.Context, pid types.ParticipantIDType) (*types.TransportInfo, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	s := e.getOrCreateSlot(pid)

	var info *types.TransportInfo
	err := s.worker.perform(ctx, func() error {
		e.mu.RLock()
		existing := s.recvInfo
		e.mu.RUnlock()
		if existing != nil {
			info = existing
			return nil
		}

		t, err := newTransport(e.api, pid, directionRecv)
		if err != nil {
			return err
		}

		created := &types.TransportInfo{ID: t.id, Options: t.options}
		e.mu.Lock()
		if e.closed || e.slots[pid] != s {
			e.mu.Unlock()
			t.close()
			return ErrShutdown
		}
		s.recv = t
		s.recvInfo = created
		e.mu.Unlock()

		metrics.ActiveTransports.Inc()
		info = created
		logging.Info(logging.WithParticipant(ctx, string(pid)), "recv transport created",
			zap.String("transport_id", t.id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ConnectTransport feeds the client's handshake parameters to the matching
// transport. The blob stays opaque to signaling; this is where it gets a
// shape.
func (e *Engine) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}
	params, err := parseRemoteConnectParameters(dtlsParameters)
	if err != nil {
		return err
	}
	s, t := e.findTransport(transportID)
	if t == nil {
		return ErrTransportNotFound
	}
	return s.worker.perform(ctx, func() error {
		return t.connect(params)
	})
}

// Produce turns the participant's uplink stream described by rtpParameters
// into a producer and returns its globally unique id.
func (e *Engine) Produce(ctx context.Context, transportID string, kind types.MediaKindType, rtpParameters json.RawMessage) (string, error) {
	if err := e.ensureRunning(); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", ErrUnsupportedKind
	}
	params, err := parseRTPParameters(rtpParameters)
	if err != nil {
		return "", err
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return "", fmt.Errorf("sfu: produce on %s: missing ssrc", transportID)
	}

	s, t := e.findTransport(transportID)
	if t == nil || t.direction != directionSend {
		return "", ErrTransportNotFound
	}

	var producerID string
	err = s.worker.perform(ctx, func() error {
		if !t.isStarted() {
			return ErrTransportNotConnected
		}

		codec, err := e.router.selectCodec(kind, params)
		if err != nil {
			return err
		}

		codecType := webrtc.RTPCodecTypeVideo
		if kind == types.MediaKindAudio {
			codecType = webrtc.RTPCodecTypeAudio
		}
		receiver, err := e.api.NewRTPReceiver(codecType, t.dtls)
		if err != nil {
			return fmt.Errorf("sfu: create receiver: %w", err)
		}

		ssrc := webrtc.SSRC(params.Encodings[0].SSRC)
		p := newProducer(uuid.NewString(), s.pid, kind, codec, ssrc, receiver, t)

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			p.close()
			return ErrShutdown
		}
		e.producers[p.id] = p
		e.mu.Unlock()

		metrics.ActiveProducers.Inc()
		producerID = p.id

		logging.Info(logging.WithParticipant(ctx, string(s.pid)), "producer created",
			zap.String("producer_id", p.id),
			zap.String("kind", string(kind)),
			zap.String("codec", codec.MimeType),
			zap.Uint32("ssrc", uint32(ssrc)))
		return nil
	})
	if err != nil {
		return "", err
	}
	return producerID, nil
}

// Consume subscribes pid to an existing producer over its receive
// transport. The transport must exist already; signaling creates it before
// asking.
func (e *Engine) Consume(ctx context.Context, pid types.ParticipantIDType, producerID string, rtpCapabilities json.RawMessage) (*types.ConsumerInfo, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	caps, err := parseRTPCapabilities(rtpCapabilities)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	s := e.slots[pid]
	p := e.producers[producerID]
	e.mu.RUnlock()
	if s == nil || s.recv == nil {
		return nil, ErrNoRecvTransport
	}
	if p == nil {
		return nil, ErrProducerNotFound
	}
	if !e.router.canConsume(p.codec, caps) {
		return nil, ErrCannotConsume
	}

	var out *types.ConsumerInfo
	err = s.worker.perform(ctx, func() error {
		feedback := make([]webrtc.RTCPFeedback, 0, len(p.codec.RTCPFeedback))
		for _, fb := range p.codec.RTCPFeedback {
			feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}

		consumerID := uuid.NewString()
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:     p.codec.MimeType,
			ClockRate:    p.codec.ClockRate,
			Channels:     p.codec.Channels,
			SDPFmtpLine:  p.codec.SDPFmtpLine,
			RTCPFeedback: feedback,
		}, consumerID, string(p.pid))
		if err != nil {
			return fmt.Errorf("sfu: create track: %w", err)
		}

		sender, err := e.api.NewRTPSender(track, s.recv.dtls)
		if err != nil {
			return fmt.Errorf("sfu: create sender: %w", err)
		}

		sendParams := sender.GetParameters()
		if len(sendParams.Encodings) == 0 {
			_ = sender.Stop()
			return fmt.Errorf("sfu: sender has no encodings")
		}

		rtpParams, err := e.router.consumerRTPParameters(p.codec, uint32(sendParams.Encodings[0].SSRC))
		if err != nil {
			_ = sender.Stop()
			return err
		}

		c := newConsumer(consumerID, pid, p, track, sender, sendParams, s.recv)

		e.mu.Lock()
		if e.closed || e.slots[pid] != s || e.producers[producerID] != p {
			e.mu.Unlock()
			c.close()
			return ErrProducerNotFound
		}
		s.consumers[c.id] = c
		e.mu.Unlock()

		if !p.subscribe(c) {
			e.mu.Lock()
			delete(s.consumers, c.id)
			e.mu.Unlock()
			c.close()
			return ErrProducerNotFound
		}
		metrics.ActiveConsumers.Inc()

		out = &types.ConsumerInfo{
			ConsumerID:    c.id,
			ProducerID:    p.id,
			Kind:          p.kind,
			RTPParameters: rtpParams,
		}

		logging.Info(logging.WithParticipant(ctx, string(pid)), "consumer created",
			zap.String("consumer_id", c.id),
			zap.String("producer_id", p.id),
			zap.String("kind", string(p.kind)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// detachProducerLocked removes a producer and its downstream consumers
// from the engine maps and returns the consumers to close. Caller holds
// e.mu.
func (e *Engine) detachProducerLocked(p *producer) []*consumer {
	delete(e.producers, p.id)
	subs := p.snapshotSubscribers()
	for _, c := range subs {
		if s, ok := e.slots[c.pid]; ok {
			delete(s.consumers, c.id)
		}
	}
	return subs
}

// CloseProducer tears a producer down along with every consumer fed by
// it. Closing an unknown producer is a no-op; disconnect cleanup races
// with explicit closes.
func (e *Engine) CloseProducer(ctx context.Context, producerID string) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}

	e.mu.Lock()
	p, ok := e.producers[producerID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	subs := e.detachProducerLocked(p)
	e.mu.Unlock()

	for _, c := range subs {
		c.close()
		metrics.ActiveConsumers.Dec()
	}
	p.close()
	metrics.ActiveProducers.Dec()

	logging.Info(logging.WithParticipant(ctx, string(p.pid)), "producer closed",
		zap.String("producer_id", producerID),
		zap.Int("consumers_closed", len(subs)))
	return nil
}

// RemoveParticipant releases everything pid holds: its producers and their
// downstream consumers, its own consumers, and both transports. Unknown
// participants are a no-op.
func (e *Engine) RemoveParticipant(ctx context.Context, pid types.ParticipantIDType) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}

	e.mu.Lock()
	s, ok := e.slots[pid]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.slots, pid)

	closing := make(map[string]*consumer, len(s.consumers))
	for id, c := range s.consumers {
		closing[id] = c
	}

	var owned []*producer
	for _, p := range e.producers {
		if p.pid == pid {
			owned = append(owned, p)
		}
	}
	for _, p := range owned {
		for _, c := range e.detachProducerLocked(p) {
			closing[c.id] = c
		}
	}
	e.mu.Unlock()

	for _, c := range closing {
		c.close()
		metrics.ActiveConsumers.Dec()
	}
	for _, p := range owned {
		p.close()
		metrics.ActiveProducers.Dec()
	}
	if s.send != nil {
		s.send.close()
		metrics.ActiveTransports.Dec()
	}
	if s.recv != nil {
		s.recv.close()
		metrics.ActiveTransports.Dec()
	}

	logging.Info(logging.WithParticipant(ctx, string(pid)), "participant removed from sfu",
		zap.Int("producers_closed", len(owned)),
		zap.Int("consumers_closed", len(closing)))
	return nil
}

// Shutdown closes every participant's media state, stops the workers and
// waits for them to drain, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	slots := e.slots
	producers := e.producers
	e.slots = make(map[types.ParticipantIDType]*slot)
	e.producers = make(map[string]*producer)
	e.mu.Unlock()

	for _, p := range producers {
		p.close()
		metrics.ActiveProducers.Dec()
	}
	for _, s := range slots {
		for _, c := range s.consumers {
			c.close()
			metrics.ActiveConsumers.Dec()
		}
		if s.send != nil {
			s.send.close()
			metrics.ActiveTransports.Dec()
		}
		if s.recv != nil {
			s.recv.close()
			metrics.ActiveTransports.Dec()
		}
	}

	for _, w := range e.workers {
		w.close()
	}

	if e.eg == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = e.eg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info(ctx, "sfu engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
