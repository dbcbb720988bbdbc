package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/metrics"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

// keyframeInterval floors the gap between upstream PLI requests per
// producer, however many consumers are asking.
const keyframeInterval = 500 * time.Millisecond

// producer owns one inbound media stream: the RTP receiver it arrives on,
// the pump goroutine that fans packets out, and the set of consumers
// subscribed to it.
//
// Produce is answered before the transport handshake finishes, so the
// pump binds the receiver only once the transport reports ready. Until
// then the producer exists, can be consumed, and simply carries no
// packets.
type producer struct {
	id        string
	pid       types.ParticipantIDType
	kind      types.MediaKindType
	codec     codecCapability
	ssrc      webrtc.SSRC
	receiver  *webrtc.RTPReceiver
	transport *transport

	pliLimiter *rate.Limiter

	mu          sync.Mutex
	subscribers map[string]*consumer
	closed      bool

	stop     chan struct{}
	pumpDone chan struct{}
}

func newProducer(id string, pid types.ParticipantIDType, kind types.MediaKindType, codec codecCapability, ssrc webrtc.SSRC, receiver *webrtc.RTPReceiver, t *transport) *producer {
	p := &producer{
		id:          id,
		pid:         pid,
		kind:        kind,
		codec:       codec,
		ssrc:        ssrc,
		receiver:    receiver,
		transport:   t,
		pliLimiter:  rate.NewLimiter(rate.Every(keyframeInterval), 1),
		subscribers: make(map[string]*consumer),
		stop:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
	}
	go p.forward()
	return p
}

func (p *producer) forward() {
	defer close(p.pumpDone)

	select {
	case <-p.transport.ready:
	case <-p.stop:
		return
	}

	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: p.ssrc}},
		},
	})
	if err != nil {
		logging.Warn(logging.WithParticipant(context.Background(), string(p.pid)),
			"producer receive failed",
			zap.String("producer_id", p.id), zap.Error(err))
		return
	}

	track := p.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.fanOut(pkt)
	}
}

// fanOut writes one packet to every subscribed consumer. Each consumer
// gets its own shallow clone so interceptor header rewrites do not bleed
// across tracks. A consumer whose track reports a closed pipe is dropped
// from the set; the engine tears the rest of it down.
func (p *producer) fanOut(pkt *rtp.Packet) {
	var stale []string

	p.mu.Lock()
	for id, c := range p.subscribers {
		clone := *pkt
		if err := c.track.WriteRTP(&clone); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				stale = append(stale, id)
			}
		}
	}
	for _, id := range stale {
		delete(p.subscribers, id)
	}
	p.mu.Unlock()
}

// subscribe adds a consumer to the fan-out set. Returns false if the
// producer already closed; the caller must then discard the consumer.
func (p *producer) subscribe(c *consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.subscribers[c.id] = c
	return true
}

func (p *producer) unsubscribe(consumerID string) {
	p.mu.Lock()
	delete(p.subscribers, consumerID)
	p.mu.Unlock()
}

func (p *producer) snapshotSubscribers() []*consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := make([]*consumer, 0, len(p.subscribers))
	for _, c := range p.subscribers {
		subs = append(subs, c)
	}
	return subs
}

// requestKeyFrame relays a PLI upstream to the producing client, rate
// limited so a burst of joining consumers costs one keyframe, not one
// per consumer.
func (p *producer) requestKeyFrame(ctx context.Context) {
	if p.kind != types.MediaKindVideo {
		return
	}
	if !p.pliLimiter.Allow() {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(p.ssrc)}
	if err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		logging.Warn(ctx, "keyframe request failed",
			zap.String("producer_id", p.id), zap.Error(err))
		return
	}
	metrics.KeyframeRequests.Inc()
}

// close stops the receiver and waits for the pump to drain. Idempotent.
// Consumers subscribed to this producer are closed by the engine, not
// here.
func (p *producer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.subscribers = make(map[string]*consumer)
	p.mu.Unlock()

	close(p.stop)
	_ = p.receiver.Stop()
	<-p.pumpDone
}
