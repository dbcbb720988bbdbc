package sfu

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/types"
)

// consumer owns one outbound copy of a producer's stream: the local track
// the pump writes into, the RTP sender carrying it to the consuming
// participant, and the RTCP loop that turns downstream keyframe requests
// into upstream ones.
//
// Like produce, consume is answered before the receive transport finishes
// its handshake. The run goroutine starts the sender once the transport is
// ready; until then track writes fall into the void, which is exactly what
// an unconnected downlink should carry.
type consumer struct {
	id         string
	producerID string
	pid        types.ParticipantIDType
	kind       types.MediaKindType
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	sendParams webrtc.RTPSendParameters
	transport  *transport
	producer   *producer

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newConsumer(id string, pid types.ParticipantIDType, p *producer, track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, sendParams webrtc.RTPSendParameters, t *transport) *consumer {
	c := &consumer{
		id:         id,
		producerID: p.id,
		pid:        pid,
		kind:       p.kind,
		track:      track,
		sender:     sender,
		sendParams: sendParams,
		transport:  t,
		producer:   p,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *consumer) run() {
	defer close(c.done)

	select {
	case <-c.transport.ready:
	case <-c.stop:
		return
	}

	ctx := logging.WithParticipant(context.Background(), string(c.pid))

	if err := c.sender.Send(c.sendParams); err != nil {
		logging.Warn(ctx, "consumer send failed",
			zap.String("consumer_id", c.id), zap.Error(err))
		return
	}

	c.relayRTCP(ctx)
}

// relayRTCP drains RTCP from the consuming side and forwards keyframe
// requests to the producer. Everything else (receiver reports, TWCC) is
// consumed by the interceptor chain before it reaches us.
func (c *consumer) relayRTCP(ctx context.Context) {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame(ctx)
			}
		}
	}
}

// close detaches from the producer, stops the sender and waits for the
// RTCP loop to exit. Idempotent.
func (c *consumer) close() {
	c.closeOnce.Do(func() {
		c.producer.unsubscribe(c.id)
		close(c.stop)
		_ = c.sender.Stop()
		<-c.done
	})
}
