package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveSessions)

	IncSession()
	IncSession()
	DecSession()

	after := testutil.ToFloat64(ActiveSessions)
	if after-before != 1 {
		t.Errorf("Expected ActiveSessions to grow by 1, got %v", after-before)
	}
}

func TestSignalingEventsCounter(t *testing.T) {
	SignalingEvents.WithLabelValues("join", "success").Inc()

	val := testutil.ToFloat64(SignalingEvents.WithLabelValues("join", "success"))
	if val < 1 {
		t.Errorf("Expected SignalingEvents to be at least 1, got %v", val)
	}
}

func TestRoomParticipantsGauge(t *testing.T) {
	RoomParticipants.WithLabelValues("metrics-test-room").Set(3)

	val := testutil.ToFloat64(RoomParticipants.WithLabelValues("metrics-test-room"))
	if val != 3 {
		t.Errorf("Expected 3 participants, got %v", val)
	}

	RoomParticipants.DeleteLabelValues("metrics-test-room")
}

func TestSFUGauges(t *testing.T) {
	// Incrementing and observing must not panic; promauto registers these
	// against the default registry at package load.
	ActiveTransports.Inc()
	ActiveTransports.Dec()
	ActiveProducers.Inc()
	ActiveProducers.Dec()
	ActiveConsumers.Inc()
	ActiveConsumers.Dec()
	KeyframeRequests.Inc()
	DroppedMessages.Inc()

	MessageProcessingDuration.WithLabelValues("produce").Observe(0.01)
}
