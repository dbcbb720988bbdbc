package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling and media-routing core.
//
// Naming convention: namespace_subsystem_name
// - namespace: huddle (application-level grouping)
// - subsystem: session, room, sfu (feature-level grouping)
// - name: specific metric (sessions_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (sessions, rooms, media objects)
// - Counter: Cumulative events (messages processed, drops, keyframe requests)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveSessions tracks the current number of live signaling sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of active signaling sessions",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// SignalingEvents tracks the total number of signaling frames processed
	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Total signaling events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent handling signaling frames
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "huddle",
		Subsystem: "session",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing signaling messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// DroppedMessages counts outbound frames dropped because a session's
	// send buffer was full or the session was gone
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "session",
		Name:      "dropped_messages_total",
		Help:      "Outbound frames dropped due to unwritable sessions",
	})

	// RateLimitedConnections counts websocket upgrades rejected by the
	// per-IP admission limiter
	RateLimitedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "session",
		Name:      "rate_limited_total",
		Help:      "Websocket connections rejected by the admission rate limiter",
	})

	// ActiveTransports tracks WebRTC transports held by the media engine
	ActiveTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "transports_active",
		Help:      "Current number of WebRTC transports",
	})

	// ActiveProducers tracks producers held by the media engine
	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "producers_active",
		Help:      "Current number of producers",
	})

	// ActiveConsumers tracks consumers held by the media engine
	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "consumers_active",
		Help:      "Current number of consumers",
	})

	// KeyframeRequests counts PLI packets relayed upstream to producers
	KeyframeRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "keyframe_requests_total",
		Help:      "Total PLI keyframe requests relayed to producers",
	})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
