package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring the watch bridge

var (
	// Link metrics
	LinkState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchbridge_link_state",
		Help: "Peer link state (0=disconnected, 1=connecting, 2=connected)",
	})

	ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchbridge_connect_attempts_total",
		Help: "Total number of peer connection attempts",
	})

	ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbridge_connect_failures_total",
		Help: "Failed peer connection attempts by reason",
	}, []string{"reason"}) // reason: dial|lease

	LinkDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchbridge_link_drops_total",
		Help: "Number of times an established peer link was lost",
	})

	// Relay metrics. direction: peer_to_local|local_to_peer
	FramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbridge_frames_relayed_total",
		Help: "Frames relayed by direction",
	}, []string{"direction"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbridge_frames_dropped_total",
		Help: "Frames dropped by direction and reason",
	}, []string{"direction", "reason"}) // reason: not_connected|write_failed|busy|delivery_failed

	FramesMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbridge_frames_malformed_total",
		Help: "Frames discarded because they were not a JSON object, by source",
	}, []string{"source"}) // source: peer|local_device|local_bus

	FrameSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watchbridge_frame_size_bytes",
		Help:    "Size of relayed frames",
		Buckets: prometheus.ExponentialBuckets(16, 4, 7),
	}, []string{"direction"})

	LinkStateUndelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchbridge_link_state_undelivered_total",
		Help: "Link-state notifications the local side did not accept",
	})

	// Local side metrics
	LocalDeviceConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchbridge_local_device_connected",
		Help: "Whether a local device is attached to the WebSocket endpoint (0/1)",
	})

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method, path, and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, path, and status",
	}, []string{"method", "path", "status"})
)

// Label values shared by the bridge and its adapters.
const (
	DirectionPeerToLocal = "peer_to_local"
	DirectionLocalToPeer = "local_to_peer"

	SourcePeer        = "peer"
	SourceLocalDevice = "local_device"
	SourceLocalBus    = "local_bus"
)
