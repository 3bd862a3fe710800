// Package telemetry holds the Prometheus collectors and the OpenTelemetry
// tracer shared by the sender and the receiver.
//
// Every method on *Metrics is safe to call on a nil receiver, so components
// can record unconditionally and callers opt in by passing a non-nil value.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "deltacast").
	Namespace string

	// Subsystem is the metrics subsystem, typically "sender" or "receiver".
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for frame processing time.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "deltacast",
		Buckets:   []float64{.001, .0025, .005, .01, .016, .025, .05, .1, .25},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics is the set of collectors for one endpoint.
type Metrics struct {
	framesTotal    *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	frameDuration  prometheus.Histogram
	frameRegions   prometheus.Histogram
	payloadBytes   prometheus.Counter
	datagramsSent  prometheus.Counter
	sendErrors     prometheus.Counter
	syncsTotal     prometheus.Counter
	activePeers    prometheus.Gauge
	peerEvents     *prometheus.CounterVec
	captureErrors  *prometheus.CounterVec
	fragmentEvents *prometheus.CounterVec
}

// NewMetrics registers the collectors and returns them.
// Registering twice on the same registry panics, as promauto does.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Frames processed, by kind (delta, full, sync)",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_dropped_total",
			Help:        "Frames dropped, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		frameDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frame_duration_seconds",
			Help:        "Time to encode (sender) or reconstruct (receiver) one frame",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		frameRegions: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frame_regions",
			Help:        "Dirty regions per frame",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),

		payloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "payload_bytes_total",
			Help:        "Encoded frame bytes produced or consumed",
			ConstLabels: config.ConstLabels,
		}),

		datagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "datagrams_sent_total",
			Help:        "Datagrams handed to the network",
			ConstLabels: config.ConstLabels,
		}),

		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "send_errors_total",
			Help:        "Per-peer datagram send failures",
			ConstLabels: config.ConstLabels,
		}),

		syncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "syncs_total",
			Help:        "Full-frame syncs delivered over the reliable stream",
			ConstLabels: config.ConstLabels,
		}),

		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_peers",
			Help:        "Peers currently receiving frames",
			ConstLabels: config.ConstLabels,
		}),

		peerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "peer_events_total",
			Help:        "Peer lifecycle events (connect, disconnect, timeout, rejected)",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		captureErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "capture_errors_total",
			Help:        "Capture failures, by kind (failed, device_lost)",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		fragmentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "fragment_events_total",
			Help:        "Reassembly outcomes by event label, including presync discards",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),
	}
}

// ObserveFrame records one processed frame.
func (m *Metrics) ObserveFrame(kind string, regions, bytes int, took time.Duration) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind).Inc()
	m.frameRegions.Observe(float64(regions))
	m.payloadBytes.Add(float64(bytes))
	m.frameDuration.Observe(took.Seconds())
}

// FrameDropped records a frame that was not delivered or not applied.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// DatagramsSent records n datagrams handed to the network.
func (m *Metrics) DatagramsSent(n int) {
	if m == nil {
		return
	}
	m.datagramsSent.Add(float64(n))
}

// SendError records one failed datagram send.
func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

// SyncSent records one reliable sync delivery.
func (m *Metrics) SyncSent() {
	if m == nil {
		return
	}
	m.syncsTotal.Inc()
}

// SetPeers sets the active peer gauge.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
}

// PeerEvent records a peer lifecycle event.
func (m *Metrics) PeerEvent(event string) {
	if m == nil {
		return
	}
	m.peerEvents.WithLabelValues(event).Inc()
}

// CaptureError records a capture failure.
func (m *Metrics) CaptureError(kind string) {
	if m == nil {
		return
	}
	m.captureErrors.WithLabelValues(kind).Inc()
}

// FragmentEvent records a reassembly outcome.
func (m *Metrics) FragmentEvent(event string) {
	if m == nil {
		return
	}
	m.fragmentEvents.WithLabelValues(event).Inc()
}
