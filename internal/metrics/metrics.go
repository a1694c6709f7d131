// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Frame counters
	FramesProcessed atomic.Uint64
	FramesMissed    atomic.Uint64

	// Error counters
	ReadErrors        atomic.Uint64
	DetectionErrors   atomic.Uint64
	AggregationErrors atomic.Uint64

	// Session state
	SessionsStarted atomic.Uint64
	StreamRunning   atomic.Uint64 // 0 = stopped, 1 = running
	LiveClients     atomic.Int64

	measuredFPS atomic.Uint64 // math.Float64bits

	intervals      *prometheus.CounterVec
	detectLatency  prometheus.Histogram
	objectsInFrame prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}

	counter("visionedge_frames_processed_total", "Frames read and run through detection", &m.FramesProcessed)
	counter("visionedge_frames_missed_total", "Reads that yielded no frame", &m.FramesMissed)
	counter("visionedge_read_errors_total", "Frame read failures other than a missing frame", &m.ReadErrors)
	counter("visionedge_detection_errors_total", "Detection engine failures", &m.DetectionErrors)
	counter("visionedge_aggregation_errors_total", "Events rejected by the interval aggregator", &m.AggregationErrors)
	counter("visionedge_sessions_started_total", "Detection sessions started", &m.SessionsStarted)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "visionedge_stream_running",
			Help: "Stream running (0=stopped, 1=running)",
		},
		func() float64 { return float64(m.StreamRunning.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "visionedge_live_clients",
			Help: "Connected live status and video clients",
		},
		func() float64 { return float64(m.LiveClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "visionedge_measured_fps",
			Help: "Frames processed per second since the stream started",
		},
		m.MeasuredFPS,
	))

	m.intervals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionedge_intervals_total",
			Help: "Presence intervals emitted, by class",
		},
		[]string{"class"},
	)
	m.detectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "visionedge_detect_seconds",
		Help:    "Time spent reading and detecting one frame",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
	m.objectsInFrame = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visionedge_objects_in_frame",
		Help: "Detections in the most recent frame",
	})

	m.registry.MustRegister(m.intervals, m.detectLatency, m.objectsInFrame)
}

// ObserveFrame records one processed frame.
func (m *Metrics) ObserveFrame(latency time.Duration, objects int) {
	m.FramesProcessed.Add(1)
	m.detectLatency.Observe(latency.Seconds())
	m.objectsInFrame.Set(float64(objects))
}

// ObserveInterval records an emitted presence interval.
func (m *Metrics) ObserveInterval(class string) {
	m.intervals.WithLabelValues(class).Inc()
}

// SetMeasuredFPS stores the latest throughput figure.
func (m *Metrics) SetMeasuredFPS(fps float64) {
	m.measuredFPS.Store(math.Float64bits(fps))
}

// MeasuredFPS returns the latest throughput figure.
func (m *Metrics) MeasuredFPS() float64 {
	return math.Float64frombits(m.measuredFPS.Load())
}

// SetRunning updates the stream running gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.StreamRunning.Store(1)
		return
	}
	m.StreamRunning.Store(0)
	m.objectsInFrame.Set(0)
	m.SetMeasuredFPS(0)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
