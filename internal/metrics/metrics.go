package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality: no device, report or request ids as labels.
// Object labels come from the bounded class table.

var (
	// InferenceLatency tracks per-frame model latency by backend.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inventory_inference_latency_ms",
			Help:    "Per-frame inference latency in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 500, 1000, 2000},
		},
		[]string{"backend"},
	)

	FramesDecodedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_frames_decoded_total",
			Help: "Video frames decoded",
		},
	)

	FramesSampledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_frames_sampled_total",
			Help: "Frames kept by the sampler and sent to the detector",
		},
	)

	// ObjectsCountedTotal counts objects reported, by class label.
	ObjectsCountedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_objects_counted_total",
			Help: "Objects reported in count results",
		},
		[]string{"label"},
	)

	CountRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_count_requests_total",
			Help: "Count requests by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	CountDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inventory_count_duration_seconds",
			Help:    "End-to-end count duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"mode"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inventory_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RateLimitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_ratelimit_total",
			Help: "Rate limit decisions by scope and result",
		},
		[]string{"scope", "result"},
	)

	RateLimitRedisErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_ratelimit_redis_errors_total",
			Help: "Redis failures seen by the rate limiter",
		},
	)

	ReportSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_report_sink_errors_total",
			Help: "Failures writing a report to a sink",
		},
		[]string{"sink"},
	)

	LiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inventory_live_clients",
			Help: "Connected report feed websocket clients",
		},
	)

	// DetectorUp is 1 when a model backend is loaded.
	DetectorUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inventory_detector_up",
			Help: "Detector health status (1=up, 0=down)",
		},
	)
)

// Helper functions for metrics recording

func RecordInferenceLatency(backend string, d time.Duration) {
	InferenceLatency.WithLabelValues(backend).Observe(float64(d.Microseconds()) / 1000)
}

func RecordFrames(decoded, sampled int) {
	FramesDecodedTotal.Add(float64(decoded))
	FramesSampledTotal.Add(float64(sampled))
}

func RecordCounts(counts map[string]int) {
	for label, n := range counts {
		ObjectsCountedTotal.WithLabelValues(label).Add(float64(n))
	}
}

func RecordCountRequest(mode, outcome string, d time.Duration) {
	CountRequestsTotal.WithLabelValues(mode, outcome).Inc()
	CountDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func RecordRateLimit(scope, result string) {
	RateLimitTotal.WithLabelValues(scope, result).Inc()
}

func RecordRedisError() {
	RateLimitRedisErrorsTotal.Inc()
}

func RecordSinkError(sink string) {
	ReportSinkErrorsTotal.WithLabelValues(sink).Inc()
}

func SetDetectorUp(up bool) {
	if up {
		DetectorUp.Set(1)
	} else {
		DetectorUp.Set(0)
	}
}
