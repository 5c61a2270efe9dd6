package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/micapture/internal/capture"
)

// Outcome labels for finished recordings
const (
	OutcomeOK          = "ok"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

// Metrics contains all Prometheus metrics for the recorder
type Metrics struct {
	// Recording metrics
	RecordingsStarted      prometheus.Counter
	RecordingsFinished     *prometheus.CounterVec
	DeviceUnavailableTotal prometheus.Counter
	ActiveRecordings       prometheus.Gauge
	BytesCapturedTotal     prometheus.Counter
	RecordingDuration      prometheus.Histogram
	RecordingWallTime      prometheus.Histogram
	WAVSize                prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Recording metrics
		RecordingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "micapture_recordings_started_total",
			Help: "Total number of recordings started",
		}),
		RecordingsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "micapture_recordings_finished_total",
			Help: "Total number of recordings finalized, by outcome",
		}, []string{"outcome"}),
		DeviceUnavailableTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "micapture_device_unavailable_total",
			Help: "Total number of start attempts with no usable input device",
		}),
		ActiveRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "micapture_active_recordings",
			Help: "Number of recordings currently capturing",
		}),
		BytesCapturedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "micapture_bytes_captured_total",
			Help: "Total PCM bytes appended to capture buffers",
		}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "micapture_recording_audio_seconds",
			Help:    "Audio duration of finalized recordings, derived from captured bytes",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		RecordingWallTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "micapture_recording_elapsed_seconds",
			Help:    "Wall-clock time between start and stop of recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		WAVSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "micapture_wav_size_bytes",
			Help:    "Size of PCM payload in finalized WAV files",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "micapture_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "micapture_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "micapture_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordingStarted implements capture.Observer
func (m *Metrics) RecordingStarted() {
	m.RecordingsStarted.Inc()
	m.ActiveRecordings.Inc()
}

// DeviceUnavailable implements capture.Observer
func (m *Metrics) DeviceUnavailable() {
	m.DeviceUnavailableTotal.Inc()
}

// BytesCaptured implements capture.Observer
func (m *Metrics) BytesCaptured(n int) {
	m.BytesCapturedTotal.Add(float64(n))
}

// RecordingFinished implements capture.Observer
func (m *Metrics) RecordingFinished(result capture.Result) {
	m.ActiveRecordings.Dec()
	m.RecordingsFinished.WithLabelValues(Outcome(result)).Inc()
	m.RecordingWallTime.Observe(result.Elapsed.Seconds())

	if result.OK() {
		m.RecordingDuration.Observe(result.Duration.Seconds())
		m.WAVSize.Observe(float64(result.DataLength))
	}
}

// Outcome classifies a result for the outcome label
func Outcome(result capture.Result) string {
	switch {
	case result.Err != nil:
		return OutcomeFailed
	case result.Interrupted != nil:
		return OutcomeInterrupted
	default:
		return OutcomeOK
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
