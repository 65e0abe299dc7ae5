package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	CaptureSessions  *prometheus.CounterVec
	FramesReceived   prometheus.Counter
	FramesAdmitted   prometheus.Counter
	SourceStalls     prometheus.Counter
	UtteranceSeconds prometheus.Histogram
	UtteranceBytes   prometheus.Histogram

	// Demux metrics
	DemuxParts      *prometheus.CounterVec
	DemuxPartBytes  *prometheus.HistogramVec
	DemuxTruncated  prometheus.Counter
	DemuxFramingErr prometheus.Counter

	// Playback metrics
	PlaybackSinks *prometheus.CounterVec
	PlaybackBytes prometheus.Counter
	PlayerErrors  *prometheus.CounterVec

	// Voice server client metrics
	ClientRequests        *prometheus.CounterVec
	ClientRequestDuration *prometheus.HistogramVec
	ClientRetries         *prometheus.CounterVec

	// Status HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry(); commands pass prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		CaptureSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_capture_sessions_total",
			Help: "Total number of capture sessions by mode and outcome",
		}, []string{"mode", "outcome"}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_frames_received_total",
			Help: "Total number of audio frames received from the source",
		}),
		FramesAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_frames_admitted_total",
			Help: "Total number of audio frames admitted to an utterance",
		}),
		SourceStalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_source_stalls_total",
			Help: "Total number of queue polls that timed out without a frame",
		}),
		UtteranceSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_duration_seconds",
			Help:    "Duration of captured utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		UtteranceBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_size_bytes",
			Help:    "Size of encoded utterance WAV payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Demux metrics
		DemuxParts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_demux_parts_total",
			Help: "Total number of multipart parts by routing kind",
		}, []string{"kind"}),
		DemuxPartBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_demux_part_size_bytes",
			Help:    "Size of multipart part bodies",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10), // 64B to ~16MB
		}, []string{"kind"}),
		DemuxTruncated: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_demux_truncated_total",
			Help: "Total number of responses that ended mid-stream",
		}),
		DemuxFramingErr: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_demux_framing_errors_total",
			Help: "Total number of responses rejected before any part was decoded",
		}),

		// Playback metrics
		PlaybackSinks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_playback_sinks_total",
			Help: "Total number of audio sinks opened by kind",
		}, []string{"kind"}),
		PlaybackBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_bytes_total",
			Help: "Total number of audio bytes forwarded to sinks",
		}),
		PlayerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_player_errors_total",
			Help: "Total number of player process failures",
		}, []string{"player"}),

		// Voice server client metrics
		ClientRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_requests_total",
			Help: "Total number of requests sent to the voice server",
		}, []string{"endpoint", "result"}),
		ClientRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_client_request_duration_seconds",
			Help:    "Time until response headers from the voice server",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"endpoint"}),
		ClientRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_retries_total",
			Help: "Total number of voice server request retries",
		}, []string{"endpoint"}),

		// Status HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of status HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of status HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Convenience methods for recording metrics

func (m *Metrics) RecordCaptureSession(mode, outcome string, utteranceSeconds float64) {
	if m == nil {
		return
	}
	m.CaptureSessions.WithLabelValues(mode, outcome).Inc()
	if utteranceSeconds > 0 {
		m.UtteranceSeconds.Observe(utteranceSeconds)
	}
}

func (m *Metrics) RecordFrame(admitted bool) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	if admitted {
		m.FramesAdmitted.Inc()
	}
}

func (m *Metrics) RecordSourceStall() {
	if m == nil {
		return
	}
	m.SourceStalls.Inc()
}

func (m *Metrics) RecordUtteranceEncoded(sizeBytes int) {
	if m == nil {
		return
	}
	m.UtteranceBytes.Observe(float64(sizeBytes))
}

func (m *Metrics) RecordDemuxPart(kind string, sizeBytes int64) {
	if m == nil {
		return
	}
	m.DemuxParts.WithLabelValues(kind).Inc()
	m.DemuxPartBytes.WithLabelValues(kind).Observe(float64(sizeBytes))
}

func (m *Metrics) RecordDemuxTruncated() {
	if m == nil {
		return
	}
	m.DemuxTruncated.Inc()
}

func (m *Metrics) RecordDemuxFramingError() {
	if m == nil {
		return
	}
	m.DemuxFramingErr.Inc()
}

func (m *Metrics) RecordSinkOpened(kind string) {
	if m == nil {
		return
	}
	m.PlaybackSinks.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPlaybackBytes(n int) {
	if m == nil {
		return
	}
	m.PlaybackBytes.Add(float64(n))
}

func (m *Metrics) RecordPlayerError(player string) {
	if m == nil {
		return
	}
	m.PlayerErrors.WithLabelValues(player).Inc()
}

func (m *Metrics) RecordClientRequest(endpoint, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClientRequests.WithLabelValues(endpoint, result).Inc()
	m.ClientRequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

func (m *Metrics) RecordClientRetry(endpoint string) {
	if m == nil {
		return
	}
	m.ClientRetries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
