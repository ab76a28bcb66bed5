package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voicememo service
type Metrics struct {
	// Live relay metrics
	ActiveRelays   prometheus.Gauge
	RelaySessions  *prometheus.CounterVec
	ResultsRelayed prometheus.Counter
	AudioFrames    prometheus.Counter
	AudioBytes     prometheus.Counter

	// Upstream credential metrics
	TokenExchanges *prometheus.CounterVec

	// Background job metrics
	ActiveJobs  prometheus.Gauge
	JobsTotal   *prometheus.CounterVec
	JobDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveRelays: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicememo_relay_active_sessions",
			Help: "Current number of live STT relay sessions",
		}),
		RelaySessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicememo_relay_sessions_total",
			Help: "Finished live relay sessions by outcome",
		}, []string{"outcome"}),
		ResultsRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "voicememo_relay_results_total",
			Help: "Total number of stt_result messages sent to clients",
		}),
		AudioFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "voicememo_relay_audio_frames_total",
			Help: "Total number of client audio frames forwarded upstream",
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "voicememo_relay_audio_bytes_total",
			Help: "Total number of client audio bytes forwarded upstream",
		}),

		TokenExchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicememo_stt_token_exchanges_total",
			Help: "Upstream credential exchanges by result",
		}, []string{"result"}),

		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicememo_jobs_active",
			Help: "Current number of running recording pipelines",
		}),
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicememo_jobs_total",
			Help: "Finished recording pipelines by outcome",
		}, []string{"outcome"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicememo_job_duration_seconds",
			Help:    "Duration of recording pipelines",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicememo_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicememo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests and tools.
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RelayStarted marks a live session as active
func (m *Metrics) RelayStarted() {
	m.ActiveRelays.Inc()
}

// RelayFinished records the outcome of a live session
func (m *Metrics) RelayFinished(outcome string) {
	m.ActiveRelays.Dec()
	m.RelaySessions.WithLabelValues(outcome).Inc()
}

// RecordResultRelayed increments the relayed results counter
func (m *Metrics) RecordResultRelayed() {
	m.ResultsRelayed.Inc()
}

// RecordAudioFrame records one forwarded audio frame
func (m *Metrics) RecordAudioFrame(size int) {
	m.AudioFrames.Inc()
	m.AudioBytes.Add(float64(size))
}

// RecordTokenExchange records a credential exchange result ("ok" or "error")
func (m *Metrics) RecordTokenExchange(result string) {
	m.TokenExchanges.WithLabelValues(result).Inc()
}

// JobStarted marks a pipeline run as active
func (m *Metrics) JobStarted() {
	m.ActiveJobs.Inc()
}

// JobFinished records the outcome and duration of a pipeline run
func (m *Metrics) JobFinished(outcome string, durationSeconds float64) {
	m.ActiveJobs.Dec()
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
