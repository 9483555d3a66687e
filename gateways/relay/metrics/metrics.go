package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Frame kinds and drop reasons used as label values.
const (
	FrameAudio      = "audio"
	FrameTranscript = "transcript"

	DropInvalid  = "invalid"
	DropInactive = "inactive"
	DropWrite    = "write_error"
)

// Pipeline results used as label values.
const (
	ResultSucceeded      = "succeeded"
	ResultMissingContext = "missing_context"
	ResultTranscode      = "transcode_failed"
	ResultUpload         = "upload_failed"
	ResultNotify         = "notify_failed"
	ResultUnexpected     = "unexpected"
)

// Metrics holds the instruments of the relay.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsStopped  prometheus.Counter
	JoinFailures     prometheus.Counter
	FramesReceived   *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	RecoveredPanics  prometheus.Counter
}

// New registers every instrument on a fresh registry together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of registered meeting sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions registered",
		}),
		SessionsStopped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Total number of sessions evicted after a stop event",
		}),
		JoinFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_failures_total",
			Help:      "Total number of streaming client joins that failed",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of media frames received",
		}, []string{"kind"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of media frames dropped",
		}, []string{"kind", "reason"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of end-of-session pipeline runs by result",
		}, []string{"result"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of end-of-session pipeline runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		RecoveredPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_panics_total",
			Help:      "Total number of panics recovered at event boundaries",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
