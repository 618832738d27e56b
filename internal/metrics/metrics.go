// Package metrics collects Prometheus metrics for edit sessions. A CLI run is
// too short to be scraped, so the registry is written to a node-exporter
// textfile when the session ends.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	registry *prometheus.Registry

	remoteRequestsTotal   *prometheus.CounterVec
	remoteRequestDuration *prometheus.HistogramVec
	contentBytes          *prometheus.CounterVec

	sessionsTotal    *prometheus.CounterVec
	uploadAttempts   prometheus.Histogram
	versionConflicts prometheus.Counter
	lastSessionEnd   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		remoteRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zedit_remote_requests_total",
				Help: "Total number of remote fetch and upload calls",
			},
			[]string{"op", "kind", "outcome"},
		),

		remoteRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zedit_remote_request_duration_seconds",
				Help:    "Remote call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "kind"},
		),

		contentBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zedit_content_bytes_total",
				Help: "Bytes transferred to or from the remote",
			},
			[]string{"op"},
		),

		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zedit_sessions_total",
				Help: "Total number of edit sessions by outcome",
			},
			[]string{"outcome"},
		),

		uploadAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zedit_session_upload_attempts",
				Help:    "Upload attempts needed per session",
				Buckets: []float64{1, 2, 3, 5, 10},
			},
		),

		versionConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zedit_version_conflicts_total",
				Help: "Uploads rejected because the remote changed",
			},
		),

		lastSessionEnd: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zedit_last_session_end_timestamp_seconds",
				Help: "Unix time the last session finished",
			},
		),
	}
}

// RecordRemote records one gateway call.
func (m *Metrics) RecordRemote(op, kind, outcome string, duration time.Duration, bytes int) {
	m.remoteRequestsTotal.WithLabelValues(op, kind, outcome).Inc()
	m.remoteRequestDuration.WithLabelValues(op, kind).Observe(duration.Seconds())
	if bytes > 0 {
		m.contentBytes.WithLabelValues(op).Add(float64(bytes))
	}
	if outcome == "VERSION_CONFLICT" {
		m.versionConflicts.Inc()
	}
}

// RecordSession records a finished session.
func (m *Metrics) RecordSession(outcome string, attempts int) {
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.uploadAttempts.Observe(float64(attempts))
	}
	m.lastSessionEnd.SetToCurrentTime()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
