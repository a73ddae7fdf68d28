// Package monitoring exposes Prometheus metrics for the tracking
// pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Classification metrics
	SignalsTotal    *prometheus.CounterVec
	SignalsRejected *prometheus.CounterVec
	EventsLogged    *prometheus.CounterVec

	// Enrichment metrics
	EnrichAttempts   prometheus.Counter
	EnrichDropped    prometheus.Counter
	EnrichDuplicates prometheus.Counter

	// Upload metrics
	UploadBatches  prometheus.Counter
	UploadFailures prometheus.Counter
	UploadedEvents prometheus.Counter
	QueueDepth     prometheus.Gauge
	Resyncs        prometheus.Counter
	Rollbacks      prometheus.Counter

	// Session metrics
	SessionsStarted prometheus.Counter
	SurveyStops     prometheus.Counter
	TrackedTabs     prometheus.Gauge
}

// NewMetrics creates a metrics collector registered on reg. Passing a
// fresh registry keeps tests isolated from the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SignalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveytrace_signals_total",
				Help: "Raw navigation/focus signals received",
			},
			[]string{"kind"},
		),
		SignalsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveytrace_signals_rejected_total",
				Help: "Signals rejected by the classifier",
			},
			[]string{"reason"},
		),
		EventsLogged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveytrace_events_logged_total",
				Help: "Events committed to the durable log",
			},
			[]string{"source"},
		),
		EnrichAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_enrich_attempts_total",
				Help: "Enrichment runs started",
			},
		),
		EnrichDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_enrich_dropped_total",
				Help: "Events dropped because page content never settled",
			},
		),
		EnrichDuplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_enrich_duplicates_total",
				Help: "Events suppressed by content-signature dedup",
			},
		),
		UploadBatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_upload_batches_total",
				Help: "Batches posted to the collector",
			},
		),
		UploadFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_upload_failures_total",
				Help: "Failed batch uploads (requeued)",
			},
		),
		UploadedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_uploaded_events_total",
				Help: "Events successfully delivered to the collector",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "surveytrace_upload_queue_depth",
				Help: "Events pending transmission",
			},
		),
		Resyncs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_resyncs_total",
				Help: "Full authoritative resyncs after local edits",
			},
		),
		Rollbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_removal_rollbacks_total",
				Help: "Removals rolled back after a failed resync",
			},
		),
		SessionsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_sessions_started_total",
				Help: "Tracking activations",
			},
		),
		SurveyStops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "surveytrace_survey_stops_total",
				Help: "Survey-driven stops applied",
			},
		),
		TrackedTabs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "surveytrace_tracked_tabs",
				Help: "Tabs currently in the attribution map",
			},
		),
	}
}

// NewDefault registers metrics on the default Prometheus registry.
func NewDefault() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}
