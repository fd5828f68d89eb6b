// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline counters. One instance per process,
// registered on a caller-supplied registry so tests stay isolated.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	EventsRetried   *prometheus.CounterVec
	EventsDiverted  *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	CASConflicts    *prometheus.CounterVec
	OutboxPublished prometheus.Counter
	OutboxLag       prometheus.Gauge
	SLAEmitted      *prometheus.CounterVec
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remex_events_processed_total",
			Help: "Events handled successfully, by role and topic.",
		}, []string{"role", "topic"}),
		EventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remex_events_failed_total",
			Help: "Handler failures, by role and failure class.",
		}, []string{"role", "class"}),
		EventsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remex_events_retried_total",
			Help: "Events scheduled for retry, by role.",
		}, []string{"role"}),
		EventsDiverted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remex_events_diverted_total",
			Help: "Events diverted to the DLQ, by role and reason.",
		}, []string{"role", "reason"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remex_handler_duration_seconds",
			Help:    "Handler invocation latency, by role.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		CASConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remex_cas_conflicts_total",
			Help: "Optimistic concurrency conflicts, by role.",
		}, []string{"role"}),
		OutboxPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "remex_outbox_published_total",
			Help: "Outbox rows published to the event log.",
		}),
		OutboxLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "remex_outbox_pending_rows",
			Help: "Outbox rows awaiting publication at the last relay poll.",
		}),
		SLAEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remex_sla_emitted_total",
			Help: "SLA events emitted, by kind (imminent, expired).",
		}, []string{"kind"}),
	}
}
