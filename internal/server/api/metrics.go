package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the server-side pipeline: ingest volume and rejections,
// detections per rule, and the notify/suppress split at the alert router.
type Metrics struct {
	EventsIngested   prometheus.Counter
	IngestRejected   prometheus.Counter
	Detections       *prometheus.CounterVec
	AlertsNotified   prometheus.Counter
	AlertsSuppressed prometheus.Counter
	IngestDuration   prometheus.Histogram
}

// NewMetrics registers the server metric set on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_events_ingested_total",
			Help: "Events validated and persisted by the ingest endpoint.",
		}),
		IngestRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_ingest_rejected_total",
			Help: "Ingest requests rejected before persistence (bad JSON or schema).",
		}),
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minisoc_detections_total",
			Help: "Detections emitted by the rule engine.",
		}, []string{"rule_id"}),
		AlertsNotified: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_alerts_notified_total",
			Help: "Alerts that reached a notifier.",
		}),
		AlertsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_alerts_suppressed_total",
			Help: "Alerts swallowed by the dedupe window.",
		}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minisoc_ingest_duration_seconds",
			Help:    "Wall time of the full ingest pipeline per request.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
