package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters for the tail pipeline. Attach one
// with [WithMetrics]; a nil *Metrics disables instrumentation so the hot
// path stays a single pointer check.
type Metrics struct {
	LinesRead    prometheus.Counter
	EventsParsed prometheus.Counter
	EventsSent   prometheus.Counter
	SendFailures prometheus.Counter
}

// NewMetrics registers the agent counters on reg. Registering on an
// explicit registry keeps tests free to build a fresh instance each run.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LinesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_agent_lines_read_total",
			Help: "Raw log lines observed by the source follower.",
		}),
		EventsParsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_agent_events_parsed_total",
			Help: "Lines recognized as SSH login events.",
		}),
		EventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_agent_events_sent_total",
			Help: "Events acknowledged by the server.",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "minisoc_agent_send_failures_total",
			Help: "Events that could not be delivered.",
		}),
	}
}
