// ABOUTME: Prometheus sink counting lifecycle events and finished node and plan executions.
package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink turns events into Prometheus counters.
type MetricsSink struct {
	events        *prometheus.CounterVec
	nodesFinished *prometheus.CounterVec
	plansFinished *prometheus.CounterVec
	retries       prometheus.Counter
}

// NewMetricsSink creates the collectors and registers them with reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	m := &MetricsSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tusk",
			Name:      "events_total",
			Help:      "Lifecycle events emitted by the engine.",
		}, []string{"type"}),
		nodesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tusk",
			Name:      "node_executions_finished_total",
			Help:      "Node executions that reached a terminal status.",
		}, []string{"status"}),
		plansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tusk",
			Name:      "plan_executions_finished_total",
			Help:      "Plan executions that finished.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tusk",
			Name:      "node_retries_total",
			Help:      "Retry successors created.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.nodesFinished, m.plansFinished, m.retries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsSink) Publish(evt Event) {
	m.events.WithLabelValues(string(evt.Type)).Inc()
	switch evt.Type {
	case NodeFinished:
		m.nodesFinished.WithLabelValues(evt.Status).Inc()
	case PlanFinished:
		m.plansFinished.WithLabelValues(evt.Status).Inc()
	case NodeRetrying:
		m.retries.Inc()
	}
}
