// Package metrics defines the Prometheus collectors exported by the
// plugin host, following the teacher's metrics.go shape (one family per
// tracked resource, a Collectors() []prometheus.Collector method for
// external registry wiring).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "sage_plugins"

// Metrics bundles every collector the host exports.
type Metrics struct {
	PluginsLoaded    prometheus.Gauge
	PluginsDisabled  *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	EventDuration    *prometheus.HistogramVec
	ExecTotal        *prometheus.CounterVec
	ExecDuration     prometheus.Histogram
	FetchTotal       *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	QueueDepth       prometheus.Gauge
	QueueRejected    prometheus.Counter
}

// New constructs all collectors.
func New() *Metrics {
	m := &Metrics{
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_loaded",
			Help:      "Number of plugins loaded into the host, including any disabled since loading.",
		}),
		PluginsDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugins_disabled_total",
			Help:      "Total number of plugin disable events, by reason.",
		}, []string{"reason"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events emitted to plugins, by event name and status.",
		}, []string{"event", "status"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Event dispatch duration in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"event"}),
		ExecTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exec_total",
			Help:      "Total number of subprocess execs, by status.",
		}, []string{"status"}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Subprocess execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Total number of HTTP fetches, by status.",
		}, []string{"status"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "HTTP fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Number of unread commands in the shell-command queue.",
		}),
		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_queue_rejected_total",
			Help:      "Total number of take_exec_cmd calls refused because the caller's buffer was smaller than the head command.",
		}),
	}
	return m
}

// Collectors returns every collector for registration with an external
// prometheus.Registerer, matching the teacher's MetricsCollector() shape.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PluginsLoaded,
		m.PluginsDisabled,
		m.EventsTotal,
		m.EventDuration,
		m.ExecTotal,
		m.ExecDuration,
		m.FetchTotal,
		m.FetchDuration,
		m.QueueDepth,
		m.QueueRejected,
	}
}
