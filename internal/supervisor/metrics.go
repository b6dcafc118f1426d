package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a heartbeat is dropped.
const (
	dropMalformed  = "malformed"
	dropUnroutable = "unroutable"
)

// Metrics holds the supervisor's Prometheus collectors.
type Metrics struct {
	Heartbeats        prometheus.Counter
	DroppedHeartbeats *prometheus.CounterVec
	Restarts          *prometheus.CounterVec
	RestartFailures   *prometheus.CounterVec
	ClustersAlive     prometheus.Gauge
}

// NewMetrics creates unregistered collectors. Register them with
// PrometheusCollectors.
func NewMetrics() *Metrics {
	const (
		namespace = "shardvisor"
		subsystem = "supervisor"
	)

	return &Metrics{
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heartbeats_total",
			Help:      "Count of heartbeats applied to a cluster",
		}),

		DroppedHeartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heartbeats_dropped_total",
			Help:      "Count of heartbeats discarded without effect",
		}, []string{"reason"}),

		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Count of successful cluster restarts",
		}, []string{"cluster"}),

		RestartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restart_failures_total",
			Help:      "Count of cluster restarts that could not spawn a replacement",
		}, []string{"cluster"}),

		ClustersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "clusters_alive",
			Help:      "Number of clusters whose last heartbeat is within the timeout, sampled by the status reporter",
		}),
	}
}

// PrometheusCollectors returns every collector for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Heartbeats,
		m.DroppedHeartbeats,
		m.Restarts,
		m.RestartFailures,
		m.ClustersAlive,
	}
}
