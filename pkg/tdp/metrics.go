package tdp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMonitor publishes pool activity as Prometheus metrics. Construct
// one per pool and register its collectors on your registry.
type PrometheusMonitor struct {
	operationSuccess *prometheus.CounterVec
	operationFailure *prometheus.CounterVec
	failover         *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	hostsAdded       prometheus.Counter
	hostsRemoved     prometheus.Counter
	hostCount        prometheus.Gauge
}

const noHostLabel = "none"

// NewPrometheusMonitor creates the monitor and registers its collectors with
// registerer, namespaced by poolName.
func NewPrometheusMonitor(poolName string, registerer prometheus.Registerer) (*PrometheusMonitor, error) {

	constLabels := prometheus.Labels{"pool": poolName}

	m := &PrometheusMonitor{
		operationSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "turbodynopool",
			Name:        "operation_success_total",
			Help:        "Successful operations by serving host.",
			ConstLabels: constLabels,
		}, []string{"host"}),
		operationFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "turbodynopool",
			Name:        "operation_failure_total",
			Help:        "Failed operation attempts by host; host=none when selection produced no host.",
			ConstLabels: constLabels,
		}, []string{"host"}),
		failover: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "turbodynopool",
			Name:        "failover_total",
			Help:        "Failed attempts that were followed by a retry on another host.",
			ConstLabels: constLabels,
		}, []string{"host"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "turbodynopool",
			Name:        "operation_latency_seconds",
			Help:        "End-to-end latency of successful operations.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"host"}),
		hostsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "turbodynopool",
			Name:        "hosts_added_total",
			Help:        "Hosts admitted into the pool.",
			ConstLabels: constLabels,
		}),
		hostsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "turbodynopool",
			Name:        "hosts_removed_total",
			Help:        "Hosts removed from the pool.",
			ConstLabels: constLabels,
		}),
		hostCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "turbodynopool",
			Name:        "host_count",
			Help:        "Current membership size reported by the hosts updater.",
			ConstLabels: constLabels,
		}),
	}

	collectors := []prometheus.Collector{
		m.operationSuccess, m.operationFailure, m.failover,
		m.operationLatency, m.hostsAdded, m.hostsRemoved, m.hostCount,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *PrometheusMonitor) IncOperationSuccess(host Host, latency time.Duration) {
	m.operationSuccess.WithLabelValues(host.Address()).Inc()
	m.operationLatency.WithLabelValues(host.Address()).Observe(latency.Seconds())
}

func (m *PrometheusMonitor) IncOperationFailure(host *Host, _ error) {
	label := noHostLabel
	if host != nil {
		label = host.Address()
	}
	m.operationFailure.WithLabelValues(label).Inc()
}

func (m *PrometheusMonitor) IncFailover(host Host, _ error) {
	m.failover.WithLabelValues(host.Address()).Inc()
}

func (m *PrometheusMonitor) HostAdded(_ Host, _ HostConnectionPool) {
	m.hostsAdded.Inc()
}

func (m *PrometheusMonitor) HostRemoved(_ Host) {
	m.hostsRemoved.Inc()
}

func (m *PrometheusMonitor) SetHostCount(count int) {
	m.hostCount.Set(float64(count))
}
