// Package metrics exposes fleet counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyfleet"

// Metrics is a private registry with the fleet collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	credentialsCreated *prometheus.CounterVec
	credentialFailures *prometheus.CounterVec
	credentialsDeleted prometheus.Counter
	scorerRuns         *prometheus.CounterVec
	scorerDuration     prometheus.Histogram
	preferredNodes     prometheus.Gauge
	nodeLoad           *prometheus.GaugeVec
	nodeUp             *prometheus.GaugeVec
	trafficBytes       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		credentialsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_created_total",
			Help:      "Credentials created on nodes, by group.",
		}, []string{"group"}),
		credentialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_failures_total",
			Help:      "Failed driver operations, by operation.",
		}, []string{"op"}),
		credentialsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_deleted_total",
			Help:      "Credentials deactivated locally.",
		}),
		scorerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scorer_runs_total",
			Help:      "Scorer runs, by result.",
		}, []string{"result"}),
		scorerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scorer_duration_seconds",
			Help:      "Wall time of scorer runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		preferredNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preferred_nodes",
			Help:      "Nodes in the current score snapshot.",
		}),
		nodeLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_load",
			Help:      "Active credentials per node.",
		}, []string{"node_id", "group"}),
		nodeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_up",
			Help:      "1 when the last health check of the node succeeded.",
		}, []string{"node_id"}),
		trafficBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_bytes_total",
			Help:      "Traffic growth observed by the collector.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.credentialsCreated, m.credentialFailures, m.credentialsDeleted,
		m.scorerRuns, m.scorerDuration, m.preferredNodes,
		m.nodeLoad, m.nodeUp, m.trafficBytes,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) CredentialCreated(group string) {
	if m != nil {
		m.credentialsCreated.WithLabelValues(group).Inc()
	}
}

func (m *Metrics) DriverFailure(op string) {
	if m != nil {
		m.credentialFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) CredentialDeleted() {
	if m != nil {
		m.credentialsDeleted.Inc()
	}
}

// ScorerRun records one scorer run and the size of its result.
func (m *Metrics) ScorerRun(seconds float64, preferred int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scorerRuns.WithLabelValues(result).Inc()
	m.scorerDuration.Observe(seconds)
	if err == nil {
		m.preferredNodes.Set(float64(preferred))
	}
}

func (m *Metrics) NodeLoad(nodeID uint, group string, load int) {
	if m != nil {
		m.nodeLoad.WithLabelValues(strconv.FormatUint(uint64(nodeID), 10), group).Set(float64(load))
	}
}

func (m *Metrics) NodeUp(nodeID uint, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.nodeUp.WithLabelValues(strconv.FormatUint(uint64(nodeID), 10)).Set(v)
}

func (m *Metrics) Traffic(bytes int64) {
	if m != nil && bytes > 0 {
		m.trafficBytes.Add(float64(bytes))
	}
}
