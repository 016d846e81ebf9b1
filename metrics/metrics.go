package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	syncRuns        *prometheus.CounterVec // total reconciliation passes
	syncDuration    prometheus.Histogram   // time per pass
	instanceResults *prometheus.CounterVec // per instance outcomes
	changesApplied  *prometheus.CounterVec // applied changes by kind and op
	piholeRequests  *prometheus.CounterVec // pihole api requests
	gravityRuns     *prometheus.CounterVec // triggered gravity rebuilds
	historyRequests *prometheus.CounterVec // badgerdb requests
}

// Public interface for metrics operations
func (m *Metrics) IncSyncRun(success bool) {
	m.syncRuns.WithLabelValues(boolToResult(success)).Inc()
}

func (m *Metrics) SetSyncDuration(duration time.Duration) {
	m.syncDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncInstanceResult(instance string, success bool) {
	m.instanceResults.WithLabelValues(instance, boolToResult(success)).Inc()
}

func (m *Metrics) IncChangeApplied(kind, operation string) {
	if !isValidOperation(operation) {
		return
	}
	m.changesApplied.WithLabelValues(kind, operation).Inc()
}

func (m *Metrics) IncPiholeRequest(operation string, success bool) {
	if !isValidOperation(operation) {
		return
	}
	m.piholeRequests.WithLabelValues(operation, boolToResult(success)).Inc()
}

func (m *Metrics) IncGravityRun(success bool) {
	m.gravityRuns.WithLabelValues(boolToResult(success)).Inc()
}

func (m *Metrics) IncHistoryRequest(operation string, success bool) {
	if !isValidOperation(operation) {
		return
	}
	m.historyRequests.WithLabelValues(operation, boolToResult(success)).Inc()
}

func boolToResult(b bool) string {
	if b {
		return "success"
	}
	return "failure"
}

func isValidOperation(op string) bool {
	switch op {
	case "create", "read", "update", "delete":
		return true
	}
	return false
}

func New(register bool) *Metrics {
	registry := prometheus.NewRegistry()
	namespace := "pihole_config_sync"

	m := &Metrics{
		registry: registry,

		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Total number of reconciliation passes",
		}, []string{"status"}),

		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		instanceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_results_total",
			Help:      "Per-instance reconciliation outcomes",
		}, []string{"instance", "status"}),

		changesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_applied_total",
			Help:      "Total changes applied by resource kind and operation",
		}, []string{"kind", "operation"}),

		piholeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pihole_requests_total",
			Help:      "Total Pi-hole API requests",
		}, []string{"operation", "status"}),

		gravityRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gravity_runs_total",
			Help:      "Total triggered gravity rebuilds",
		}, []string{"status"}),

		historyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_requests_total",
			Help:      "Total history store requests",
		}, []string{"operation", "status"}),
	}

	if register {
		registry.MustRegister(
			m.syncRuns,
			m.syncDuration,
			m.instanceResults,
			m.changesApplied,
			m.piholeRequests,
			m.gravityRuns,
			m.historyRequests,
		)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
