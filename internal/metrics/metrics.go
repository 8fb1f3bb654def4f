// Package metrics defines Prometheus instrumentation for the grouping engine.
//
// Metric naming follows Prometheus conventions:
//   - grouping_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors on one injected registry.
// Params: collectors created by NewMetrics.
// Returns: instrumentation handle shared across components.
type Metrics struct {
	registry *prometheus.Registry

	AlertsIngestedTotal   *prometheus.CounterVec
	AlertsRejectedTotal   *prometheus.CounterVec
	ActiveGroups          prometheus.Gauge
	ActiveAlerts          prometheus.Gauge
	GroupSizeAlerts       prometheus.Histogram
	GroupsCreatedTotal    prometheus.Counter
	GroupsExpiredTotal    prometheus.Counter
	TimerFiresTotal       *prometheus.CounterVec
	TimerSkipsTotal       *prometheus.CounterVec
	NotificationsTotal    *prometheus.CounterVec
	StoreOpsTotal         *prometheus.CounterVec
	StoreOpSeconds        *prometheus.HistogramVec
	StorageFailoversTotal prometheus.Counter
	StorageFailbacksTotal prometheus.Counter
	StorageDegraded       prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a fresh registry.
// Params: none.
// Returns: metrics handle ready for wiring.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		AlertsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouping_alerts_ingested_total",
				Help: "Total alerts accepted for grouping by status.",
			},
			[]string{"status"},
		),
		AlertsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouping_alerts_rejected_total",
				Help: "Total alerts rejected before grouping by reason.",
			},
			[]string{"reason"},
		),
		ActiveGroups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grouping_active_groups",
				Help: "Number of alert groups currently tracked.",
			},
		),
		ActiveAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grouping_active_alerts",
				Help: "Number of alerts currently held across all groups.",
			},
		),
		GroupSizeAlerts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grouping_group_size_alerts",
				Help:    "Distribution of group sizes at notification time.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		GroupsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grouping_groups_created_total",
				Help: "Total alert groups created.",
			},
		),
		GroupsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grouping_groups_expired_total",
				Help: "Total alert groups removed by expiry cleanup.",
			},
		),
		TimerFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouping_timer_fires_total",
				Help: "Total timer firings that won the dedup lease, by kind.",
			},
			[]string{"kind"},
		),
		TimerSkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouping_timer_skips_total",
				Help: "Total timer firings suppressed, by kind and reason.",
			},
			[]string{"kind", "reason"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouping_notifications_total",
				Help: "Total notifications handed to the sink, by trigger kind.",
			},
			[]string{"kind"},
		),
		StoreOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grouping_store_ops_total",
				Help: "Total storage operations by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		StoreOpSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grouping_store_op_seconds",
				Help:    "Storage operation latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
		),
		StorageFailoversTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grouping_storage_failovers_total",
				Help: "Total primary-to-fallback storage transitions.",
			},
		),
		StorageFailbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grouping_storage_failbacks_total",
				Help: "Total fallback-to-primary storage transitions.",
			},
		),
		StorageDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grouping_storage_degraded",
				Help: "1 while the memory fallback serves storage operations.",
			},
		),
	}

	registry.MustRegister(
		m.AlertsIngestedTotal,
		m.AlertsRejectedTotal,
		m.ActiveGroups,
		m.ActiveAlerts,
		m.GroupSizeAlerts,
		m.GroupsCreatedTotal,
		m.GroupsExpiredTotal,
		m.TimerFiresTotal,
		m.TimerSkipsTotal,
		m.NotificationsTotal,
		m.StoreOpsTotal,
		m.StoreOpSeconds,
		m.StorageFailoversTotal,
		m.StorageFailbacksTotal,
		m.StorageDegraded,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
// Params: none.
// Returns: HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStoreOp records one storage operation outcome and latency.
// Params: operation name, error result, and elapsed duration.
// Returns: counters and histogram updated.
func (m *Metrics) ObserveStoreOp(op string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreOpsTotal.WithLabelValues(op, outcome).Inc()
	m.StoreOpSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordFailover records one primary-to-fallback transition.
// Params: none.
// Returns: failover counter and degraded gauge updated.
func (m *Metrics) RecordFailover() {
	m.StorageFailoversTotal.Inc()
	m.StorageDegraded.Set(1)
}

// RecordFailback records one fallback-to-primary transition.
// Params: none.
// Returns: failback counter and degraded gauge updated.
func (m *Metrics) RecordFailback() {
	m.StorageFailbacksTotal.Inc()
	m.StorageDegraded.Set(0)
}
