package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_agents_total",
			Help: "Total number of known agents by connection state",
		},
		[]string{"state"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_nodes_total",
			Help: "Total number of declared nodes by type and online state",
		},
		[]string{"type", "online"},
	)

	EnvironmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_environments_total",
			Help: "Total number of declared environments",
		},
	)

	StoragesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_storages_total",
			Help: "Total number of loaded storages",
		},
	)

	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_reconciliation_duration_seconds",
			Help:    "Time taken for one agent reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes completed",
		},
		[]string{"kind", "result"},
	)

	RetentionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_retention_rejected_checkpoints_total",
			Help: "Total number of checkpoints pruned by the retention engine",
		},
		[]string{"storage"},
	)

	EnvApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_env_apply_duration_seconds",
			Help:    "Time taken to apply an environment's desired state",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	EnvTeardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_env_teardown_duration_seconds",
			Help:    "Time taken to tear down an environment",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	CannonTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_cannon_transactions_total",
			Help: "Total number of transactions processed by a cannon, by outcome",
		},
		[]string{"cannon", "outcome"},
	)

	CannonQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_cannon_queue_depth",
			Help: "Current depth of a cannon's pending/firing queues",
		},
		[]string{"cannon", "queue"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_api_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	AgentHandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_handshakes_total",
			Help: "Total number of agent handshake attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		NodesTotal,
		EnvironmentsTotal,
		StoragesTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		RetentionRejectedTotal,
		EnvApplyDuration,
		EnvTeardownDuration,
		CannonTransactionsTotal,
		CannonQueueDepth,
		APIRequestsTotal,
		APIRequestDuration,
		AgentHandshakesTotal,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
