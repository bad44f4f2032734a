package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ring metrics
	ManagersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_managers_total",
			Help: "Number of managers currently publishing ring keys",
		},
	)

	RingKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_ring_keys_total",
			Help: "Number of virtual nodes on the ownership ring",
		},
	)

	EndpointsOwned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_endpoints_owned",
			Help: "Number of endpoints owned by this manager",
		},
	)

	EndpointsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_endpoints_total",
			Help: "Number of endpoints known to this manager",
		},
	)

	// Reconciler metrics
	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_launches_total",
			Help: "Total instance launches by endpoint",
		},
		[]string{"endpoint"},
	)

	DecommissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_decommissions_total",
			Help: "Total instance decommissions by endpoint",
		},
		[]string{"endpoint"},
	)

	DeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_instance_deletes_total",
			Help: "Total instance deletions by endpoint",
		},
		[]string{"endpoint"},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_reconcile_cycles_total",
			Help: "Total health-check and reconciliation cycles completed",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_reconcile_duration_seconds",
			Help:    "Duration of one full health-check cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_ticks_skipped_total",
			Help: "Clock ticks skipped because the previous cycle was still running",
		},
	)

	// IP lifecycle metrics
	IPsConfirmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_ips_confirmed_total",
			Help: "Total addresses promoted from new to confirmed",
		},
	)

	IPsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_ips_dropped_total",
			Help: "Total confirmed addresses dropped",
		},
	)

	// Driver metrics
	CloudOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_cloud_op_duration_seconds",
			Help:    "Cloud driver call duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	CloudErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_cloud_errors_total",
			Help: "Total cloud driver calls that failed",
		},
	)

	LoadBalancerSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_loadbalancer_save_duration_seconds",
			Help:    "Load balancer flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Store metrics
	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_store_errors_total",
			Help: "Total coordination store operations that failed",
		},
	)

	SessionLossesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_session_losses_total",
			Help: "Total coordination store session expirations",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_api_requests_total",
			Help: "Total admin API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(ManagersTotal)
	prometheus.MustRegister(RingKeysTotal)
	prometheus.MustRegister(EndpointsOwned)
	prometheus.MustRegister(EndpointsTotal)
	prometheus.MustRegister(LaunchesTotal)
	prometheus.MustRegister(DecommissionsTotal)
	prometheus.MustRegister(DeletesTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(TicksSkipped)
	prometheus.MustRegister(IPsConfirmedTotal)
	prometheus.MustRegister(IPsDroppedTotal)
	prometheus.MustRegister(CloudOpDuration)
	prometheus.MustRegister(CloudErrorsTotal)
	prometheus.MustRegister(LoadBalancerSaveDuration)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(SessionLossesTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
