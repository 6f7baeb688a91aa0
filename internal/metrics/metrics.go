// Package metrics holds the Prometheus collectors of the service. Collectors
// are usable before MustRegister, so packages and tests record into them
// unconditionally.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	PoolOverflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_pool_overflows_total",
			Help: "Tasks rejected because a pool queue was full.",
		},
		[]string{"pool"},
	)

	PoolPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_pool_panics_total",
			Help: "Panics recovered inside pool workers.",
		},
		[]string{"pool"},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_request_batches_total",
			Help: "Request batches processed, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	BatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushgate_request_batch_duration_seconds",
			Help:    "Time spent processing one request batch.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ArbiterDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_cooldown_decisions_total",
			Help: "Cooldown arbiter decisions per candidate pair.",
		},
		[]string{"decision"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_deliveries_total",
			Help: "Notification outcomes by sender and status.",
		},
		[]string{"sender", "status"},
	)

	SendDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushgate_send_duration_seconds",
			Help:    "Duration of one backend send call, retries included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sender"},
	)

	PostOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_post_operations_total",
			Help: "Device post-operations applied, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	RegistryReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_registry_reloads_total",
			Help: "Event handler registry rebuilds.",
		},
		[]string{"result"},
	)
)

// MustRegister registers every collector with the default registry. Call
// once at startup.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		PoolOverflowsTotal,
		PoolPanicsTotal,
		BatchesTotal,
		BatchDurationSeconds,
		ArbiterDecisionsTotal,
		DeliveriesTotal,
		SendDurationSeconds,
		PostOpsTotal,
		RegistryReloadsTotal,
	)
}

// RegisterQueueDepth exposes the live depth of a named queue as a gauge.
func RegisterQueueDepth(queue string, depth func() int) error {
	return prometheus.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "pushgate_queue_depth",
			Help:        "Approximate number of items waiting in a queue.",
			ConstLabels: prometheus.Labels{"queue": queue},
		},
		func() float64 { return float64(depth()) },
	))
}
