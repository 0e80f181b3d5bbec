package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsConsumedTotal counts envelopes consumed by stage and outcome
	// (ok, read_error).
	JobsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_consumed_total",
			Help: "Total number of stream entries consumed per stage",
		},
		[]string{"stage", "outcome"},
	)
	// JobsInFlight is a gauge of jobs currently being processed per stage.
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_in_flight",
			Help: "Number of jobs currently processing per stage",
		},
		[]string{"stage"},
	)
	// JobDuration records per-stage job processing duration.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Per-stage job processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)
	// JobsRecoveredTotal counts envelopes reclaimed by the recovery loop.
	JobsRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_recovered_total",
			Help: "Total number of pending entries reclaimed from idle consumers",
		},
		[]string{"stage"},
	)
	// ProviderRequestsTotal counts provider dispatch attempts by outcome.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_provider_requests_total",
			Help: "Total number of provider dispatch requests",
		},
		[]string{"provider", "outcome"},
	)
	// ProviderRequestDuration records provider HTTP call latency.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_provider_request_duration_seconds",
			Help:    "Provider HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	// CircuitBreakerState tracks gobreaker state transitions per provider.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)
	// SchedulerEligibleShops gauges how many shops were eligible in the last cycle.
	SchedulerEligibleShops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_scheduler_eligible_shops",
			Help: "Number of shops deemed eligible in the most recent scheduler cycle",
		},
	)
)

// Register registers all pipeline metrics with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(
		JobsConsumedTotal,
		JobsInFlight,
		JobDuration,
		JobsRecoveredTotal,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		CircuitBreakerState,
		SchedulerEligibleShops,
	)
}
