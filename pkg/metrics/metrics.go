package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event bus metrics
var (
	Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_bus_published_total",
			Help: "Events appended to a topic",
		},
		[]string{"topic"},
	)

	Consumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_bus_consumed_total",
			Help: "Events dispatched by outcome (ok, retry, dead_letter, unknown)",
		},
		[]string{"topic", "outcome"},
	)

	Retried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_bus_retried_total",
			Help: "Events republished to the retry topic",
		},
		[]string{"topic"},
	)

	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_bus_dead_lettered_total",
			Help: "Events recorded as dead letters",
		},
		[]string{"topic", "reason"},
	)

	HandlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskgate_handler_latency_seconds",
			Help:    "Latency in seconds of event handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)
)

// Risk metrics
var (
	RiskChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_risk_checks_total",
			Help: "Risk checks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	Violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_risk_violations_total",
			Help: "Risk violations by type and severity",
		},
		[]string{"type", "severity"},
	)

	BreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_circuit_breaker_trips_total",
			Help: "Circuit breakers triggered by level",
		},
		[]string{"level"},
	)

	HaltedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskgate_halted_users",
			Help: "Users currently halted by the kill switch",
		},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskgate_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskgate_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskgate_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(Published, Consumed, Retried, DeadLettered, HandlerLatency)
	prometheus.MustRegister(RiskChecks, Violations, BreakerTrips, HaltedUsers)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
