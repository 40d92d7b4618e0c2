package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_command_duration_seconds",
			Help:    "Duration of protocol command processing",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"protocol", "command"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "mechanism"},
	)
)

// Mail pipeline metrics
var (
	InboundDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_inbound_deliveries_total",
			Help: "Per-recipient outcomes of inbound transactions",
		},
		[]string{"result"}, // stored, unknown_recipient, unavailable, store_error
	)

	InboundMessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_inbound_message_size_bytes",
			Help:    "Size of accepted inbound message bodies",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
		},
	)

	InboundRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_inbound_rejected_total",
			Help: "Inbound transactions rejected at DATA",
		},
		[]string{"reason"}, // malformed, too_large, unavailable
	)

	ResolverLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_resolver_lookups_total",
			Help: "Recipient to account lookups",
		},
		[]string{"result"}, // found, not_found, invalid, unavailable
	)

	RelayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_relay_attempts_total",
			Help: "Outbound relay attempts by provider and result",
		},
		[]string{"provider", "result"}, // success, failure, circuit_breaker_open
	)

	RelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_relay_duration_seconds",
			Help:    "Duration of outbound relay sends",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_outcomes_total",
			Help: "Outbound send requests by outcome",
		},
		[]string{"outcome"}, // sent, deferred, rejected, error
	)

	DNSLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dns_lookups_total",
			Help: "Domain authentication DNS lookups",
		},
		[]string{"record", "result"}, // record: mx, spf, dmarc, dkim; result: found, absent, error
	)

	DNSLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dns_lookup_duration_seconds",
			Help:    "Duration of domain authentication DNS lookups",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"record"},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"role"}, // role: "read", "write"
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"role"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_component_health_status",
			Help: "Component health status (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "status"},
	)
)
