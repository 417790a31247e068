// Package metrics defines the Prometheus collectors exported by mailroute.
// All collectors are registered with the default registry at init time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroute_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroute_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)
)

// Protocol command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroute_command_duration_seconds",
			Help:    "Duration of protocol commands in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"protocol", "command"},
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroute_message_size_bytes",
			Help:    "Size of received messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"protocol"},
	)
)

// Routing metrics
var (
	// RoutingDecisions counts dispatcher decisions. action is "forward" or
	// "reject"; match is the resolver branch or the reject cause.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_routing_decisions_total",
			Help: "Total number of routing decisions by action and match kind",
		},
		[]string{"action", "match"},
	)

	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_forwards_total",
			Help: "Total number of forward calls by status",
		},
		[]string{"status"},
	)

	ForwardTargetsPerMessage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailroute_forward_targets_per_message",
			Help:    "Number of forward destinations resolved for one recipient",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25},
		},
	)
)

// Relay metrics
var (
	RelayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_relay_attempts_total",
			Help: "Total number of external relay attempts by relay type and result",
		},
		[]string{"relay", "result"},
	)
)
