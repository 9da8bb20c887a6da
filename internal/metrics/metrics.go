// Package metrics declares the Prometheus collectors emitted by the
// scheduler, projection gateway, and outbox relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thalo_commands_total",
			Help: "Total number of commands executed, by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	CommandRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thalo_command_retries_total",
			Help: "Total number of optimistic-concurrency retries, by category.",
		},
		[]string{"category"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thalo_command_duration_seconds",
			Help:    "Command execution latency, by category.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	ModuleTraps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thalo_module_traps_total",
			Help: "Total number of module traps, by category.",
		},
		[]string{"category"},
	)

	ExecutorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thalo_executors_active",
			Help: "Number of stream executors currently cached.",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thalo_subscriptions_active",
			Help: "Number of live projection subscriptions.",
		},
	)

	SubscriptionLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "thalo_subscription_lag",
			Help: "Difference between the global log head and a subscription's last-seen global id.",
		},
		[]string{"subscription"},
	)

	OutboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thalo_outbox_backlog",
			Help: "Number of rows in the most recently pulled outbox batch (0 once the outbox is drained).",
		},
	)
)

// MustRegister registers every collector above with the given registerer.
// Call once at process startup; panics on duplicate registration, matching
// the teacher's fail-fast convention for metrics wiring.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		CommandsTotal,
		CommandRetries,
		CommandDuration,
		ModuleTraps,
		ExecutorsActive,
		SubscriptionsActive,
		SubscriptionLag,
		OutboxBacklog,
	)
}
