package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Fabric size metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_published_total",
			Help: "Total number of fabric events published by kind",
		},
		[]string{"kind"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_events_dropped_total",
			Help: "Total number of events dropped from full subscriber queues",
		},
	)

	SubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_event_subscribers_active",
			Help: "Current number of event stream subscribers",
		},
	)

	// Dispatcher metrics
	CommandsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_commands_submitted_total",
			Help: "Total number of commands accepted by kind",
		},
		[]string{"kind"},
	)

	CommandsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_commands_failed_total",
			Help: "Total number of commands that terminated in failure by reason",
		},
		[]string{"reason"},
	)

	CommandsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_commands_completed_total",
			Help: "Total number of commands that completed successfully",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	// Pruner metrics
	EntitiesPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_entities_pruned_total",
			Help: "Total number of stale entities removed by the pruner",
		},
		[]string{"entity"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(SubscribersActive)
	prometheus.MustRegister(CommandsSubmittedTotal)
	prometheus.MustRegister(CommandsFailedTotal)
	prometheus.MustRegister(CommandsCompletedTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(EntitiesPrunedTotal)
}
