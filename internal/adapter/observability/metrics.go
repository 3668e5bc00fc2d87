// Package observability provides logging, metrics, and tracing setup.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_received_total",
			Help: "Total inbound messages by channel",
		},
		[]string{"channel"},
	)
	ReceiptTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_transitions_total",
			Help: "Receipt state machine transitions",
		},
		[]string{"status"},
	)
	QueueWaitingGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_waiting_groups",
			Help: "Groups currently waiting for an execution slot",
		},
	)
	QueueActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_active_runs",
			Help: "Group runs currently active",
		},
	)
	QueueItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_total",
			Help: "Work items admitted to the group queue by lane",
		},
		[]string{"lane"},
	)
	QueueRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_rejected_total",
			Help: "Work items rejected because the waiting list was full",
		},
	)
	QueueRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_retries_total",
			Help: "Group processing retries scheduled",
		},
	)
	ContainerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "container_spawns_total",
			Help: "Container spawns by outcome",
		},
		[]string{"outcome"},
	)
	ContainerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "container_run_duration_seconds",
			Help:    "Container run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	PoolAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_acquires_total",
			Help: "Warm pool acquisitions by outcome (hit/miss)",
		},
		[]string{"outcome"},
	)
	ClassifierDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_decisions_total",
			Help: "Classifier tier decisions",
		},
		[]string{"tier"},
	)
	BudgetActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_actions_total",
			Help: "Budget governor verdicts",
		},
		[]string{"action"},
	)
	SchedulerClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_claims_total",
			Help: "Scheduled task claim attempts by outcome (won/lost)",
		},
		[]string{"outcome"},
	)
	HeartbeatRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_runs_total",
			Help: "Smart-job runs by status",
		},
		[]string{"status"},
	)
	IPCCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipc_commands_total",
			Help: "IPC commands by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Dead-letter rows created by reason",
		},
		[]string{"reason"},
	)
)

// InitMetrics registers all orchestrator metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(MessagesReceivedTotal)
	prometheus.MustRegister(ReceiptTransitionsTotal)
	prometheus.MustRegister(QueueWaitingGroups)
	prometheus.MustRegister(QueueActiveRuns)
	prometheus.MustRegister(QueueItemsTotal)
	prometheus.MustRegister(QueueRejectedTotal)
	prometheus.MustRegister(QueueRetriesTotal)
	prometheus.MustRegister(ContainerSpawnsTotal)
	prometheus.MustRegister(ContainerRunDuration)
	prometheus.MustRegister(PoolAcquiresTotal)
	prometheus.MustRegister(ClassifierDecisionsTotal)
	prometheus.MustRegister(BudgetActionsTotal)
	prometheus.MustRegister(SchedulerClaimsTotal)
	prometheus.MustRegister(HeartbeatRunsTotal)
	prometheus.MustRegister(IPCCommandsTotal)
	prometheus.MustRegister(DeadLettersTotal)
}
