// Package observability exposes the Prometheus metrics of the control
// plane. Collectors are registered with the default registry at init, and
// Metrics adapts them to the orchestrator's metrics sink.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/itskum47/BackForge/control_plane/action"
)

var (
	// JobProgress is the progress of the latest job per action and backup manager (0-1).
	JobProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backforge_job_progress",
		Help: "Progress of the current or last job (0-1)",
	}, []string{"action", "backup_manager"})

	// StageTransitions counts stages entered.
	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backforge_stage_transitions_total",
		Help: "Total number of job stages entered",
	}, []string{"action", "stage"})

	// JobsFinished counts finished jobs by outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backforge_jobs_finished_total",
		Help: "Total number of finished jobs",
	}, []string{"action", "result"})

	// RegisteredAgents is the number of recognized agent connections.
	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backforge_registered_agents",
		Help: "Current number of registered agents",
	})

	// RegistrationRejections counts refused registrations.
	RegistrationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backforge_registration_rejections_total",
		Help: "Total number of rejected agent registrations",
	}, []string{"reason"})

	// NotificationFailures counts notifications that could not be delivered.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backforge_notification_failures_total",
		Help: "Total number of failed action notifications",
	}, []string{"event"})

	// ConnectionsRateLimited counts agent connections refused by the limiter.
	ConnectionsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backforge_agent_connections_rate_limited_total",
		Help: "Total number of agent connection attempts rejected by rate limiting",
	})

	// ProtocolViolations counts agent connections closed for sending a
	// message illegal in their state.
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backforge_protocol_violations_total",
		Help: "Total number of agent connections closed for protocol violations",
	})

	// StoreLatency tracks persistence latency per backend and operation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backforge_store_latency_seconds",
		Help:    "Latency of store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
)

// Metrics feeds job observations into the collectors above.
type Metrics struct{}

func (Metrics) StageChanged(kind action.Kind, backupManagerID, stage string) {
	StageTransitions.WithLabelValues(string(kind), stage).Inc()
}

func (Metrics) Progress(kind action.Kind, backupManagerID string, progress float64) {
	JobProgress.WithLabelValues(string(kind), backupManagerID).Set(progress)
}

func (Metrics) JobFinished(kind action.Kind, backupManagerID string, result action.Result) {
	JobsFinished.WithLabelValues(string(kind), string(result)).Inc()
}

func (Metrics) NotificationFailed(event string) {
	NotificationFailures.WithLabelValues(event).Inc()
}
