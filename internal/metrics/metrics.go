// Package metrics exposes the orchestrator kernel's Prometheus metrics,
// generalized from the teacher's per-node heartbeat/task/container metrics
// to kernel-wide task dispatch, agent, queue, and circuit-breaker metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter, gauge, and histogram the kernel records.
type Metrics struct {
	TasksDispatchedTotal *prometheus.CounterVec
	TaskDispatchLatency  prometheus.Histogram

	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	QueueDepth    prometheus.Gauge
	QueueFullTotal prometheus.Counter

	AgentsTotal       *prometheus.GaugeVec
	AgentTasksTotal   *prometheus.CounterVec
	HealthCheckTotal  *prometheus.CounterVec
	HealthCheckLatency prometheus.Histogram

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	WorkerPoolInUse prometheus.Gauge
}

// New constructs and registers every metric under namespace, tagged with
// the given instance ID (mirroring the teacher's per-node_id ConstLabels).
func New(namespace, instanceID string) *Metrics {
	constLabels := prometheus.Labels{"instance_id": instanceID}

	return &Metrics{
		TasksDispatchedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tasks_dispatched_total",
			Help:        "Total tasks handed to an agent for execution, by selection path.",
			ConstLabels: constLabels,
		}, []string{"selection"}),
		TaskDispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "task_dispatch_latency_seconds",
			Help:        "Time spent waiting for an agent to become available before dispatch.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),

		TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tasks_total",
			Help:        "Total tasks completed, by task type and terminal status.",
			ConstLabels: constLabels,
		}, []string{"type", "status"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "task_duration_seconds",
			Help:        "Task execution duration, by task type.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"type"}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queue_depth",
			Help:        "Current number of tasks waiting in the priority queue.",
			ConstLabels: constLabels,
		}),
		QueueFullTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queue_full_total",
			Help:        "Total enqueue attempts rejected because the queue was at capacity.",
			ConstLabels: constLabels,
		}),

		AgentsTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "agents_total",
			Help:        "Current number of agents in each lifecycle state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		AgentTasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "agent_tasks_total",
			Help:        "Total tasks executed per agent, by terminal status.",
			ConstLabels: constLabels,
		}, []string{"agent_id", "status"}),
		HealthCheckTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "health_check_total",
			Help:        "Total agent health checks, by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		HealthCheckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "health_check_latency_seconds",
			Help:        "Latency of agent health check probes.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "circuit_breaker_state",
			Help:        "Circuit breaker state per agent (0=closed, 1=half_open, 2=open).",
			ConstLabels: constLabels,
		}, []string{"agent_id"}),
		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "circuit_breaker_trips_total",
			Help:        "Total times a circuit breaker transitioned to open, by agent.",
			ConstLabels: constLabels,
		}, []string{"agent_id"}),

		WorkerPoolInUse: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "worker_pool_in_use",
			Help:        "Current number of semaphore-bounded worker slots in use.",
			ConstLabels: constLabels,
		}),
	}
}

// RecordDispatch records a task handed off via the given selection path
// ("strict" or "fallback") after waiting latency for an agent.
func (m *Metrics) RecordDispatch(selection string, latency time.Duration) {
	m.TasksDispatchedTotal.WithLabelValues(selection).Inc()
	m.TaskDispatchLatency.Observe(latency.Seconds())
}

// RecordTaskComplete records a task's terminal outcome and duration.
func (m *Metrics) RecordTaskComplete(taskType, status string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordQueueFull increments the rejected-enqueue counter.
func (m *Metrics) RecordQueueFull() {
	m.QueueFullTotal.Inc()
}

// SetQueueDepth sets the current queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// SetAgentStateCounts replaces the agents_total gauge vector with the
// given per-state counts. Callers pass a fresh snapshot each tick.
func (m *Metrics) SetAgentStateCounts(counts map[string]int) {
	m.AgentsTotal.Reset()
	for state, count := range counts {
		m.AgentsTotal.WithLabelValues(state).Set(float64(count))
	}
}

// RecordAgentTask records one agent's completed task outcome.
func (m *Metrics) RecordAgentTask(agentID, status string) {
	m.AgentTasksTotal.WithLabelValues(agentID, status).Inc()
}

// RecordHealthCheck records a health check outcome ("ok" or "failed") and
// its probe latency.
func (m *Metrics) RecordHealthCheck(outcome string, latency time.Duration) {
	m.HealthCheckTotal.WithLabelValues(outcome).Inc()
	m.HealthCheckLatency.Observe(latency.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state gauge for agentID.
// state must be 0 (closed), 1 (half_open), or 2 (open).
func (m *Metrics) SetCircuitBreakerState(agentID string, state float64) {
	m.CircuitBreakerState.WithLabelValues(agentID).Set(state)
}

// RecordCircuitBreakerTrip increments the trip counter for agentID.
func (m *Metrics) RecordCircuitBreakerTrip(agentID string) {
	m.CircuitBreakerTrips.WithLabelValues(agentID).Inc()
}

// SetWorkerPoolInUse sets the current worker-pool occupancy gauge.
func (m *Metrics) SetWorkerPoolInUse(inUse int) {
	m.WorkerPoolInUse.Set(float64(inUse))
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format for this process's default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
