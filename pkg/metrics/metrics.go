package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_devices_total",
			Help: "Total number of devices by role and status",
		},
		[]string{"role", "status"},
	)

	DeviceActiveTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_device_active_tasks",
			Help: "Active task count per device",
		},
		[]string{"device_id"},
	)

	// Connection metrics
	ConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_connections_open",
			Help: "Currently open worker connections",
		},
	)

	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_connections_rejected_total",
			Help: "Connections rejected or dropped, by reason",
		},
		[]string{"reason"},
	)

	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_protocol_errors_total",
			Help: "Inbound messages with undecodable data or an unrecognized message_type, by message_type",
		},
		[]string{"message_type"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_queue_depth",
			Help: "Pending task count per priority band",
		},
		[]string{"priority"},
	)

	TasksQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_queued_total",
			Help: "Total tasks enqueued, by priority",
		},
		[]string{"priority"},
	)

	QueueFullRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_queue_full_rejections_total",
			Help: "Submissions rejected because the queue was at capacity",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_scheduling_latency_seconds",
			Help:    "Time from dequeue to dispatch send",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_dispatched_total",
			Help: "Total dispatch attempts sent to devices",
		},
	)

	TasksSucceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_succeeded_total",
			Help: "Total tasks that reached state=success",
		},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_failed_total",
			Help: "Total tasks that reached a terminal failure state, by reason",
		},
		[]string{"reason"},
	)

	TasksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_retried_total",
			Help: "Total re-enqueues due to retryable failure, timeout, or device loss",
		},
	)

	InFlightTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_tasks_in_flight",
			Help: "Tasks currently assigned or running",
		},
	)

	// Heartbeat metrics
	DeviceTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_device_timeouts_total",
			Help: "Devices transitioned offline by the heartbeat sweep",
		},
	)

	TaskTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_task_timeouts_total",
			Help: "In-flight tasks transitioned by the timeout sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DevicesTotal,
		DeviceActiveTasks,
		ConnectionsOpen,
		ConnectionsRejected,
		ProtocolErrorsTotal,
		QueueDepth,
		TasksQueuedTotal,
		QueueFullRejections,
		SchedulingLatency,
		TasksDispatchedTotal,
		TasksSucceededTotal,
		TasksFailedTotal,
		TasksRetriedTotal,
		InFlightTasks,
		DeviceTimeoutsTotal,
		TaskTimeoutsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
