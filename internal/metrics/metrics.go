// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesOnline tracks the number of currently online devices.
	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retire_cluster_devices_online",
		Help: "Number of devices currently online",
	})

	// DevicesRegistered tracks all known devices, online or not.
	DevicesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retire_cluster_devices_registered",
		Help: "Number of devices known to the registry",
	})

	// QueueDepth tracks queued tasks per priority band.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "retire_cluster_queue_depth",
		Help: "Queued tasks per priority band",
	}, []string{"priority"})

	// TasksInFlight tracks dispatched but unresolved tasks.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retire_cluster_tasks_in_flight",
		Help: "Tasks dispatched and awaiting a result",
	})

	// TasksTotal counts terminal task outcomes.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retire_cluster_tasks_total",
		Help: "Terminal task outcomes by state",
	}, []string{"state"})

	// TaskRetries counts re-enqueues after retryable failures.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retire_cluster_task_retries_total",
		Help: "Task re-enqueues after retryable failures",
	})

	// DispatchDuration observes queue-to-dispatch latency.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retire_cluster_dispatch_duration_seconds",
		Help:    "Time from task submission to dispatch",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
	})

	// TaskExecutionDuration observes worker-reported execution time.
	TaskExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retire_cluster_task_execution_seconds",
		Help:    "Worker-reported task execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retire_cluster_http_requests_total",
		Help: "API requests by method, path and status",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration observes API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retire_cluster_http_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// ConnectionsActive tracks live worker TCP connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retire_cluster_connections_active",
		Help: "Live worker connections",
	})

	// ProtocolErrors counts connection-terminal protocol faults.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retire_cluster_protocol_errors_total",
		Help: "Connection-terminal protocol faults",
	})
)
