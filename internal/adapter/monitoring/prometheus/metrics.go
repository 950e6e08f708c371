// Package prometheus publishes engine metrics on the default registry.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_tasks_finished_total",
			Help: "Task attempts by terminal status (COMPLETED, FAILED, CANCELLED)",
		},
		[]string{"status"},
	)

	taskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_task_retries_total",
			Help: "Failed attempts that were requeued for another try",
		},
	)

	allocationDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_allocation_denied_total",
			Help: "All-or-nothing allocations denied, by first unsatisfiable resource",
		},
		[]string{"resource"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskforge_queue_depth",
			Help: "Tasks currently sitting in the pending queue",
		},
	)

	resourceUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_resource_utilization_percent",
			Help: "Percent of capacity currently reserved, per resource",
		},
		[]string{"resource"},
	)

	snapshotErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_snapshot_errors_total",
			Help: "State snapshot failures by operation (save, load)",
		},
		[]string{"operation"},
	)
)

// RecordTaskFinished counts one terminal attempt.
func RecordTaskFinished(status string) {
	tasksFinished.WithLabelValues(status).Inc()
}

// RecordRetry counts one requeued failure.
func RecordRetry() {
	taskRetries.Inc()
}

// RecordAllocationDenied counts a denied reservation against the resource
// that could not satisfy it.
func RecordAllocationDenied(resource string) {
	allocationDenied.WithLabelValues(resource).Inc()
}

// SetQueueDepth publishes the pending queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetResourceUtilization publishes one utilization reading.
func SetResourceUtilization(resource string, percent float64) {
	resourceUtilization.WithLabelValues(resource).Set(percent)
}

// RecordSnapshotError counts a persistence failure.
func RecordSnapshotError(operation string) {
	snapshotErrors.WithLabelValues(operation).Inc()
}

// Handler serves the default registry for an optional /metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
