package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"gpusched/internal/device"
	"gpusched/internal/resilience"
)

var (
	tasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Total number of accepted task submissions",
		},
	)

	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	taskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "task_retries_total",
			Help:      "Retries and requeues by failure kind",
		},
		[]string{"kind"},
	)

	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks currently queued",
		},
	)

	runningTasksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "running_tasks",
			Help:      "Tasks currently running per device",
		},
		[]string{"device"},
	)

	placementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "placement_duration_seconds",
			Help:      "Time spent selecting and reserving a device",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	deviceStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "device",
			Name:      "status",
			Help:      "1 for the current status of each device, 0 otherwise",
		},
		[]string{"device", "status"},
	)

	breakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(
		tasksSubmittedTotal, tasksFinishedTotal, taskRetriesTotal, queueDepthGauge,
		runningTasksGauge, placementDuration, deviceStatusGauge, breakerStateGauge,
	)
}

// observeDeviceStatus is registered as a device.StatusListener.
func observeDeviceStatus(id string, from, to device.Status) {
	if from != "" {
		deviceStatusGauge.WithLabelValues(id, string(from)).Set(0)
	}
	deviceStatusGauge.WithLabelValues(id, string(to)).Set(1)
}

func observeBreakerState(name string, _, to resilience.State) {
	v := 0.0
	switch to {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	breakerStateGauge.WithLabelValues(name).Set(v)
}
