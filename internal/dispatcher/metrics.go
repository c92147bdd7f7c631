package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserpool",
		Subsystem: "dispatcher",
		Name:      "queue_depth",
		Help:      "Tasks waiting for a session.",
	})
	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserpool",
		Subsystem: "dispatcher",
		Name:      "tasks_in_flight",
		Help:      "Tasks currently executing on a session.",
	})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "dispatcher",
		Name:      "tasks_rejected_total",
		Help:      "Submissions refused at admission, by reason.",
	}, []string{"reason"})
	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "dispatcher",
		Name:      "task_retries_total",
		Help:      "Dispatch retries, by cause.",
	}, []string{"cause"})
	metricFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "dispatcher",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status", "code"})
	metricDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "browserpool",
		Subsystem: "dispatcher",
		Name:      "task_duration_seconds",
		Help:      "Time from submission to completion.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"status"})
)

func recordQueueDepth(n int) {
	metricQueueDepth.Set(float64(n))
}

func recordRejected(reason string) {
	metricRejected.WithLabelValues(reason).Inc()
}

func recordRetry(cause string) {
	metricRetries.WithLabelValues(cause).Inc()
}

func recordFinished(status, code string, submitted time.Time) {
	metricFinished.WithLabelValues(status, code).Inc()
	metricDuration.WithLabelValues(status).Observe(time.Since(submitted).Seconds())
}
