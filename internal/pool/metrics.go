package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "browserpool",
		Subsystem: "pool",
		Name:      "sessions",
		Help:      "Sessions currently in the pool by state.",
	}, []string{"state"})
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "pool",
		Name:      "sessions_created_total",
		Help:      "Browser sessions started.",
	})
	metricSessionsRetired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "pool",
		Name:      "sessions_retired_total",
		Help:      "Browser sessions destroyed, by reason.",
	}, []string{"reason"})
	metricCreateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "pool",
		Name:      "create_failures_total",
		Help:      "Session creations that failed.",
	})
	metricAcquireTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "pool",
		Name:      "acquire_timeouts_total",
		Help:      "Acquire calls that gave up because the pool stayed full.",
	})
	metricAcquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "browserpool",
		Subsystem: "pool",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for a session.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
	})
)

func recordCreated() {
	metricSessionsCreated.Inc()
}

func recordCreateFailure() {
	metricCreateFailures.Inc()
}

func recordRetired(reason string) {
	metricSessionsRetired.WithLabelValues(reason).Inc()
}

func recordAcquire(start time.Time, timedOut bool) {
	metricAcquireWait.Observe(time.Since(start).Seconds())
	if timedOut {
		metricAcquireTimeouts.Inc()
	}
}

func recordStates(idle, inUse, draining, creating int) {
	metricSessions.WithLabelValues("idle").Set(float64(idle))
	metricSessions.WithLabelValues("in_use").Set(float64(inUse))
	metricSessions.WithLabelValues("draining").Set(float64(draining))
	metricSessions.WithLabelValues("creating").Set(float64(creating))
}
