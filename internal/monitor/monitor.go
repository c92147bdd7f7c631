// Package monitor audits the session pool on a fixed schedule. It reaps sessions
// that stopped making progress, destroys idle sessions whose browser went away, and
// keeps a minimum number of warm sessions ready.
package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/pool"
)

var (
	metricSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "monitor",
		Name:      "sweeps_total",
		Help:      "Health sweeps completed.",
	})
	metricSweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserpool",
		Subsystem: "monitor",
		Name:      "sweep_actions_total",
		Help:      "Sessions acted on by the health sweep, by action.",
	}, []string{"action"})
)

// Report is what a single sweep did.
type Report struct {
	Reaped int
	Dead   int
	Warmed int
}

// Monitor periodically sweeps the pool for hung or dead sessions and keeps it warm.
type Monitor struct {
	pool     *pool.Pool
	interval time.Duration
	stale    time.Duration
	minWarm  int
	logger   *zap.Logger
}

// New creates a monitor for p. minWarm > 0 keeps that many sessions ready.
func New(cfg config.MonitorConfig, minWarm int, p *pool.Pool, logger *zap.Logger) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stale := cfg.StaleThreshold
	if stale <= 0 {
		stale = 2 * time.Minute
	}
	return &Monitor{
		pool:     p,
		interval: interval,
		stale:    stale,
		minWarm:  minWarm,
		logger:   logger.Named("monitor"),
	}
}

// Run sweeps every interval until ctx is done. The first sweep happens immediately
// so the pool is warmed at start-up.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Health monitor started.",
		zap.Duration("interval", m.interval),
		zap.Duration("stale_threshold", m.stale),
		zap.Int("min_warm", m.minWarm))

	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped.")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one audit pass. Hung sessions are reaped first so that their slots
// are counted as free when the pool is topped up.
func (m *Monitor) Sweep(ctx context.Context) Report {
	var r Report

	r.Reaped = m.pool.ReapStale(m.stale)
	r.Dead = m.pool.CheckIdle(ctx)

	if m.minWarm > 0 && ctx.Err() == nil {
		warmed, err := m.pool.EnsureWarm(ctx, m.minWarm)
		r.Warmed = warmed
		if err != nil {
			m.logger.Warn("Failed to warm sessions.", zap.Int("started", warmed), zap.Error(err))
		}
	}

	metricSweeps.Inc()
	metricSweepActions.WithLabelValues("reaped").Add(float64(r.Reaped))
	metricSweepActions.WithLabelValues("dead").Add(float64(r.Dead))
	metricSweepActions.WithLabelValues("warmed").Add(float64(r.Warmed))

	if r.Reaped+r.Dead+r.Warmed > 0 {
		st := m.pool.Stats()
		m.logger.Info("Sweep finished.",
			zap.Int("reaped", r.Reaped),
			zap.Int("dead", r.Dead),
			zap.Int("warmed", r.Warmed),
			zap.Int("idle", st.Idle),
			zap.Int("in_use", st.InUse),
			zap.Int("draining", st.Draining))
	}
	return r
}
