package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StatusReporter logs one alive/down summary of every cluster per tick.
type StatusReporter struct {
	clock    clock.Clock
	logger   *zap.Logger
	alive    prometheus.Gauge
	interval time.Duration
	timeout  time.Duration
}

// NewStatusReporter creates a reporter that logs every interval and counts a
// cluster as alive while its heartbeat is at most timeout old.
func NewStatusReporter(interval, timeout time.Duration, clk clock.Clock, logger *zap.Logger) *StatusReporter {
	return &StatusReporter{
		clock:    clk,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// SetAliveGauge makes each tick record the number of alive clusters in g.
func (r *StatusReporter) SetAliveGauge(g prometheus.Gauge) {
	r.alive = g
}

// Start logs a summary every interval until ctx is done.
func (r *StatusReporter) Start(ctx context.Context, provider func() []Liveness) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runGuarded(r.logger, "status", func() {
				r.report(provider())
			})
		case <-ctx.Done():
			return
		}
	}
}

// report writes a single log record with one line per cluster and returns
// the number of alive clusters.
func (r *StatusReporter) report(clusters []Liveness) int {
	now := r.clock.Now()
	lines := make([]string, 0, len(clusters))
	alive := 0
	for _, c := range clusters {
		age := now.Sub(c.LastHeartbeat)
		state := "DOWN"
		if age <= r.timeout {
			state = "alive"
			alive++
		}
		lines = append(lines, fmt.Sprintf("Cluster %d: %s (last heartbeat %.1fs ago)", c.ClusterID, state, age.Seconds()))
	}

	if r.alive != nil {
		r.alive.Set(float64(alive))
	}
	r.logger.Info("Cluster status",
		zap.Int("alive", alive),
		zap.Int("total", len(clusters)),
		zap.String("clusters", strings.Join(lines, "\n")))
	return alive
}
