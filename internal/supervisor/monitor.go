package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Monitor periodically scans every cluster and restarts the ones whose last
// heartbeat is older than the timeout. Staleness is only noticed at tick
// boundaries.
//
// Each restart runs in its own goroutine, so one slow process does not delay
// the others and a failed restart does not stop the scan. A failed cluster
// keeps its stale heartbeat and is retried on the next tick.
type Monitor struct {
	clock    clock.Clock
	logger   *zap.Logger
	onStale  func(ctx context.Context, clusterID int) error
	interval time.Duration
	timeout  time.Duration
	wg       sync.WaitGroup // in-flight restarts
}

// NewMonitor creates a monitor that ticks every interval and treats a
// heartbeat older than timeout as stale.
func NewMonitor(interval, timeout time.Duration, clk clock.Clock, logger *zap.Logger) *Monitor {
	return &Monitor{
		clock:    clk,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// SetOnStale sets the function called for each stale cluster, normally
// Manager.Restart.
func (m *Monitor) SetOnStale(fn func(ctx context.Context, clusterID int) error) {
	m.onStale = fn
}

// Start runs the monitor loop until ctx is done, then waits for in-flight
// restarts to return.
//
// Example:
//
//	monitor := NewMonitor(time.Minute, 30*time.Second, clock.New(), logger)
//	monitor.SetOnStale(manager.Restart)
//	go monitor.Start(ctx, manager.Liveness)
func (m *Monitor) Start(ctx context.Context, provider func() []Liveness) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	defer m.wg.Wait()

	m.logger.Info("Monitor started", zap.Duration("interval", m.interval), zap.Duration("timeout", m.timeout))

	for {
		select {
		case <-ticker.C:
			runGuarded(m.logger, "monitor", func() {
				m.checkAll(ctx, provider())
			})
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return
		}
	}
}

// checkAll starts a restart for every stale cluster that is not already
// restarting and returns how many it started.
func (m *Monitor) checkAll(ctx context.Context, clusters []Liveness) int {
	now := m.clock.Now()
	started := 0
	for _, c := range clusters {
		age := now.Sub(c.LastHeartbeat)
		if age <= m.timeout {
			continue
		}
		if c.Restarting {
			m.logger.Debug("Stale cluster already restarting", zap.Int("cluster_id", c.ClusterID))
			continue
		}

		m.logger.Warn("Cluster heartbeat stale, restarting",
			zap.Int("cluster_id", c.ClusterID),
			zap.Duration("since_heartbeat", age))

		started++
		m.wg.Add(1)
		go m.restart(ctx, c.ClusterID)
	}
	return started
}

func (m *Monitor) restart(ctx context.Context, clusterID int) {
	defer m.wg.Done()
	runGuarded(m.logger, "restart", func() {
		if m.onStale == nil {
			return
		}
		if err := m.onStale(ctx, clusterID); err != nil {
			m.logger.Error("Cluster restart failed", zap.Int("cluster_id", clusterID), zap.Error(err))
		}
	})
}

// Wait blocks until every restart started so far has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
