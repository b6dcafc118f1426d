// Package worker is a minimal cluster process. It owns the shards in its
// assignment and reports a heartbeat for each of them until stopped. It
// stands in for a real bot cluster and documents the child contract.
package worker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/shardvisor/internal/cluster"
	"github.com/dreamware/shardvisor/internal/heartbeat"
)

// Options tunes a worker.
type Options struct {
	// Interval between heartbeat rounds. Zero means heartbeat.DefaultInterval.
	Interval time.Duration

	// Users and Guilds are reported for every shard.
	Users  int
	Guilds int

	// HangAfter stops heartbeats after this long while the process keeps
	// running, which the supervisor sees as a stale cluster. Zero never hangs.
	HangAfter time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// Run reports heartbeats for a's shards until ctx is done.
func Run(ctx context.Context, a cluster.Assignment, opts Options) error {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(
		zap.Int("cluster_id", a.ClusterID),
		zap.String("instance_id", a.InstanceID))

	logger.Info("Cluster starting",
		zap.Stringer("shards", a.Shards),
		zap.Int("total_shards", a.TotalShards))

	r := heartbeat.NewReporter(a.HeartbeatURL(), a.Shards.ShardIDs(), opts.Interval, opts.Clock, logger)
	r.SetSampler(func(int) (heartbeat.Counts, bool) {
		return heartbeat.Counts{Users: opts.Users, Guilds: opts.Guilds}, true
	})

	reportCtx, stopReporting := context.WithCancel(ctx)
	defer stopReporting()
	if opts.HangAfter > 0 {
		t := opts.Clock.AfterFunc(opts.HangAfter, stopReporting)
		defer t.Stop()
	}

	r.Run(reportCtx)
	if ctx.Err() == nil {
		logger.Warn("Heartbeats stopped, cluster hung")
		<-ctx.Done()
	}

	logger.Info("Cluster stopped")
	return nil
}
