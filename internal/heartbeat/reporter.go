// Package heartbeat is the cluster-process side of the heartbeat protocol:
// a Reporter that POSTs one report per owned shard to the supervisor on a
// fixed interval.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/shardvisor/internal/cluster"
)

// DefaultInterval is how often a Reporter reports when no interval is set.
// It is well inside the supervisor's 30s liveness window.
const DefaultInterval = 10 * time.Second

// Counts are the per-shard user and guild counts a Sampler reports.
type Counts struct {
	Users  int
	Guilds int
}

// Sampler returns the current counts for a shard. ok is false when the
// shard has nothing to report yet, in which case the fields are omitted.
type Sampler func(shardID int) (c Counts, ok bool)

// Reporter sends heartbeats for a fixed set of shards.
type Reporter struct {
	url      string
	shards   []int
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	sample   Sampler
	started  time.Time

	mu      sync.Mutex
	latency map[int]float64
}

// NewReporter returns a Reporter posting to url for shards. A nil clock
// means the wall clock and a nil logger discards.
func NewReporter(url string, shards []int, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		url:      url,
		shards:   append([]int(nil), shards...),
		interval: interval,
		clock:    clk,
		logger:   logger,
		started:  clk.Now(),
		latency:  make(map[int]float64),
	}
}

// SetSampler installs the source of user and guild counts.
func (r *Reporter) SetSampler(fn Sampler) {
	r.sample = fn
}

// heartbeat builds the report for shardID. Latency is the round trip of
// the shard's previous report and is omitted until one has succeeded.
func (r *Reporter) heartbeat(shardID int) cluster.Heartbeat {
	id := shardID
	uptime := r.clock.Now().Sub(r.started).Seconds()
	hb := cluster.Heartbeat{ShardID: &id, Uptime: &uptime}

	r.mu.Lock()
	if l, ok := r.latency[shardID]; ok {
		hb.Latency = &l
	}
	r.mu.Unlock()

	if r.sample != nil {
		if c, ok := r.sample(shardID); ok {
			users, guilds := c.Users, c.Guilds
			hb.Users = &users
			hb.Guilds = &guilds
		}
	}
	return hb
}

// Report sends one heartbeat per shard. Every shard is attempted; the
// returned error combines the failures.
func (r *Reporter) Report(ctx context.Context) error {
	var errs error
	for _, shardID := range r.shards {
		start := r.clock.Now()
		if err := cluster.PostJSON(ctx, r.url, r.heartbeat(shardID), nil); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shard %d: %w", shardID, err))
			continue
		}
		r.mu.Lock()
		r.latency[shardID] = r.clock.Now().Sub(start).Seconds()
		r.mu.Unlock()
	}
	return errs
}

// Run reports immediately and then every interval until ctx is done.
// Failed reports are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reporting heartbeats",
		zap.String("url", r.url),
		zap.Ints("shards", r.shards),
		zap.Duration("interval", r.interval))

	for {
		if err := r.Report(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Heartbeat failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
