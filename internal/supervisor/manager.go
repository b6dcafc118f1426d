package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardvisor/internal/cluster"
)

// Defaults applied by NewManager to zero Options fields.
const (
	DefaultHeartbeatHost    = "0.0.0.0"
	DefaultHeartbeatPort    = 8000
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultMonitorInterval  = 60 * time.Second
	DefaultStatusInterval   = 30 * time.Second
	DefaultStopGrace        = 10 * time.Second
	DefaultLogDir           = "logs"
)

var (
	// ErrUnknownCluster is returned for a cluster id outside the table.
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrRestartInProgress is returned when a restart is requested for a
	// cluster that is already being restarted.
	ErrRestartInProgress = errors.New("restart already in progress")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("manager closed")
)

// Options configures a Manager.
type Options struct {
	ShardsPerCluster int
	NumClusters      int

	// HeartbeatHost and HeartbeatPort are where the control plane listens
	// and what cluster processes are told to report to. Port 0 picks a free
	// port at Run time.
	HeartbeatHost string
	HeartbeatPort int

	HeartbeatTimeout time.Duration
	MonitorInterval  time.Duration
	StatusInterval   time.Duration

	// StopGrace is how long a cluster process gets between SIGTERM and
	// SIGKILL.
	StopGrace time.Duration

	// Spawner starts cluster processes. Required.
	Spawner Spawner

	// OpenSink opens a cluster's log sink. Defaults to FileSinks(LogDir).
	OpenSink SinkOpener
	LogDir   string

	Clock    clock.Clock
	Logger   *zap.Logger
	Registry *prometheus.Registry
}

// clusterProcess is the manager's record of one cluster. The id and shard
// range never change; the process, sink and metrics are replaced on restart.
type clusterProcess struct {
	id            int
	shards        cluster.ShardRange
	proc          Process
	sink          io.WriteCloser
	instanceID    string
	lastHeartbeat time.Time
	metrics       map[int]cluster.ShardInfo
	restarts      int
	restarting    bool
}

// Liveness is a point-in-time view of a cluster used by the Monitor and the
// StatusReporter.
type Liveness struct {
	ClusterID     int
	LastHeartbeat time.Time
	Restarting    bool
}

// Manager owns every cluster process, ingests their heartbeats and restarts
// the ones that go quiet.
//
// Concurrency Model:
//   - mu guards the cluster table and every per-cluster metrics map
//   - spawning and terminating happen outside mu, so a slow process never
//     blocks heartbeat ingestion
//   - a cluster is marked restarting while its restart is in flight; a
//     second restart of the same cluster is refused
//
// Example:
//
//	m, err := NewManager(Options{
//	    ShardsPerCluster: 4,
//	    NumClusters:      3,
//	    Spawner:          &ExecSpawner{Command: []string{"python", "bot.py"}},
//	    Logger:           logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return m.Run(ctx)
type Manager struct {
	opts     Options
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *Metrics
	registry *prometheus.Registry

	mu       sync.RWMutex
	clusters map[int]*clusterProcess
	addr     string
	closed   bool

	// wg tracks process watchers.
	wg sync.WaitGroup
}

// NewManager validates opts and builds the cluster table. No process is
// started until Launch or Run.
func NewManager(opts Options) (*Manager, error) {
	ranges, err := cluster.Partition(opts.ShardsPerCluster, opts.NumClusters)
	if err != nil {
		return nil, err
	}
	if opts.Spawner == nil {
		return nil, errors.New("spawner is required")
	}
	if opts.HeartbeatPort < 0 || opts.HeartbeatPort > 65535 {
		return nil, fmt.Errorf("heartbeat port %d out of range", opts.HeartbeatPort)
	}

	if opts.HeartbeatHost == "" {
		opts.HeartbeatHost = DefaultHeartbeatHost
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.LogDir == "" {
		opts.LogDir = DefaultLogDir
	}
	if opts.OpenSink == nil {
		opts.OpenSink = FileSinks(opts.LogDir)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	metrics := NewMetrics()
	if err := registerAll(opts.Registry, metrics.PrometheusCollectors()); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	m := &Manager{
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  metrics,
		registry: opts.Registry,
		clusters: make(map[int]*clusterProcess, len(ranges)),
	}
	for id, r := range ranges {
		m.clusters[id] = &clusterProcess{
			id:      id,
			shards:  r,
			metrics: make(map[int]cluster.ShardInfo),
		}
	}
	return m, nil
}

func registerAll(reg prometheus.Registerer, collectors []prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// TotalShards is ShardsPerCluster * NumClusters.
func (m *Manager) TotalShards() int {
	return m.opts.ShardsPerCluster * m.opts.NumClusters
}

// Addr returns the bound control-plane address, or "" before Run binds it.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

func (m *Manager) heartbeatPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.addr != "" {
		if _, port, err := net.SplitHostPort(m.addr); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				return p
			}
		}
	}
	return m.opts.HeartbeatPort
}

func (m *Manager) assignment(id int, instanceID string) cluster.Assignment {
	return cluster.Assignment{
		ClusterID:     id,
		TotalShards:   m.TotalShards(),
		Shards:        m.clusters[id].shards,
		HeartbeatHost: m.opts.HeartbeatHost,
		HeartbeatPort: m.heartbeatPort(),
		InstanceID:    instanceID,
	}
}

// spawn opens a fresh sink and starts a process for cluster id. On failure
// nothing is left open.
func (m *Manager) spawn(ctx context.Context, id int) (Process, io.WriteCloser, string, error) {
	instanceID := uuid.NewString()
	sink, err := m.opts.OpenSink(id)
	if err != nil {
		return nil, nil, "", err
	}
	proc, err := m.opts.Spawner.Spawn(ctx, m.assignment(id, instanceID), sink)
	if err != nil {
		_ = sink.Close()
		return nil, nil, "", err
	}
	return proc, sink, instanceID, nil
}

// attach installs a freshly spawned process as cluster id's current one and
// resets its heartbeat state.
func (m *Manager) attach(id int, proc Process, sink io.WriteCloser, instanceID string, restarted bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = proc.Terminate(m.opts.StopGrace)
		_ = sink.Close()
		return ErrClosed
	}
	c := m.clusters[id]
	c.proc = proc
	c.sink = sink
	c.instanceID = instanceID
	c.metrics = make(map[int]cluster.ShardInfo)
	c.lastHeartbeat = m.clock.Now()
	if restarted {
		c.restarts++
	}
	// The watcher is counted under mu: Close sets closed under mu and only
	// then waits on wg.
	m.wg.Add(1)
	m.mu.Unlock()

	m.watch(id, instanceID, proc)
	return nil
}

// watch logs when a process exits on its own. Exits of processes the
// manager already detached are expected and logged at debug level. The
// caller must have added to m.wg.
func (m *Manager) watch(id int, instanceID string, proc Process) {
	go func() {
		defer m.wg.Done()
		<-proc.Done()

		m.mu.RLock()
		current := m.clusters[id].proc == proc
		m.mu.RUnlock()

		fields := []zap.Field{
			zap.Int("cluster_id", id),
			zap.Int("pid", proc.PID()),
			zap.String("instance_id", instanceID),
			zap.Error(proc.Err()),
		}
		if current {
			m.logger.Warn("Cluster process exited", fields...)
			return
		}
		m.logger.Debug("Cluster process stopped", fields...)
	}()
}

// Launch starts one process per cluster. A spawn failure is returned
// immediately; clusters launched before it keep running until Close.
func (m *Manager) Launch(ctx context.Context) error {
	for id := 0; id < m.opts.NumClusters; id++ {
		proc, sink, instanceID, err := m.spawn(ctx, id)
		if err != nil {
			return fmt.Errorf("launch cluster %d: %w", id, err)
		}
		if err := m.attach(id, proc, sink, instanceID, false); err != nil {
			return fmt.Errorf("launch cluster %d: %w", id, err)
		}
		m.logger.Info("Launched cluster",
			zap.Int("cluster_id", id),
			zap.Stringer("shards", m.clusters[id].shards),
			zap.Int("pid", proc.PID()),
			zap.String("instance_id", instanceID))
	}
	return nil
}

// Restart replaces cluster id's process with a new one owning the same
// shard range. The old process is terminated best-effort and its sink is
// closed. If the replacement cannot be spawned the cluster is left without a
// process and keeps its stale heartbeat, so the next monitor tick retries.
func (m *Manager) Restart(ctx context.Context, id int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	c, ok := m.clusters[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownCluster, id)
	}
	if c.restarting {
		m.mu.Unlock()
		return fmt.Errorf("cluster %d: %w", id, ErrRestartInProgress)
	}
	c.restarting = true
	oldProc, oldSink := c.proc, c.sink
	c.proc, c.sink = nil, nil
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		c.restarting = false
		m.mu.Unlock()
	}()

	log := m.logger.With(zap.Int("cluster_id", id))
	if oldProc != nil {
		if err := oldProc.Terminate(m.opts.StopGrace); err != nil {
			log.Warn("Failed to terminate cluster process", zap.Int("pid", oldProc.PID()), zap.Error(err))
		}
	}
	if oldSink != nil {
		if err := oldSink.Close(); err != nil {
			log.Warn("Failed to close cluster log", zap.Error(err))
		}
	}

	proc, sink, instanceID, err := m.spawn(ctx, id)
	if err != nil {
		m.metrics.RestartFailures.WithLabelValues(strconv.Itoa(id)).Inc()
		return fmt.Errorf("restart cluster %d: %w", id, err)
	}
	if err := m.attach(id, proc, sink, instanceID, true); err != nil {
		return fmt.Errorf("restart cluster %d: %w", id, err)
	}
	m.metrics.Restarts.WithLabelValues(strconv.Itoa(id)).Inc()
	log.Info("Restarted cluster", zap.Int("pid", proc.PID()), zap.String("instance_id", instanceID))
	return nil
}

// Ingest applies a heartbeat. It reports whether the heartbeat was routed
// to a cluster; unroutable heartbeats change nothing.
func (m *Manager) Ingest(hb cluster.Heartbeat) bool {
	if hb.ShardID == nil {
		m.metrics.DroppedHeartbeats.WithLabelValues(dropMalformed).Inc()
		return false
	}
	shardID := *hb.ShardID
	id := cluster.ClusterIDFor(shardID, m.opts.ShardsPerCluster)

	m.mu.Lock()
	c, ok := m.clusters[id]
	if !ok {
		m.mu.Unlock()
		m.metrics.DroppedHeartbeats.WithLabelValues(dropUnroutable).Inc()
		return false
	}
	now := m.clock.Now()
	c.lastHeartbeat = now
	c.metrics[shardID] = cluster.ShardInfoFrom(hb, now)
	m.mu.Unlock()

	m.metrics.Heartbeats.Inc()
	return true
}

// Health builds the aggregated health report. It only reads state.
func (m *Manager) Health() cluster.HealthReport {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	report := cluster.HealthReport{Clusters: make(map[string]cluster.ClusterHealth, len(m.clusters))}
	for id, c := range m.clusters {
		ch := cluster.ClusterHealth{
			StartShard:            c.shards.Start,
			EndShard:              c.shards.End,
			LastHeartbeat:         c.lastHeartbeat,
			SecondsSinceHeartbeat: now.Sub(c.lastHeartbeat).Seconds(),
			Alive:                 now.Sub(c.lastHeartbeat) <= m.opts.HeartbeatTimeout,
			Restarts:              c.restarts,
			Shards:                make([]cluster.ShardHealth, 0, len(c.metrics)),
		}
		if c.proc != nil {
			ch.PID = c.proc.PID()
		}

		shardIDs := make([]int, 0, len(c.metrics))
		for shardID := range c.metrics {
			shardIDs = append(shardIDs, shardID)
		}
		slices.Sort(shardIDs)

		for _, shardID := range shardIDs {
			info := c.metrics[shardID]
			if info.Users != nil {
				ch.Users += *info.Users
			}
			if info.Guilds != nil {
				ch.Guilds += *info.Guilds
			}
			ch.Shards = append(ch.Shards, cluster.ShardHealth{
				ID:               shardID,
				Latency:          info.Latency,
				Users:            info.Users,
				Guilds:           info.Guilds,
				Uptime:           info.Uptime,
				SecondsSinceSeen: now.Sub(info.LastSeen).Seconds(),
			})
		}

		report.Users += ch.Users
		report.Guilds += ch.Guilds
		report.Clusters[strconv.Itoa(id)] = ch
	}
	return report
}

// Liveness returns every cluster's heartbeat state ordered by cluster id.
func (m *Manager) Liveness() []Liveness {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Liveness, 0, len(m.clusters))
	for id, c := range m.clusters {
		out = append(out, Liveness{
			ClusterID:     id,
			LastHeartbeat: c.lastHeartbeat,
			Restarting:    c.restarting,
		})
	}
	slices.SortFunc(out, func(a, b Liveness) int { return a.ClusterID - b.ClusterID })
	return out
}

// Run binds the control plane, launches every cluster, then serves
// heartbeats and health while the Monitor and StatusReporter run. It
// returns when ctx is done or a component fails, after stopping every
// cluster process.
//
// The listener is bound before any process is spawned so that processes
// are never handed an endpoint that cannot be served.
func (m *Manager) Run(ctx context.Context) error {
	addr := net.JoinHostPort(m.opts.HeartbeatHost, strconv.Itoa(m.opts.HeartbeatPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	m.mu.Lock()
	m.addr = ln.Addr().String()
	m.mu.Unlock()
	m.logger.Info("Control plane listening", zap.String("addr", ln.Addr().String()))

	if err := m.Launch(ctx); err != nil {
		_ = ln.Close()
		return multierr.Append(err, m.Close())
	}

	srv := &http.Server{
		Handler:           NewServer(m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	monitor := NewMonitor(m.opts.MonitorInterval, m.opts.HeartbeatTimeout, m.clock, m.logger)
	monitor.SetOnStale(m.Restart)

	status := NewStatusReporter(m.opts.StatusInterval, m.opts.HeartbeatTimeout, m.clock, m.logger)
	status.SetAliveGauge(m.metrics.ClustersAlive)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Start(gctx, m.Liveness)
		return nil
	})
	g.Go(func() error {
		status.Start(gctx, m.Liveness)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve control plane: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	m.logger.Info("Stopping clusters")
	return multierr.Append(err, m.Close())
}

// Close terminates every cluster process and closes every log sink. It is
// safe to call more than once.
func (m *Manager) Close() error {
	type owned struct {
		id   int
		proc Process
		sink io.WriteCloser
	}

	m.mu.Lock()
	m.closed = true
	all := make([]owned, 0, len(m.clusters))
	for id, c := range m.clusters {
		all = append(all, owned{id: id, proc: c.proc, sink: c.sink})
		c.proc, c.sink = nil, nil
	}
	m.mu.Unlock()

	errs := make([]error, len(all))
	var wg sync.WaitGroup
	for i, o := range all {
		wg.Add(1)
		go func(i int, o owned) {
			defer wg.Done()
			if o.proc != nil {
				if err := o.proc.Terminate(m.opts.StopGrace); err != nil {
					errs[i] = multierr.Append(errs[i], fmt.Errorf("terminate cluster %d: %w", o.id, err))
				}
			}
			if o.sink != nil {
				if err := o.sink.Close(); err != nil {
					errs[i] = multierr.Append(errs[i], fmt.Errorf("close cluster %d log: %w", o.id, err))
				}
			}
		}(i, o)
	}
	wg.Wait()
	m.wg.Wait()
	return multierr.Combine(errs...)
}
