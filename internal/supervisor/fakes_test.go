package supervisor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/shardvisor/internal/cluster"
)

type fakeProcess struct {
	pid          int
	done         chan struct{}
	once         sync.Once
	terminateErr error
	terminated   atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.terminated.Add(1)
	p.exit()
	return p.terminateErr
}

// fakeSpawner records every assignment and hands out fakeProcesses.
type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	spawned  []cluster.Assignment
	procs    map[int][]*fakeProcess
	failures map[int]error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPID:  1000,
		procs:    make(map[int][]*fakeProcess),
		failures: make(map[int]error),
	}
}

func (s *fakeSpawner) Spawn(ctx context.Context, a cluster.Assignment, _ io.Writer) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.failures[a.ClusterID]; err != nil {
		return nil, err
	}
	s.nextPID++
	p := newFakeProcess(s.nextPID)
	s.spawned = append(s.spawned, a)
	s.procs[a.ClusterID] = append(s.procs[a.ClusterID], p)
	return p, nil
}

func (s *fakeSpawner) setFailure(clusterID int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, clusterID)
		return
	}
	s.failures[clusterID] = err
}

func (s *fakeSpawner) spawnCount(clusterID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs[clusterID])
}

func (s *fakeSpawner) latest(clusterID int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := s.procs[clusterID]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

func (s *fakeSpawner) assignments() []cluster.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cluster.Assignment(nil), s.spawned...)
}

// fakeSinks counts opens and closes per cluster.
type fakeSinks struct {
	mu     sync.Mutex
	opened map[int]int
	closed map[int]int
	fail   map[int]error
}

func newFakeSinks() *fakeSinks {
	return &fakeSinks{
		opened: make(map[int]int),
		closed: make(map[int]int),
		fail:   make(map[int]error),
	}
}

func (f *fakeSinks) open(clusterID int) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[clusterID]; err != nil {
		return nil, err
	}
	f.opened[clusterID]++
	return &fakeSink{parent: f, id: clusterID}, nil
}

func (f *fakeSinks) counts(clusterID int) (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[clusterID], f.closed[clusterID]
}

type fakeSink struct {
	parent *fakeSinks
	id     int
}

func (s *fakeSink) Write(p []byte) (int, error) { return len(p), nil }

func (s *fakeSink) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.closed[s.id]++
	return nil
}

type testEnv struct {
	manager *Manager
	spawner *fakeSpawner
	sinks   *fakeSinks
	clock   *clock.Mock
	logs    *observer.ObservedLogs
}

// newTestEnv builds a manager over fakes. The manager is closed when the
// test ends.
func newTestEnv(t *testing.T, shardsPerCluster, numClusters int) *testEnv {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	env := &testEnv{
		spawner: newFakeSpawner(),
		sinks:   newFakeSinks(),
		clock:   clock.NewMock(),
		logs:    logs,
	}
	m, err := NewManager(Options{
		ShardsPerCluster: shardsPerCluster,
		NumClusters:      numClusters,
		HeartbeatPort:    8000,
		Spawner:          env.spawner,
		OpenSink:         env.sinks.open,
		Clock:            env.clock,
		Logger:           zap.New(core),
	})
	require.NoError(t, err)
	env.manager = m
	t.Cleanup(func() { _ = m.Close() })
	return env
}

// launched is newTestEnv followed by a successful Launch.
func launched(t *testing.T, shardsPerCluster, numClusters int) *testEnv {
	t.Helper()
	env := newTestEnv(t, shardsPerCluster, numClusters)
	require.NoError(t, env.manager.Launch(context.Background()))
	return env
}

func heartbeat(shardID, users, guilds int) cluster.Heartbeat {
	return cluster.Heartbeat{ShardID: &shardID, Users: &users, Guilds: &guilds}
}

// metricValue reads the current value of a counter or gauge.
func metricValue(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}
