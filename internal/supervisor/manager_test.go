package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardvisor/internal/cluster"
)

var errSpawn = errors.New("spawn failed")

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero shards per cluster", Options{ShardsPerCluster: 0, NumClusters: 2, Spawner: newFakeSpawner()}},
		{"zero clusters", Options{ShardsPerCluster: 2, NumClusters: 0, Spawner: newFakeSpawner()}},
		{"missing spawner", Options{ShardsPerCluster: 2, NumClusters: 2}},
		{"port out of range", Options{ShardsPerCluster: 2, NumClusters: 2, HeartbeatPort: 70000, Spawner: newFakeSpawner()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m, err := NewManager(Options{ShardsPerCluster: 3, NumClusters: 4, Spawner: newFakeSpawner()})
	require.NoError(t, err)

	assert.Equal(t, 12, m.TotalShards())
	assert.Equal(t, DefaultHeartbeatHost, m.opts.HeartbeatHost)
	assert.Equal(t, DefaultHeartbeatTimeout, m.opts.HeartbeatTimeout)
	assert.Equal(t, DefaultMonitorInterval, m.opts.MonitorInterval)
	assert.Equal(t, DefaultStatusInterval, m.opts.StatusInterval)
	assert.Len(t, m.clusters, 4)
	assert.Empty(t, m.Addr())
}

// TestLaunch verifies one process per cluster with disjoint ranges and the
// heartbeat endpoint in every assignment.
func TestLaunch(t *testing.T) {
	env := launched(t, 2, 3)

	assignments := env.spawner.assignments()
	require.Len(t, assignments, 3)

	instanceIDs := make(map[string]bool)
	for i, a := range assignments {
		assert.Equal(t, i, a.ClusterID)
		assert.Equal(t, 6, a.TotalShards)
		assert.Equal(t, cluster.ShardRange{Start: i * 2, End: i*2 + 2}, a.Shards)
		assert.Equal(t, DefaultHeartbeatHost, a.HeartbeatHost)
		assert.Equal(t, 8000, a.HeartbeatPort)
		assert.NotEmpty(t, a.InstanceID)
		instanceIDs[a.InstanceID] = true

		opened, closed := env.sinks.counts(i)
		assert.Equal(t, 1, opened)
		assert.Equal(t, 0, closed)
	}
	assert.Len(t, instanceIDs, 3)

	report := env.manager.Health()
	for id := 0; id < 3; id++ {
		c := report.Clusters[fmt.Sprint(id)]
		assert.True(t, c.Alive)
		assert.Equal(t, env.clock.Now(), c.LastHeartbeat)
		assert.Equal(t, env.spawner.latest(id).PID(), c.PID)
	}
}

func TestLaunchSpawnFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, 2, 3)
	env.spawner.setFailure(1, errSpawn)

	err := env.manager.Launch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errSpawn)
	assert.Contains(t, err.Error(), "launch cluster 1")

	assert.Equal(t, 1, env.spawner.spawnCount(0))
	assert.Equal(t, 0, env.spawner.spawnCount(2))

	// The sink opened for the failed spawn is not leaked.
	opened, closed := env.sinks.counts(1)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)

	// Clusters already launched are stopped by Close.
	first := env.spawner.latest(0)
	require.NoError(t, env.manager.Close())
	assert.EqualValues(t, 1, first.terminated.Load())
}

func TestLaunchSinkFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, 1, 2)
	env.sinks.fail[0] = errors.New("disk full")

	err := env.manager.Launch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, env.spawner.spawnCount(0))
}

// TestRestartPreservesRange checks that a restart swaps process and sink,
// clears shard metrics and resets the heartbeat while keeping the range.
func TestRestartPreservesRange(t *testing.T) {
	env := launched(t, 2, 2)
	m := env.manager

	require.True(t, m.Ingest(heartbeat(3, 10, 2)))
	env.clock.Add(45 * time.Second)

	old := env.spawner.latest(1)
	require.NoError(t, m.Restart(context.Background(), 1))

	assert.EqualValues(t, 1, old.terminated.Load())
	opened, closed := env.sinks.counts(1)
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, closed)

	assignments := env.spawner.assignments()
	last := assignments[len(assignments)-1]
	assert.Equal(t, 1, last.ClusterID)
	assert.Equal(t, cluster.ShardRange{Start: 2, End: 4}, last.Shards)
	assert.NotEqual(t, assignments[1].InstanceID, last.InstanceID)

	c := m.Health().Clusters["1"]
	assert.Equal(t, 2, c.StartShard)
	assert.Equal(t, 4, c.EndShard)
	assert.Empty(t, c.Shards)
	assert.Zero(t, c.Users)
	assert.Equal(t, env.clock.Now(), c.LastHeartbeat)
	assert.True(t, c.Alive, "a just restarted cluster reads as alive")
	assert.Equal(t, 1, c.Restarts)
	assert.Equal(t, env.spawner.latest(1).PID(), c.PID)

	// Cluster 0 is untouched.
	c0 := m.Health().Clusters["0"]
	assert.Equal(t, 0, c0.Restarts)
	assert.EqualValues(t, 0, env.spawner.latest(0).terminated.Load())

	assert.Equal(t, 1.0, metricValue(m.metrics.Restarts.WithLabelValues("1")))
}

func TestRestartIgnoresTerminateError(t *testing.T) {
	env := launched(t, 1, 1)
	env.spawner.latest(0).terminateErr = errors.New("no such process")

	require.NoError(t, env.manager.Restart(context.Background(), 0))
	assert.Equal(t, 2, env.spawner.spawnCount(0))
	assert.Equal(t, 1, env.logs.FilterMessage("Failed to terminate cluster process").Len())
}

// TestRestartSpawnFailureLeavesClusterStale checks the degraded state after
// a failed restart and recovery on the next attempt.
func TestRestartSpawnFailureLeavesClusterStale(t *testing.T) {
	env := launched(t, 2, 2)
	m := env.manager

	env.clock.Add(45 * time.Second)
	env.spawner.setFailure(0, errSpawn)

	err := m.Restart(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errSpawn)

	c := m.Health().Clusters["0"]
	assert.False(t, c.Alive)
	assert.Zero(t, c.PID)
	assert.InDelta(t, 45.0, c.SecondsSinceHeartbeat, 0.001)
	assert.Equal(t, 1.0, metricValue(m.metrics.RestartFailures.WithLabelValues("0")))

	stale := m.Liveness()[0]
	assert.False(t, stale.Restarting)

	env.spawner.setFailure(0, nil)
	require.NoError(t, m.Restart(context.Background(), 0))
	c = m.Health().Clusters["0"]
	assert.True(t, c.Alive)
	assert.NotZero(t, c.PID)
	assert.Equal(t, 1, c.Restarts)
}

func TestRestartUnknownCluster(t *testing.T) {
	env := launched(t, 2, 2)

	err := env.manager.Restart(context.Background(), 7)
	assert.ErrorIs(t, err, ErrUnknownCluster)
}

func TestRestartInProgress(t *testing.T) {
	env := launched(t, 2, 2)
	env.manager.mu.Lock()
	env.manager.clusters[0].restarting = true
	env.manager.mu.Unlock()

	err := env.manager.Restart(context.Background(), 0)
	assert.ErrorIs(t, err, ErrRestartInProgress)
	assert.Equal(t, 1, env.spawner.spawnCount(0))

	env.manager.mu.Lock()
	env.manager.clusters[0].restarting = false
	env.manager.mu.Unlock()
}

func TestRestartAfterClose(t *testing.T) {
	env := launched(t, 2, 2)
	require.NoError(t, env.manager.Close())

	err := env.manager.Restart(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name        string
		hb          cluster.Heartbeat
		wantApplied bool
		wantCluster string
	}{
		{name: "routes by integer division", hb: heartbeat(3, 10, 2), wantApplied: true, wantCluster: "1"},
		{name: "first shard", hb: heartbeat(0, 1, 1), wantApplied: true, wantCluster: "0"},
		{name: "shard past total", hb: heartbeat(4, 1, 1)},
		{name: "far out of range", hb: heartbeat(1000, 1, 1)},
		{name: "negative shard", hb: heartbeat(-1, 1, 1)},
		{name: "missing shard", hb: cluster.Heartbeat{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := launched(t, 2, 2)
			m := env.manager

			env.clock.Add(5 * time.Second)
			before := m.Health()
			applied := m.Ingest(tt.hb)
			after := m.Health()

			assert.Equal(t, tt.wantApplied, applied)
			if !tt.wantApplied {
				assert.Equal(t, before, after, "unroutable heartbeat must not change state")
				return
			}
			c := after.Clusters[tt.wantCluster]
			require.Len(t, c.Shards, 1)
			assert.Equal(t, *tt.hb.ShardID, c.Shards[0].ID)
			assert.Equal(t, env.clock.Now(), c.LastHeartbeat)
			assert.Zero(t, c.Shards[0].SecondsSinceSeen)
		})
	}
}

// TestIngestLastWriteWins checks that a later report replaces every field
// of the earlier one, including fields it omits.
func TestIngestLastWriteWins(t *testing.T) {
	env := launched(t, 2, 1)
	m := env.manager

	latency := 0.25
	first := heartbeat(1, 100, 5)
	first.Latency = &latency
	m.Ingest(first)

	shard := 1
	users := 90
	m.Ingest(cluster.Heartbeat{ShardID: &shard, Users: &users})

	s := m.Health().Clusters["0"].Shards[0]
	assert.Equal(t, 90, *s.Users)
	assert.Nil(t, s.Guilds)
	assert.Nil(t, s.Latency)
}

func TestHealthAggregation(t *testing.T) {
	env := launched(t, 3, 2)
	m := env.manager

	m.Ingest(heartbeat(2, 30, 3))
	env.clock.Add(2 * time.Second)
	m.Ingest(heartbeat(0, 10, 1))
	m.Ingest(heartbeat(4, 7, 2))
	shard := 1
	m.Ingest(cluster.Heartbeat{ShardID: &shard})
	env.clock.Add(3 * time.Second)

	report := m.Health()
	assert.Equal(t, 47, report.Users)
	assert.Equal(t, 6, report.Guilds)

	c0 := report.Clusters["0"]
	assert.Equal(t, 40, c0.Users)
	assert.Equal(t, 4, c0.Guilds)
	require.Len(t, c0.Shards, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{c0.Shards[0].ID, c0.Shards[1].ID, c0.Shards[2].ID})
	assert.InDelta(t, 5.0, c0.Shards[2].SecondsSinceSeen, 0.001)
	assert.InDelta(t, 3.0, c0.Shards[0].SecondsSinceSeen, 0.001)
	assert.InDelta(t, 3.0, c0.SecondsSinceHeartbeat, 0.001)
	assert.Nil(t, c0.Shards[1].Users)

	c1 := report.Clusters["1"]
	assert.Equal(t, 7, c1.Users)
	assert.Equal(t, 2, c1.Guilds)
}

func TestHealthAliveBoundary(t *testing.T) {
	env := launched(t, 1, 1)

	env.clock.Add(DefaultHeartbeatTimeout)
	assert.True(t, env.manager.Health().Clusters["0"].Alive, "age equal to the timeout is still alive")

	env.clock.Add(time.Millisecond)
	assert.False(t, env.manager.Health().Clusters["0"].Alive)
}

// TestHealthIdempotent checks that repeated reads only differ in elapsed
// time fields.
func TestHealthIdempotent(t *testing.T) {
	env := launched(t, 2, 2)
	m := env.manager
	m.Ingest(heartbeat(3, 10, 2))

	first := m.Health()
	env.clock.Add(4 * time.Second)
	second := m.Health()

	assert.Equal(t, first.Users, second.Users)
	assert.Equal(t, first.Guilds, second.Guilds)
	for id, c := range first.Clusters {
		later := second.Clusters[id]
		assert.Equal(t, c.Users, later.Users)
		assert.Equal(t, c.LastHeartbeat, later.LastHeartbeat)
		assert.Greater(t, later.SecondsSinceHeartbeat, c.SecondsSinceHeartbeat)
		for i := range c.Shards {
			assert.Greater(t, later.Shards[i].SecondsSinceSeen, c.Shards[i].SecondsSinceSeen)
		}
	}
}

func TestLivenessOrdered(t *testing.T) {
	env := launched(t, 1, 5)

	live := env.manager.Liveness()
	require.Len(t, live, 5)
	for i, l := range live {
		assert.Equal(t, i, l.ClusterID)
		assert.Equal(t, env.clock.Now(), l.LastHeartbeat)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	env := launched(t, 2, 3)
	procs := []*fakeProcess{env.spawner.latest(0), env.spawner.latest(1), env.spawner.latest(2)}

	require.NoError(t, env.manager.Close())
	for i, p := range procs {
		assert.EqualValues(t, 1, p.terminated.Load())
		_, closed := env.sinks.counts(i)
		assert.Equal(t, 1, closed)
	}

	require.NoError(t, env.manager.Close())
	for _, p := range procs {
		assert.EqualValues(t, 1, p.terminated.Load(), "second Close must not terminate again")
	}
}

// TestCloseDuringRestart races Close against Restart. Whichever wins, the
// replacement process must end up terminated and Close must not return
// while its watcher is still running.
func TestCloseDuringRestart(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := launched(t, 1, 2)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_ = env.manager.Restart(context.Background(), 0)
		}()
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, env.manager.Close())
		}()
		close(start)
		wg.Wait()
		require.NoError(t, env.manager.Close())

		for id := 0; id < 2; id++ {
			p := env.spawner.latest(id)
			assert.GreaterOrEqual(t, p.terminated.Load(), int32(1), "iteration %d cluster %d", i, id)
		}
		opened, closed := env.sinks.counts(0)
		assert.Equal(t, opened, closed, "iteration %d: every sink closed", i)
	}
}

func TestCloseReportsTerminateErrors(t *testing.T) {
	env := launched(t, 1, 2)
	env.spawner.latest(1).terminateErr = errors.New("permission denied")

	err := env.manager.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminate cluster 1")
}

func TestUnexpectedExitIsLogged(t *testing.T) {
	env := launched(t, 1, 1)

	env.spawner.latest(0).exit()
	require.Eventually(t, func() bool {
		return env.logs.FilterMessage("Cluster process exited").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

// TestConcurrentAccess exercises ingestion, health reads and restarts
// together; run with -race.
func TestConcurrentAccess(t *testing.T) {
	env := launched(t, 4, 4)
	m := env.manager

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Ingest(heartbeat((w*200+i)%16, 1, 1))
				if i%20 == 0 {
					_ = m.Health()
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_ = m.Restart(context.Background(), i%4)
		}
	}()
	wg.Wait()

	report := m.Health()
	assert.Len(t, report.Clusters, 4)
}
