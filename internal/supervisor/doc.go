// Package supervisor runs and watches the cluster processes of a sharded
// bot deployment. It spawns one OS process per cluster, ingests the
// heartbeats those processes send, restarts the ones that stop reporting and
// serves an aggregated health view over HTTP.
//
// # Overview
//
// The supervisor is the control plane. It never looks inside a cluster
// process; it only knows the shard range it handed the process and the
// heartbeats that come back:
//
//	┌──────────────────────────────────────┐
//	│              SUPERVISOR              │
//	├──────────────────────────────────────┤
//	│  Manager                             │
//	│   - cluster table (id → process)     │
//	│   - heartbeat ingestion              │
//	│   - health aggregation               │
//	│  Monitor         (every 60s)         │
//	│   - restart clusters stale > 30s     │
//	│  StatusReporter  (every 30s)         │
//	│   - one alive/down log record        │
//	│  Server                              │
//	│   - POST /heartbeat                  │
//	│   - GET  /health, /metrics           │
//	└──────────────┬───────────────────────┘
//	               │ spawn / SIGTERM
//	   ┌───────────┼───────────┐
//	   ▼           ▼           ▼
//	cluster 0   cluster 1   cluster 2
//	[0, 4)      [4, 8)      [8, 12)
//	   │           │           │
//	   └─── POST /heartbeat ───┘
//
// # Cluster Lifecycle
//
// A cluster record is created once and never removed. Only its process and
// log sink are replaced:
//
//	STARTING   spawned or restarted; last heartbeat is set to now, so the
//	           cluster reads as alive before it has reported anything
//	ALIVE      last heartbeat age <= timeout
//	STALE      last heartbeat age > timeout, noticed at the next Monitor tick
//	RESTARTING old process terminated, sink rotated, replacement spawned;
//	           back to STARTING on success, still STALE on failure
//
// There is no terminal state. The restarts counter in /health makes a
// cluster that keeps restarting without ever reporting visible, since its
// alive flag reads true right after every restart.
//
// # Error Handling
//
//   - Malformed or unroutable heartbeats are dropped and answered with 200.
//   - A process that is already gone when terminated is not an error.
//   - A failed restart is logged; the cluster is retried on the next tick.
//   - A spawn failure during the initial launch aborts Run.
//   - Panics inside the Monitor or StatusReporter are recovered per tick.
//
// # Concurrency
//
// A single RWMutex in Manager guards the cluster table and all shard
// metrics. Process spawn and termination happen outside the lock, and each
// restart runs in its own goroutine, so heartbeat ingestion for other
// clusters is never blocked by a slow process.
package supervisor
