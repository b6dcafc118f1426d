// Package cluster defines the shared vocabulary of a shardvisor deployment:
// how gateway shards are split across cluster processes, the heartbeat a
// cluster reports, the health report the supervisor publishes, and the
// environment contract a spawned cluster process receives.
//
// # Overview
//
// A deployment runs a fixed number of clusters. Each cluster is one OS process
// owning a contiguous, half-open range of shards:
//
//	shards_per_cluster = 3, num_clusters = 3, total_shards = 9
//
//	  shard:   0  1  2 | 3  4  5 | 6  7  8
//	  cluster:    0    |    1    |    2
//
// The ranges never overlap and together cover [0, total_shards). A shard is
// routed to its cluster by integer division, see ClusterIDFor.
//
// # Wire Types
//
// Heartbeat is the body a cluster POSTs to the supervisor's /heartbeat
// endpoint. Every field other than shard_id is optional and carries the
// latest self-reported sample; nothing is accumulated.
//
// HealthReport is the body of GET /health. Cluster entries are keyed by the
// decimal cluster id and shard entries are sorted by shard id.
//
// # Process Contract
//
// Assignment describes what a cluster process is told at startup. The
// supervisor renders it into environment variables with Assignment.Env and
// the worker reads it back with AssignmentFromEnv:
//
//	CLUSTER_ID      cluster index
//	SHARD_COUNT     total shards across all clusters
//	SHARD_START     first owned shard
//	SHARD_END       one past the last owned shard
//	SHARD_IDS       comma separated owned shards
//	HEARTBEAT_HOST  supervisor control-plane host
//	HEARTBEAT_PORT  supervisor control-plane port
//	HEARTBEAT_URL   full heartbeat URL
//	INSTANCE_ID     unique id of this spawn
//
// # See Also
//
//   - internal/supervisor: the process supervisor and control plane
//   - internal/heartbeat: the cluster-side heartbeat reporter
package cluster
