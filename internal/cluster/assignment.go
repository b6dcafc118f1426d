package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Environment variables carrying an Assignment into a cluster process.
const (
	EnvClusterID     = "CLUSTER_ID"
	EnvShardCount    = "SHARD_COUNT"
	EnvShardStart    = "SHARD_START"
	EnvShardEnd      = "SHARD_END"
	EnvShardIDs      = "SHARD_IDS"
	EnvHeartbeatHost = "HEARTBEAT_HOST"
	EnvHeartbeatPort = "HEARTBEAT_PORT"
	EnvHeartbeatURL  = "HEARTBEAT_URL"
	EnvInstanceID    = "INSTANCE_ID"
)

// Assignment is everything a cluster process is told when it is spawned.
type Assignment struct {
	ClusterID     int
	TotalShards   int
	Shards        ShardRange
	HeartbeatHost string
	HeartbeatPort int
	InstanceID    string
}

// HeartbeatURL is the endpoint the process reports to. A wildcard bind
// address is rewritten to loopback since it cannot be dialed.
func (a Assignment) HeartbeatURL() string {
	host := a.HeartbeatHost
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(a.HeartbeatPort)) + "/heartbeat"
}

// Env renders the assignment as KEY=value pairs for exec.Cmd.Env.
func (a Assignment) Env() []string {
	ids := make([]string, 0, a.Shards.Len())
	for _, id := range a.Shards.ShardIDs() {
		ids = append(ids, strconv.Itoa(id))
	}
	return []string{
		EnvClusterID + "=" + strconv.Itoa(a.ClusterID),
		EnvShardCount + "=" + strconv.Itoa(a.TotalShards),
		EnvShardStart + "=" + strconv.Itoa(a.Shards.Start),
		EnvShardEnd + "=" + strconv.Itoa(a.Shards.End),
		EnvShardIDs + "=" + strings.Join(ids, ","),
		EnvHeartbeatHost + "=" + a.HeartbeatHost,
		EnvHeartbeatPort + "=" + strconv.Itoa(a.HeartbeatPort),
		EnvHeartbeatURL + "=" + a.HeartbeatURL(),
		EnvInstanceID + "=" + a.InstanceID,
	}
}

// AssignmentFromEnv reads an Assignment through getenv, usually os.Getenv.
// INSTANCE_ID is optional; every other variable is required.
func AssignmentFromEnv(getenv func(string) string) (Assignment, error) {
	var a Assignment
	ints := []struct {
		key string
		dst *int
	}{
		{EnvClusterID, &a.ClusterID},
		{EnvShardCount, &a.TotalShards},
		{EnvShardStart, &a.Shards.Start},
		{EnvShardEnd, &a.Shards.End},
		{EnvHeartbeatPort, &a.HeartbeatPort},
	}
	for _, f := range ints {
		raw := getenv(f.key)
		if raw == "" {
			return Assignment{}, fmt.Errorf("missing env %s", f.key)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Assignment{}, fmt.Errorf("parse env %s: %w", f.key, err)
		}
		*f.dst = v
	}
	if a.Shards.Start < 0 || a.Shards.End > a.TotalShards || a.Shards.Len() <= 0 {
		return Assignment{}, fmt.Errorf("shard range %s outside [0, %d)", a.Shards, a.TotalShards)
	}
	a.HeartbeatHost = getenv(EnvHeartbeatHost)
	a.InstanceID = getenv(EnvInstanceID)
	return a, nil
}
