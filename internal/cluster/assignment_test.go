package cluster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env []string) func(string) string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return func(k string) string { return m[k] }
}

func TestAssignmentEnv(t *testing.T) {
	a := Assignment{
		ClusterID:     1,
		TotalShards:   6,
		Shards:        ShardRange{Start: 3, End: 6},
		HeartbeatHost: "0.0.0.0",
		HeartbeatPort: 8000,
		InstanceID:    "abc",
	}

	get := envLookup(a.Env())
	assert.Equal(t, "1", get(EnvClusterID))
	assert.Equal(t, "6", get(EnvShardCount))
	assert.Equal(t, "3", get(EnvShardStart))
	assert.Equal(t, "6", get(EnvShardEnd))
	assert.Equal(t, "3,4,5", get(EnvShardIDs))
	assert.Equal(t, "http://127.0.0.1:8000/heartbeat", get(EnvHeartbeatURL))

	parsed, err := AssignmentFromEnv(get)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestAssignmentHeartbeatURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.5:9000/heartbeat", Assignment{HeartbeatHost: "10.0.0.5", HeartbeatPort: 9000}.HeartbeatURL())
	assert.Equal(t, "http://[::1]:9000/heartbeat", Assignment{HeartbeatHost: "::1", HeartbeatPort: 9000}.HeartbeatURL())
	assert.Equal(t, "http://127.0.0.1:9000/heartbeat", Assignment{HeartbeatHost: "::", HeartbeatPort: 9000}.HeartbeatURL())
}

func TestAssignmentFromEnvErrors(t *testing.T) {
	base := map[string]string{
		EnvClusterID:     "0",
		EnvShardCount:    "4",
		EnvShardStart:    "0",
		EnvShardEnd:      "2",
		EnvHeartbeatPort: "8000",
	}

	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"missing cluster id", func(m map[string]string) { delete(m, EnvClusterID) }},
		{"non numeric port", func(m map[string]string) { m[EnvHeartbeatPort] = "http" }},
		{"empty range", func(m map[string]string) { m[EnvShardEnd] = "0" }},
		{"range past total", func(m map[string]string) { m[EnvShardEnd] = "5" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := make(map[string]string, len(base))
			for k, v := range base {
				env[k] = v
			}
			tt.mutate(env)
			_, err := AssignmentFromEnv(func(k string) string { return env[k] })
			assert.Error(t, err)
		})
	}
}
