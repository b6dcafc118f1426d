package cluster

import (
	"errors"
	"fmt"
)

// ErrInvalidPartition is returned when a partition is requested with a
// non-positive shard or cluster count.
var ErrInvalidPartition = errors.New("invalid partition")

// ShardRange is a half-open range of shard ids [Start, End).
type ShardRange struct {
	Start int `json:"start_shard"`
	End   int `json:"end_shard"`
}

// Len returns the number of shards in the range.
func (r ShardRange) Len() int {
	return r.End - r.Start
}

// Contains reports whether shardID falls inside the range.
func (r ShardRange) Contains(shardID int) bool {
	return shardID >= r.Start && shardID < r.End
}

// ShardIDs lists every shard id in the range in ascending order.
func (r ShardRange) ShardIDs() []int {
	ids := make([]int, 0, r.Len())
	for id := r.Start; id < r.End; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (r ShardRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Partition splits numClusters*shardsPerCluster shards into numClusters
// contiguous ranges. Range i is [i*shardsPerCluster, (i+1)*shardsPerCluster).
//
// Example:
//
//	ranges, _ := Partition(2, 3)
//	// [0, 2) [2, 4) [4, 6)
func Partition(shardsPerCluster, numClusters int) ([]ShardRange, error) {
	if shardsPerCluster <= 0 {
		return nil, fmt.Errorf("%w: shards per cluster must be positive, got %d", ErrInvalidPartition, shardsPerCluster)
	}
	if numClusters <= 0 {
		return nil, fmt.Errorf("%w: cluster count must be positive, got %d", ErrInvalidPartition, numClusters)
	}

	ranges := make([]ShardRange, numClusters)
	for i := range ranges {
		ranges[i] = ShardRange{
			Start: i * shardsPerCluster,
			End:   (i + 1) * shardsPerCluster,
		}
	}
	return ranges, nil
}

// ClusterIDFor returns the cluster that owns shardID. Negative shard ids map
// to -1, which never names a cluster. The caller checks the upper bound
// against its own cluster table.
func ClusterIDFor(shardID, shardsPerCluster int) int {
	if shardID < 0 || shardsPerCluster <= 0 {
		return -1
	}
	return shardID / shardsPerCluster
}
