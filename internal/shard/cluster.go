package shard

import (
	"context"

	"github.com/devrev/scaledb/internal/errors"
)

// Cluster is a root backend over a fixed, ordered list of shard backends. It
// stores nothing itself; a dispatcher routes every operation to its shards.
type Cluster struct {
	Unsupported
	shards []Backend
}

// NewCluster creates a cluster whose shard i owns partition i.
func NewCluster(shards ...Backend) (*Cluster, error) {
	if len(shards) == 0 {
		return nil, errors.InvalidArgument("cluster needs at least one shard", nil)
	}
	for i, s := range shards {
		if s == nil {
			return nil, errors.InvalidArgument("cluster shard is nil", nil).WithDetail("shard", i)
		}
	}
	return &Cluster{shards: append([]Backend(nil), shards...)}, nil
}

// ShardCount returns the number of shards.
func (c *Cluster) ShardCount(context.Context) (int, error) {
	return len(c.shards), nil
}

// ShardServers returns the shards in partition order.
func (c *Cluster) ShardServers(context.Context) ([]Backend, error) {
	return append([]Backend(nil), c.shards...), nil
}

// Close closes every shard that holds resources.
func (c *Cluster) Close() error {
	var first error
	for _, s := range c.shards {
		if closer, ok := s.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
