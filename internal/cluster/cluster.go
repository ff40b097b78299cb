// Package cluster models an ordered list of shards for one (user,
// database) principal, plus routing configuration. It is read-only
// after configuration load; reloads construct and swap in a new
// Cluster rather than mutating one in place.
package cluster

import (
	"context"
	"fmt"

	"github.com/pgdog/pgdog/internal/lb"
	"github.com/pgdog/pgdog/internal/pool"
	"github.com/pgdog/pgdog/internal/server"
)

// ShardingColumn describes a sharded table's key column and how its
// values map to shards.
type ShardingColumn struct {
	Table     string
	Column    string
	DataType  string // "bigint", "uuid", "vector", "list", "range"
	Centroids [][]float64
	ListMap   map[string]int
	RangeMap  []RangeEntry
}

type RangeEntry struct {
	Low, High int64 // [Low, High)
	Shard     int
}

// ShardingSchema is the cluster's full sharded-table catalog.
type ShardingSchema struct {
	Tables          map[string]ShardingColumn // keyed by table name
	CentroidProbes  int
}

// Shard is one primary pool (optional) plus zero or more replica pools.
type Shard struct {
	Index    int
	Primary  *lb.Target
	Replicas []*lb.Target
	LB       *lb.LoadBalancer
}

// Cluster groups shards for one principal plus routing config.
type Cluster struct {
	Name               string
	Shards             []*Shard
	Schemas            map[string]int // omnisharded schema name -> shard index
	ShardingSchema     ShardingSchema
	TwoPCEnabled       bool
	CrossShardDisabled bool
	RWSplit            lb.ReadWriteSplit
	MultiTenantColumn  string
	// QueryParserLevel gates how much of a query the router is allowed
	// to inspect: "off"|"hints_only" disables table/WHERE extraction
	// for a multi-shard cluster, so non-hinted queries are rejected
	// instead of silently fanning out to every shard. Empty and "full"
	// both mean fully enabled.
	QueryParserLevel string
	// RewriteShardKey mirrors rewrite.shard_key: "ignore" (default) lets
	// UPDATE/DELETE modify a sharding column; anything else rejects it.
	RewriteShardKey string
}

// NumShards returns the number of shards.
func (c *Cluster) NumShards() int { return len(c.Shards) }

// Shard returns the shard at index i.
func (c *Cluster) Shard(i int) (*Shard, error) {
	if i < 0 || i >= len(c.Shards) {
		return nil, fmt.Errorf("cluster: shard %d out of range", i)
	}
	return c.Shards[i], nil
}

// Request describes what role a checkout needs.
type Request struct {
	Role ReqRole
}

type ReqRole int

const (
	ReqAny ReqRole = iota
	ReqPrimary
	ReqReplica
)

// Checkout obtains a server connection for shard i honoring req.Role.
func (c *Cluster) Checkout(ctx context.Context, shardIdx int, req Request) (*server.Server, *lb.Target, error) {
	sh, err := c.Shard(shardIdx)
	if err != nil {
		return nil, nil, err
	}
	var target *lb.Target
	switch req.Role {
	case ReqPrimary:
		target, err = sh.LB.Primary()
	case ReqReplica:
		target, err = sh.LB.Replica()
	default:
		target, err = sh.LB.Replica()
		if err != nil {
			target, err = sh.LB.Primary()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	s, err := target.Pool.Get(ctx)
	if err != nil {
		if err == pool.ErrCheckoutTimeout || err == pool.ErrPoolUnhealthy {
			sh.LB.Ban(target, err.Error())
		}
		return nil, nil, err
	}
	target.IncActive()
	return s, target, nil
}

// Release returns a checked-out server to its pool.
func (c *Cluster) Release(s *server.Server, target *lb.Target, forceClose bool) error {
	target.DecActive()
	return target.Pool.Put(s, forceClose)
}

// SchemaShard resolves an omnisharded schema name to a shard index.
func (c *Cluster) SchemaShard(schema string) (int, bool) {
	i, ok := c.Schemas[schema]
	return i, ok
}
