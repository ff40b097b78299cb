package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/pgdog/pgdog/internal/lb"
	"github.com/pgdog/pgdog/internal/pool"
)

func newClusterTarget() *lb.Target {
	addr := pool.Address{Host: "127.0.0.1", Port: 5432, Database: "app", User: "app"}
	return lb.NewTarget(pool.New(addr, pool.Config{}))
}

func TestCluster_NumShardsAndBounds(t *testing.T) {
	c := &Cluster{Shards: []*Shard{{Index: 0}, {Index: 1}}}
	if c.NumShards() != 2 {
		t.Fatalf("NumShards = %d, want 2", c.NumShards())
	}
	if _, err := c.Shard(-1); err == nil {
		t.Fatal("expected error for negative shard index")
	}
	if _, err := c.Shard(2); err == nil {
		t.Fatal("expected error for out-of-range shard index")
	}
	sh, err := c.Shard(1)
	if err != nil || sh.Index != 1 {
		t.Fatalf("Shard(1) = %+v, %v", sh, err)
	}
}

func TestCluster_SchemaShard(t *testing.T) {
	c := &Cluster{Schemas: map[string]int{"tenant_a": 2}}
	idx, ok := c.SchemaShard("tenant_a")
	if !ok || idx != 2 {
		t.Fatalf("SchemaShard(tenant_a) = %d, %v, want 2, true", idx, ok)
	}
	if _, ok := c.SchemaShard("unknown"); ok {
		t.Fatal("expected SchemaShard to report false for an unmapped schema")
	}
}

// These exercise Checkout's role-dispatch and error-surfacing without
// ever reaching a real pool dial, by arranging for the load balancer's
// target selection itself to fail first.

func TestCluster_CheckoutPrimaryErrorsWhenNoneConfigured(t *testing.T) {
	l := lb.New(nil, nil, lb.Random, lb.SplitForbid, time.Minute)
	c := &Cluster{Shards: []*Shard{{Index: 0, LB: l}}}

	_, _, err := c.Checkout(context.Background(), 0, Request{Role: ReqPrimary})
	if err == nil {
		t.Fatal("expected error when no primary is configured")
	}
}

func TestCluster_CheckoutReplicaErrorsWhenAllBanned(t *testing.T) {
	r := newClusterTarget()
	r.Pool.Ban("down", time.Minute)
	l := lb.New(nil, []*lb.Target{r}, lb.Random, lb.SplitForbid, time.Minute)
	c := &Cluster{Shards: []*Shard{{Index: 0, LB: l}}}

	_, _, err := c.Checkout(context.Background(), 0, Request{Role: ReqReplica})
	if err != lb.ErrAllReplicasBanned {
		t.Fatalf("Checkout(ReqReplica) = %v, want ErrAllReplicasBanned", err)
	}
}

func TestCluster_CheckoutAnyFallsThroughToPrimaryError(t *testing.T) {
	r := newClusterTarget()
	r.Pool.Ban("down", time.Minute)
	l := lb.New(nil, []*lb.Target{r}, lb.Random, lb.SplitForbid, time.Minute)
	c := &Cluster{Shards: []*Shard{{Index: 0, LB: l}}}

	_, _, err := c.Checkout(context.Background(), 0, Request{Role: ReqAny})
	if err == nil {
		t.Fatal("expected ReqAny to surface the primary lookup error once replicas are exhausted")
	}
}

func TestCluster_CheckoutUnknownShardErrors(t *testing.T) {
	c := &Cluster{Shards: []*Shard{{Index: 0}}}
	if _, _, err := c.Checkout(context.Background(), 5, Request{Role: ReqAny}); err == nil {
		t.Fatal("expected error for an out-of-range shard")
	}
}

func TestCluster_ReleaseRequiresPriorCheckout(t *testing.T) {
	target := newClusterTarget()
	c := &Cluster{Shards: []*Shard{{Index: 0}}}

	err := c.Release(nil, target, false)
	if err != pool.ErrMappingMissing {
		t.Fatalf("Release on a connection never checked out = %v, want ErrMappingMissing", err)
	}
}
