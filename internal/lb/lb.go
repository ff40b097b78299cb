// Package lb picks a healthy pool for a request among a set of targets
// sharing a role (primary or one-of-many replicas), honoring a
// configured load-balancing strategy and a ban policy for unhealthy
// targets.
package lb

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgdog/pgdog/internal/pool"
)

// Strategy selects among healthy, unbanned replica targets.
type Strategy int

const (
	Random Strategy = iota
	RoundRobin
	LeastActiveConnections
)

func ParseStrategy(s string) (Strategy, bool) {
	switch s {
	case "random":
		return Random, true
	case "round_robin":
		return RoundRobin, true
	case "least_active_connections":
		return LeastActiveConnections, true
	default:
		return Random, false
	}
}

// ReadWriteSplit controls whether reads may fall back to primary.
type ReadWriteSplit int

const (
	SplitAllow ReadWriteSplit = iota
	SplitForbid
)

var ErrAllReplicasBanned = errors.New("lb: all replicas banned")

// DetectedRole is the last observed pg_is_in_recovery()-derived role
// for a target, used to catch an out-of-band promotion/demotion.
type DetectedRole int

const (
	RoleUnknown DetectedRole = iota
	RolePrimary
	RoleStandby
)

// Target is one candidate pool plus its health/ban bookkeeping for the
// load balancer.
type Target struct {
	Pool *pool.Pool

	mu           sync.Mutex
	healthy      bool
	detectedRole DetectedRole
	activeConns  int64
}

func NewTarget(p *pool.Pool) *Target {
	return &Target{Pool: p, healthy: true}
}

func (t *Target) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthy && !t.Pool.Banned()
}

func (t *Target) markHealthy(v bool) {
	t.mu.Lock()
	t.healthy = v
	t.mu.Unlock()
}

func (t *Target) IncActive() { atomic.AddInt64(&t.activeConns, 1) }
func (t *Target) DecActive() { atomic.AddInt64(&t.activeConns, -1) }
func (t *Target) Active() int64 { return atomic.LoadInt64(&t.activeConns) }

// LoadBalancer selects a target pool for a primary or replica request.
type LoadBalancer struct {
	mu         sync.Mutex
	primary    *Target
	replicas   []*Target
	strategy   Strategy
	rwSplit    ReadWriteSplit
	banTimeout time.Duration
	rrIndex    uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(primary *Target, replicas []*Target, strategy Strategy, split ReadWriteSplit, banTimeout time.Duration) *LoadBalancer {
	return &LoadBalancer{
		primary:    primary,
		replicas:   replicas,
		strategy:   strategy,
		rwSplit:    split,
		banTimeout: banTimeout,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetStrategy swaps the active strategy atomically — wired to the
// admin `SET load_balancing_strategy TO '...'` verb.
func (lb *LoadBalancer) SetStrategy(s Strategy) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.strategy = s
}

// Primary returns the primary target, or an error if none configured.
func (lb *LoadBalancer) Primary() (*Target, error) {
	if lb.primary == nil {
		return nil, errors.New("lb: no primary configured")
	}
	return lb.primary, nil
}

// Replica selects a replica target per the configured strategy, falling
// back to primary for reads when the split policy allows it and no
// replica is healthy.
func (lb *LoadBalancer) Replica() (*Target, error) {
	lb.mu.Lock()
	healthy := make([]*Target, 0, len(lb.replicas))
	for _, t := range lb.replicas {
		if t.Healthy() {
			healthy = append(healthy, t)
		}
	}
	strategy := lb.strategy
	split := lb.rwSplit
	lb.mu.Unlock()

	if len(healthy) == 0 {
		if split == SplitAllow && lb.primary != nil {
			return lb.primary, nil
		}
		return nil, ErrAllReplicasBanned
	}

	switch strategy {
	case RoundRobin:
		idx := atomic.AddUint64(&lb.rrIndex, 1)
		return healthy[int(idx)%len(healthy)], nil
	case LeastActiveConnections:
		best := healthy[0]
		for _, t := range healthy[1:] {
			if t.Active() < best.Active() {
				best = t
			}
		}
		return best, nil
	default: // Random
		return healthy[rand.Intn(len(healthy))], nil
	}
}

// Ban bans a target for banTimeout and, if this leaves every target
// banned, clears all bans so at least one can be attempted — trading
// availability over correctness, per spec.
func (lb *LoadBalancer) Ban(t *Target, reason string) {
	t.Pool.Ban(reason, lb.banTimeout)
	t.markHealthy(false)

	lb.mu.Lock()
	defer lb.mu.Unlock()
	allBanned := lb.primary == nil || lb.primary.Pool.Banned()
	for _, r := range lb.replicas {
		if !r.Pool.Banned() {
			allBanned = false
			break
		}
	}
	if allBanned {
		slog.Warn("all lb targets banned, clearing bans to preserve availability")
		if lb.primary != nil {
			lb.primary.Pool.Unban()
			lb.primary.markHealthy(true)
		}
		for _, r := range lb.replicas {
			r.Pool.Unban()
			r.markHealthy(true)
		}
	}
}

// Start launches the ~333ms monitor tick: targets whose pool is not
// banned are marked healthy, then each target is probed with
// pg_is_in_recovery(); a target whose probe fails is marked unhealthy.
func (lb *LoadBalancer) Start(ctx context.Context) {
	go lb.monitor(ctx)
}

func (lb *LoadBalancer) Stop() {
	close(lb.stopCh)
	<-lb.doneCh
}

func (lb *LoadBalancer) monitor(ctx context.Context) {
	defer close(lb.doneCh)
	ticker := time.NewTicker(333 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-lb.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			lb.tick()
		}
	}
}

func (lb *LoadBalancer) tick() {
	all := append([]*Target{}, lb.replicas...)
	if lb.primary != nil {
		all = append(all, lb.primary)
	}
	for _, t := range all {
		if !t.Pool.Banned() {
			t.markHealthy(true)
		}
		lb.detectRole(t)
	}
}

// detectRole queries pg_is_in_recovery() on the target and marks it
// unhealthy if the checkout or the query fails. The query's result is
// not inspected, so a replica promoted (or primary demoted) outside of
// config reload is not detected.
func (lb *LoadBalancer) detectRole(t *Target) {
	s, err := t.Pool.Get(context.Background())
	if err != nil {
		t.markHealthy(false)
		return
	}
	defer t.Pool.Put(s, false)

	msgs, err := s.Execute("SELECT pg_is_in_recovery()")
	if err != nil {
		t.markHealthy(false)
		return
	}
	_ = msgs // the returned DataRow is not parsed
}
