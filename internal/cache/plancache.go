// Package cache implements the router's plan cache: a fingerprint to
// byte-value mapping shared across all clients. Entries are stored with
// a 30-day TTL, so in practice they leave the cache through the
// underlying store's LRU bound rather than by wall-clock expiry.
package cache

import (
	"sync"
	"time"

	"github.com/mevdschee/tqmemory/pkg/tqmemory"
)

// effectivelyForever is the TTL handed to the underlying store for
// every entry, long enough that wall-clock expiry effectively never
// applies.
const effectivelyForever = 30 * 24 * time.Hour

// PlanCache maps a query fingerprint to a byte value (the router stores
// the statement's raw SQL), with a single-flight GetOrWait/SetAndNotify
// pair for callers that want only one of several concurrent callers to
// compute a missing value.
type PlanCache struct {
	store    *tqmemory.ShardedCache
	inflight sync.Map // fingerprint -> *flight
}

type flight struct {
	done  chan struct{}
	value []byte
}

// Config controls plan-cache sizing.
type Config struct {
	MaxMemory int64
	Workers   int
}

func DefaultConfig() Config {
	return Config{MaxMemory: 32 * 1024 * 1024, Workers: 4}
}

// New constructs a plan cache.
func New(cfg Config) (*PlanCache, error) {
	tqcfg := tqmemory.DefaultConfig()
	tqcfg.MaxMemory = cfg.MaxMemory
	store, err := tqmemory.NewSharded(tqcfg, cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &PlanCache{store: store}, nil
}

// Get retrieves a cached serialized route shape by fingerprint.
func (c *PlanCache) Get(fingerprint string) ([]byte, bool) {
	value, _, _, err := c.store.Get(fingerprint)
	if err != nil || value == nil {
		return nil, false
	}
	return value, true
}

// GetOrWait implements the cold-cache single-flight pattern: if this
// fingerprint is already being parsed by another goroutine, wait for
// it instead of parsing redundantly.
func (c *PlanCache) GetOrWait(fingerprint string) ([]byte, bool, bool) {
	if value, ok := c.Get(fingerprint); ok {
		return value, true, false
	}
	f := &flight{done: make(chan struct{})}
	if existing, loaded := c.inflight.LoadOrStore(fingerprint, f); loaded {
		ef := existing.(*flight)
		<-ef.done
		if value, ok := c.Get(fingerprint); ok {
			return value, true, true
		}
		return nil, false, true
	}
	return nil, false, false
}

// SetAndNotify stores a freshly parsed route shape and wakes any
// goroutines waiting on the same fingerprint.
func (c *PlanCache) SetAndNotify(fingerprint string, value []byte) {
	c.store.Set(fingerprint, value, effectivelyForever)
	if f, ok := c.inflight.LoadAndDelete(fingerprint); ok {
		close(f.(*flight).done)
	}
}

// CancelInflight releases waiters when parsing fails.
func (c *PlanCache) CancelInflight(fingerprint string) {
	if f, ok := c.inflight.LoadAndDelete(fingerprint); ok {
		close(f.(*flight).done)
	}
}

// Close releases the underlying store.
func (c *PlanCache) Close() error {
	return c.store.Close()
}
