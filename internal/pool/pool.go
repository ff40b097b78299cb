// Package pool implements the per-address checkout core: a guarded
// multiset of idle authenticated server connections, a wait queue, and
// a monitor that maintains minimums and expires bans.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/pgdog/pgdog/internal/server"
)

// Address identifies a physical backend: host, port, database, user,
// password and role. Two addresses with the same tuple compare equal.
type Address struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	DatabaseNumber int
	Role           Role
}

type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (a Address) Key() string {
	return fmt.Sprintf("%s:%d/%s/%s", a.Host, a.Port, a.Database, a.User)
}

var (
	ErrOffline         = errors.New("pool: offline")
	ErrBanned          = errors.New("pool: banned")
	ErrCheckoutTimeout = errors.New("pool: checkout timeout")
	ErrMappingMissing  = errors.New("pool: mapping missing for check-in")
	ErrPoolUnhealthy   = errors.New("pool: unhealthy")
)

// Ban is a per-pool flag with reason and deadline. A zero Until means a
// manual, infinite-duration ban.
type Ban struct {
	Reason string
	Until  time.Time
}

func (b Ban) expired(now time.Time) bool {
	return !b.Until.IsZero() && now.After(b.Until)
}

// Config controls pool sizing and timeouts.
type Config struct {
	Min                int
	Max                int
	CheckoutTimeout    time.Duration
	MaxAge             time.Duration
	HealthcheckInterval time.Duration
	BanTimeout         time.Duration
	DialTimeout        time.Duration
	AuthType           string
}

func (c Config) withDefaults() Config {
	if c.Max == 0 {
		c.Max = 10
	}
	if c.CheckoutTimeout == 0 {
		c.CheckoutTimeout = 5 * time.Second
	}
	if c.HealthcheckInterval == 0 {
		c.HealthcheckInterval = 30 * time.Second
	}
	if c.BanTimeout == 0 {
		c.BanTimeout = 60 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

type state int

const (
	stateOnline state = iota
	statePaused
	stateOffline
)

// waiter is a single-shot FIFO queue entry. Using an explicit channel
// queue (rather than sync.Cond's broadcast, which does not guarantee
// wakeup order) is what lets Pool honor spec's FIFO enqueue-order
// invariant for checkout fairness.
type waiter struct {
	ch        chan *server.Server
	errCh     chan error
	createdAt time.Time
}

// Pool is the exclusive owner of a multiset of idle server connections
// for one address, plus a FIFO wait queue.
type Pool struct {
	addr Address
	cfg  Config

	mu      sync.Mutex
	idle    []*server.Server
	taken   map[*server.Server]bool
	total   int
	opening int
	waiters []*waiter
	st      state
	ban     *Ban

	breaker *gobreaker.CircuitBreaker

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a pool for addr. Start must be called to run its
// monitor goroutine.
func New(addr Address, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		addr:   addr,
		cfg:    cfg,
		taken:  map[*server.Server]bool{},
		st:     stateOnline,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pool-dial-" + addr.Key(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BanTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return p
}

// Start launches the monitor goroutine.
func (p *Pool) Start() {
	go p.monitor()
}

// Stop shuts the monitor down and closes all idle connections.
func (p *Pool) Stop() {
	close(p.stopCh)
	<-p.doneCh
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st = stateOffline
	for _, s := range p.idle {
		s.Close()
	}
	p.idle = nil
}

// Get checks out a server connection. An idle connection is returned
// directly; otherwise the caller enqueues as a FIFO waiter (a new
// connection is opened when the pool is below max) and waits up to
// CheckoutTimeout. While the pool is paused, Get waits for it to resume
// within the same CheckoutTimeout.
func (p *Pool) Get(ctx context.Context) (*server.Server, error) {
	p.mu.Lock()

	deadline := time.Now().Add(p.cfg.CheckoutTimeout)
	for p.st == statePaused {
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, ErrCheckoutTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		p.mu.Lock()
	}

	if p.st == stateOffline {
		p.mu.Unlock()
		return nil, ErrOffline
	}
	if p.ban != nil && !p.ban.expired(time.Now()) {
		reason := p.ban.Reason
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBanned, reason)
	}

	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.cfg.MaxAge > 0 && s.Age() > p.cfg.MaxAge {
			p.total--
			p.mu.Unlock()
			s.Close()
			p.mu.Lock()
			continue
		}
		if s.HealthcheckAge(time.Now()) > p.cfg.HealthcheckInterval {
			p.mu.Unlock()
			if err := s.Healthcheck(""); err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				s.Close()
				p.mu.Lock()
				continue
			}
			p.mu.Lock()
		}

		p.taken[s] = true
		p.mu.Unlock()
		return s, nil
	}

	w := &waiter{ch: make(chan *server.Server, 1), errCh: make(chan error, 1), createdAt: time.Now()}

	if p.total < p.cfg.Max {
		p.total++
		p.opening++
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
		go p.openAndDeliver()
	} else {
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
	}

	timeout := p.cfg.CheckoutTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-w.ch:
		return s, nil
	case err := <-w.errCh:
		return nil, err
	case <-timer.C:
		p.removeWaiter(w)
		return nil, ErrCheckoutTimeout
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// openAndDeliver dials a new backend connection (with retry/backoff and
// circuit-breaker protection) and hands it to the oldest waiter.
func (p *Pool) openAndDeliver() {
	s, err := p.dialWithRetry()

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.total--
		if len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			p.mu.Unlock()
			w.errCh <- err
			return
		}
		p.mu.Unlock()
		return
	}

	if len(p.waiters) == 0 {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.taken[s] = true
	p.mu.Unlock()
	w.ch <- s
}

func (p *Pool) dialWithRetry() (*server.Server, error) {
	var s *server.Server
	b := retry.NewExponential(100 * time.Millisecond)
	b = retry.WithMaxRetries(3, b)

	err := retry.Do(context.Background(), b, func(ctx context.Context) error {
		res, err := p.breaker.Execute(func() (interface{}, error) {
			return server.Connect(server.Options{
				Host:        p.addr.Host,
				Port:        p.addr.Port,
				User:        p.addr.User,
				Database:    p.addr.Database,
				Password:    p.addr.Password,
				AuthType:    p.cfg.AuthType,
				DialTimeout: p.cfg.DialTimeout,
			})
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				return err // breaker open: do not retry, fail fast
			}
			return retry.RetryableError(err)
		}
		s = res.(*server.Server)
		return nil
	})
	return s, err
}

// Put returns a checked-out connection to the pool (transaction-mode
// release). It issues rollback/drain first; on failure or a requested
// force-close, the connection is discarded instead of recycled.
func (p *Pool) Put(s *server.Server, forceClose bool) error {
	p.mu.Lock()
	if !p.taken[s] {
		p.mu.Unlock()
		return ErrMappingMissing
	}
	delete(p.taken, s)
	p.mu.Unlock()

	if forceClose {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return s.Close()
	}

	if err := s.Rollback(); err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		s.Close()
		return nil
	}
	if err := s.Drain(); err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		s.Close()
		return nil
	}

	p.mu.Lock()
	if p.st == stateOffline {
		p.total--
		p.mu.Unlock()
		s.Close()
		return nil
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.taken[s] = true
		p.mu.Unlock()
		w.ch <- s
		return nil
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	return nil
}

// Ban marks the pool banned for reason, until duration (zero = manual,
// infinite).
func (p *Pool) Ban(reason string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var until time.Time
	if duration > 0 {
		until = time.Now().Add(duration)
	}
	p.ban = &Ban{Reason: reason, Until: until}
	slog.Warn("pool banned", "address", p.addr.Key(), "reason", reason)
}

// Unban clears any ban on the pool.
func (p *Pool) Unban() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ban = nil
}

// Banned reports whether the pool is currently banned.
func (p *Pool) Banned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ban != nil && !p.ban.expired(time.Now())
}

// Pause transitions the pool to paused (checkouts wait; the monitor
// still expires bans but does not open connections toward min).
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st = statePaused
}

// Resume transitions a paused pool back online.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st == statePaused {
		p.st = stateOnline
	}
}

// State is a point-in-time snapshot for stats/admin surfaces.
type State struct {
	Idle      int
	Taken     int
	Total     int
	Max       int
	Min       int
	Waiting   int
	Banned    bool
	BanReason string
}

func (p *Pool) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Idle:    len(p.idle),
		Taken:   len(p.taken),
		Total:   p.total,
		Max:     p.cfg.Max,
		Min:     p.cfg.Min,
		Waiting: len(p.waiters),
	}
	if p.ban != nil && !p.ban.expired(time.Now()) {
		s.Banned = true
		s.BanReason = p.ban.Reason
	}
	return s
}

// Address returns this pool's address.
func (p *Pool) Address() Address { return p.addr }

// monitor maintains `min` connections and expires bans. It does not
// healthcheck idle connections; Get healthchecks an idle connection at
// checkout when its last healthcheck is older than HealthcheckInterval.
// It never holds p.mu across I/O.
func (p *Pool) monitor() {
	defer close(p.doneCh)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maintainMin()
			p.expireBan()
		}
	}
}

func (p *Pool) maintainMin() {
	p.mu.Lock()
	if p.st != stateOnline || (p.ban != nil && !p.ban.expired(time.Now())) {
		p.mu.Unlock()
		return
	}
	need := p.cfg.Min - p.total
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.total += need
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		s, err := p.dialWithRetry()
		p.mu.Lock()
		if err != nil {
			p.total--
			p.mu.Unlock()
			continue
		}
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
}

func (p *Pool) expireBan() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ban != nil && p.ban.expired(time.Now()) {
		p.ban = nil
	}
}
