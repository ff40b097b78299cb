package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgdog/pgdog/internal/server"
)

// injectIdle seeds the pool with an already-"authenticated" server
// without dialing, the same net.Pipe-based fake-backend approach the
// db-bouncer example uses for its pool tests.
func injectIdle(p *Pool) (*server.Server, net.Conn) {
	clientEnd, backendEnd := net.Pipe()
	s := server.Wrap(clientEnd, "fake:5432", 1, 1, nil)
	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.total++
	p.mu.Unlock()
	return s, backendEnd
}

func testAddr() Address {
	return Address{Host: "127.0.0.1", Port: 5432, Database: "app", User: "app"}
}

func TestPool_GetReturnsIdleConnection(t *testing.T) {
	p := New(testAddr(), Config{Max: 2})
	s, backend := injectIdle(p)
	defer backend.Close()

	got, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Fatal("Get did not return the injected idle connection")
	}
	snap := p.Snapshot()
	if snap.Idle != 0 || snap.Taken != 1 || snap.Total != 1 {
		t.Fatalf("unexpected snapshot after checkout: %+v", snap)
	}
}

func TestPool_PutReturnsToIdle(t *testing.T) {
	p := New(testAddr(), Config{Max: 2})
	s, backend := injectIdle(p)
	defer backend.Close()

	got, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	go func() {
		buf := make([]byte, 64)
		backend.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		backend.Read(buf) // drain ROLLBACK-on-idle no-op path (no-op: backend stays idle)
	}()

	if err := p.Put(got, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap := p.Snapshot()
	if snap.Idle != 1 || snap.Taken != 0 || snap.Total != 1 {
		t.Fatalf("unexpected snapshot after put: %+v", snap)
	}
	if snap.Idle+snap.Taken != snap.Total {
		t.Fatalf("invariant idle+taken==total violated: %+v", snap)
	}
}

func TestPool_PutUnknownConnectionFails(t *testing.T) {
	p := New(testAddr(), Config{Max: 2})
	s := server.Wrap(nil, "fake:5432", 1, 1, nil)
	if err := p.Put(s, false); err != ErrMappingMissing {
		t.Fatalf("Put(unknown) = %v, want ErrMappingMissing", err)
	}
}

func TestPool_BannedRejectsCheckout(t *testing.T) {
	p := New(testAddr(), Config{Max: 2})
	p.Ban("test ban", time.Minute)

	_, err := p.Get(context.Background())
	if err == nil {
		t.Fatal("expected banned pool to reject checkout")
	}
	if !p.Banned() {
		t.Fatal("Banned() should report true")
	}
}

func TestPool_UnbanClearsState(t *testing.T) {
	p := New(testAddr(), Config{Max: 2})
	p.Ban("test ban", time.Minute)
	p.Unban()
	if p.Banned() {
		t.Fatal("Unban should clear the ban")
	}
}

func TestPool_OfflineRejectsCheckout(t *testing.T) {
	p := New(testAddr(), Config{Max: 2})
	p.Start()
	p.Stop()

	_, err := p.Get(context.Background())
	if err != ErrOffline {
		t.Fatalf("Get on stopped pool = %v, want ErrOffline", err)
	}
}

func TestPool_CheckoutTimeoutWhenAtMaxAndNoneIdle(t *testing.T) {
	p := New(testAddr(), Config{Max: 1, CheckoutTimeout: 50 * time.Millisecond})
	p.mu.Lock()
	p.total = 1 // simulate the single slot already checked out elsewhere
	p.mu.Unlock()

	_, err := p.Get(context.Background())
	if err != ErrCheckoutTimeout {
		t.Fatalf("Get = %v, want ErrCheckoutTimeout", err)
	}
}

// TestPool_WaitersAreFIFO holds the pool at its max with a single
// connection already checked out, then queues three more Get callers
// and releases one connection at a time. Each release must wake the
// oldest waiter first, not whichever goroutine happens to be
// scheduled next.
func TestPool_WaitersAreFIFO(t *testing.T) {
	p := New(testAddr(), Config{Max: 1, CheckoutTimeout: 2 * time.Second})
	p.mu.Lock()
	p.total = 1 // the single slot is already held elsewhere
	p.mu.Unlock()

	order := make(chan int, 3)
	got := make(chan *server.Server, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			s, err := p.Get(context.Background())
			if err != nil {
				t.Errorf("waiter %d: Get: %v", i, err)
				return
			}
			order <- i
			got <- s
		}()
		time.Sleep(10 * time.Millisecond) // stable enqueue order
	}

	// Wait until all three are actually queued before releasing.
	for {
		if p.Snapshot().Waiting == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		clientEnd, backendEnd := net.Pipe()
		s := server.Wrap(clientEnd, "fake:5432", 1, 1, nil)
		p.mu.Lock()
		p.taken[s] = true
		p.mu.Unlock()
		if err := p.Put(s, false); err != nil {
			t.Fatalf("Put: %v", err)
		}
		<-got // consume whichever waiter this release woke, then close its backend
		backendEnd.Close()
	}

	if first, second, third := <-order, <-order, <-order; first != 0 || second != 1 || third != 2 {
		t.Fatalf("waiters served out of FIFO order: %d, %d, %d", first, second, third)
	}
}
