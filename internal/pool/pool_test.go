package pool_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleipold/akre"
	"github.com/fleipold/akre/internal/breaker"
	"github.com/fleipold/akre/internal/connection"
	"github.com/fleipold/akre/internal/pool"
)

func scriptedServer(t *testing.T, conn net.Conn, replies []string) {
	t.Helper()
	go func() {
		r := bufio.NewReader(conn)
		for _, reply := range replies {
			if _, err := readCommandLines(r); err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
}

func readCommandLines(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n := 0
	for _, c := range line[1 : len(line)-2] {
		n = n*10 + int(c-'0')
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if _, err := r.ReadString('\n'); err != nil {
			return nil, err
		}
		data, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		args = append(args, data[:len(data)-2])
	}
	return args, nil
}

func dial(conn net.Conn) connection.DialFunc {
	return func(ctx context.Context) (net.Conn, error) { return conn, nil }
}

// pipeFactory builds a Factory where each creation attempt gets its own
// net.Pipe, scripted to answer every request with "+OK\r\n".
func pipeFactory() pool.Factory {
	return func(ctx context.Context) *connection.Actor {
		client, server := net.Pipe()
		go func() {
			r := bufio.NewReader(server)
			for {
				if _, err := readCommandLines(r); err != nil {
					return
				}
				if _, err := server.Write([]byte("+OK\r\n")); err != nil {
					return
				}
			}
		}()
		return connection.Start(ctx, connection.Config{Dial: dial(client)})
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPoolBecomesReadyAndRoutes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pool.New(ctx, pool.Config{
		Size:    2,
		Factory: pipeFactory(),
		Breaker: breaker.DefaultConfig(),
	})
	defer p.Close()

	waitFor(t, time.Second, func() bool {
		n, err := p.Routees(context.Background())
		return err == nil && n == 2
	})

	for i := 0; i < 4; i++ {
		result := make(chan connection.Result, 1)
		cmd := akre.NewCommand("PING", akre.OkStatusExpected)
		if err := p.Send(context.Background(), pool.Request{Command: cmd, Result: result}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		select {
		case res := <-result:
			if res.Err != nil {
				t.Fatalf("request %d: unexpected error: %v", i, res.Err)
			}
		case <-time.After(time.Second):
			t.Fatalf("request %d: timed out", i)
		}
	}
}

func TestPoolNoReadyConnectionWhenAllEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := func(ctx context.Context) *connection.Actor {
		return connection.Start(ctx, connection.Config{Dial: func(context.Context) (net.Conn, error) {
			return nil, fmt.Errorf("dial refused")
		}})
	}

	p := pool.New(ctx, pool.Config{
		Size:    1,
		Factory: factory,
		Breaker: breaker.Config{ConsecutiveFailureTolerance: 100, BaseBackoff: time.Second, MaxBackoff: time.Second, HalfOpenTimeout: time.Second},
	})
	defer p.Close()

	result := make(chan connection.Result, 1)
	cmd := akre.NewCommand("GET", akre.BulkExpected, []byte("k"))
	if err := p.Send(context.Background(), pool.Request{Command: cmd, Result: result}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case res := <-result:
		if _, ok := res.Err.(*akre.NoReadyConnection); !ok {
			t.Fatalf("expected *akre.NoReadyConnection, got %#v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for no-ready-connection result")
	}
}

// TestPoolRecreatesAfterTransientFailure mirrors end-to-end scenario S6's
// setup: a connection attempt that fails is eventually replaced by one that
// succeeds, via the breaker's Closed state permitting immediate retries.
func TestPoolRecreatesAfterTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	factory := func(ctx context.Context) *connection.Actor {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return connection.Start(ctx, connection.Config{Dial: func(context.Context) (net.Conn, error) {
				return nil, fmt.Errorf("first attempt always fails")
			}})
		}
		client, server := net.Pipe()
		scriptedServer(t, server, []string{":1\r\n"})
		return connection.Start(ctx, connection.Config{Dial: dial(client)})
	}

	p := pool.New(ctx, pool.Config{
		Size:    1,
		Factory: factory,
		Breaker: breaker.DefaultConfig(),
	})
	defer p.Close()

	waitFor(t, time.Second, func() bool {
		n, err := p.Routees(context.Background())
		return err == nil && n == 1
	})

	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("expected at least 2 creation attempts, got %d", attempts)
	}
}

// TestPoolBreakerOpensAfterRepeatedFailures mirrors scenario S6: after
// enough consecutive creation failures the breaker trips Open and Stats
// reports it.
func TestPoolBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := func(ctx context.Context) *connection.Actor {
		return connection.Start(ctx, connection.Config{Dial: func(context.Context) (net.Conn, error) {
			return nil, fmt.Errorf("always fails")
		}})
	}

	p := pool.New(ctx, pool.Config{
		Size:    1,
		Factory: factory,
		Breaker: breaker.Config{
			ConsecutiveFailureTolerance: 2,
			BaseBackoff:                 200 * time.Millisecond,
			MaxBackoff:                  time.Second,
			HalfOpenTimeout:             time.Second,
		},
	})
	defer p.Close()

	waitFor(t, time.Second, func() bool {
		stats, err := p.Stats(context.Background())
		return err == nil && stats.Breaker == breaker.Open
	})

	stats, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 0 || stats.Creating != 0 {
		t.Fatalf("expected no ready or creating slots once open, got %+v", stats)
	}
}

func TestPoolCloseTerminatesChildren(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pool.New(ctx, pool.Config{
		Size:    2,
		Factory: pipeFactory(),
		Breaker: breaker.DefaultConfig(),
	})

	waitFor(t, time.Second, func() bool {
		n, err := p.Routees(context.Background())
		return err == nil && n == 2
	})

	p.Close()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool shutdown")
	}
}

// TestPoolIgnoresStaleEventsFromReclaimedHalfOpenProbe covers a HalfOpen
// probe that the pool gives up on (its half-open deadline elapses) while
// the underlying connection.Actor is still running — runSetup never
// observes ctx cancellation, so the orphaned actor keeps going and
// eventually closes its readyCh and then its doneCh on its own. Those late
// events must not be attributed to whatever the slot holds by the time they
// arrive: a stale becameReady must not resurrect a slot the pool has moved
// past, and a stale terminated must not tear down a healthy successor that
// has since taken the same slot index.
func TestPoolIgnoresStaleEventsFromReclaimedHalfOpenProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unblockStaleSetup := make(chan struct{})
	var attempts int32

	factory := func(ctx context.Context) *connection.Actor {
		switch atomic.AddInt32(&attempts, 1) {
		case 1:
			// Trips the breaker open immediately.
			return connection.Start(ctx, connection.Config{Dial: func(context.Context) (net.Conn, error) {
				return nil, fmt.Errorf("first attempt always fails")
			}})
		case 2:
			// The HalfOpen probe: dials fine, but its setup reply is
			// withheld well past the pool's half-open deadline, so the
			// pool reclaims it as stale while the actor is still running
			// runSetup underneath it.
			client, server := net.Pipe()
			go func() {
				r := bufio.NewReader(server)
				readCommandLines(r)
				<-unblockStaleSetup
				server.Write([]byte("+OK\r\n"))
			}()
			setup := []akre.Command{akre.NewCommand("CLIENT", akre.OkStatusExpected, []byte("SETNAME"), []byte("probe"))}
			return connection.Start(ctx, connection.Config{Dial: dial(client), Setup: setup})
		default:
			// Every later attempt succeeds immediately.
			client, server := net.Pipe()
			scriptedServer(t, server, []string{"+OK\r\n"})
			return connection.Start(ctx, connection.Config{Dial: dial(client)})
		}
	}

	p := pool.New(ctx, pool.Config{
		Size:    1,
		Factory: factory,
		Breaker: breaker.Config{
			ConsecutiveFailureTolerance: 1,
			BaseBackoff:                 20 * time.Millisecond,
			MaxBackoff:                  40 * time.Millisecond,
			HalfOpenTimeout:             20 * time.Millisecond,
		},
	})
	defer p.Close()

	// A real, healthy connection can only come up here if the pool moved
	// past the stale probe (attempt 2) instead of waiting on it forever.
	waitFor(t, 2*time.Second, func() bool {
		n, err := p.Routees(context.Background())
		return err == nil && n == 1
	})
	if n := atomic.LoadInt32(&attempts); n < 3 {
		t.Fatalf("expected the pool to move past the stale probe, got %d attempts", n)
	}

	// Let the reclaimed probe's setup reply arrive now. Its connection.Actor
	// will run to Ready and then immediately terminate (its ctx was already
	// cancelled), raising a stale becameReady followed by a stale
	// terminated for the same slot index the healthy connection occupies.
	close(unblockStaleSetup)
	time.Sleep(100 * time.Millisecond)

	n, err := p.Routees(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected the healthy connection to remain ready after the stale events, got n=%d err=%v", n, err)
	}

	result := make(chan connection.Result, 1)
	cmd := akre.NewCommand("PING", akre.OkStatusExpected)
	if err := p.Send(context.Background(), pool.Request{Command: cmd, Result: result}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case res := <-result:
		if res.Err != nil {
			t.Fatalf("unexpected error after stale events: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply after stale events")
	}
}
