// Package pool implements the resilient pool (C5): a fixed number of slots,
// each holding a connection actor that the pool creates, watches, and
// recreates through a circuit breaker when it terminates. Requests are
// routed round-robin across whichever slots are currently Ready; the pool
// itself holds no application-level state beyond that routing.
package pool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fleipold/akre"
	"github.com/fleipold/akre/internal/breaker"
	"github.com/fleipold/akre/internal/connection"
	"github.com/fleipold/akre/logging"
)

// Factory spawns one child connection actor, already started against ctx.
// A new ctx is derived per creation attempt so a stuck or abandoned child
// can be canceled independently of its siblings.
type Factory func(ctx context.Context) *connection.Actor

// Config configures a pool.
type Config struct {
	Size    int
	Factory Factory
	Breaker breaker.Config
	Log     logging.Func
}

// Request is what a caller hands the pool to route one command to whichever
// child connection is ready. Result must be buffered with capacity at least
// 1: the pool, and the child it routes to, both deliver to it without
// blocking on the receiver.
type Request struct {
	Command akre.Command
	Result  chan<- connection.Result
}

// Stats is a read-only snapshot of the pool's internal bookkeeping, useful
// for health checks and tests; it does not influence routing or creation.
type Stats struct {
	Ready    int
	Creating int
	Broken   int // slots with no live child, awaiting the breaker's permission to recreate
	Breaker  breaker.State
}

type slotState int

const (
	slotEmpty slotState = iota
	slotCreating
	slotReady
)

// slot's generation tags whichever child currently occupies it. Every event
// superviseChild raises for that child carries the same generation; the
// pool's run loop discards any event whose generation doesn't match the
// slot's current one. This is what lets reclaimStaleProbe abandon a child
// that outlives its cancellation (see connection.Actor.runSetup, which
// doesn't observe ctx) without that child's eventual becameReady/terminated
// being misattributed to whatever occupies the slot index afterwards.
type slot struct {
	state      slotState
	child      *connection.Actor
	cancel     context.CancelFunc
	semHeld    bool
	generation uint64
}

type eventKind int

const (
	becameReady eventKind = iota
	terminated
)

type event struct {
	index      int
	generation uint64
	kind       eventKind
}

type routeesQuery struct {
	reply chan int
}

type statsQuery struct {
	reply chan Stats
}

// Pool is the resilient pool. Zero value is not usable; construct with New.
type Pool struct {
	cfg Config
	br  *breaker.Breaker
	sem *semaphore.Weighted // bounds HalfOpen to a single in-flight probe

	mailbox   chan Request
	routeesCh chan routeesQuery
	statsCh   chan statsQuery
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// New creates a pool of cfg.Size slots and starts driving it in the
// background. It begins attempting creations immediately.
func New(ctx context.Context, cfg Config) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}

	p := &Pool{
		cfg:       cfg,
		br:        breaker.New(cfg.Breaker),
		sem:       semaphore.NewWeighted(1),
		mailbox:   make(chan Request),
		routeesCh: make(chan routeesQuery),
		statsCh:   make(chan statsQuery),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Send routes one request to a ready child, or fails it immediately with
// NoReadyConnection if none exists. It blocks only long enough to hand the
// request to the pool's own loop; ctx bounds that hand-off, not the reply.
func (p *Pool) Send(ctx context.Context, req Request) error {
	select {
	case p.mailbox <- req:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("pool: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Routees reports the number of children currently Ready, per §4.5's
// GetRoutees query — used by the facade's waitUntilConnected.
func (p *Pool) Routees(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case p.routeesCh <- routeesQuery{reply: reply}:
	case <-p.doneCh:
		return 0, fmt.Errorf("pool: closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-p.doneCh:
		return 0, fmt.Errorf("pool: closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats returns a snapshot of the pool's slot and breaker state.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- statsQuery{reply: reply}:
	case <-p.doneCh:
		return Stats{}, fmt.Errorf("pool: closed")
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-p.doneCh:
		return Stats{}, fmt.Errorf("pool: closed")
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Close requests a graceful shutdown: every child is closed and the pool
// waits, bounded to 30s, for all of them to terminate before Done() closes.
// Safe to call more than once.
func (p *Pool) Close() {
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
}

// Done is closed once the pool has finished shutting down.
func (p *Pool) Done() <-chan struct{} { return p.doneCh }

func (p *Pool) log(level logging.Level, format string, args ...any) {
	if p.cfg.Log == nil {
		return
	}
	p.cfg.Log(level, "pool: "+format, args...)
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.doneCh)

	slots := make([]slot, p.cfg.Size)
	events := make(chan event, p.cfg.Size*2)
	rr := 0
	var nextGeneration uint64

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	tryCreate := func() {
		now := time.Now()
		for i := range slots {
			if slots[i].state != slotEmpty {
				continue
			}
			permit, _ := p.br.PermitCreation(now)
			if !permit {
				return
			}
			semHeld := false
			if p.br.State() == breaker.HalfOpen {
				if !p.sem.TryAcquire(1) {
					return
				}
				semHeld = true
			}

			childCtx, cancel := context.WithCancel(ctx)
			child := p.cfg.Factory(childCtx)
			nextGeneration++
			gen := nextGeneration
			slots[i] = slot{state: slotCreating, child: child, cancel: cancel, semHeld: semHeld, generation: gen}
			idx := i
			p.log(logging.Debug, "creating connection for slot %d", idx)
			go superviseChild(idx, gen, child, events)
		}
	}

	tryCreate()

	for {
		select {
		case <-ctx.Done():
			p.closeAll(slots)
			return

		case <-p.closeCh:
			p.closeAll(slots)
			return

		case req := <-p.mailbox:
			child, ok := routeNext(slots, &rr)
			if !ok {
				deliverNoReady(req)
				continue
			}
			go forward(child, req)

		case q := <-p.routeesCh:
			q.reply <- countReady(slots)

		case q := <-p.statsCh:
			q.reply <- computeStats(slots, p.br.State())

		case ev := <-events:
			if slots[ev.index].generation != ev.generation {
				// Stale event from a child the pool already reclaimed (or
				// a prior occupant of this slot entirely) — the
				// generation it was raised for no longer matches whoever
				// occupies the slot now. Discard it rather than applying
				// it to an unrelated occupant.
				continue
			}
			now := time.Now()
			switch ev.kind {
			case becameReady:
				slots[ev.index].state = slotReady
				p.br.RecordSuccess(now)
				if slots[ev.index].semHeld {
					p.sem.Release(1)
					slots[ev.index].semHeld = false
				}

			case terminated:
				s := slots[ev.index]
				wasCreating := s.state == slotCreating
				if s.cancel != nil {
					s.cancel()
				}
				slots[ev.index] = slot{}
				if wasCreating {
					p.br.RecordFailure(now)
					if s.semHeld {
						p.sem.Release(1)
					}
				}
			}

		case <-ticker.C:
			now := time.Now()
			if p.br.State() == breaker.HalfOpen {
				if dl := p.br.HalfOpenDeadline(); !dl.IsZero() && !now.Before(dl) {
					reclaimStaleProbe(slots, p.sem)
					p.br.RecordFailure(now)
				}
			}
			tryCreate()
		}
	}
}

// superviseChild watches one child's lifecycle and reports it on events: at
// most one becameReady followed by exactly one terminated, or terminated
// alone if the child never became ready. generation identifies which slot
// occupant this child is, so the run loop can recognize and discard an
// event raised for a child the pool has already abandoned.
func superviseChild(index int, generation uint64, child *connection.Actor, events chan<- event) {
	select {
	case <-child.Ready():
		events <- event{index: index, generation: generation, kind: becameReady}
	case <-child.Done():
		events <- event{index: index, generation: generation, kind: terminated}
		return
	}
	<-child.Done()
	events <- event{index: index, generation: generation, kind: terminated}
}

// reclaimStaleProbe cancels and clears the one slot holding the HalfOpen
// semaphore permit, so the pool stops waiting on a probe the breaker has
// already given up on. It does not, and cannot, stop the superviseChild
// goroutine still watching that child — connection.Actor.runSetup never
// observes ctx cancellation, so a reclaimed child that's already past Dial
// can keep running to completion and still close its readyCh/doneCh. That
// goroutine's eventual event carries the generation this slot held at
// reclaim time, which the run loop's generation check discards once the
// slot has moved on (emptied, or reused by a later child).
func reclaimStaleProbe(slots []slot, sem *semaphore.Weighted) {
	for i := range slots {
		if slots[i].state == slotCreating && slots[i].semHeld {
			if slots[i].cancel != nil {
				slots[i].cancel()
			}
			slots[i] = slot{}
			sem.Release(1)
			return
		}
	}
}

func routeNext(slots []slot, rr *int) (*connection.Actor, bool) {
	n := len(slots)
	for i := 0; i < n; i++ {
		idx := (*rr + i) % n
		if slots[idx].state == slotReady {
			*rr = (idx + 1) % n
			return slots[idx].child, true
		}
	}
	return nil, false
}

func countReady(slots []slot) int {
	n := 0
	for _, s := range slots {
		if s.state == slotReady {
			n++
		}
	}
	return n
}

func computeStats(slots []slot, brState breaker.State) Stats {
	var st Stats
	st.Breaker = brState
	for _, s := range slots {
		switch s.state {
		case slotReady:
			st.Ready++
		case slotCreating:
			st.Creating++
		case slotEmpty:
			st.Broken++
		}
	}
	return st
}

func deliverNoReady(req Request) {
	select {
	case req.Result <- connection.Result{Command: req.Command, Err: &akre.NoReadyConnection{Command: req.Command}}:
	default:
	}
}

func forward(child *connection.Actor, req Request) {
	if err := child.Send(context.Background(), connection.Request{Command: req.Command, Result: req.Result}); err != nil {
		select {
		case req.Result <- connection.Result{Command: req.Command, Err: err}:
		default:
		}
	}
}

// closeAll fans Close() out to every live child and joins, bounded to 30s,
// generalizing the single-child stop-and-wait pattern to N children.
func (p *Pool) closeAll(slots []slot) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var g errgroup.Group
	for i := range slots {
		child := slots[i].child
		if child == nil {
			continue
		}
		g.Go(func() error {
			child.Close()
			select {
			case <-child.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		p.log(logging.Warn, "shutdown: %v", err)
	}

	for i := range slots {
		if slots[i].cancel != nil {
			slots[i].cancel()
		}
	}
}
