// Package connection implements the connection actor (C4): it owns one TCP
// connection, pipelines outbound commands, correlates inbound replies in
// strict FIFO order, runs setup commands during bring-up, and announces
// readiness to its parent. It never reconnects itself — on any failure it
// terminates, and the parent (the pool) is responsible for recycling the
// slot through the circuit breaker.
package connection

import (
	"context"
	"fmt"
	"net"

	"github.com/fleipold/akre"
	"github.com/fleipold/akre/internal/protocol"
	"github.com/fleipold/akre/internal/reconstruct"
	"github.com/fleipold/akre/logging"
)

// DialFunc establishes the network connection a connection actor will own.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Result is delivered to a Request's sender exactly once: either Err is nil
// and Reply holds the decoded success value (or is the zero RValue for a
// ConnectionCloseExpected command completed by the peer closing the socket
// without a reply), or Err holds the failure.
type Result struct {
	Command akre.Command
	Reply   akre.RValue
	Err     error
}

// Request is what a caller hands the actor to pipeline one command.
type Request struct {
	Command akre.Command
	Result  chan<- Result
}

// Config configures a connection actor.
type Config struct {
	Dial    DialFunc
	Setup   []akre.Command
	Log     logging.Func
	Address string // used only for log messages
}

// SetupFailed is the actor termination cause when a setup command's reply
// didn't match its expectation.
type SetupFailed struct {
	Command akre.Command
	Reply   akre.RValue
	Cause   error
}

func (e *SetupFailed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection: setup %s failed: %v", e.Command, e.Cause)
	}
	return fmt.Sprintf("connection: setup %s failed: got %s", e.Command, e.Reply)
}

func (e *SetupFailed) Unwrap() error { return e.Cause }

// UnexpectedReply is the actor termination cause when a reply arrives with
// no outstanding pending request — a protocol violation by the peer.
type UnexpectedReply struct{}

func (e *UnexpectedReply) Error() string { return "connection: reply with empty pending queue" }

// Actor is a connection actor. Zero value is not usable; construct with
// Start.
type Actor struct {
	cfg Config

	mailbox chan Request
	closeCh chan struct{}
	readyCh chan struct{}
	doneCh  chan struct{}

	err error // valid only after doneCh is closed
}

// Start dials and brings up a connection actor in the background, returning
// immediately. The caller observes progress via Ready() and Done().
func Start(ctx context.Context, cfg Config) *Actor {
	a := &Actor{
		cfg:     cfg,
		mailbox: make(chan Request),
		closeCh: make(chan struct{}),
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

// Ready is closed once the actor has completed setup and begun serving
// requests.
func (a *Actor) Ready() <-chan struct{} { return a.readyCh }

// Done is closed once the actor has terminated, for any reason.
func (a *Actor) Done() <-chan struct{} { return a.doneCh }

// Err returns the actor's termination cause. Valid only after Done() is
// closed; nil means a graceful close (a ConnectionCloseExpected command ran
// to completion, or Close was called before any failure occurred).
func (a *Actor) Err() error { return a.err }

// Close requests that the actor terminate. It does not block; observe
// Done() to know when termination has completed. Close is safe to call more
// than once and after the actor has already terminated.
func (a *Actor) Close() {
	select {
	case <-a.closeCh:
	default:
		close(a.closeCh)
	}
}

// Send enqueues a request to be pipelined over the wire. While the actor is
// not accepting work (still connecting or running setup, or closing after a
// ConnectionCloseExpected command) Send blocks; it returns an error, without
// enqueuing, once the actor has terminated or ctx is done. The caller's own
// deadline governs how long it waits for Result to be delivered.
func (a *Actor) Send(ctx context.Context, req Request) error {
	select {
	case a.mailbox <- req:
		return nil
	case <-a.doneCh:
		return fmt.Errorf("connection: actor terminated: %w", a.err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) log(level logging.Level, format string, args ...any) {
	if a.cfg.Log == nil {
		return
	}
	a.cfg.Log(level, "connection "+a.cfg.Address+": "+format, args...)
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.doneCh)

	conn, err := a.cfg.Dial(ctx)
	if err != nil {
		a.err = err
		return
	}
	defer conn.Close()

	chunks := make(chan []byte)
	readErrs := make(chan error, 1)
	go readLoop(conn, chunks, readErrs)

	recon := reconstruct.New()

	if err := a.runSetup(conn, recon, chunks, readErrs); err != nil {
		a.err = err
		return
	}

	close(a.readyCh)
	a.err = a.serve(ctx, conn, recon, chunks, readErrs)
}

// readLoop copies bytes off conn onto chunks until it hits an error (which
// includes io.EOF on orderly close), then reports that error once and
// returns.
func readLoop(conn net.Conn, chunks chan<- []byte, errs chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks <- chunk
		}
		if err != nil {
			errs <- err
			return
		}
	}
}

func (a *Actor) runSetup(conn net.Conn, recon *reconstruct.Reconstructor, chunks <-chan []byte, readErrs <-chan error) error {
	for i, cmd := range a.cfg.Setup {
		a.log(logging.Debug, "setup step %d: %s", i, cmd)

		if _, err := conn.Write(protocol.EncodeCommand(cmd)); err != nil {
			return err
		}

		reply, err := a.awaitOne(recon, chunks, readErrs)
		if err != nil {
			return err
		}

		if !setupReplyMatches(cmd, reply) {
			return &SetupFailed{Command: cmd, Reply: reply}
		}
	}
	return nil
}

// awaitOne blocks until the reconstructor emits exactly one reply, feeding
// it bytes from chunks as they arrive.
func (a *Actor) awaitOne(recon *reconstruct.Reconstructor, chunks <-chan []byte, readErrs <-chan error) (akre.RValue, error) {
	var result akre.RValue
	got := false
	sink := func(v akre.RValue) {
		if !got {
			result = v
			got = true
		}
	}

	for !got {
		select {
		case chunk := <-chunks:
			if err := recon.Process(chunk, sink); err != nil {
				return akre.RValue{}, err
			}
		case err := <-readErrs:
			return akre.RValue{}, err
		}
	}
	return result, nil
}

func setupReplyMatches(cmd akre.Command, reply akre.RValue) bool {
	if reply.IsError() {
		return false
	}
	switch cmd.Expectation() {
	case akre.OkStatusExpected:
		return reply.IsSimpleString() && reply.Text() == "OK"
	case akre.IntegerExpected:
		return reply.IsInteger()
	case akre.BulkExpected:
		return reply.IsBulkString()
	default:
		return true
	}
}

// pendingQueue is the strict FIFO of in-flight requests. Index 0 is always
// the head: the next request a reply will be correlated to.
type pendingQueue struct {
	items []Request
}

func (q *pendingQueue) push(r Request) { q.items = append(q.items, r) }

func (q *pendingQueue) empty() bool { return len(q.items) == 0 }

func (q *pendingQueue) pop() (Request, bool) {
	if len(q.items) == 0 {
		return Request{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

func (q *pendingQueue) failAll(cause error) {
	for _, r := range q.items {
		deliver(r, Result{Command: r.Command, Err: &akre.ConnectionLost{Command: r.Command, Cause: cause}})
	}
	q.items = nil
}

func deliver(req Request, res Result) {
	select {
	case req.Result <- res:
	default:
		// The caller already gave up (e.g. its own deadline fired) but the
		// FIFO head still matched this reply; hand it off on its own
		// goroutine so a slow or abandoned receiver can't stall the loop.
		go func() { req.Result <- res }()
	}
}

// serve is the actor's steady-state loop: pipelines outbound commands from
// the mailbox and correlates inbound replies from the wire, in strict FIFO
// order, until the connection is closed or fails.
func (a *Actor) serve(ctx context.Context, conn net.Conn, recon *reconstruct.Reconstructor, chunks <-chan []byte, readErrs <-chan error) error {
	var pending pendingQueue
	closing := false

	for {
		select {
		case req := <-mailboxOrNil(a.mailbox, closing):
			if _, err := conn.Write(protocol.EncodeCommand(req.Command)); err != nil {
				pending.push(req)
				pending.failAll(err)
				return err
			}
			pending.push(req)
			if req.Command.ClosesConnection() {
				closing = true
			}

		case chunk := <-chunks:
			var decodeErr error
			sink := func(v akre.RValue) {
				req, ok := pending.pop()
				if !ok {
					decodeErr = &UnexpectedReply{}
					return
				}
				if v.IsError() {
					deliver(req, Result{Command: req.Command, Reply: v, Err: &akre.ErrorReply{Command: req.Command, Reply: v}})
					return
				}
				deliver(req, Result{Command: req.Command, Reply: v})
			}
			if err := recon.Process(chunk, sink); err != nil {
				pending.failAll(err)
				return err
			}
			if decodeErr != nil {
				pending.failAll(decodeErr)
				return decodeErr
			}

		case err := <-readErrs:
			if closing && pending.empty() {
				// The server answered the close command (e.g. QUIT's
				// +OK) before closing the socket; that reply was already
				// delivered above. EOF just confirms the closure.
				return nil
			}
			if closing && len(pendingHeadIsCloseOnly(&pending)) == 1 {
				req, _ := pending.pop()
				deliver(req, Result{Command: req.Command})
				pending.failAll(err)
				return nil
			}
			pending.failAll(err)
			return err

		case <-a.closeCh:
			pending.failAll(fmt.Errorf("connection: closed"))
			return nil

		case <-ctx.Done():
			pending.failAll(ctx.Err())
			return ctx.Err()
		}
	}
}

// mailboxOrNil returns the actor's mailbox channel, or nil (which blocks
// forever in a select) once the actor has sent a ConnectionCloseExpected
// command and must stop accepting new application requests.
func mailboxOrNil(ch chan Request, closing bool) chan Request {
	if closing {
		return nil
	}
	return ch
}

// pendingHeadIsCloseOnly returns a length-1 slice iff the only remaining
// pending request is the ConnectionCloseExpected command that put the actor
// into Closing — used to recognize a peer's orderly close as success rather
// than connection loss.
func pendingHeadIsCloseOnly(q *pendingQueue) []Request {
	if len(q.items) == 1 && q.items[0].Command.ClosesConnection() {
		return q.items
	}
	return nil
}
