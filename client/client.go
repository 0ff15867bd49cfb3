// Package client implements the client facade (C6): the programmatic API an
// application embeds to talk to a RESP-speaking key-value server. It owns a
// resilient pool of connections and turns pool-level results into the typed
// error taxonomy callers are expected to handle.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fleipold/akre"
	"github.com/fleipold/akre/internal/breaker"
	"github.com/fleipold/akre/internal/connection"
	"github.com/fleipold/akre/internal/pool"
	"github.com/fleipold/akre/logging"
)

// DialFunc establishes the network connection a connection actor will own.
// The default dials TCP with the configured connect timeout.
type DialFunc = connection.DialFunc

// Client is a handle to a pool of persistent connections against one
// host:port. Construct with New; release resources with Shutdown.
type Client struct {
	pool           *pool.Pool
	log            logging.Func
	requestTimeout time.Duration
}

// Option tweaks a Client's construction parameters.
type Option func(*options)

type options struct {
	Host              string
	Port              int
	DialFunc          DialFunc
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	Connections       int
	Setup             []akre.Command
	Log               logging.Func
	Breaker           breaker.Config
	ConnectionFactory func(ctx context.Context, o *options) *connection.Actor
}

// WithHost sets the server host. Default is "localhost".
func WithHost(host string) Option {
	return func(o *options) { o.Host = host }
}

// WithPort sets the server port. Default is 6379.
func WithPort(port int) Option {
	return func(o *options) { o.Port = port }
}

// WithDialFunc overrides how the TCP connection is established.
func WithDialFunc(dial DialFunc) Option {
	return func(o *options) { o.DialFunc = dial }
}

// WithConnectTimeout bounds how long dialing a single connection may take
// before the connection actor gives up. The setup commands run after the
// dial are not bounded by it.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.ConnectTimeout = d }
}

// WithRequestTimeout bounds how long Execute and ExecuteConnectionClose wait
// for a reply once routed to a connection.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.RequestTimeout = d }
}

// WithConnections sets the number of pooled connections. Default is 4.
func WithConnections(n int) Option {
	return func(o *options) { o.Connections = n }
}

// WithSetup sets the ordered list of commands a connection must run
// successfully during bring-up before it is announced Ready, e.g.
// CLIENT SETNAME.
func WithSetup(cmds ...akre.Command) Option {
	return func(o *options) { o.Setup = cmds }
}

// WithLogFunc sets the log callback used by the pool, the breaker's effects,
// and every connection actor.
func WithLogFunc(log logging.Func) Option {
	return func(o *options) { o.Log = log }
}

// WithBreaker overrides the circuit breaker's tuning. Default is
// breaker.DefaultConfig().
func WithBreaker(cfg breaker.Config) Option {
	return func(o *options) { o.Breaker = cfg }
}

func defaultOptions() *options {
	return &options{
		Host:           "localhost",
		Port:           6379,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Second,
		Connections:    4,
		Log:            logging.NopFunc,
		Breaker:        breaker.DefaultConfig(),
	}
}

// New creates a Client and starts bringing up its pool of connections in the
// background. It returns as soon as the pool has been created; use
// WaitUntilConnected to block until a minimum number of connections are
// Ready.
func New(options ...Option) (*Client, error) {
	o := defaultOptions()
	for _, option := range options {
		option(o)
	}
	if o.Connections < 1 {
		return nil, fmt.Errorf("akre: connections must be >= 1")
	}
	if o.DialFunc == nil {
		o.DialFunc = defaultDialFunc(o.Host, o.Port)
	}

	factory := func(ctx context.Context) *connection.Actor {
		cfg := connection.Config{
			Dial: func(dialCtx context.Context) (net.Conn, error) {
				dialCtx, cancel := context.WithTimeout(dialCtx, o.ConnectTimeout)
				defer cancel()
				return o.DialFunc(dialCtx)
			},
			Setup:   o.Setup,
			Log:     o.Log,
			Address: fmt.Sprintf("%s:%d", o.Host, o.Port),
		}
		return connection.Start(ctx, cfg)
	}

	p := pool.New(context.Background(), pool.Config{
		Size:    o.Connections,
		Factory: factory,
		Breaker: o.Breaker,
		Log:     o.Log,
	})

	return &Client{pool: p, log: o.Log, requestTimeout: o.RequestTimeout}, nil
}

func defaultDialFunc(host string, port int) DialFunc {
	addr := fmt.Sprintf("%s:%d", host, port)
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Execute sends cmd to the pool with a deadline of the configured request
// timeout and returns the server's success reply, or fails with
// ErrorReply, RequestTimeout, NoReadyConnection, ConnectionLost, or
// RequestExecution wrapping any other cause.
func (c *Client) Execute(ctx context.Context, cmd akre.Command) (akre.RValue, error) {
	return c.executeWithin(ctx, cmd, c.deadlineFor(ctx))
}

// ExecuteConnectionClose sends a command whose expectation is
// ConnectionCloseExpected and waits for it to complete. When the server
// answers the command before closing (QUIT), it returns as soon as that reply
// arrives, without waiting for the socket to close; when the server closes
// without a reply (SHUTDOWN), it returns once the close is observed.
func (c *Client) ExecuteConnectionClose(ctx context.Context, cmd akre.Command) error {
	if cmd.Expectation() != akre.ConnectionCloseExpected {
		return fmt.Errorf("akre: %s: not a connection-close command", cmd)
	}
	_, err := c.executeWithin(ctx, cmd, c.deadlineFor(ctx))
	return err
}

// deadlineFor honors the caller's own context deadline when it's tighter
// than the configured request timeout, and falls back to the configured
// timeout when ctx carries none.
func (c *Client) deadlineFor(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < c.requestTimeout {
			return remaining
		}
	}
	return c.requestTimeout
}

func (c *Client) executeWithin(ctx context.Context, cmd akre.Command, timeout time.Duration) (akre.RValue, error) {
	result := make(chan connection.Result, 1)
	if err := c.pool.Send(ctx, pool.Request{Command: cmd, Result: result}); err != nil {
		return akre.RValue{}, &akre.RequestExecution{Command: cmd, Cause: err}
	}

	select {
	case res := <-result:
		if res.Err != nil {
			switch res.Err.(type) {
			case *akre.ErrorReply, *akre.NoReadyConnection, *akre.ConnectionLost:
				return res.Reply, res.Err
			}
			return res.Reply, &akre.RequestExecution{Command: cmd, Cause: res.Err}
		}
		return res.Reply, nil
	case <-time.After(timeout):
		return akre.RValue{}, &akre.RequestTimeout{Command: cmd}
	case <-ctx.Done():
		return akre.RValue{}, &akre.RequestTimeout{Command: cmd}
	}
}

// WaitUntilConnected polls the pool's ready set until it reaches
// minConnections or timeout elapses, whichever comes first. Poll interval is
// min(timeout/10, 30ms).
func (c *Client) WaitUntilConnected(ctx context.Context, timeout time.Duration, minConnections int) error {
	interval := timeout / 10
	if interval > 30*time.Millisecond || interval <= 0 {
		interval = 30 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := c.pool.Routees(ctx)
		if err == nil && n >= minConnections {
			return nil
		}
		if !time.Now().Before(deadline) {
			got, _ := c.pool.Routees(ctx)
			return &akre.ConnectTimeout{Wanted: minConnections, Got: got}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			got, _ := c.pool.Routees(ctx)
			return &akre.ConnectTimeout{Wanted: minConnections, Got: got}
		}
	}
}

// Stats returns a snapshot of the underlying pool's slot and breaker state.
func (c *Client) Stats(ctx context.Context) (pool.Stats, error) {
	return c.pool.Stats(ctx)
}

// Shutdown initiates a graceful stop of the pool, bounded to 30s, and
// returns once every child connection has terminated.
func (c *Client) Shutdown() {
	c.pool.Close()
	<-c.pool.Done()
}
