package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cipherline/internal/clock"
	"cipherline/internal/domain"
	"cipherline/internal/ids"
)

const subscriberBuffer = 32

var errHeartbeatTimeout = fmt.Errorf("%w: heartbeat not acknowledged", domain.ErrNetwork)

// Handler receives inbound frames, one at a time, in arrival order.
type Handler func(ctx context.Context, f domain.Frame)

// Client is the TransportClient.
type Client struct {
	dialer  Dialer
	handler Handler
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *Metrics
	backoff backoff
	queue   *queue

	mu         sync.Mutex
	state      domain.ConnectionState
	token      string
	running    bool
	terminated bool
	authClosed bool
	cancel     context.CancelFunc
	done       chan struct{}
	subs       []chan domain.StateChange
}

// Option configures a Client.
type Option func(*Client)

// WithConfig overrides the defaults; zero fields keep their default.
func WithConfig(cfg Config) Option { return func(c *Client) { c.cfg = cfg.withDefaults() } }

// WithClock sets the clock driving backoff and heartbeats.
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clock = clk } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// WithMetrics records connection and queue metrics into m.
func WithMetrics(m *Metrics) Option { return func(c *Client) { c.metrics = m } }

// New returns a disconnected client. handler may be nil until SetHandler
// is called, in which case inbound frames are discarded.
func New(dialer Dialer, handler Handler, opts ...Option) *Client {
	c := &Client{
		dialer:  dialer,
		handler: handler,
		cfg:     DefaultConfig(),
		clock:   clock.Real(),
		log:     slog.Default(),
		state:   domain.Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.backoff = newBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax)
	c.queue = newQueue(c.cfg.QueueCapacity)
	return c
}

// SetHandler replaces the inbound handler. It must be called before
// Connect.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel receiving every later state change. Slow
// subscribers lose changes rather than stall the client.
func (c *Client) Subscribe() <-chan domain.StateChange {
	ch := make(chan domain.StateChange, subscriberBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, ch)
	return ch
}

// QueueLen is the number of frames waiting to be written.
func (c *Client) QueueLen() int { return c.queue.len() }

// Connect dials the relay with session's token and starts the supervisor.
// It returns once the first connection is up or has failed. Calling it
// while connected or reconnecting is a no-op.
func (c *Client) Connect(ctx context.Context, session domain.Session) error {
	if session.Token == "" {
		return domain.ErrUnauthenticated
	}
	c.mu.Lock()
	switch {
	case c.terminated:
		c.mu.Unlock()
		return domain.ErrClosed
	case c.running:
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.authClosed = false
	c.token = session.Token
	c.mu.Unlock()

	c.setState(domain.Connecting, nil)
	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.settle(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	if c.terminated {
		c.running = false
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return domain.ErrClosed
	}
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	c.setState(domain.Connected, nil)
	go c.supervise(runCtx, conn, done)
	return nil
}

// Disconnect stops the supervisor and closes the connection. Queued
// frames are kept for the next Connect. It must not be called from the
// Handler.
func (c *Client) Disconnect() {
	if c.stop() {
		c.setState(domain.Disconnected, nil)
	}
}

// Close is terminal and idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	c.mu.Unlock()

	c.stop()
	c.setState(domain.Closed, nil)
	return nil
}

func (c *Client) stop() bool {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	wasRunning := c.running
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return wasRunning
}

// Submit queues f for delivery and never blocks. queued reports that the
// connection was not up at the time. After Close it fails with
// domain.ErrClosed; after the relay rejected the token, with
// domain.ErrUnauthenticated.
func (c *Client) Submit(f domain.Frame) (queued bool, err error) {
	c.mu.Lock()
	terminated, authClosed, state := c.terminated, c.authClosed, c.state
	c.mu.Unlock()
	switch {
	case terminated:
		return false, domain.ErrClosed
	case authClosed:
		return false, domain.ErrUnauthenticated
	}

	if f.ID == "" {
		if f.ID, err = ids.NewULID(c.clock.Now()); err != nil {
			return false, err
		}
	}
	for _, d := range c.queue.push(f) {
		c.metrics.dropped.Inc()
		c.log.Warn("transport.queue.drop", "id", d.ID, "to", d.To, "capacity", c.cfg.QueueCapacity)
	}
	c.metrics.queueDepth.Set(float64(c.queue.len()))
	return state != domain.Connected, nil
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) || errors.Is(err, domain.ErrNetwork) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	return conn, nil
}

// settle records the state a failed dial leaves the client in.
func (c *Client) settle(err error) {
	if errors.Is(err, domain.ErrUnauthenticated) {
		c.mu.Lock()
		c.authClosed = true
		c.mu.Unlock()
		c.log.Warn("transport.unauthorized", "err", err)
		c.setState(domain.Closed, err)
		return
	}
	c.setState(domain.Disconnected, err)
}

func (c *Client) supervise(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrUnauthenticated) {
			c.release()
			c.settle(err)
			return
		}
		c.log.Warn("transport.connection.lost", "err", err)
		c.setState(domain.Reconnecting, err)

		conn, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.release()
			c.settle(err)
			return
		}
		c.setState(domain.Connected, nil)
	}
}

// release marks the supervisor as gone so a later Connect starts a new one.
func (c *Client) release() {
	c.mu.Lock()
	cancel := c.cancel
	c.running = false
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) reconnect(ctx context.Context) (Conn, error) {
	for attempt := 1; ; attempt++ {
		if limit := c.cfg.MaxReconnectAttempts; limit > 0 && attempt > limit {
			return nil, fmt.Errorf("%w: gave up after %d reconnect attempts", domain.ErrNetwork, limit)
		}
		delay := c.backoff.delay(attempt)
		c.log.Info("transport.reconnect.wait", "attempt", attempt, "delay", delay)
		t := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		c.metrics.reconnects.Inc()
		c.setState(domain.Connecting, nil)
		conn, err := c.dial(ctx)
		if err == nil {
			c.log.Info("transport.reconnect.ok", "attempt", attempt)
			return conn, nil
		}
		if errors.Is(err, domain.ErrUnauthenticated) || ctx.Err() != nil {
			return nil, err
		}
		c.log.Info("transport.reconnect.fail", "attempt", attempt, "err", err)
		c.setState(domain.Reconnecting, err)
	}
}

// serve runs one connection until it fails or ctx ends. The connection is
// closed and both of its goroutines have exited when serve returns.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	fail := make(chan error, 2)
	acks := make(chan string, 4)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(sctx, conn, acks, fail)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(sctx, conn, fail)
	}()

	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	var (
		err      error
		probeID  string
		timer    *clock.Timer
		deadline <-chan time.Time
	)
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case err = <-fail:
			break loop
		case <-ticker.C:
			if probeID != "" {
				continue
			}
			probeID = "probe-" + ids.MustULID(c.clock.Now())
			if err = c.write(sctx, conn, domain.Frame{Type: domain.FrameProbe, ID: probeID}); err != nil {
				break loop
			}
			timer = c.clock.NewTimer(c.cfg.HeartbeatTimeout)
			deadline = timer.C
		case id := <-acks:
			if id == probeID && timer != nil {
				timer.Stop()
				probeID, timer, deadline = "", nil, nil
			}
		case <-deadline:
			err = errHeartbeatTimeout
			break loop
		}
	}

	ticker.Stop()
	if timer != nil {
		timer.Stop()
	}
	cancel()
	_ = conn.Close()
	wg.Wait()
	return err
}

func (c *Client) readLoop(ctx context.Context, conn Conn, acks chan<- string, fail chan<- error) {
	for {
		f, err := conn.Read(ctx)
		if err != nil {
			fail <- err
			return
		}
		switch f.Type {
		case domain.FrameProbeAck:
			select {
			case acks <- f.ID:
			default:
			}
		case domain.FrameProbe:
			_ = c.write(ctx, conn, domain.Frame{Type: domain.FrameProbeAck, ID: f.ID})
		default:
			c.metrics.received.Inc()
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(ctx, f)
			}
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn Conn, fail chan<- error) {
	for {
		f, ok := c.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.queue.ready:
				continue
			}
		}
		if err := c.write(ctx, conn, f); err != nil {
			c.queue.pushFront(f)
			c.metrics.queueDepth.Set(float64(c.queue.len()))
			fail <- err
			return
		}
		c.metrics.sent.Inc()
		c.metrics.queueDepth.Set(float64(c.queue.len()))
	}
}

func (c *Client) write(ctx context.Context, conn Conn, f domain.Frame) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, f)
}

func (c *Client) setState(to domain.ConnectionState, err error) {
	c.mu.Lock()
	if c.terminated && to != domain.Closed {
		c.mu.Unlock()
		return
	}
	from := c.state
	if from == to && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = to
	subs := c.subs
	c.mu.Unlock()

	c.metrics.setState(to)
	change := domain.StateChange{From: from, To: to, Err: err, At: c.clock.Now()}
	c.log.Info("transport.state", "from", from, "to", to, "err", err)
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			c.log.Warn("transport.subscriber.slow", "to", to)
		}
	}
}
