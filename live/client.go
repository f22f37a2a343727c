package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/backoff"
)

// ClientState tracks the reconnecting client's lifecycle.
type ClientState int32

const (
	ClientIdle ClientState = iota
	ClientConnecting
	ClientConnected
	ClientDisconnected
	ClientOffline
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientDisconnected:
		return "disconnected"
	case ClientOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Dialer establishes the session transport. Tests inject fakes; the
// default dials a WebSocket with gobwas.
type Dialer func(ctx context.Context, url string) (Conn, error)

// clientConn adapts a dialed connection, client side.
type clientConn struct {
	raw net.Conn
	wmu sync.Mutex
}

func (c *clientConn) ReadText() ([]byte, error) {
	return wsutil.ReadServerText(c.raw)
}

func (c *clientConn) WriteText(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientText(c.raw, p)
}

func (c *clientConn) Close() error { return c.raw.Close() }

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	raw, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &clientConn{raw: raw}, nil
}

// Client consumes live updates with automatic reconnection. After a
// drop it retries with exponentially growing delays; once the attempt
// budget is spent without a successful connection it goes offline and
// stays there.
type Client struct {
	url         string
	dialer      Dialer
	strategy    backoff.Strategy
	maxAttempts int
	onMessage   func(Message)
	onState     func(ClientState)
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger

	state atomic.Int32

	// Highest bus sequence seen per run. Reconnects can resurface
	// frames already delivered; anything at or below the mark is
	// dropped before reaching the handler.
	seen map[string]uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithReconnect sets the delay growth for reconnection attempts: the
// n-th consecutive failure waits min(base*1.5^(n-1), maxDelay).
func WithReconnect(base, maxDelay time.Duration, maxAttempts int) ClientOption {
	return func(c *Client) {
		c.strategy = backoff.NewExponentialFactor(base, 1.5, maxDelay)
		c.maxAttempts = maxAttempts
	}
}

// WithBackoffStrategy overrides the reconnect delay strategy directly.
func WithBackoffStrategy(s backoff.Strategy) ClientOption {
	return func(c *Client) { c.strategy = s }
}

// OnMessage sets the handler invoked for each deduplicated update.
func OnMessage(fn func(Message)) ClientOption {
	return func(c *Client) { c.onMessage = fn }
}

// OnStateChange sets the handler invoked on every state transition.
func OnStateChange(fn func(ClientState)) ClientOption {
	return func(c *Client) { c.onState = fn }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// withSleep is test plumbing for observing reconnect delays.
func withSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// NewClient builds a client for the given WebSocket URL.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:         url,
		dialer:      defaultDialer,
		strategy:    backoff.NewExponentialFactor(time.Second, 1.5, 30*time.Second),
		maxAttempts: 5,
		sleep:       sleepCtx,
		logger:      slog.Default(),
		seen:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the client's current state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(st ClientState) {
	if c.state.Swap(int32(st)) == int32(st) {
		return
	}
	if c.onState != nil {
		c.onState(st)
	}
}

// Run connects and consumes updates until ctx is cancelled, returning
// watchtower.ErrOffline when the reconnection budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		c.setState(ClientConnecting)
		conn, err := c.dialer(ctx, c.url)
		if err == nil {
			failures = 0
			c.setState(ClientConnected)
			err = c.consume(ctx, conn)
			conn.Close()
		}
		if ctx.Err() != nil {
			c.setState(ClientIdle)
			return ctx.Err()
		}

		failures++
		if failures > c.maxAttempts {
			c.setState(ClientOffline)
			c.logger.Error("giving up on live channel", "attempts", c.maxAttempts)
			return fmt.Errorf("%d consecutive failures: %w", failures-1, watchtower.ErrOffline)
		}
		c.setState(ClientDisconnected)
		delay := c.strategy.Delay(failures)
		c.logger.Warn("live channel dropped, reconnecting",
			"attempt", failures, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			c.setState(ClientIdle)
			return err
		}
	}
}

// consume reads frames until the connection drops. Server pings are
// answered immediately; data frames pass dedupe before the handler.
func (c *Client) consume(ctx context.Context, conn Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := conn.ReadText()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("discarding malformed frame", "error", err)
			continue
		}
		switch msg.Type {
		case MsgPing:
			if err := conn.WriteText(mustMarshal(Message{Type: MsgPong})); err != nil {
				return err
			}
			continue
		case MsgPong, MsgConnected:
			continue
		}
		if c.duplicate(msg) {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// duplicate records and checks the per-run sequence high-water mark.
func (c *Client) duplicate(msg Message) bool {
	if msg.RunID == "" || msg.Seq == 0 {
		return false
	}
	if msg.Seq <= c.seen[msg.RunID] {
		return true
	}
	c.seen[msg.RunID] = msg.Seq
	return false
}

func mustMarshal(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("marshal frame: %v", err))
	}
	return data
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
