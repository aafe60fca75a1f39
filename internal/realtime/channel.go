// Package realtime maintains the push channel that keeps the session profile
// in sync with the server.
//
// The channel is a small state machine driven by SetToken: an empty token
// means no connection, a non-empty token dials a token-derived endpoint and
// runs a read loop. Reopening after logout is therefore an explicit
// transition (a later non-empty SetToken), never a side effect.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/sessionkit/internal/logging"
	"github.com/dmitrijs2005/sessionkit/internal/profile"
)

const (
	channelPath    = "/ws/user-detail/"
	profileRequest = `{"action":"get_profile"}`

	defaultBackoffBase = 500 * time.Millisecond
	defaultMaxRetries  = 5
)

// State is the connection state of the push channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option customizes a Channel.
type Option func(*Channel)

// WithBackoff overrides the dial retry policy.
func WithBackoff(base time.Duration, maxRetries uint64) Option {
	return func(c *Channel) {
		c.backoffBase = base
		c.maxRetries = maxRetries
	}
}

// Channel is the push connection keyed by the current token.
//
// SetToken, State and Close are safe to call from any goroutine. The
// OnProfile/OnError callbacks must be registered before the first SetToken.
type Channel struct {
	log      logging.Logger
	dialer   Dialer
	endpoint url.URL

	backoffBase time.Duration
	maxRetries  uint64

	onUpdate func(json.RawMessage)
	onError  func(string)

	mu     sync.Mutex
	state  State
	conn   Conn
	cancel context.CancelFunc
	gen    uint64
	closed bool
}

// New derives the channel endpoint from the API origin: a secure origin maps
// to wss, anything else to ws, plus the fixed channel path. The token is
// appended as a query parameter per connection.
func New(origin string, dialer Dialer, log logging.Logger, opts ...Option) (*Channel, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parsing api origin: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api origin %q has no host", origin)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}

	c := &Channel{
		log:         log.With("component", "realtime"),
		dialer:      dialer,
		endpoint:    url.URL{Scheme: scheme, Host: u.Host, Path: channelPath},
		backoffBase: defaultBackoffBase,
		maxRetries:  defaultMaxRetries,
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnUpdate registers the sink for pushed profile updates. The raw JSON is
// handed over unchanged so the owner can overlay it onto the previous value;
// only frames that decode into a profile shape are delivered.
func (c *Channel) OnUpdate(fn func(json.RawMessage)) {
	c.onUpdate = fn
}

// OnError registers the sink for server-reported errors.
func (c *Channel) OnError(fn func(string)) {
	c.onError = fn
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetToken retargets the channel. An empty token disconnects; a non-empty
// token drops any existing connection and dials the derived endpoint.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.disconnectLocked()
	c.gen++

	if token == "" {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting

	target := c.endpoint
	q := url.Values{}
	q.Set("token", token)
	target.RawQuery = q.Encode()
	c.mu.Unlock()

	go c.connect(ctx, gen, target.String())
}

// Close terminates the channel for good. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.disconnectLocked()
	c.gen++
	c.state = StateClosed
}

func (c *Channel) disconnectLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) connect(ctx context.Context, gen uint64, target string) {
	var conn Conn
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var derr error
		conn, derr = c.dialer.Dial(ctx, target)
		if derr != nil {
			return retry.RetryableError(derr)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn(ctx, "push channel dial failed", "err", err)
		}
		c.transition(gen, StateClosed, nil)
		return
	}

	if !c.transition(gen, StateOpen, conn) {
		// retargeted or closed while dialing
		_ = conn.Close()
		return
	}

	if err := conn.Send(ctx, []byte(profileRequest)); err != nil {
		c.log.Warn(ctx, "profile request send failed", "err", err)
	}

	c.readLoop(ctx, gen, conn)
}

// transition applies a state change only if gen is still the live generation.
func (c *Channel) transition(gen uint64, st State, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return false
	}
	c.state = st
	if conn != nil {
		c.conn = conn
	}
	return true
}

func (c *Channel) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn(ctx, "push channel read failed", "err", err)
			}
			c.transition(gen, StateClosed, nil)
			return
		}
		c.route(ctx, data)
	}
}

// route parses an inbound frame and dispatches it one of three ways: an
// error field goes to error logging, a user field carries a profile delta,
// and anything else is treated as a bare profile (backward-compatible shape).
// Unparsable frames are logged and discarded without touching session state.
func (c *Channel) route(ctx context.Context, data []byte) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.log.Warn(ctx, "discarding unparsable push message", "err", err)
		return
	}

	if raw, ok := envelope["error"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
		c.log.Error(ctx, "push channel reported error", "message", msg)
		if c.onError != nil {
			c.onError(msg)
		}
		return
	}

	if raw, ok := envelope["user"]; ok {
		var u profile.User
		if err := json.Unmarshal(raw, &u); err != nil {
			c.log.Warn(ctx, "discarding malformed user payload", "err", err)
			return
		}
		c.deliver(raw)
		return
	}

	var u profile.User
	if err := json.Unmarshal(data, &u); err != nil {
		c.log.Warn(ctx, "discarding malformed profile payload", "err", err)
		return
	}
	c.deliver(data)
}

func (c *Channel) deliver(raw json.RawMessage) {
	if c.onUpdate != nil {
		c.onUpdate(raw)
	}
}
