// Package connection manages a subscriber's live-push WebSocket connection
// to the alert server.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/protocol"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBase        = time.Second
	defaultReconnectMax         = 30 * time.Second
	defaultReconnectJitter      = 0.2
	defaultSendTimeout          = 5 * time.Second
	defaultHandshakeTimeout     = 10 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second
	defaultPongGrace            = 10 * time.Second
	writeTimeout                = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send while the client is disconnected.
	ErrNotConnected = errors.New("not connected")
	// ErrSendTimeout is returned when a send waited for a connection that
	// did not come up in time.
	ErrSendTimeout = errors.New("send timed out waiting for connection")
	// ErrReconnectExhausted is reported when the reconnect budget runs out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrUnauthorized is reported when the server rejects the token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrClosed is returned by a client that has been closed.
	ErrClosed = errors.New("client closed")
)

// HandshakeError is a rejection sent by the server during the handshake.
// Rejections are never retried.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected subscription (%s)", e.Code)
	}
	return fmt.Sprintf("server rejected subscription (%s): %s", e.Code, e.Message)
}

// Is matches ErrUnauthorized for unauthorized rejections.
func (e *HandshakeError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == protocol.ErrCodeUnauthorized
}

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is one state transition.
type Status struct {
	State State
	// Attempt is the reconnect attempt number; 0 for the initial connect.
	Attempt int
	// Err is the cause of a reconnecting or disconnected transition.
	Err error
}

// Handlers receive client events. Both fields are optional. Callbacks run
// on a single delivery goroutine in transition order.
type Handlers struct {
	OnMessage func(protocol.ServerMessage)
	OnStatus  func(Status)
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config configures a client. Zero values take defaults.
type Config struct {
	URL       string
	Token     string
	Threshold float64

	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectJitter      float64

	SendTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongGrace         time.Duration

	// Persistent keeps the shared client alive after its last release.
	Persistent bool

	Dialer Dialer
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = defaultReconnectMax
		if c.ReconnectMax < c.ReconnectBase {
			c.ReconnectMax = c.ReconnectBase
		}
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		c.ReconnectJitter = defaultReconnectJitter
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PongGrace <= 0 {
		c.PongGrace = defaultPongGrace
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Client maintains one live-push connection with automatic reconnect.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	conn    *websocket.Conn
	changed chan struct{} // closed and replaced on every transition
	timer   *time.Timer
	cancel  context.CancelFunc
	closed  bool

	handlers  map[uint64]Handlers
	handlerID uint64

	writeMu sync.Mutex
	events  *eventQueue
}

// NewClient creates a disconnected client.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		state:    StateDisconnected,
		changed:  make(chan struct{}),
		handlers: make(map[uint64]Handlers),
	}
	c.events = newEventQueue(c.logger)
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers handlers for every later event. The returned func
// removes them.
func (c *Client) Subscribe(h Handlers) func() {
	c.mu.Lock()
	c.handlerID++
	id := c.handlerID
	c.handlers[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// Connect starts connecting in the background. It is a no-op unless the
// client is disconnected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateDisconnected {
		return nil
	}
	c.epoch++
	epoch := c.epoch
	c.transitionLocked(Status{State: StateConnecting})
	go c.run(epoch, 0)
	return nil
}

// Disconnect stops any pending reconnect, cancels an in-flight dial and
// closes the socket. A dial that completes afterwards is discarded.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.stopLocked()
	if c.state != StateDisconnected {
		c.transitionLocked(Status{State: StateDisconnected})
	}
	c.mu.Unlock()
	closeConn(conn)
}

// Close disconnects and stops event delivery once queued events drain.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.stopLocked()
	if c.state != StateDisconnected {
		c.transitionLocked(Status{State: StateDisconnected})
	}
	c.mu.Unlock()
	closeConn(conn)
	c.events.close()
}

// stopLocked invalidates the current epoch and returns the socket to close.
func (c *Client) stopLocked() *websocket.Conn {
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

// Send writes msg as JSON. While connecting it waits for the connection up
// to the send timeout.
func (c *Client) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		state, conn, changed := c.state, c.conn, c.changed
		c.mu.Unlock()

		switch state {
		case StateDisconnected:
			return ErrNotConnected
		case StateConnected:
			if err := c.write(conn, data); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			return nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return ErrSendTimeout
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// transitionLocked records a state change and queues it for every handler
// registered now.
func (c *Client) transitionLocked(st Status) {
	c.state = st.State
	close(c.changed)
	c.changed = make(chan struct{})
	c.events.push(event{status: &st, handlers: c.snapshotLocked()})
}

func (c *Client) snapshotLocked() []Handlers {
	out := make([]Handlers, 0, len(c.handlers))
	ids := make([]uint64, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, c.handlers[id])
	}
	return out
}

// run dials once for epoch and serves the connection until it drops.
func (c *Client) run(epoch uint64, attempt int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		closeConn(conn)
		return
	}
	c.cancel = nil
	if err != nil {
		c.failLocked(epoch, attempt, err)
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.transitionLocked(Status{State: StateConnected, Attempt: attempt})
	c.mu.Unlock()
	c.logger.Info("connected to alert server", zap.String("url", c.cfg.URL), zap.Int("attempt", attempt))

	err = c.serve(conn)
	_ = conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.conn = nil
	c.logger.Warn("connection lost", zap.Error(err))
	c.failLocked(epoch, 0, err)
}

// failLocked schedules the next reconnect attempt or settles to
// disconnected.
func (c *Client) failLocked(epoch uint64, attempt int, cause error) {
	var rejected *HandshakeError
	if errors.As(cause, &rejected) {
		c.logger.Warn("subscription rejected", zap.String("code", rejected.Code))
		c.transitionLocked(Status{State: StateDisconnected, Attempt: attempt, Err: cause})
		return
	}

	next := attempt + 1
	if next > c.cfg.MaxReconnectAttempts {
		c.logger.Warn("giving up reconnecting", zap.Int("attempts", attempt), zap.Error(cause))
		c.transitionLocked(Status{
			State:   StateDisconnected,
			Attempt: attempt,
			Err:     fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, cause),
		})
		return
	}

	delay := c.backoff(next)
	c.transitionLocked(Status{State: StateReconnecting, Attempt: next, Err: cause})
	c.logger.Debug("reconnect scheduled", zap.Int("attempt", next), zap.Duration("backoff", delay), zap.Error(cause))
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.transitionLocked(Status{State: StateConnecting, Attempt: next})
		c.mu.Unlock()
		c.run(epoch, next)
	})
}

// backoff returns base·2^(n-1) with jitter, capped.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.ReconnectBase) * math.Pow(2, float64(attempt-1))
	if d >= float64(c.cfg.ReconnectMax) {
		return c.cfg.ReconnectMax
	}
	d *= 1 + c.cfg.ReconnectJitter*(2*rand.Float64()-1)
	if d > float64(c.cfg.ReconnectMax) {
		d = float64(c.cfg.ReconnectMax)
	}
	return time.Duration(d)
}

// dial opens the socket, authenticates and waits for the greeting.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &HandshakeError{Code: protocol.ErrCodeUnauthorized, Message: resp.Status}
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	// Unblock the handshake reads if the dial is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(protocol.AuthMessage{AuthToken: c.cfg.Token, Threshold: c.cfg.Threshold}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	var first protocol.ServerMessage
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	switch first.Type {
	case protocol.MsgHeartbeat:
	case protocol.MsgError:
		var data protocol.ErrorData
		_ = first.Decode(&data)
		_ = conn.Close()
		return nil, &HandshakeError{Code: data.Code, Message: data.Message}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected greeting %q", first.Type)
	}
	if !stop() {
		return nil, ctx.Err()
	}

	_ = conn.SetReadDeadline(time.Time{})
	if err := c.pong(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("answer greeting: %w", err)
	}
	return conn, nil
}

// serve reads frames until the socket fails or the server goes silent.
func (c *Client) serve(conn *websocket.Conn) error {
	silence := c.cfg.HeartbeatInterval + c.cfg.PongGrace
	for {
		_ = conn.SetReadDeadline(time.Now().Add(silence))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("invalid server frame", zap.Error(err))
			continue
		}
		if msg.Type == protocol.MsgHeartbeat {
			if err := c.pong(conn); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			continue
		}
		c.mu.Lock()
		c.events.push(event{message: &msg, handlers: c.snapshotLocked()})
		c.mu.Unlock()
	}
}

func (c *Client) pong(conn *websocket.Conn) error {
	data, _ := json.Marshal(protocol.Pong{Pong: true})
	return c.write(conn, data)
}

func closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
}
