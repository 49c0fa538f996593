// Package websocket manages live-push subscriber connections on the alert
// server.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongGrace         = 10 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// TokenValidator resolves a subscriber token to the subscriber id.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// Options tunes the hub. Zero values take defaults.
type Options struct {
	HeartbeatInterval time.Duration
	PongGrace         time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	// CheckOrigin overrides the upgrader origin check. nil allows all.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PongGrace <= 0 {
		o.PongGrace = DefaultPongGrace
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return o
}

// SubscriberConn is one authenticated live socket.
type SubscriberConn struct {
	ID           string
	SubscriberID string
	Threshold    float64
	Connected    time.Time

	conn *websocket.Conn
	// writeMu serialises writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	stateMu       sync.Mutex
	lastHeartbeat time.Time

	pong      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (c *SubscriberConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *SubscriberConn) touch(at time.Time) {
	c.stateMu.Lock()
	c.lastHeartbeat = at
	c.stateMu.Unlock()
}

// Hub is the registry of live subscriber connections.
type Hub struct {
	conns        map[string]*SubscriberConn
	bySubscriber map[string]map[string]*SubscriberConn
	mu           sync.RWMutex

	validator TokenValidator
	upgrader  websocket.Upgrader
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewHub creates a hub that authenticates subscribers with validator.
func NewHub(validator TokenValidator, opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Hub{
		conns:        make(map[string]*SubscriberConn),
		bySubscriber: make(map[string]map[string]*SubscriberConn),
		validator:    validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleSubscribe upgrades the request, authenticates the first frame and
// serves the connection until it closes or is evicted.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	auth, subscriberID, err := h.authenticate(r.Context(), conn)
	if err != nil {
		code := protocol.ErrCodeUnauthorized
		var bad *handshakeError
		if errors.As(err, &bad) {
			code = bad.code
		}
		h.logger.Warn("subscriber rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("code", code),
			zap.Error(err))
		h.reject(conn, code, err.Error())
		return
	}

	now := h.now()
	sc := &SubscriberConn{
		ID:            uuid.NewString(),
		SubscriberID:  subscriberID,
		Threshold:     auth.Threshold,
		Connected:     now,
		conn:          conn,
		lastHeartbeat: now,
		pong:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	h.register(sc)
	if err := h.write(sc, protocol.Heartbeat(now)); err != nil {
		h.evict(sc, "greeting failed")
		return
	}
	h.logger.Info("subscriber connected",
		zap.String("subscriber_id", subscriberID),
		zap.String("conn_id", sc.ID),
		zap.Float64("threshold", sc.Threshold))

	go h.heartbeat(sc)
	h.readLoop(sc)
	h.evict(sc, "connection closed")
}

type handshakeError struct {
	code string
	err  error
}

func (e *handshakeError) Error() string { return e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn) (protocol.AuthMessage, string, error) {
	var auth protocol.AuthMessage
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return auth, "", &handshakeError{code: protocol.ErrCodeBadRequest, err: fmt.Errorf("read auth message: %w", err)}
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return auth, "", &handshakeError{code: protocol.ErrCodeBadRequest, err: fmt.Errorf("decode auth message: %w", err)}
	}
	if auth.Threshold < 0 || auth.Threshold > 1 {
		return auth, "", &handshakeError{code: protocol.ErrCodeBadRequest, err: fmt.Errorf("threshold %v outside [0,1]", auth.Threshold)}
	}
	if auth.AuthToken == "" || h.validator == nil {
		return auth, "", &handshakeError{code: protocol.ErrCodeUnauthorized, err: errors.New("missing auth token")}
	}
	subscriberID, err := h.validator.Validate(ctx, auth.AuthToken)
	if err != nil {
		return auth, "", &handshakeError{code: protocol.ErrCodeUnauthorized, err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return auth, subscriberID, nil
}

func (h *Hub) reject(conn *websocket.Conn, code, message string) {
	defer conn.Close()
	msg, err := protocol.NewMessage(protocol.MsgError, protocol.ErrorData{Code: code, Message: message}, h.now())
	if err != nil {
		return
	}
	deadline := time.Now().Add(h.opts.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
}

func (h *Hub) register(sc *SubscriberConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sc.ID] = sc
	set, ok := h.bySubscriber[sc.SubscriberID]
	if !ok {
		set = make(map[string]*SubscriberConn)
		h.bySubscriber[sc.SubscriberID] = set
	}
	set[sc.ID] = sc
}

// evict removes sc from the registry and closes it. Safe to call twice.
func (h *Hub) evict(sc *SubscriberConn, reason string) {
	h.mu.Lock()
	_, present := h.conns[sc.ID]
	if present {
		delete(h.conns, sc.ID)
		if set := h.bySubscriber[sc.SubscriberID]; set != nil {
			delete(set, sc.ID)
			if len(set) == 0 {
				delete(h.bySubscriber, sc.SubscriberID)
			}
		}
	}
	h.mu.Unlock()

	sc.close()
	if present {
		h.logger.Info("subscriber disconnected",
			zap.String("subscriber_id", sc.SubscriberID),
			zap.String("conn_id", sc.ID),
			zap.String("reason", reason))
	}
}

func (h *Hub) readLoop(sc *SubscriberConn) {
	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		if !protocol.IsPong(raw) {
			h.logger.Debug("ignoring subscriber frame", zap.String("conn_id", sc.ID), zap.Int("bytes", len(raw)))
			continue
		}
		sc.touch(h.now())
		select {
		case sc.pong <- struct{}{}:
		default:
		}
	}
}

// heartbeat pings every interval and evicts a connection whose pong does
// not arrive within the grace window.
func (h *Hub) heartbeat(sc *SubscriberConn) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.done:
			return
		case <-ticker.C:
		}

		select {
		case <-sc.pong:
		default:
		}
		if err := h.write(sc, protocol.Heartbeat(h.now())); err != nil {
			h.evict(sc, "heartbeat write failed")
			return
		}

		grace := time.NewTimer(h.opts.PongGrace)
		select {
		case <-sc.done:
			grace.Stop()
			return
		case <-sc.pong:
			grace.Stop()
		case <-grace.C:
			h.evict(sc, "heartbeat timeout")
			return
		}
	}
}

func (h *Hub) write(sc *SubscriberConn, msg protocol.ServerMessage) error {
	return h.writeDeadline(sc, msg, time.Now().Add(h.opts.WriteTimeout))
}

func (h *Hub) writeDeadline(sc *SubscriberConn, msg protocol.ServerMessage, deadline time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.conn.SetWriteDeadline(deadline)
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast pushes a prediction to every connection whose threshold is at
// or below its flare probability. Writes run in the background; it returns
// the number of connections targeted.
func (h *Hub) Broadcast(p protocol.Prediction) int {
	msg, err := protocol.NewMessage(protocol.MsgAlert, protocol.AlertData{
		Kind:       protocol.AlertKindBroadcast,
		Prediction: p,
	}, h.now())
	if err != nil {
		h.logger.Error("encode broadcast", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*SubscriberConn, 0, len(h.conns))
	for _, sc := range h.conns {
		if sc.Threshold <= p.FlareProbability {
			targets = append(targets, sc)
		}
	}
	h.mu.RUnlock()

	for _, sc := range targets {
		go func(sc *SubscriberConn) {
			if err := h.write(sc, msg); err != nil {
				h.evict(sc, "broadcast write failed")
			}
		}(sc)
	}
	return len(targets)
}

// SendToSubscriber writes msg to every socket of a subscriber. It returns
// how many writes succeeded; zero with a nil error means none is connected.
func (h *Hub) SendToSubscriber(ctx context.Context, subscriberID string, msg protocol.ServerMessage) (int, error) {
	h.mu.RLock()
	targets := make([]*SubscriberConn, 0, len(h.bySubscriber[subscriberID]))
	for _, sc := range h.bySubscriber[subscriberID] {
		targets = append(targets, sc)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(h.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sent := 0
	var errs []error
	for _, sc := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h.writeDeadline(sc, msg, deadline); err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w", sc.ID, err))
			h.evict(sc, "push write failed")
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connected reports whether a subscriber has at least one live socket.
func (h *Hub) Connected(subscriberID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySubscriber[subscriberID]) > 0
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	ID              string    `json:"id"`
	SubscriberID    string    `json:"subscriber_id"`
	Threshold       float64   `json:"threshold"`
	Connected       time.Time `json:"connected"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// List returns the live connections, optionally for one subscriber.
func (h *Hub) List(subscriberID string) []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]ConnInfo, 0, len(h.conns))
	for _, sc := range h.conns {
		if subscriberID != "" && sc.SubscriberID != subscriberID {
			continue
		}
		sc.stateMu.Lock()
		info := ConnInfo{
			ID:              sc.ID,
			SubscriberID:    sc.SubscriberID,
			Threshold:       sc.Threshold,
			Connected:       sc.Connected,
			LastHeartbeatAt: sc.lastHeartbeat,
		}
		sc.stateMu.Unlock()
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Connected.Before(result[j].Connected) })
	return result
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*SubscriberConn, 0, len(h.conns))
	for _, sc := range h.conns {
		all = append(all, sc)
	}
	h.mu.RUnlock()
	for _, sc := range all {
		h.evict(sc, "server shutdown")
	}
}
