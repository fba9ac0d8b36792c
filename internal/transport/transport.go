// Package transport maintains the single persistent websocket
// connection to the realtime chat server and exposes the
// publish/subscribe primitives every other component is built on.
//
// The client owns exactly one live socket. Connect is idempotent;
// reconnection is bounded (default 5 attempts at a fixed delay) and
// then degrades to a slower manual retry loop, so a dead server never
// produces a retry storm. After every successful connect the client
// re-authenticates and rejoins the persisted conversation snapshot.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-im/parley/internal/events"
)

// ErrNotConnected is handed to Emit ack callbacks when the connection
// could not be established within the single soft retry.
var ErrNotConnected = errors.New("transport: not connected")

// Handler receives the raw payload of one pushed event.
type Handler func(payload json.RawMessage)

// AckFunc receives the server's acknowledgement for an Emit, or an
// error when the emit could not be delivered.
type AckFunc func(payload json.RawMessage, err error)

// RoomSnapshot provides the last-known conversation ids to rejoin
// after a reconnect. Satisfied by *store.Store.
type RoomSnapshot interface {
	Conversations() ([]string, error)
}

// frame is the wire format in both directions. Server
// acknowledgements arrive as event "ack" with the matching AckID.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   int64           `json:"ackId,omitempty"`
}

// handlerEntry pairs a handler with its function identity so repeated
// On calls with the same handler stay idempotent.
type handlerEntry struct {
	id uintptr
	fn Handler
}

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint (ws:// or wss://). An http(s)
	// scheme is converted automatically.
	URL string
	// MaxReconnectAttempts bounds fast reconnection (default 5).
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed delay between fast reconnection
	// attempts (default 5s). After the bound is exceeded the client
	// retries at double this delay, indefinitely and silently.
	ReconnectDelay time.Duration
	// DialTimeout limits connection establishment (default 20s).
	DialTimeout time.Duration
	// RetryDelay is the short fixed wait before the single soft retry
	// in Emit, Authenticate and JoinConversations (default 1s).
	RetryDelay time.Duration
	// Snapshot supplies conversation ids to rejoin after reconnect.
	Snapshot RoomSnapshot
	// OnForcedLogout fires when the server signals the session was
	// superseded elsewhere. The client is closed before the callback
	// runs; the callback owns clearing local state and redirecting.
	OnForcedLogout func(reason string)
	Logger         *slog.Logger
}

// Client is the realtime transport client.
type Client struct {
	url            string
	maxAttempts    int
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	retryDelay     time.Duration
	snapshot       RoomSnapshot
	onForcedLogout func(reason string)
	logger         *slog.Logger

	mu         sync.Mutex // guards conn and connection state
	conn       *websocket.Conn
	connecting bool
	connected  bool
	authSent   bool
	userID     string
	attempts   int
	gen        int // connection generation; stale read loops are ignored

	writeMu sync.Mutex // serializes frame writes

	handlerMu sync.RWMutex
	handlers  map[string][]handlerEntry

	ackMu   sync.Mutex
	nextAck int64
	pending map[int64]AckFunc

	closed atomic.Bool
}

// NewClient creates a transport client. No connection is opened until
// Connect is called.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 20 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	return &Client{
		url:            opts.URL,
		maxAttempts:    opts.MaxReconnectAttempts,
		reconnectDelay: opts.ReconnectDelay,
		dialTimeout:    opts.DialTimeout,
		retryDelay:     opts.RetryDelay,
		snapshot:       opts.Snapshot,
		onForcedLogout: opts.OnForcedLogout,
		logger:         logger,
		handlers:       make(map[string][]handlerEntry),
		pending:        make(map[int64]AckFunc),
	}
}

// Connect establishes the websocket connection. Idempotent: if a
// connection exists or is being established, Connect returns
// immediately. Any stale handle is closed before dialing so at most
// one live socket ever exists.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("transport: client closed")
	}

	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	if c.conn != nil {
		// Stale handle from a dead connection. Close before dialing.
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	u, err := url.Parse(c.url)
	if err != nil {
		c.abortConnect()
		return fmt.Errorf("parse realtime URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to realtime server", "url", u.String())

	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		c.abortConnect()
		c.scheduleReconnect()
		return fmt.Errorf("dial realtime server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.authSent = false
	c.attempts = 0
	c.gen++
	gen := c.gen
	userID := c.userID
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	// A known identity means this is a reconnect: re-authenticate and
	// rejoin the previously known rooms.
	if userID != "" {
		if err := c.sendAuthenticate(userID); err != nil {
			c.logger.Warn("re-authenticate after reconnect failed", "error", err)
		}
		c.rejoinRooms()
	}

	return nil
}

// abortConnect clears the connecting flag after a failed dial.
func (c *Client) abortConnect() {
	c.mu.Lock()
	c.connecting = false
	c.attempts++
	c.mu.Unlock()
}

// scheduleReconnect arranges the next connection attempt. Within the
// attempt bound the fixed reconnect delay applies; beyond it the
// client falls back to a doubled-delay manual retry that continues
// silently for the life of the process.
func (c *Client) scheduleReconnect() {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()

	delay := c.reconnectDelay
	if attempts > c.maxAttempts {
		delay = 2 * c.reconnectDelay
		c.logger.Warn("reconnect attempts exhausted, continuing with slow manual retry",
			"attempts", attempts,
			"delay", delay,
		)
	}

	time.AfterFunc(delay, func() {
		if c.closed.Load() {
			return
		}
		c.mu.Lock()
		idle := !c.connected && !c.connecting
		c.mu.Unlock()
		if idle {
			_ = c.Connect(context.Background())
		}
	})
}

// Connected reports whether the socket is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Authenticated reports whether the current connection has sent its
// authenticate handshake.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.authSent
}

// Authenticate binds the connection to a user id. One-shot per
// connection: repeated calls after the handshake has been sent are
// no-ops. When disconnected, Authenticate triggers Connect and retries
// once after the short fixed delay.
func (c *Client) Authenticate(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.userID = userID
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		time.Sleep(c.retryDelay)
		if !c.Connected() {
			return ErrNotConnected
		}
	}

	return c.sendAuthenticate(userID)
}

// sendAuthenticate emits the handshake unless it was already sent on
// this connection.
func (c *Client) sendAuthenticate(userID string) error {
	c.mu.Lock()
	if c.authSent {
		c.mu.Unlock()
		return nil
	}
	c.authSent = true
	c.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"userId": userID})
	if err := c.writeFrame(frame{Event: events.Authenticate, Payload: payload}); err != nil {
		// Allow a later call to retry the handshake.
		c.mu.Lock()
		c.authSent = false
		c.mu.Unlock()
		return err
	}

	c.logger.Info("realtime connection authenticated", "user_id", userID)
	return nil
}

// Emit publishes an event. Fails soft: when disconnected it triggers
// Connect, waits the short fixed delay, and retries once; if the
// connection still is not up the ack callback receives
// ErrNotConnected instead of the caller seeing a hard failure.
func (c *Client) Emit(ctx context.Context, event string, payload any, ack AckFunc) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	if !c.Connected() {
		_ = c.Connect(ctx)
		time.Sleep(c.retryDelay)
		if !c.Connected() {
			c.logger.Warn("emit while disconnected, giving up after one retry", "event", event)
			if ack != nil {
				ack(nil, ErrNotConnected)
			}
			return nil
		}
	}

	f := frame{Event: event, Payload: encoded}
	if ack != nil {
		c.ackMu.Lock()
		c.nextAck++
		f.AckID = c.nextAck
		c.pending[f.AckID] = ack
		c.ackMu.Unlock()
	}

	if err := c.writeFrame(f); err != nil {
		if ack != nil {
			c.ackMu.Lock()
			delete(c.pending, f.AckID)
			c.ackMu.Unlock()
			ack(nil, err)
		}
		return nil
	}
	return nil
}

// On subscribes a handler to an event. Registration is idempotent: an
// existing identical handler is removed first, so repeated
// registration from re-run setup code cannot cause duplicate delivery.
//
// Identity is the handler's code pointer. Method values from two
// instances of the same type share one, so at most one instance of a
// given component may subscribe per client; the daemon constructs
// each component once.
func (c *Client) On(event string, h Handler) {
	id := reflect.ValueOf(h).Pointer()
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	c.handlers[event] = append(entries, handlerEntry{id: id, fn: h})
}

// Off unsubscribes a handler from an event. A nil handler removes all
// handlers for the event.
func (c *Client) Off(event string, h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	if h == nil {
		delete(c.handlers, event)
		return
	}
	id := reflect.ValueOf(h).Pointer()
	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			c.handlers[event] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// JoinConversations subscribes the connection to a batch of
// conversation rooms. When disconnected it connects first and retries
// once after the short fixed delay.
func (c *Client) JoinConversations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		time.Sleep(c.retryDelay)
		if !c.Connected() {
			return ErrNotConnected
		}
	}

	payload, _ := json.Marshal(map[string][]string{"conversationIds": ids})
	return c.writeFrame(frame{Event: events.JoinUserConversations, Payload: payload})
}

// LeaveConversation unsubscribes from one conversation room.
// Fire-and-forget: when disconnected this is a silent no-op — leaving
// a room is never worth reconnecting for.
func (c *Client) LeaveConversation(id string) {
	if !c.Connected() {
		return
	}
	payload, _ := json.Marshal(map[string][]string{"conversationIds": {id}})
	if err := c.writeFrame(frame{Event: events.LeaveUserConversations, Payload: payload}); err != nil {
		c.logger.Debug("leave conversation failed", "conversation_id", id, "error", err)
	}
}

// Close tears the connection down permanently. Used on explicit logout
// and process shutdown; no reconnection is attempted afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.authSent = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// writeFrame writes one frame, serialized against concurrent writers.
func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

// readLoop reads frames until the connection dies, then schedules
// reconnection. A loop whose generation no longer matches the client's
// belongs to a replaced connection and exits without side effects.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if c.markDisconnected(gen) {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("realtime connection closed")
				} else {
					c.logger.Warn("realtime read error, connection lost", "error", err)
				}
				if !c.closed.Load() {
					c.scheduleReconnect()
				}
			}
			return
		}

		c.logger.Log(context.Background(), slog.Level(-8), "realtime frame received",
			"event", f.Event,
			"payload", string(f.Payload),
		)

		switch f.Event {
		case "ack":
			c.ackMu.Lock()
			ack, ok := c.pending[f.AckID]
			delete(c.pending, f.AckID)
			c.ackMu.Unlock()
			if ok {
				ack(f.Payload, nil)
			}

		case events.ForceLogout:
			c.handleForcedLogout(f.Payload)
			return

		default:
			c.dispatch(f.Event, f.Payload)
		}
	}
}

// markDisconnected clears connection state if gen still names the
// current connection. Returns false for stale read loops.
func (c *Client) markDisconnected(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.connected = false
	c.authSent = false
	c.conn = nil
	return true
}

// dispatch fans one event out to its handlers. Handlers run on the
// read loop goroutine; they are expected to return quickly.
func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.handlerMu.RLock()
	entries := make([]handlerEntry, len(c.handlers[event]))
	copy(entries, c.handlers[event])
	c.handlerMu.RUnlock()

	for _, e := range entries {
		e.fn(payload)
	}
}

// handleForcedLogout processes the session-superseded push. This is
// deliberately not treated as a disconnect: the client shuts down for
// good and the callback owns clearing local state and redirecting the
// user to the entry point.
func (c *Client) handleForcedLogout(payload json.RawMessage) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(payload, &body)
	if body.Reason == "" {
		body.Reason = "signed in on another device"
	}

	c.logger.Warn("forced logout received", "reason", body.Reason)

	c.mu.Lock()
	c.userID = ""
	c.mu.Unlock()
	_ = c.Close()

	if c.onForcedLogout != nil {
		c.onForcedLogout(body.Reason)
	}
}

// rejoinRooms re-subscribes to the persisted conversation snapshot
// after a reconnect. Best-effort.
func (c *Client) rejoinRooms() {
	if c.snapshot == nil {
		return
	}
	ids, err := c.snapshot.Conversations()
	if err != nil {
		c.logger.Warn("load conversation snapshot failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string][]string{"conversationIds": ids})
	if err := c.writeFrame(frame{Event: events.JoinUserConversations, Payload: payload}); err != nil {
		c.logger.Warn("rejoin conversations failed", "error", err)
		return
	}
	c.logger.Info("rejoined conversations after reconnect", "count", len(ids))
}
