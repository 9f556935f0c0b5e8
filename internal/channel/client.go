package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned when a frame is written with no live socket.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrClosed is returned after Close or once reconnects are exhausted.
	ErrClosed = errors.New("channel: closed")
)

type subscription struct {
	handler Handler
	expiry  *time.Timer
}

// Client is the persistent event connection. One read pump dispatches
// envelopes to subscriptions by type; a ping loop keeps the socket alive;
// recoverable read failures trigger bounded reconnects that preserve the
// subscription table and re-announce the prior session id.
type Client struct {
	logger *slog.Logger
	url    string
	token  string
	opts   Options

	mu           sync.RWMutex
	conn         *websocket.Conn
	sessionID    string
	closed       bool
	subs         map[string]*subscription
	reconnectFns []func()
	closedFns    []func(err error)

	// gorilla permits one concurrent writer per connection.
	writeMu sync.Mutex
}

// NewClient creates a channel client for the given websocket URL. The client
// starts disconnected; call Connect or EnsureConnected before sending.
func NewClient(log *slog.Logger, url, token string, opts Options) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		logger: log.With(slog.String("service", "event-channel")),
		url:    url,
		token:  token,
		opts:   opts.withDefaults(),
		subs:   make(map[string]*subscription),
	}
}

// Connect dials the channel, performs the hello handshake, and starts the
// read pump and keepalive loop. Connecting an already connected client is a
// no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.RUnlock()
		return nil
	}
	prior := c.sessionID
	c.mu.RUnlock()

	conn, sessionID, err := c.dial(ctx, prior)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		// A concurrent Connect won the race.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.sessionID = sessionID
	c.mu.Unlock()

	go c.readPump(conn)
	go c.pingLoop(conn)
	c.logger.Info("channel connected", slog.String("session_id", sessionID))
	return nil
}

// EnsureConnected connects unless already connected, bounded by timeout.
func (c *Client) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	if c.Connected() {
		return nil
	}
	if timeout <= 0 {
		timeout = c.opts.HandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Connect(ctx)
}

// Connected reports whether a live socket is attached.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}

// SessionID returns the session id of the current connection. It survives a
// disconnect so the reconnect handshake can announce it.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// RebindSession overrides the session id announced on the next handshake.
// Used when the backend hands out an authoritative id out of band.
func (c *Client) RebindSession(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Subscribe routes envelopes of the given type to the handler, replacing any
// previous handler for that type. Every subscription carries a TTL timer
// that releases it if the owner never does.
func (c *Client) Subscribe(name string, h Handler) {
	if name == "" || h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev, ok := c.subs[name]; ok && prev.expiry != nil {
		prev.expiry.Stop()
	}
	sub := &subscription{handler: h}
	sub.expiry = time.AfterFunc(c.opts.SubscriptionTTL, func() {
		c.logger.Debug("subscription expired", slog.String("name", name))
		c.Unsubscribe(name)
	})
	c.subs[name] = sub
}

// Unsubscribe releases the subscription for the given type.
func (c *Client) Unsubscribe(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[name]
	if !ok {
		return
	}
	if sub.expiry != nil {
		sub.expiry.Stop()
	}
	delete(c.subs, name)
}

// SubscriptionCount returns the number of live subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// OnReconnect registers a listener invoked after every successful reconnect.
// Listeners run on their own goroutines.
func (c *Client) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectFns = append(c.reconnectFns, fn)
}

// OnClosed registers a listener invoked once when the client shuts down for
// good: explicit Close (nil error), a fatal transport error, or reconnect
// exhaustion.
func (c *Client) OnClosed(fn func(err error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedFns = append(c.closedFns, fn)
}

// Send writes an envelope of the given type.
func (c *Client) Send(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.write(Envelope{Type: eventType, Data: data})
}

// Ack answers a server request that carried an ack id.
func (c *Client) Ack(ackID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	return c.write(Envelope{Type: "ack", Data: data, AckID: ackID})
}

// write serializes one envelope onto the live socket. gorilla permits a
// single concurrent writer, so the write lock covers deadline and frame.
func (c *Client) write(env Envelope) error {
	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("channel write: %w", err)
	}
	return nil
}

// Close shuts the client down for good: a close frame is attempted, the
// socket released, and all subscriptions dropped.
func (c *Client) Close() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
	}
	c.shutdown(nil)
	return nil
}

// --- connection internals ---

func (c *Client) dial(ctx context.Context, priorSessionID string) (*websocket.Conn, string, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, "", fmt.Errorf("channel dial: %w", err)
	}

	hello, err := json.Marshal(helloFrame{Token: c.token, SessionID: priorSessionID})
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("encode hello: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(Envelope{Type: "hello", Data: hello}); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("channel hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	var ackEnv Envelope
	if err := conn.ReadJSON(&ackEnv); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("channel hello ack: %w", err)
	}
	var ack helloAck
	if err := json.Unmarshal(ackEnv.Data, &ack); err != nil || ack.SessionID == "" {
		_ = conn.Close()
		return nil, "", fmt.Errorf("channel hello ack: missing session id")
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})
	return conn, ack.SessionID, nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("malformed envelope dropped", slog.Any("error", err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.RLock()
	sub, ok := c.subs[env.Type]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("no subscription for event", slog.String("type", env.Type))
		return
	}
	sub.handler(env.Data)
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.RLock()
		current := c.conn == conn && !c.closed
		c.mu.RUnlock()
		if !current {
			return
		}
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("ping failed", slog.Any("error", err))
			return
		}
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		// Close already ran, or a newer connection superseded this pump.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	if !IsRecoverable(err) {
		c.logger.Error("channel read failed", slog.Any("error", err))
		c.shutdown(err)
		return
	}
	c.logger.Warn("channel connection lost, reconnecting", slog.Any("error", err))
	c.reconnect()
}

// reconnect redials with linearly growing waits. On success the prior
// session id was announced during the handshake and reconnect listeners are
// notified; on exhaustion the client shuts down.
func (c *Client) reconnect() {
	var lastErr error
	for i := 0; i < c.opts.ReconnectRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.notifyReconnected()
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		lastErr = err
		c.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", i+1),
			slog.Any("error", err))
		time.Sleep(time.Duration(i+1) * c.opts.ReconnectBackoff)
	}
	c.logger.Error("reconnect attempts exhausted", slog.Any("error", lastErr))
	c.shutdown(lastErr)
}

func (c *Client) notifyReconnected() {
	c.mu.RLock()
	fns := append([]func(){}, c.reconnectFns...)
	c.mu.RUnlock()
	for _, fn := range fns {
		go fn()
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	for name, sub := range c.subs {
		if sub.expiry != nil {
			sub.expiry.Stop()
		}
		delete(c.subs, name)
	}
	fns := append([]func(error){}, c.closedFns...)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, fn := range fns {
		go fn(err)
	}
}

// IsRecoverable reports whether a transport error is worth a reconnect:
// abnormal or going-away closes, timeouts, resets, and failed handshakes.
// A normal close or a policy rejection is final.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
