// Package channel maintains the persistent event connection to the chat
// backend: one socket carrying typed envelopes, with automatic reconnect for
// recoverable failures and per-name subscriptions for event dispatch.
package channel

import (
	"encoding/json"
	"time"
)

const (
	// DefaultHandshakeTimeout bounds the websocket dial.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds every frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongTimeout is the read deadline window; a pong resets it.
	DefaultPongTimeout = 60 * time.Second
	// DefaultPingInterval is the keepalive cadence.
	DefaultPingInterval = 25 * time.Second
	// DefaultReconnectRetries bounds reconnect attempts per disconnect.
	DefaultReconnectRetries = 5
	// DefaultReconnectBackoff is the base wait between reconnect attempts;
	// waits grow linearly per attempt.
	DefaultReconnectBackoff = time.Second
	// DefaultSubscriptionTTL expires subscriptions nobody released. It is a
	// leak guard only; expiry says nothing about the turn's state.
	DefaultSubscriptionTTL = 12 * time.Minute
)

// Envelope is the outer wire frame. Data carries the inner event verbatim;
// the inner shape is the router's concern.
type Envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
}

// Handler consumes the inner payload of envelopes for one subscribed type.
// Handlers run on the read pump goroutine, so envelope order is preserved.
type Handler func(data []byte)

// Options tunes the connection. Zero fields fall back to the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	PingInterval     time.Duration
	ReconnectRetries int
	ReconnectBackoff time.Duration
	SubscriptionTTL  time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		PongTimeout:      DefaultPongTimeout,
		PingInterval:     DefaultPingInterval,
		ReconnectRetries: DefaultReconnectRetries,
		ReconnectBackoff: DefaultReconnectBackoff,
		SubscriptionTTL:  DefaultSubscriptionTTL,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = def.PongTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.ReconnectRetries <= 0 {
		o.ReconnectRetries = def.ReconnectRetries
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = def.ReconnectBackoff
	}
	if o.SubscriptionTTL <= 0 {
		o.SubscriptionTTL = def.SubscriptionTTL
	}
	return o
}

// helloFrame is the first frame the client sends after dialing. It carries
// the auth token and, on reconnect, the previous session id so the server
// can migrate pending routes.
type helloFrame struct {
	Token     string `json:"token,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// helloAck is the server's first frame: the session id assigned to this
// connection.
type helloAck struct {
	SessionID string `json:"session_id"`
}
