// Package session drives one in-progress assistant turn: it opens the turn
// against the backend, fans transport events through the router into the
// reconciliation engine, and guarantees exactly one finish no matter which
// signal ends the turn.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/liveturnhq/liveturn/internal/api"
	"github.com/liveturnhq/liveturn/internal/channel"
	"github.com/liveturnhq/liveturn/internal/message"
	"github.com/liveturnhq/liveturn/internal/router"
)

var (
	// ErrTurnActive is returned when a send arrives while a turn is open.
	ErrTurnActive = errors.New("session: a turn is already in progress")
	// ErrNoTransport is returned when a turn has neither a line stream nor a
	// connected event channel to hear results on.
	ErrNoTransport = errors.New("session: no usable transport")
	// ErrNoActiveTurn is returned by Cancel when nothing is running.
	ErrNoActiveTurn = errors.New("session: no active turn")
)

// NoConnectionText is the assistant message shown when a send fails with no
// usable connection at all.
const NoConnectionText = "I could not reach the server. Your message was not sent; please check your connection and try again."

const (
	// DefaultPrimaryChannel is the envelope type chat events arrive on.
	DefaultPrimaryChannel = "chat-events"
	// DefaultConnectTimeout bounds the pre-send channel connection attempt.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultFinishTimeout bounds the detached post-finish write-backs.
	DefaultFinishTimeout = 10 * time.Second
)

// Backend is the slice of the API client the session layer uses.
type Backend interface {
	Send(ctx context.Context, req api.SendRequest) (*api.SendResult, error)
	Conversation(ctx context.Context, id string) (*api.Conversation, error)
	TaskIDs(ctx context.Context, conversationID string) ([]string, error)
	CancelTask(ctx context.Context, taskID string) error
	FileMetadata(ctx context.Context, fileID string) (*api.FileMetadata, error)
	SyncMessages(ctx context.Context, conversationID string, messages []api.WireMessage) error
	NotifyCompleted(ctx context.Context, conversationID, messageID string) error
}

// EventChannel is the slice of the channel client the session layer uses.
type EventChannel interface {
	Connected() bool
	SessionID() string
	RebindSession(id string)
	EnsureConnected(ctx context.Context, timeout time.Duration) error
	Subscribe(name string, h channel.Handler)
	Unsubscribe(name string)
	Ack(ackID string, payload any) error
	OnReconnect(fn func())
	OnClosed(fn func(err error))
}

// Options tunes the controller. Zero fields fall back to the defaults.
type Options struct {
	// PrimaryChannel is the envelope type the main chat event subscription
	// listens on.
	PrimaryChannel string
	// DefaultModel is used when a send names no model.
	DefaultModel string
	// Responder answers confirmation and input requests. When nil every
	// request is rejected with the fixed rejection payload.
	Responder func(router.Update) any
	// KeepAliveStart and KeepAliveStop bracket the turn with a platform
	// background-execution hint, so the host process is not suspended while
	// content is still arriving. Either may be nil.
	KeepAliveStart func()
	KeepAliveStop  func()

	ConnectTimeout  time.Duration
	FinishTimeout   time.Duration
	ExtractDebounce time.Duration
	DriftInterval   time.Duration
	ReconnectWait   time.Duration
	PollBackoff     time.Duration
	PollRetries     int
}

func (o Options) withDefaults() Options {
	if o.PrimaryChannel == "" {
		o.PrimaryChannel = DefaultPrimaryChannel
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.FinishTimeout <= 0 {
		o.FinishTimeout = DefaultFinishTimeout
	}
	return o
}

// TurnContext carries everything needed to run one turn: where it lives,
// which message it streams into, and the transports it listens on.
type TurnContext struct {
	ConversationID string
	// TargetID is the assistant message this turn streams into. It must
	// already exist in the store, streaming.
	TargetID string
	ModelID  string
	// Stream is the HTTP line stream from the send call; nil when the server
	// answered with a task id only and events arrive over the channel.
	Stream *api.LineStream
	// TaskID identifies the server-side run for cancellation.
	TaskID string
}

// SendInput is a user-initiated send or regenerate.
type SendInput struct {
	Content string
	ModelID string
	Files   []message.Attachment
	// Regenerate archives the last assistant message and re-runs the last
	// user message instead of appending new content.
	Regenerate bool
}
