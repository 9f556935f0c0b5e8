// Package drift watches the server's run state while a turn streams and
// repairs local state when pushed events were missed: a vanished task means
// the turn finished somewhere we could not hear, and the server record is
// then adopted when it is better than what we hold.
package drift

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/liveturnhq/liveturn/internal/api"
	"github.com/liveturnhq/liveturn/internal/message"
)

const (
	// DefaultInterval is the watchdog cadence while a turn streams.
	DefaultInterval = time.Second
	// DefaultReconnectWait gives the server a moment to settle before the
	// post-reconnect content poll.
	DefaultReconnectWait = 1500 * time.Millisecond
	// DefaultPollBackoff is the base wait between conversation poll retries;
	// waits grow linearly per attempt.
	DefaultPollBackoff = time.Second
	// DefaultPollRetries bounds conversation poll retries before the monitor
	// gives up silently.
	DefaultPollRetries = 3
)

// Backend is the slice of the API client the monitor polls.
type Backend interface {
	TaskIDs(ctx context.Context, conversationID string) ([]string, error)
	Conversation(ctx context.Context, id string) (*api.Conversation, error)
}

// Reconciler applies server state to the local conversation.
type Reconciler interface {
	AdoptServerSnapshot(server []message.Message, targetID string) (adopted, stillStreaming bool)
	ApplyAuthoritative(id, content string, done bool) bool
}

// Config carries the per-turn wiring for a Monitor.
type Config struct {
	ConversationID string
	// TargetID is the assistant message the active turn streams into.
	TargetID string
	// Streaming reports whether the local turn is still open; the watchdog
	// loop exits once it returns false.
	Streaming func() bool
	// OnAdopted fires after a server snapshot was adopted; stillStreaming
	// is false when the adopted state already finished the turn.
	OnAdopted func(stillStreaming bool)

	Interval      time.Duration
	ReconnectWait time.Duration
	PollBackoff   time.Duration
	PollRetries   int
}

// Monitor is the per-turn drift watchdog. A task id must have been observed
// at least once before its absence means anything; conversations where the
// task registry was empty from the start are left alone.
type Monitor struct {
	logger  *slog.Logger
	backend Backend
	engine  Reconciler
	cfg     Config

	mu       sync.Mutex
	observed bool
	checking bool
}

// NewMonitor creates a drift watchdog for one streaming turn.
func NewMonitor(log *slog.Logger, backend Backend, engine Reconciler, cfg Config) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultReconnectWait
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = DefaultPollBackoff
	}
	if cfg.PollRetries <= 0 {
		cfg.PollRetries = DefaultPollRetries
	}
	if cfg.Streaming == nil {
		cfg.Streaming = func() bool { return false }
	}
	return &Monitor{
		logger:  log.With(slog.String("service", "drift-monitor")),
		backend: backend,
		engine:  engine,
		cfg:     cfg,
	}
}

// Start begins the watchdog loop. The loop stops when the context is
// cancelled or the turn is no longer streaming.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.cfg.Streaming() {
					return
				}
				m.check(ctx)
			}
		}
	}()
}

// check polls the task registry once. Ticks that land while a previous check
// is still in flight are skipped.
func (m *Monitor) check(ctx context.Context) {
	m.mu.Lock()
	if m.checking {
		m.mu.Unlock()
		return
	}
	m.checking = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.checking = false
		m.mu.Unlock()
	}()

	ids, err := m.backend.TaskIDs(ctx, m.cfg.ConversationID)
	if err != nil {
		m.logger.Debug("task poll failed", slog.Any("error", err))
		return
	}

	m.mu.Lock()
	if len(ids) > 0 {
		m.observed = true
		m.mu.Unlock()
		return
	}
	observed := m.observed
	m.mu.Unlock()

	if !observed {
		return
	}

	m.logger.Debug("observed task gone, comparing against server record",
		slog.String("conversation_id", m.cfg.ConversationID))
	m.compareServerRecord(ctx)
}

// compareServerRecord fetches the conversation and adopts it when the
// adoption rules accept it.
func (m *Monitor) compareServerRecord(ctx context.Context) {
	conv, err := m.fetchConversation(ctx)
	if err != nil {
		m.logger.Debug("conversation poll abandoned", slog.Any("error", err))
		return
	}
	adopted, stillStreaming := m.engine.AdoptServerSnapshot(conv.ToMessages(), m.cfg.TargetID)
	if !adopted {
		return
	}
	m.logger.Info("adopted server snapshot",
		slog.String("conversation_id", m.cfg.ConversationID),
		slog.Bool("still_streaming", stillStreaming))
	if m.cfg.OnAdopted != nil {
		m.cfg.OnAdopted(stillStreaming)
	}
}

// OnReconnect runs the recovery poll after the event channel came back: wait
// a short fixed delay for the server to settle, then apply the server's
// content for the target message when it is longer or already done.
func (m *Monitor) OnReconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.ReconnectWait):
	}

	m.mu.Lock()
	if m.checking {
		m.mu.Unlock()
		return
	}
	m.checking = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.checking = false
		m.mu.Unlock()
	}()

	conv, err := m.fetchConversation(ctx)
	if err != nil {
		m.logger.Debug("reconnect poll abandoned", slog.Any("error", err))
		return
	}
	wire, ok := serverMessageFor(conv, m.cfg.TargetID)
	if !ok {
		return
	}
	if m.engine.ApplyAuthoritative(wire.ID, wire.Content, wire.Done) {
		m.logger.Info("applied server content after reconnect",
			slog.String("message_id", wire.ID),
			slog.Bool("done", wire.Done))
	}
}

// fetchConversation polls the conversation record with linearly growing
// waits between attempts, then gives up.
func (m *Monitor) fetchConversation(ctx context.Context) (*api.Conversation, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		conv, err := m.backend.Conversation(ctx, m.cfg.ConversationID)
		if err == nil {
			return conv, nil
		}
		lastErr = err
		if attempt >= m.cfg.PollRetries {
			return nil, lastErr
		}
		wait := time.Duration(attempt+1) * m.cfg.PollBackoff
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// serverMessageFor picks the server-side message for the target id, falling
// back to the last assistant message when the id is not present.
func serverMessageFor(conv *api.Conversation, targetID string) (api.WireMessage, bool) {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].ID == targetID {
			return conv.Messages[i], true
		}
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == string(message.RoleAssistant) {
			return conv.Messages[i], true
		}
	}
	return api.WireMessage{}, false
}
