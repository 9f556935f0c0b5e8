package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liveturnhq/liveturn/internal/api"
	"github.com/liveturnhq/liveturn/internal/channel"
	"github.com/liveturnhq/liveturn/internal/drift"
	"github.com/liveturnhq/liveturn/internal/extract"
	"github.com/liveturnhq/liveturn/internal/message"
	"github.com/liveturnhq/liveturn/internal/reconcile"
	"github.com/liveturnhq/liveturn/internal/router"
)

// Finish reasons recorded in the log when a turn closes.
const (
	reasonDone          = "done"
	reasonStreamClosed  = "stream_closed"
	reasonServerError   = "server_error"
	reasonTaskCancelled = "task_cancelled"
	reasonAdopted       = "adopted"
	reasonCancelled     = "cancelled"
	reasonTransport     = "transport_error"
)

// Controller opens and supervises assistant turns, one at a time. It owns the
// wiring between the transports, the router, the reconciliation engine, and
// the extraction scanner; the per-turn state lives on the Session it returns.
type Controller struct {
	logger  *slog.Logger
	backend Backend
	events  EventChannel
	store   *message.Store
	engine  *reconcile.Engine
	router  *router.Router
	opts    Options

	mu     sync.Mutex
	active *Session
}

// NewController creates a controller. events may be nil when the socket
// transport is disabled; turns then rely on the HTTP stream and drift polling.
func NewController(log *slog.Logger, backend Backend, events EventChannel, store *message.Store, engine *reconcile.Engine, opts Options) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		logger:  log.With(slog.String("service", "session")),
		backend: backend,
		events:  events,
		store:   store,
		engine:  engine,
		router:  router.New(log),
		opts:    opts.withDefaults(),
	}
	if events != nil {
		// One hook for the controller's lifetime, forwarded to whichever turn
		// is active, so per-turn registrations cannot pile up on the channel.
		events.OnReconnect(c.handleReconnect)
		events.OnClosed(c.handleChannelClosed)
	}
	return c
}

// Active returns the session currently streaming, or nil.
func (c *Controller) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.Finished() {
		return nil
	}
	return c.active
}

// State is a read-only snapshot of the controller for the control surface.
type State struct {
	Active         bool      `json:"active"`
	ConversationID string    `json:"conversation_id,omitempty"`
	TargetID       string    `json:"target_id,omitempty"`
	ModelID        string    `json:"model_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
}

// State reports whether a turn is open and which message it streams into.
func (c *Controller) State() State {
	s := c.Active()
	if s == nil {
		return State{}
	}
	return State{
		Active:         true,
		ConversationID: s.conversationID,
		TargetID:       s.targetID,
		ModelID:        s.modelID,
		TaskID:         s.taskID,
		LastActivity:   s.LastActivity(),
	}
}

// Send starts a turn from user input: it appends the user message and the
// assistant placeholder, opens the backend turn, and binds the transports.
// When no transport is usable the placeholder materializes with a fixed
// explanation instead of an error-only failure.
func (c *Controller) Send(ctx context.Context, in SendInput) (*Session, error) {
	if !in.Regenerate && strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("session: message content is empty")
	}
	if c.Active() != nil {
		return nil, ErrTurnActive
	}

	modelID := strings.TrimSpace(in.ModelID)
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}

	if in.Regenerate {
		if err := c.archiveLastAssistant(); err != nil {
			return nil, err
		}
	} else {
		c.store.Add(message.Message{
			ID:      uuid.NewString(),
			Role:    message.RoleUser,
			Content: in.Content,
			Files:   in.Files,
		})
	}

	targetID := uuid.NewString()
	c.store.Add(message.Message{
		ID:        targetID,
		Role:      message.RoleAssistant,
		ModelID:   modelID,
		Streaming: true,
	})

	sessionID := ""
	if c.events != nil {
		if err := c.events.EnsureConnected(ctx, c.opts.ConnectTimeout); err != nil {
			c.logger.Warn("event channel unavailable, falling back to stream only",
				slog.Any("error", err))
		} else {
			sessionID = c.events.SessionID()
		}
	}

	result, err := c.backend.Send(ctx, api.SendRequest{
		ConversationID: c.store.ConversationID(),
		ModelID:        modelID,
		MessageID:      targetID,
		SessionID:      sessionID,
		Messages:       c.wireMessages(),
		Stream:         true,
	})
	if err != nil {
		if sessionID == "" {
			c.store.SetContent(targetID, NoConnectionText)
			c.store.SetStreaming(targetID, false)
			c.logger.Error("send failed with no usable transport", slog.Any("error", err))
			return nil, ErrNoTransport
		}
		c.store.SetError(targetID, err.Error())
		c.store.SetStreaming(targetID, false)
		return nil, fmt.Errorf("session: send: %w", err)
	}
	if result.SessionID != "" && c.events != nil {
		c.events.RebindSession(result.SessionID)
	}

	sess, err := c.Open(ctx, TurnContext{
		ConversationID: c.store.ConversationID(),
		TargetID:       targetID,
		ModelID:        modelID,
		Stream:         result.Stream,
		TaskID:         result.TaskID,
	})
	if errors.Is(err, ErrNoTransport) {
		c.store.SetContent(targetID, NoConnectionText)
		c.store.SetStreaming(targetID, false)
	}
	return sess, err
}

// Open binds one already-created assistant turn: subscribes the event channel,
// starts the HTTP line pump, and arms the drift monitor. The returned session
// finishes exactly once, whichever signal arrives first.
func (c *Controller) Open(ctx context.Context, tc TurnContext) (*Session, error) {
	target, ok := c.store.Get(tc.TargetID)
	if !ok || !target.IsAssistant() || !target.Streaming {
		return nil, fmt.Errorf("session: target %q is not an open assistant message", tc.TargetID)
	}
	// A fresh turn supersedes whatever failed on this message before.
	c.store.ClearError(tc.TargetID)

	channelUp := c.events != nil && c.events.Connected()
	if tc.Stream == nil && !channelUp && tc.ConversationID == "" {
		return nil, ErrNoTransport
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ctrl:           c,
		conversationID: tc.ConversationID,
		targetID:       tc.TargetID,
		modelID:        tc.ModelID,
		taskID:         tc.TaskID,
		stream:         tc.Stream,
		ctx:            runCtx,
		cancel:         cancel,
		doneCh:         make(chan struct{}),
	}
	s.touch()
	s.scanner = extract.NewScanner(c.logger, c.engine, c.opts.ExtractDebounce)

	c.mu.Lock()
	if c.active != nil && !c.active.Finished() {
		c.mu.Unlock()
		cancel()
		s.scanner.Close()
		return nil, ErrTurnActive
	}
	c.active = s
	c.mu.Unlock()

	if c.opts.KeepAliveStart != nil {
		c.opts.KeepAliveStart()
	}

	if tc.ConversationID != "" {
		s.monitor = drift.NewMonitor(c.logger, c.backend, c.engine, drift.Config{
			ConversationID: tc.ConversationID,
			TargetID:       tc.TargetID,
			Streaming: func() bool {
				return !s.Finished() && c.targetStreaming(tc.TargetID)
			},
			OnAdopted: func(stillStreaming bool) {
				if !stillStreaming {
					s.finish(reasonAdopted, nil)
				}
			},
			Interval:      c.opts.DriftInterval,
			ReconnectWait: c.opts.ReconnectWait,
			PollBackoff:   c.opts.PollBackoff,
			PollRetries:   c.opts.PollRetries,
		})
		s.monitor.Start(runCtx)
	}

	if channelUp {
		s.subscribeEvents(c.opts.PrimaryChannel)
	}
	if tc.Stream != nil {
		go s.pumpStream()
	}

	c.logger.Info("turn opened",
		slog.String("conversation_id", tc.ConversationID),
		slog.String("target_id", tc.TargetID),
		slog.Bool("channel", channelUp),
		slog.Bool("http_stream", tc.Stream != nil))
	return s, nil
}

// Cancel aborts the active turn on the user's behalf. Subscriptions are
// released and the turn finished immediately; the server task is cancelled
// best-effort and no recovery is scheduled.
func (c *Controller) Cancel(ctx context.Context) error {
	s := c.Active()
	if s == nil {
		return ErrNoActiveTurn
	}
	s.cancelled.Store(true)
	if s.taskID != "" {
		taskID := s.taskID
		go func() {
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FinishTimeout)
			defer cancel()
			if err := c.backend.CancelTask(cancelCtx, taskID); err != nil {
				c.logger.Debug("task cancel failed", slog.Any("error", err))
			}
		}()
	}
	s.finish(reasonCancelled, nil)
	return nil
}

func (c *Controller) archiveLastAssistant() error {
	last, ok := c.store.Last()
	if !ok || !last.IsAssistant() {
		return fmt.Errorf("session: nothing to regenerate")
	}
	// Snapshot before the new turn so a regenerate/switch UI has the previous
	// answer; the finish fallback covers the case where this step lost a race.
	c.store.SetArchived(last.ID, true)
	if len(last.Versions) == 0 {
		c.store.AppendVersion(last.ID, last.Snapshot())
	}
	c.store.SetStreaming(last.ID, false)
	return nil
}

func (c *Controller) wireMessages() []api.WireMessage {
	local := c.store.Messages()
	out := make([]api.WireMessage, 0, len(local))
	for _, m := range local {
		out = append(out, api.FromMessage(m))
	}
	return out
}

func (c *Controller) targetStreaming(id string) bool {
	msg, ok := c.store.Get(id)
	return ok && msg.Streaming
}

func (c *Controller) handleReconnect() {
	s := c.Active()
	if s == nil || s.monitor == nil {
		return
	}
	// Runs on its own goroutine (the channel notifies listeners detached);
	// the monitor waits its settle delay and then polls apply-if-better.
	s.monitor.OnReconnect(s.ctx)
}

func (c *Controller) handleChannelClosed(err error) {
	s := c.Active()
	if s == nil {
		return
	}
	if s.subscriptionCount() == 0 {
		// Stream-only turn; the socket was idle scaffolding.
		return
	}
	if err == nil {
		s.finish(reasonStreamClosed, nil)
		return
	}
	c.logger.Error("event channel lost for good", slog.Any("error", err))
	s.finish(reasonTransport, err)
}

func (c *Controller) clearActive(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
	}
}

// Session is one assistant turn in flight.
type Session struct {
	ctrl           *Controller
	conversationID string
	targetID       string
	modelID        string
	taskID         string

	ctx     context.Context
	cancel  context.CancelFunc
	stream  *api.LineStream
	scanner *extract.Scanner
	monitor *drift.Monitor

	finishOnce sync.Once
	finished   atomic.Bool
	cancelled  atomic.Bool
	doneCh     chan struct{}

	mu       sync.Mutex
	channels []string
	lastSeen time.Time
}

// TargetID returns the id of the assistant message this turn streams into.
func (s *Session) TargetID() string { return s.targetID }

// TaskID returns the server-side task id for this turn, when known.
func (s *Session) TaskID() string { return s.taskID }

// Finished reports whether the turn has closed.
func (s *Session) Finished() bool { return s.finished.Load() }

// Done is closed when the turn finishes.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// LastActivity returns when the turn last heard from any transport.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// subscribeEvents binds the envelope-typed subscription carrying structured
// chat events.
func (s *Session) subscribeEvents(name string) {
	s.ctrl.events.Subscribe(name, func(data []byte) {
		if s.Finished() {
			return
		}
		s.touch()
		for _, u := range s.ctrl.router.Classify(data) {
			s.dispatch(u)
		}
	})
	s.trackChannel(name)
}

// subscribeLines binds a server-requested sub-channel that carries the
// line-oriented completion protocol instead of envelopes.
func (s *Session) subscribeLines(name string) {
	s.ctrl.events.Subscribe(name, func(data []byte) {
		if s.Finished() {
			return
		}
		s.touch()
		for _, u := range s.ctrl.router.ClassifyLine(string(data)) {
			s.dispatch(u)
		}
	})
	s.trackChannel(name)
	s.ctrl.logger.Debug("subscribed completion sub-channel", slog.String("name", name))
}

func (s *Session) trackChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.channels {
		if existing == name {
			return
		}
	}
	s.channels = append(s.channels, name)
}

func (s *Session) subscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Session) releaseSubscriptions() {
	s.mu.Lock()
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()
	if s.ctrl.events == nil {
		return
	}
	for _, name := range channels {
		s.ctrl.events.Unsubscribe(name)
	}
}

// pumpStream reads the HTTP line stream. With no channel subscriptions a
// clean close finishes the turn; with subscriptions active the close is
// informational, since servers drop the HTTP leg once the channel takes over.
func (s *Session) pumpStream() {
	lines, errs := s.stream.Lines(s.ctx)
	for line := range lines {
		if s.Finished() {
			return
		}
		s.touch()
		for _, u := range s.ctrl.router.ClassifyLine(line) {
			s.dispatch(u)
		}
	}
	if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
		s.handleStreamError(err)
		return
	}
	if s.Finished() {
		return
	}
	if s.subscriptionCount() == 0 {
		s.finish(reasonStreamClosed, nil)
		return
	}
	s.ctrl.logger.Debug("http stream closed, channel delivery continues",
		slog.String("target_id", s.targetID))
}

// handleStreamError classifies a stream failure. Recoverable failures try a
// bounded channel reconnect and keep the turn open when the channel can still
// deliver; everything else finishes the turn and schedules a best-effort
// snapshot refresh.
func (s *Session) handleStreamError(err error) {
	if s.Finished() {
		// finish closed the body out from under the pump.
		return
	}
	if channel.IsRecoverable(err) && s.ctrl.events != nil && s.subscriptionCount() > 0 {
		reconnectCtx, cancel := context.WithTimeout(s.ctx, s.ctrl.opts.ConnectTimeout)
		reconnectErr := s.ctrl.events.EnsureConnected(reconnectCtx, s.ctrl.opts.ConnectTimeout)
		cancel()
		if reconnectErr == nil {
			s.ctrl.logger.Warn("http stream lost, continuing over event channel",
				slog.Any("error", err))
			return
		}
		err = errors.Join(err, reconnectErr)
	}
	s.ctrl.logger.Error("stream transport failed", slog.Any("error", err))
	s.finish(reasonTransport, err)
}

// dispatch applies one classified update. Message-scoped updates are fenced
// against the turn's target id first; an event for another message belongs to
// a previous or future turn and is dropped.
func (s *Session) dispatch(u router.Update) {
	if u.MessageScoped() && !u.TargetsMessage(s.targetID) {
		s.ctrl.logger.Warn("dropping update for another message",
			slog.String("kind", string(u.Kind)),
			slog.String("message_id", u.MessageID),
			slog.String("target_id", s.targetID))
		return
	}

	switch u.Kind {
	case router.KindDelta:
		if s.ctrl.engine.Append(s.targetID, u.Text) {
			s.scanContent(false)
		}
	case router.KindReplace:
		if s.ctrl.engine.ReplaceContent(s.targetID, u.Text) {
			s.scanContent(false)
		}
	case router.KindStatus:
		s.ctrl.engine.AppendStatus(s.targetID, u.Status)
	case router.KindToolCall:
		s.noteToolCall(u.ToolName)
	case router.KindFollowUps:
		s.ctrl.engine.SetFollowUps(s.targetID, u.FollowUps)
	case router.KindTitle:
		s.ctrl.store.SetTitle(u.Title)
	case router.KindTags:
		s.ctrl.store.SetTags(u.Tags)
	case router.KindSource:
		s.ctrl.engine.AppendSource(s.targetID, u.Source)
	case router.KindFiles:
		s.ctrl.engine.AddFiles(s.targetID, s.resolveFiles(u.Files))
	case router.KindExecution:
		s.ctrl.engine.UpsertCodeExecution(s.targetID, u.Execution)
	case router.KindUsage:
		s.ctrl.engine.SetUsage(s.targetID, u.Usage)
	case router.KindError:
		s.ctrl.engine.SetError(s.targetID, u.Text)
		s.finish(reasonServerError, nil)
	case router.KindConfirmation, router.KindInput:
		s.acknowledge(u)
	case router.KindTaskCancelled:
		s.finish(reasonTaskCancelled, nil)
	case router.KindDone:
		s.finish(reasonDone, nil)
	case router.KindChannelRequest:
		if s.ctrl.events != nil {
			s.subscribeLines(u.Channel)
		}
	case router.KindNotice:
		s.ctrl.logger.Info("server notice", slog.String("text", u.Text))
	default:
		s.ctrl.logger.Debug("unhandled update", slog.String("kind", string(u.Kind)))
	}
}

// resolveFiles fills in attachments that reference an upload by bare file id
// instead of a URL. Resolution failures keep the reference as-is; a dangling
// id is still more useful than a dropped attachment.
func (s *Session) resolveFiles(files []message.Attachment) []message.Attachment {
	out := make([]message.Attachment, 0, len(files))
	for _, f := range files {
		if strings.Contains(f.URL, "://") || strings.HasPrefix(f.URL, "data:") {
			out = append(out, f)
			continue
		}
		meta, err := s.ctrl.backend.FileMetadata(s.ctx, f.URL)
		if err != nil {
			s.ctrl.logger.Debug("file metadata lookup failed",
				slog.String("file_id", f.URL), slog.Any("error", err))
			out = append(out, f)
			continue
		}
		f.URL = meta.URL
		if f.Name == "" {
			f.Name = meta.Name
		}
		if f.Mime == "" {
			f.Mime = meta.Mime
		}
		out = append(out, f)
	}
	return out
}

// noteToolCall appends an "Executing tool X" annotation unless the status
// history already carries an unfinished one for the same tool. Repeated
// previews of one call arrive across chunks; a second run of the same tool
// announces itself only after the first annotation is marked done.
func (s *Session) noteToolCall(name string) {
	annotation := "Executing tool " + name
	if msg, ok := s.ctrl.store.Get(s.targetID); ok {
		for _, status := range msg.StatusHistory {
			if !status.Done && status.Description == annotation {
				return
			}
		}
	}
	s.ctrl.engine.AppendStatus(s.targetID, message.StatusUpdate{
		Action:      "tool",
		Description: annotation,
	})
}

// acknowledge answers a confirmation or input request exactly once: with the
// responder's answer when one is installed, otherwise with the fixed
// rejection, so the server never hangs on an unanswerable prompt.
func (s *Session) acknowledge(u router.Update) {
	ack := router.NewAck(func(value any) {
		if s.ctrl.events == nil || u.AckID == "" {
			return
		}
		if err := s.ctrl.events.Ack(u.AckID, value); err != nil {
			s.ctrl.logger.Debug("ack send failed", slog.Any("error", err))
		}
	})
	if s.ctrl.opts.Responder != nil {
		ack.Respond(s.ctrl.opts.Responder(u))
		return
	}
	ack.Reject()
}

func (s *Session) scanContent(final bool) {
	msg, ok := s.ctrl.store.Get(s.targetID)
	if !ok {
		return
	}
	s.scanner.Scan(s.targetID, msg.Content, final)
}

// finish closes the turn exactly once: finalize the message, flush the
// extraction scanner, release transports and timers, then run the detached
// write-backs. Every completion signal funnels here.
func (s *Session) finish(reason string, cause error) {
	s.finishOnce.Do(func() {
		s.finished.Store(true)
		s.ctrl.engine.Finish(s.targetID)
		s.scanContent(true)
		s.scanner.Close()
		s.cancel()
		if s.stream != nil {
			_ = s.stream.Close()
		}
		s.releaseSubscriptions()
		s.ctrl.clearActive(s)
		if s.ctrl.opts.KeepAliveStop != nil {
			s.ctrl.opts.KeepAliveStop()
		}
		close(s.doneCh)
		s.ctrl.logger.Info("turn finished",
			slog.String("target_id", s.targetID),
			slog.String("reason", reason))
		if !s.cancelled.Load() {
			go s.ctrl.afterFinish(s, cause)
		}
	})
}

// afterFinish runs the detached best-effort work that follows a finished
// turn. Failures are logged and discarded; recovery must never become a
// second failure mode.
func (c *Controller) afterFinish(s *Session, cause error) {
	if s.conversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FinishTimeout)
	defer cancel()

	if cause != nil {
		// The turn died on a transport error; the server may hold a more
		// complete record than we ever heard.
		if conv, err := c.backend.Conversation(ctx, s.conversationID); err == nil {
			c.engine.AdoptServerSnapshot(conv.ToMessages(), s.targetID)
		} else {
			c.logger.Debug("post-failure snapshot refresh abandoned", slog.Any("error", err))
		}
	}

	if err := c.backend.NotifyCompleted(ctx, s.conversationID, s.targetID); err != nil {
		c.logger.Debug("completed notification failed", slog.Any("error", err))
	}
	if err := c.backend.SyncMessages(ctx, s.conversationID, c.wireMessages()); err != nil {
		c.logger.Debug("message sync failed", slog.Any("error", err))
	}
}
