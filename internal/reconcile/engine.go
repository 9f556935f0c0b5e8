// Package reconcile owns the mutable projection of the in-flight assistant
// message. Every update about message state, whichever transport produced it,
// passes through the Engine, which decides whether the evidence supersedes
// local state.
package reconcile

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/liveturnhq/liveturn/internal/message"
)

// Placeholder banners some servers stream ahead of real content. They are
// stripped from the front of the buffer once, at finalize, not per append.
var placeholderBanners = []string{
	"Thinking...",
	"Searching the web...",
}

// Store is the narrow mutation surface the engine drives. Implemented by
// *message.Store.
type Store interface {
	Messages() []message.Message
	Get(id string) (message.Message, bool)
	LastID() string
	Len() int
	ReplaceAll(msgs []message.Message)
	AppendContent(id, text string) bool
	SetContent(id, text string) bool
	SetStreaming(id string, streaming bool) bool
	AppendStatus(id string, status message.StatusUpdate) bool
	AddFiles(id string, files []message.Attachment) bool
	AppendSource(id string, source message.Source) bool
	UpsertCodeExecution(id string, exec message.CodeExecution) bool
	SetFollowUps(id string, followUps []string) bool
	SetUsage(id string, usage *message.Usage) bool
	SetError(id, errText string) bool
	AppendVersion(id string, version message.Version) bool
}

// Engine applies updates to the conversation under a single lock so that
// read-decide-write sequences (replace-if-longer, adoption) are atomic even
// though callers arrive from several goroutines.
type Engine struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
}

// NewEngine creates an engine over the given store.
func NewEngine(log *slog.Logger, store Store) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:  store,
		logger: log.With(slog.String("service", "reconcile")),
	}
}

// Append concatenates a delta onto the streaming message. Appends are assumed
// incremental, so no length check is performed. Returns false when the target
// is missing, not assistant-authored, or no longer streaming.
func (e *Engine) Append(id, text string) bool {
	if text == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.streamingTarget(id)
	if !ok {
		return false
	}
	return e.store.AppendContent(target.ID, text)
}

// ReplaceContent applies a full authoritative snapshot of the content buffer.
// Accepted when the incoming text is non-empty and at least as long as the
// local buffer: strictly longer always wins, equal length is taken as a
// normalization refresh, shorter is rejected to avoid regressing a
// further-along local stream.
func (e *Engine) ReplaceContent(id, text string) bool {
	if text == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.streamingTarget(id)
	if !ok {
		return false
	}
	if len(text) < len(target.Content) {
		e.logger.Debug("replace rejected: shorter than local buffer",
			slog.String("message_id", target.ID),
			slog.Int("local_len", len(target.Content)),
			slog.Int("incoming_len", len(text)))
		return false
	}
	return e.store.SetContent(target.ID, text)
}

// AppendStatus records a progress annotation on the streaming message.
func (e *Engine) AppendStatus(id string, status message.StatusUpdate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.streamingTarget(id)
	if !ok {
		return false
	}
	return e.store.AppendStatus(target.ID, status)
}

// AddFiles merges attachments into the streaming message.
func (e *Engine) AddFiles(id string, files []message.Attachment) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.assistantTarget(id)
	if !ok {
		return false
	}
	return e.store.AddFiles(target.ID, files)
}

// AppendSource adds a citation to the streaming message.
func (e *Engine) AppendSource(id string, source message.Source) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.streamingTarget(id)
	if !ok {
		return false
	}
	return e.store.AppendSource(target.ID, source)
}

// UpsertCodeExecution inserts or updates a code execution on the streaming
// message.
func (e *Engine) UpsertCodeExecution(id string, exec message.CodeExecution) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.streamingTarget(id)
	if !ok {
		return false
	}
	return e.store.UpsertCodeExecution(target.ID, exec)
}

// SetFollowUps replaces follow-up suggestions on the target message. Follow
// ups often arrive moments after completion, so a finished assistant message
// is still a legal target.
func (e *Engine) SetFollowUps(id string, followUps []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.assistantTarget(id)
	if !ok {
		return false
	}
	return e.store.SetFollowUps(target.ID, followUps)
}

// SetUsage records usage statistics on the target message.
func (e *Engine) SetUsage(id string, usage *message.Usage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.assistantTarget(id)
	if !ok {
		return false
	}
	return e.store.SetUsage(target.ID, usage)
}

// SetError attaches a server-reported error to the target message.
func (e *Engine) SetError(id, errText string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.assistantTarget(id)
	if !ok {
		return false
	}
	return e.store.SetError(target.ID, errText)
}

// Finish finalizes the streaming message: strips placeholder banners, marks
// it no longer streaming, and backfills a version snapshot onto a preceding
// archived variant that missed its archive-time snapshot. Idempotent: a
// second call finds nothing streaming and is a no-op.
func (e *Engine) Finish(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.streamingTarget(id)
	if !ok {
		return false
	}
	if stripped := stripBanners(target.Content); stripped != target.Content {
		e.store.SetContent(target.ID, stripped)
	}
	e.store.SetStreaming(target.ID, false)
	e.backfillArchivedVersion(target.ID)
	return true
}

// AdoptServerSnapshot decides whether a polled server conversation supersedes
// local state. Rules, in order: a longer server list always wins; otherwise a
// shared last assistant message wins when the server copy is further along
// (longer text, text where local has none, or done while local streams);
// otherwise the snapshot is ignored. Returns whether adoption happened and
// whether the given target message is still streaming afterwards.
func (e *Engine) AdoptServerSnapshot(server []message.Message, targetID string) (adopted, stillStreaming bool) {
	if len(server) == 0 {
		return false, e.targetStreaming(targetID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	local := e.store.Messages()
	if !shouldAdopt(local, server) {
		return false, e.targetStreamingLocked(targetID)
	}
	e.store.ReplaceAll(server)
	e.logger.Info("adopted server snapshot",
		slog.Int("local_count", len(local)),
		slog.Int("server_count", len(server)))
	return true, e.targetStreamingLocked(targetID)
}

// ApplyAuthoritative applies a server-polled copy of the target message's
// content under the longer-or-done-wins rule. Used by reconnect recovery,
// where the poll may race an in-flight completion signal.
func (e *Engine) ApplyAuthoritative(id, content string, done bool) bool {
	applied := false
	e.mu.Lock()
	target, ok := e.streamingTarget(id)
	if ok && content != "" && len(content) >= len(target.Content) {
		applied = e.store.SetContent(target.ID, content)
	}
	e.mu.Unlock()
	if done {
		if e.Finish(id) {
			applied = true
		}
	}
	return applied
}

func shouldAdopt(local, server []message.Message) bool {
	if len(server) > len(local) {
		return true
	}
	if len(local) == 0 || len(server) == 0 {
		return false
	}
	lastLocal := local[len(local)-1]
	lastServer := server[len(server)-1]
	if lastLocal.ID != lastServer.ID {
		return false
	}
	if !lastLocal.IsAssistant() || !lastServer.IsAssistant() {
		return false
	}
	if len(lastServer.Content) > len(lastLocal.Content) {
		return true
	}
	if lastLocal.Content == "" && lastServer.Content != "" {
		return true
	}
	if !lastServer.Streaming && lastLocal.Streaming {
		return true
	}
	return false
}

func (e *Engine) targetStreaming(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targetStreamingLocked(id)
}

func (e *Engine) targetStreamingLocked(id string) bool {
	msg, ok := e.store.Get(id)
	if !ok {
		return false
	}
	return msg.Streaming
}

// streamingTarget resolves id (or the last message when empty) and requires
// an assistant message that is still streaming.
func (e *Engine) streamingTarget(id string) (message.Message, bool) {
	target, ok := e.assistantTarget(id)
	if !ok || !target.Streaming {
		return message.Message{}, false
	}
	return target, true
}

// assistantTarget resolves id (or the last message when empty) and requires
// an assistant message.
func (e *Engine) assistantTarget(id string) (message.Message, bool) {
	if strings.TrimSpace(id) == "" {
		id = e.store.LastID()
	}
	msg, ok := e.store.Get(id)
	if !ok || !msg.IsAssistant() {
		return message.Message{}, false
	}
	return msg, true
}

func (e *Engine) backfillArchivedVersion(finishedID string) {
	msgs := e.store.Messages()
	idx := -1
	for i, m := range msgs {
		if m.ID == finishedID {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return
	}
	prev := msgs[idx-1]
	if !prev.IsAssistant() || !prev.Archived || len(prev.Versions) > 0 {
		return
	}
	e.store.AppendVersion(prev.ID, prev.Snapshot())
}

func stripBanners(content string) string {
	out := content
	for {
		changed := false
		for _, banner := range placeholderBanners {
			trimmed := strings.TrimLeft(out, " \n")
			if strings.HasPrefix(trimmed, banner) {
				out = strings.TrimPrefix(trimmed, banner)
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	if out == content {
		return content
	}
	return strings.TrimLeft(out, " \n")
}
