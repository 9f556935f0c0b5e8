package message

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Store holds one conversation's messages in memory. Writes go through
// per-field merge semantics (dedupe, collapse, upsert); acceptance decisions
// about whether a write should happen at all belong to the reconcile engine.
type Store struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	convID   string
	title    string
	tags     []string
	messages []*Message
}

// NewStore creates an empty conversation store.
func NewStore(log *slog.Logger, conversationID string) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		logger: log.With(slog.String("service", "message-store")),
		convID: conversationID,
	}
}

// ConversationID returns the conversation this store tracks. Empty for
// local-only conversations that have no server record yet.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convID
}

// BindConversation sets the conversation id once the server assigns one.
func (s *Store) BindConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(id) != "" {
		s.convID = id
	}
}

// SetTitle updates the conversation title.
func (s *Store) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(title) != "" {
		s.title = title
	}
}

// Title returns the conversation title.
func (s *Store) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetTags replaces the conversation tags with a newer non-empty set.
func (s *Store) SetTags(tags []string) {
	if len(tags) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append([]string(nil), tags...)
}

// Tags returns the conversation tags.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tags...)
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a deep copy of the current message list.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	return out
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.find(id)
	if m == nil {
		return Message{}, false
	}
	return m.Clone(), true
}

// Last returns a copy of the last message.
func (s *Store) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1].Clone(), true
}

// LastID returns the id of the last message, or empty.
func (s *Store) LastID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1].ID
}

// Add appends a new message to the conversation.
func (s *Store) Add(msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg.Clone()
	s.messages = append(s.messages, &m)
}

// ReplaceAll swaps the whole message list for an adopted server snapshot.
func (s *Store) ReplaceAll(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		m := msg.Clone()
		replaced = append(replaced, &m)
	}
	s.messages = replaced
}

// AppendContent concatenates text onto the message's content buffer.
func (s *Store) AppendContent(id, text string) bool {
	return s.update(id, func(m *Message) {
		m.Content += text
	})
}

// SetContent overwrites the message's content buffer.
func (s *Store) SetContent(id, text string) bool {
	return s.update(id, func(m *Message) {
		m.Content = text
	})
}

// SetStreaming flips the streaming flag.
func (s *Store) SetStreaming(id string, streaming bool) bool {
	return s.update(id, func(m *Message) {
		m.Streaming = streaming
	})
}

// SetArchived marks a message as an archived regenerate variant.
func (s *Store) SetArchived(id string, archived bool) bool {
	return s.update(id, func(m *Message) {
		m.Archived = archived
	})
}

// SetError records the turn error. The first error wins; later writes are
// dropped until a new turn clears the field.
func (s *Store) SetError(id, errText string) bool {
	if strings.TrimSpace(errText) == "" {
		return false
	}
	return s.update(id, func(m *Message) {
		if m.Error == "" {
			m.Error = errText
		}
	})
}

// ClearError resets the error field when a new turn begins.
func (s *Store) ClearError(id string) bool {
	return s.update(id, func(m *Message) {
		m.Error = ""
	})
}

// AppendStatus appends a progress annotation. A consecutive update with the
// same action and description collapses into the previous entry, last write
// wins.
func (s *Store) AppendStatus(id string, status StatusUpdate) bool {
	return s.update(id, func(m *Message) {
		if n := len(m.StatusHistory); n > 0 && m.StatusHistory[n-1].Same(status) {
			m.StatusHistory[n-1] = status
			return
		}
		m.StatusHistory = append(m.StatusHistory, status)
	})
}

// AddFiles merges attachments into the message's URL-keyed set.
func (s *Store) AddFiles(id string, files []Attachment) bool {
	if len(files) == 0 {
		return false
	}
	return s.update(id, func(m *Message) {
		for _, f := range files {
			if strings.TrimSpace(f.URL) == "" || m.HasFile(f.URL) {
				continue
			}
			m.Files = append(m.Files, f)
		}
	})
}

// AppendSource adds a citation unless one with the same key exists.
func (s *Store) AppendSource(id string, source Source) bool {
	key := source.Key()
	if key == "" {
		return false
	}
	return s.update(id, func(m *Message) {
		for _, existing := range m.Sources {
			if existing.Key() == key {
				return
			}
		}
		m.Sources = append(m.Sources, source)
	})
}

// UpsertCodeExecution inserts or updates an execution by id.
func (s *Store) UpsertCodeExecution(id string, exec CodeExecution) bool {
	if strings.TrimSpace(exec.ID) == "" {
		return false
	}
	return s.update(id, func(m *Message) {
		for i, existing := range m.CodeExecutions {
			if existing.ID == exec.ID {
				m.CodeExecutions[i] = exec
				return
			}
		}
		m.CodeExecutions = append(m.CodeExecutions, exec)
	})
}

// SetFollowUps replaces the follow-up suggestions with a newer non-empty set.
func (s *Store) SetFollowUps(id string, followUps []string) bool {
	if len(followUps) == 0 {
		return false
	}
	return s.update(id, func(m *Message) {
		m.FollowUps = append([]string(nil), followUps...)
	})
}

// SetUsage records usage statistics, last writer wins. A nil usage never
// clears an earlier value.
func (s *Store) SetUsage(id string, usage *Usage) bool {
	if usage == nil {
		return false
	}
	return s.update(id, func(m *Message) {
		u := *usage
		m.Usage = &u
	})
}

// AppendVersion attaches an immutable snapshot of a previous revision.
func (s *Store) AppendVersion(id string, version Version) bool {
	return s.update(id, func(m *Message) {
		m.Versions = append(m.Versions, version)
	})
}

// UpdateByID applies fn to the message under the store lock.
func (s *Store) UpdateByID(id string, fn func(*Message)) bool {
	return s.update(id, fn)
}

func (s *Store) update(id string, fn func(*Message)) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(id)
	if m == nil {
		return false
	}
	fn(m)
	return true
}

// find expects the caller to hold the lock. Lookup walks backwards because
// mutations overwhelmingly target the newest message.
func (s *Store) find(id string) *Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return s.messages[i]
		}
	}
	return nil
}
