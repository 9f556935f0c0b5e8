package api

import (
	"strings"
	"time"

	"github.com/liveturnhq/liveturn/internal/message"
)

// Conversation is the server record of a chat, including its message list.
type Conversation struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	Messages  []WireMessage `json:"messages"`
	UpdatedAt int64         `json:"updated_at,omitempty"`
}

// WireMessage is the server-side shape of a single message.
type WireMessage struct {
	ID        string               `json:"id"`
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	Model     string               `json:"model,omitempty"`
	Done      bool                 `json:"done,omitempty"`
	Files     []message.Attachment `json:"files,omitempty"`
	Sources   []message.Source     `json:"sources,omitempty"`
	FollowUps []string             `json:"follow_ups,omitempty"`
	Error     string               `json:"error,omitempty"`
	Usage     *message.Usage       `json:"usage,omitempty"`
	Timestamp int64                `json:"timestamp,omitempty"`
}

// ToMessage converts a server message into the local model. An assistant
// message not marked done is considered still streaming.
func (w WireMessage) ToMessage() message.Message {
	role := message.Role(strings.TrimSpace(w.Role))
	if role == "" {
		role = message.RoleUser
	}
	msg := message.Message{
		ID:        w.ID,
		Role:      role,
		ModelID:   w.Model,
		Content:   w.Content,
		Streaming: role == message.RoleAssistant && !w.Done,
		Files:     w.Files,
		Sources:   w.Sources,
		FollowUps: w.FollowUps,
		Error:     w.Error,
	}
	if w.Usage != nil {
		u := *w.Usage
		msg.Usage = &u
	}
	if w.Timestamp > 0 {
		msg.CreatedAt = time.Unix(w.Timestamp, 0)
	}
	return msg
}

// FromMessage converts a local message into the wire shape for sync pushes.
func FromMessage(m message.Message) WireMessage {
	w := WireMessage{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		Model:     m.ModelID,
		Done:      !m.Streaming,
		Files:     m.Files,
		Sources:   m.Sources,
		FollowUps: m.FollowUps,
		Error:     m.Error,
	}
	if m.Usage != nil {
		u := *m.Usage
		w.Usage = &u
	}
	if !m.CreatedAt.IsZero() {
		w.Timestamp = m.CreatedAt.Unix()
	}
	return w
}

// ToMessages converts the conversation's message list into the local model.
func (c *Conversation) ToMessages() []message.Message {
	out := make([]message.Message, 0, len(c.Messages))
	for _, w := range c.Messages {
		out = append(out, w.ToMessage())
	}
	return out
}

// SendRequest opens a new assistant turn.
type SendRequest struct {
	ConversationID string
	ModelID        string
	// MessageID is the id of the assistant message the turn streams into.
	MessageID string
	// SessionID binds server-pushed channel events to the caller's socket
	// session. Empty when the channel is down.
	SessionID string
	Messages  []WireMessage
	Stream    bool
}

// SendResult is what the send endpoint hands back: a task id for the
// server-side run, optionally a session id echo, and the HTTP line stream
// when streaming was requested and granted.
type SendResult struct {
	TaskID    string
	SessionID string
	Stream    *LineStream
}

// FileMetadata describes an uploaded or generated file.
type FileMetadata struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"filename,omitempty"`
	Mime string `json:"content_type,omitempty"`
	Size int64  `json:"size,omitempty"`
}
