// Package message defines the streamed message model and the in-memory
// conversation store that collaborators mutate while a turn is in flight.
package message

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AttachmentType classifies an extracted or server-delivered attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a media reference carried by a message, keyed by URL.
type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url"`
	Name string         `json:"name,omitempty"`
	Mime string         `json:"mime,omitempty"`
}

// StatusUpdate is a transient progress annotation ("searching", "executing tool X").
type StatusUpdate struct {
	Action      string `json:"action,omitempty"`
	Description string `json:"description,omitempty"`
	Query       string `json:"query,omitempty"`
	Done        bool   `json:"done,omitempty"`
}

// Same reports whether two updates describe the same action and description.
func (s StatusUpdate) Same(other StatusUpdate) bool {
	return s.Action == other.Action && s.Description == other.Description
}

// Source is a citation reference attached to a message.
type Source struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Key returns the deduplication key for the source: id when set, else URL.
func (s Source) Key() string {
	if strings.TrimSpace(s.ID) != "" {
		return strings.TrimSpace(s.ID)
	}
	return strings.TrimSpace(s.URL)
}

// CodeExecution tracks one server-side code run, keyed by execution id.
type CodeExecution struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Code   string `json:"code,omitempty"`
	Output string `json:"output,omitempty"`
	Done   bool   `json:"done,omitempty"`
}

// Usage carries token accounting reported by the server.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Version is an immutable snapshot of a previous message revision.
type Version struct {
	Content   string       `json:"content"`
	ModelID   string       `json:"model_id,omitempty"`
	Files     []Attachment `json:"files,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Message is the unit being streamed: one user or assistant entry in the
// conversation. While Streaming is true the content buffer grows by appends;
// once finished the content is immutable except through adoption of a more
// advanced server snapshot.
type Message struct {
	ID             string          `json:"id"`
	Role           Role            `json:"role"`
	ModelID        string          `json:"model_id,omitempty"`
	Content        string          `json:"content"`
	Streaming      bool            `json:"streaming,omitempty"`
	Archived       bool            `json:"archived,omitempty"`
	Files          []Attachment    `json:"files,omitempty"`
	StatusHistory  []StatusUpdate  `json:"status_history,omitempty"`
	Sources        []Source        `json:"sources,omitempty"`
	CodeExecutions []CodeExecution `json:"code_executions,omitempty"`
	FollowUps      []string        `json:"follow_ups,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	Error          string          `json:"error,omitempty"`
	Versions       []Version       `json:"versions,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsAssistant reports whether the message was authored by the assistant.
func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// HasFile reports whether an attachment with the given URL is already present.
func (m Message) HasFile(url string) bool {
	for _, f := range m.Files {
		if f.URL == url {
			return true
		}
	}
	return false
}

// Snapshot returns a version snapshot of the message's current content.
func (m Message) Snapshot() Version {
	return Version{
		Content:   m.Content,
		ModelID:   m.ModelID,
		Files:     cloneAttachments(m.Files),
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand to readers.
func (m Message) Clone() Message {
	out := m
	out.Files = cloneAttachments(m.Files)
	if m.StatusHistory != nil {
		out.StatusHistory = append([]StatusUpdate(nil), m.StatusHistory...)
	}
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	if m.CodeExecutions != nil {
		out.CodeExecutions = append([]CodeExecution(nil), m.CodeExecutions...)
	}
	if m.FollowUps != nil {
		out.FollowUps = append([]string(nil), m.FollowUps...)
	}
	if m.Usage != nil {
		usage := *m.Usage
		out.Usage = &usage
	}
	if m.Versions != nil {
		out.Versions = append([]Version(nil), m.Versions...)
	}
	return out
}

func cloneAttachments(files []Attachment) []Attachment {
	if files == nil {
		return nil
	}
	return append([]Attachment(nil), files...)
}
