package router

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/liveturnhq/liveturn/internal/message"
)

// envelope is the wire shape delivered by the event channel:
// { "type": string, "data": payload, "message_id"?: string, "ack_id"?: string }.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id,omitempty"`
	AckID     string          `json:"ack_id,omitempty"`
}

// Router classifies raw channel payloads. It carries no per-turn state.
type Router struct {
	logger *slog.Logger
}

// New creates a Router.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{logger: log.With(slog.String("service", "router"))}
}

// Classify decodes one channel event and maps it to zero or more semantic
// updates. Malformed payloads degrade to an unrecognized update rather than
// an error; the channel protocol is advisory, never fatal.
func (r *Router) Classify(raw []byte) []Update {
	var ev envelope
	if err := json.Unmarshal(raw, &ev); err != nil || strings.TrimSpace(ev.Type) == "" {
		return []Update{{Kind: KindUnrecognized}}
	}
	updates := r.classifyEvent(ev)
	if len(updates) == 0 {
		r.logger.Debug("unrecognized channel event", slog.String("type", ev.Type))
		return []Update{{Kind: KindUnrecognized, EventType: ev.Type}}
	}
	for i := range updates {
		if updates[i].MessageID == "" {
			updates[i].MessageID = ev.MessageID
		}
		updates[i].AckID = ev.AckID
		updates[i].EventType = ev.Type
	}
	return updates
}

func (r *Router) classifyEvent(ev envelope) []Update {
	switch ev.Type {
	case "chat:completion":
		return classifyChunk(ev.Data)
	case "status", "event:status":
		var status message.StatusUpdate
		if err := json.Unmarshal(ev.Data, &status); err != nil {
			return nil
		}
		return []Update{{Kind: KindStatus, Status: status}}
	case "chat:message:follow_ups":
		var payload struct {
			FollowUps []string `json:"follow_ups"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || len(payload.FollowUps) == 0 {
			return nil
		}
		return []Update{{Kind: KindFollowUps, FollowUps: payload.FollowUps}}
	case "chat:title":
		title := decodeText(ev.Data, "title")
		if title == "" {
			return nil
		}
		return []Update{{Kind: KindTitle, Title: title}}
	case "chat:tags":
		var tags []string
		if err := json.Unmarshal(ev.Data, &tags); err != nil {
			var payload struct {
				Tags []string `json:"tags"`
			}
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return nil
			}
			tags = payload.Tags
		}
		if len(tags) == 0 {
			return nil
		}
		return []Update{{Kind: KindTags, Tags: tags}}
	case "source", "citation":
		var source message.Source
		if err := json.Unmarshal(ev.Data, &source); err != nil || source.Key() == "" {
			return nil
		}
		return []Update{{Kind: KindSource, Source: source}}
	case "notification":
		text := decodeText(ev.Data, "content")
		if text == "" {
			return nil
		}
		return []Update{{Kind: KindNotice, Text: text}}
	case "confirmation":
		return []Update{{Kind: KindConfirmation, Text: decodeText(ev.Data, "message")}}
	case "input":
		return []Update{{Kind: KindInput, Text: decodeText(ev.Data, "message")}}
	case "execute", "execute:code":
		var exec message.CodeExecution
		if err := json.Unmarshal(ev.Data, &exec); err != nil || strings.TrimSpace(exec.ID) == "" {
			return nil
		}
		return []Update{{Kind: KindExecution, Execution: exec}}
	case "execute:tool", "event:tool":
		name := decodeToolName(ev.Data)
		if name == "" {
			return nil
		}
		return []Update{{Kind: KindToolCall, ToolName: name}}
	case "chat:message:error":
		text := decodeErrorText(ev.Data)
		if text == "" {
			return nil
		}
		return []Update{{Kind: KindError, Text: text}}
	case "chat:message:delta", "message", "event:message:delta":
		text := decodeText(ev.Data, "content")
		if text == "" {
			return nil
		}
		return []Update{{Kind: KindDelta, Text: text}}
	case "chat:message", "replace":
		text := decodeText(ev.Data, "content")
		if text == "" {
			return nil
		}
		return []Update{{Kind: KindReplace, Text: text}}
	case "chat:message:files", "files":
		files := decodeFiles(ev.Data)
		if len(files) == 0 {
			return nil
		}
		return []Update{{Kind: KindFiles, Files: files}}
	case "chat:tasks:cancel":
		return []Update{{Kind: KindTaskCancelled}}
	case "request:chat:completion":
		var payload struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || strings.TrimSpace(payload.Channel) == "" {
			return nil
		}
		return []Update{{Kind: KindChannelRequest, Channel: payload.Channel}}
	default:
		return nil
	}
}

// decodeText accepts either a bare JSON string or an object carrying the
// given key (with "text" as a secondary fallback).
func decodeText(raw json.RawMessage, key string) string {
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	for _, k := range []string{key, "text"} {
		if inner, ok := payload[k]; ok {
			var value string
			if err := json.Unmarshal(inner, &value); err == nil && value != "" {
				return value
			}
		}
	}
	return ""
}

func decodeErrorText(raw json.RawMessage) string {
	if text := decodeText(raw, "content"); text != "" {
		return text
	}
	var payload struct {
		Error struct {
			Content string `json:"content"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	if payload.Error.Content != "" {
		return payload.Error.Content
	}
	return payload.Error.Message
}

func decodeToolName(raw json.RawMessage) string {
	if name := decodeText(raw, "name"); name != "" {
		return name
	}
	var payload struct {
		Tool struct {
			Name string `json:"name"`
		} `json:"tool"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Tool.Name)
}

func decodeFiles(raw json.RawMessage) []message.Attachment {
	var direct []message.Attachment
	if err := json.Unmarshal(raw, &direct); err == nil {
		return keepReferenced(direct)
	}
	var payload struct {
		Files []message.Attachment `json:"files"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return keepReferenced(payload.Files)
}

func keepReferenced(files []message.Attachment) []message.Attachment {
	out := make([]message.Attachment, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f.URL) == "" {
			continue
		}
		if f.Type == "" {
			f.Type = message.AttachmentFile
		}
		out = append(out, f)
	}
	return out
}
