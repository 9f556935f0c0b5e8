package router

import (
	"encoding/json"
	"strings"

	"github.com/liveturnhq/liveturn/internal/message"
)

const sseDataPrefix = "data:"

// ClassifyLine maps one line of the line-oriented completion protocol to
// semantic updates. A line is either a completion sentinel, an SSE-style
// "data:" JSON chunk, a bare JSON chunk, or raw text content. Decode
// failures never produce errors; unparseable lines are content.
func (r *Router) ClassifyLine(line string) []Update {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if isDoneSentinel(trimmed) {
		return []Update{{Kind: KindDone}}
	}
	payload := trimmed
	fromSSE := false
	if strings.HasPrefix(trimmed, sseDataPrefix) {
		payload = strings.TrimSpace(strings.TrimPrefix(trimmed, sseDataPrefix))
		fromSSE = true
		if isDoneSentinel(payload) {
			return []Update{{Kind: KindDone}}
		}
	}
	if updates := classifyChunk([]byte(payload)); len(updates) > 0 {
		return updates
	}
	if fromSSE || (strings.HasPrefix(payload, "{") && json.Valid([]byte(payload))) {
		// A structured chunk with nothing to surface. Scalars and other
		// non-object JSON stay content.
		return nil
	}
	return []Update{{Kind: KindDelta, Text: line}}
}

func isDoneSentinel(line string) bool {
	switch line {
	case "[DONE]", "DONE":
		return true
	default:
		return false
	}
}

// completionChunk is the provider-style streaming chunk shape. Servers emit
// either incremental choice deltas or a final object with done plus the full
// content.
type completionChunk struct {
	Done    bool             `json:"done,omitempty"`
	Content string           `json:"content,omitempty"`
	Error   json.RawMessage  `json:"error,omitempty"`
	Usage   *message.Usage   `json:"usage,omitempty"`
	Sources []message.Source `json:"sources,omitempty"`
	Choices []struct {
		FinishReason *string `json:"finish_reason"`
		Delta        struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// classifyChunk decodes a completion chunk into ordered updates: error first,
// then sources, tool previews, content, usage, and the done marker last so
// content lands before the turn finishes.
func classifyChunk(raw []byte) []Update {
	var chunk completionChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil
	}
	updates := make([]Update, 0, 4)
	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		if text := decodeErrorText(raw); text != "" {
			updates = append(updates, Update{Kind: KindError, Text: text})
		}
	}
	for _, source := range chunk.Sources {
		if source.Key() == "" {
			continue
		}
		updates = append(updates, Update{Kind: KindSource, Source: source})
	}
	finished := chunk.Done
	for _, choice := range chunk.Choices {
		for _, tc := range choice.Delta.ToolCalls {
			name := strings.TrimSpace(tc.Function.Name)
			if name == "" {
				continue
			}
			updates = append(updates, Update{Kind: KindToolCall, ToolName: name})
		}
		if choice.Delta.Content != "" {
			updates = append(updates, Update{Kind: KindDelta, Text: choice.Delta.Content})
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finished = true
		}
	}
	if chunk.Usage != nil {
		updates = append(updates, Update{Kind: KindUsage, Usage: chunk.Usage})
	}
	if finished {
		if chunk.Content != "" {
			updates = append(updates, Update{Kind: KindReplace, Text: chunk.Content})
		}
		updates = append(updates, Update{Kind: KindDone})
	}
	return updates
}
