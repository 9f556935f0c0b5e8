// Package router classifies raw event-channel payloads into a closed set of
// semantic updates. Classification is stateless; per-call validation only.
package router

import (
	"github.com/liveturnhq/liveturn/internal/message"
)

// Kind identifies the semantic meaning of a classified update.
type Kind string

const (
	KindDelta          Kind = "delta"
	KindReplace        Kind = "replace"
	KindStatus         Kind = "status"
	KindFollowUps      Kind = "follow_ups"
	KindTitle          Kind = "title"
	KindTags           Kind = "tags"
	KindSource         Kind = "source"
	KindToolCall       Kind = "tool_call"
	KindFiles          Kind = "files"
	KindExecution      Kind = "execution"
	KindError          Kind = "error"
	KindConfirmation   Kind = "confirmation"
	KindInput          Kind = "input"
	KindTaskCancelled  Kind = "task_cancelled"
	KindDone           Kind = "done"
	KindUsage          Kind = "usage"
	KindNotice         Kind = "notice"
	KindChannelRequest Kind = "channel_request"
	KindUnrecognized   Kind = "unrecognized"
)

// Update is one classified semantic update. Only the fields relevant to the
// Kind are populated; downstream code switches on Kind, never on raw maps.
type Update struct {
	Kind      Kind
	MessageID string
	Text      string
	Status    message.StatusUpdate
	FollowUps []string
	Title     string
	Tags      []string
	Source    message.Source
	Files     []message.Attachment
	Execution message.CodeExecution
	Usage     *message.Usage
	ToolName  string
	Channel   string
	AckID     string
	EventType string
}

// TargetsMessage reports whether the update may be applied against the given
// target message id. An update without an id resolves to the last message at
// dispatch time; a mismatched id belongs to another turn and must be dropped.
func (u Update) TargetsMessage(target string) bool {
	return u.MessageID == "" || u.MessageID == target
}

// MessageScoped reports whether the update mutates a specific message, as
// opposed to conversation-level metadata or session control.
func (u Update) MessageScoped() bool {
	switch u.Kind {
	case KindDelta, KindReplace, KindStatus, KindFollowUps, KindSource,
		KindToolCall, KindFiles, KindExecution, KindError, KindUsage:
		return true
	default:
		return false
	}
}
