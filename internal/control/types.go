// Package control exposes the engine over a small local HTTP API: inspect
// the conversation, open a turn, cancel it. It is a loopback surface for
// UIs and scripts, not a public endpoint.
package control

import (
	"github.com/go-playground/validator/v10"

	"github.com/liveturnhq/liveturn/internal/message"
)

// SendRequest opens a new turn from user input.
type SendRequest struct {
	Content    string `json:"content" validate:"required_without=Regenerate"`
	ModelID    string `json:"model_id,omitempty"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

// SendResponse reports the turn that was opened.
type SendResponse struct {
	TargetID string `json:"target_id"`
	TaskID   string `json:"task_id,omitempty"`
}

// MessagesResponse is the current conversation projection.
type MessagesResponse struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Title          string            `json:"title,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Messages       []message.Message `json:"messages"`
}

type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{validate: validator.New()}
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}
