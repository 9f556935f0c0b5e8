// Package api is the HTTP client for the chat backend: conversation and
// task reads used by drift checks, the send endpoint that opens a turn, and
// the best-effort write-backs that follow a finished turn.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds non-streaming backend calls.
const DefaultTimeout = 30 * time.Second

const (
	headerSessionID = "X-Session-Id"
	headerTaskID    = "X-Task-Id"
)

// Client talks to the chat backend over HTTP. Non-streaming calls run on a
// timeout-bounded client; the send stream runs on an unbounded one so long
// turns are not cut off mid-generation.
type Client struct {
	baseURL         string
	token           string
	logger          *slog.Logger
	httpClient      *http.Client
	streamingClient *http.Client
}

// NewClient creates a backend client. The base URL is normalized without a
// trailing slash; an empty timeout falls back to DefaultTimeout.
func NewClient(log *slog.Logger, baseURL, token string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:         baseURL,
		token:           strings.TrimSpace(token),
		logger:          log.With(slog.String("service", "api-client")),
		httpClient:      &http.Client{Timeout: timeout},
		streamingClient: &http.Client{},
	}
}

// Conversation fetches the server record of a chat by id.
func (c *Client) Conversation(ctx context.Context, id string) (*Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("conversation id is empty")
	}
	var conv Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/chats/"+id, nil, &conv); err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	return &conv, nil
}

// TaskIDs lists the ids of server-side tasks still running for a chat.
func (c *Client) TaskIDs(ctx context.Context, conversationID string) ([]string, error) {
	var parsed struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/chat/"+conversationID, nil, &parsed); err != nil {
		return nil, fmt.Errorf("fetch task ids: %w", err)
	}
	return parsed.TaskIDs, nil
}

// CancelTask asks the server to stop a running task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/stop", nil, nil); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

// FileMetadata fetches the descriptor of an uploaded or generated file.
func (c *Client) FileMetadata(ctx context.Context, fileID string) (*FileMetadata, error) {
	var meta FileMetadata
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/files/"+fileID, nil, &meta); err != nil {
		return nil, fmt.Errorf("fetch file metadata: %w", err)
	}
	return &meta, nil
}

// SyncMessages pushes the local message list onto the server chat record.
func (c *Client) SyncMessages(ctx context.Context, conversationID string, messages []WireMessage) error {
	payload := struct {
		Messages []WireMessage `json:"messages"`
	}{Messages: messages}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/chats/"+conversationID+"/messages", payload, nil); err != nil {
		return fmt.Errorf("sync messages: %w", err)
	}
	return nil
}

// NotifyCompleted acknowledges a finished turn to the server.
func (c *Client) NotifyCompleted(ctx context.Context, conversationID, messageID string) error {
	payload := struct {
		ChatID    string `json:"chat_id"`
		MessageID string `json:"id"`
	}{ChatID: conversationID, MessageID: messageID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/completed", payload, nil); err != nil {
		return fmt.Errorf("notify completed: %w", err)
	}
	return nil
}

type sendPayload struct {
	ChatID    string        `json:"chat_id"`
	ID        string        `json:"id"`
	Model     string        `json:"model"`
	Messages  []WireMessage `json:"messages"`
	SessionID string        `json:"session_id,omitempty"`
	Stream    bool          `json:"stream"`
}

// Send opens a turn on the backend. When the response is an event stream the
// returned result carries an open LineStream the caller must close; otherwise
// the result carries the task id the server scheduled.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	body, err := json.Marshal(sendPayload{
		ChatID:    req.ConversationID,
		ID:        req.MessageID,
		Model:     req.ModelID,
		Messages:  req.Messages,
		SessionID: req.SessionID,
		Stream:    req.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}

	url := c.baseURL + "/api/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	c.authorize(httpReq)

	resp, err := c.streamingClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.logger.Error("send rejected",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(errBody), 300)))
		return nil, fmt.Errorf("backend error: %s", strings.TrimSpace(string(errBody)))
	}

	result := &SendResult{
		TaskID:    resp.Header.Get(headerTaskID),
		SessionID: resp.Header.Get(headerSessionID),
	}
	if isEventStream(resp) {
		result.Stream = NewLineStream(resp.Body)
		return result, nil
	}

	defer resp.Body.Close()
	var parsed struct {
		TaskID    string `json:"task_id"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse send response: %w", err)
	}
	if parsed.TaskID != "" {
		result.TaskID = parsed.TaskID
	}
	if parsed.SessionID != "" {
		result.SessionID = parsed.SessionID
	}
	return result, nil
}

// doJSON performs a request with an optional JSON payload and decodes the
// response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("backend error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)))
		return fmt.Errorf("backend error: %s", strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.Error("backend response parse failed",
			slog.String("url", url),
			slog.String("body_prefix", truncate(string(respBody), 300)),
			slog.Any("error", err))
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
