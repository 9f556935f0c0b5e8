package control

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveturnhq/liveturn/internal/api"
	"github.com/liveturnhq/liveturn/internal/auth"
	"github.com/liveturnhq/liveturn/internal/message"
	"github.com/liveturnhq/liveturn/internal/reconcile"
	"github.com/liveturnhq/liveturn/internal/session"
)

type stubBackend struct {
	mu     sync.Mutex
	stream io.ReadCloser
	err    error
}

func (f *stubBackend) Send(_ context.Context, _ api.SendRequest) (*api.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	result := &api.SendResult{TaskID: "task-1"}
	if f.stream != nil {
		result.Stream = api.NewLineStream(f.stream)
		f.stream = nil
	}
	return result, nil
}

func (f *stubBackend) Conversation(_ context.Context, _ string) (*api.Conversation, error) {
	return &api.Conversation{}, nil
}

func (f *stubBackend) TaskIDs(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (f *stubBackend) CancelTask(_ context.Context, _ string) error { return nil }

func (f *stubBackend) FileMetadata(_ context.Context, _ string) (*api.FileMetadata, error) {
	return nil, io.EOF
}

func (f *stubBackend) SyncMessages(_ context.Context, _ string, _ []api.WireMessage) error {
	return nil
}

func (f *stubBackend) NotifyCompleted(_ context.Context, _, _ string) error { return nil }

func newTestServer(t *testing.T, backend session.Backend, secret string) (*Server, *message.Store) {
	t.Helper()
	store := message.NewStore(nil, "conv-1")
	engine := reconcile.NewEngine(nil, store)
	ctrl := session.NewController(nil, backend, nil, store, engine, session.Options{
		ConnectTimeout: 50 * time.Millisecond,
		DriftInterval:  time.Hour,
	})
	return NewServer(nil, "127.0.0.1:0", secret, ctrl, store), store
}

func doJSON(srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echoHeaderContentType, "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestHealthOpenWithoutToken(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &stubBackend{}, "secret")
	rec := doJSON(srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStateRequiresToken(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &stubBackend{}, "secret")
	rec := doJSON(srv, http.MethodGet, "/v1/state", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := auth.GenerateToken("cli", "secret", time.Minute)
	require.NoError(t, err)
	rec = doJSON(srv, http.MethodGet, "/v1/state", "", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":false`)
}

func TestMessagesReturnsConversation(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, &stubBackend{}, "")
	store.Add(message.Message{ID: "u1", Role: message.RoleUser, Content: "Hi"})
	store.SetTitle("Greetings")

	rec := doJSON(srv, http.MethodGet, "/v1/messages", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Greetings"`)
	assert.Contains(t, rec.Body.String(), `"content":"Hi"`)
}

func TestSendOpensTurn(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{stream: io.NopCloser(strings.NewReader("Hello\n[DONE]\n"))}
	srv, store := newTestServer(t, backend, "")

	rec := doJSON(srv, http.MethodPost, "/v1/send", `{"content":"Hi"}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"target_id"`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if last, ok := store.Last(); ok && !last.Streaming && last.Content == "Hello" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	last, _ := store.Last()
	t.Fatalf("turn did not complete, last message: %+v", last)
}

func TestSendLogsAuthenticatedClient(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	backend := &stubBackend{stream: io.NopCloser(strings.NewReader("Hello\n[DONE]\n"))}
	store := message.NewStore(nil, "conv-1")
	engine := reconcile.NewEngine(nil, store)
	ctrl := session.NewController(nil, backend, nil, store, engine, session.Options{
		ConnectTimeout: 50 * time.Millisecond,
		DriftInterval:  time.Hour,
	})
	srv := NewServer(logger, "127.0.0.1:0", "secret", ctrl, store)

	token, _, err := auth.GenerateToken("cli", "secret", time.Minute)
	require.NoError(t, err)

	rec := doJSON(srv, http.MethodPost, "/v1/send", `{"content":"Hi"}`, token)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, logs.String(), "turn accepted")
	assert.Contains(t, logs.String(), "client=cli")
}

func TestSendValidatesBody(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &stubBackend{}, "")
	rec := doJSON(srv, http.MethodPost, "/v1/send", `{"content":""}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendConflictAndCancel(t *testing.T) {
	t.Parallel()

	// A pipe with no writer keeps the first turn open until cancelled.
	pr, pw := io.Pipe()
	defer pw.Close()
	backend := &stubBackend{stream: pr}
	srv, _ := newTestServer(t, backend, "")

	rec := doJSON(srv, http.MethodPost, "/v1/send", `{"content":"Hi"}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = doJSON(srv, http.MethodPost, "/v1/send", `{"content":"again"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/v1/cancel", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/v1/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendNoTransport(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{err: io.ErrUnexpectedEOF}
	srv, store := newTestServer(t, backend, "")

	rec := doJSON(srv, http.MethodPost, "/v1/send", `{"content":"Hi"}`, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	last, ok := store.Last()
	require.True(t, ok)
	assert.Equal(t, session.NoConnectionText, last.Content)
	assert.False(t, last.Streaming)
}
