package message

import (
	"testing"
)

func newStoreWithAssistant(t *testing.T) (*Store, string) {
	t.Helper()
	store := NewStore(nil, "conv-1")
	store.Add(Message{ID: "m1", Role: RoleUser, Content: "hi"})
	store.Add(Message{ID: "m2", Role: RoleAssistant, Streaming: true})
	return store, "m2"
}

func TestAppendContent(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	if !store.AppendContent(id, "He") {
		t.Fatalf("expected append to apply")
	}
	store.AppendContent(id, "llo")
	msg, ok := store.Get(id)
	if !ok {
		t.Fatalf("expected message present")
	}
	if msg.Content != "Hello" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
}

func TestAppendContentUnknownID(t *testing.T) {
	t.Parallel()

	store, _ := newStoreWithAssistant(t)
	if store.AppendContent("missing", "x") {
		t.Fatalf("expected no-op for unknown id")
	}
	if store.AppendContent("", "x") {
		t.Fatalf("expected no-op for empty id")
	}
}

func TestStatusCollapse(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.AppendStatus(id, StatusUpdate{Action: "web_search", Description: "searching"})
	store.AppendStatus(id, StatusUpdate{Action: "web_search", Description: "searching", Done: true})
	store.AppendStatus(id, StatusUpdate{Action: "tool", Description: "executing tool calc"})

	msg, _ := store.Get(id)
	if len(msg.StatusHistory) != 2 {
		t.Fatalf("expected 2 entries after collapse, got %d", len(msg.StatusHistory))
	}
	if !msg.StatusHistory[0].Done {
		t.Fatalf("expected collapsed entry to keep the last write")
	}
}

func TestAddFilesDedupe(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.AddFiles(id, []Attachment{
		{Type: AttachmentImage, URL: "https://example.com/a.png"},
		{Type: AttachmentImage, URL: "https://example.com/b.png"},
	})
	store.AddFiles(id, []Attachment{
		{Type: AttachmentImage, URL: "https://example.com/a.png"},
		{Type: AttachmentImage, URL: ""},
	})

	msg, _ := store.Get(id)
	if len(msg.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(msg.Files))
	}
}

func TestAppendSourceDedupe(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.AppendSource(id, Source{ID: "s1", URL: "https://a"})
	store.AppendSource(id, Source{ID: "s1", URL: "https://other"})
	store.AppendSource(id, Source{URL: "https://b"})
	store.AppendSource(id, Source{URL: "https://b"})

	msg, _ := store.Get(id)
	if len(msg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(msg.Sources))
	}
}

func TestUpsertCodeExecution(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.UpsertCodeExecution(id, CodeExecution{ID: "e1", Code: "print(1)"})
	store.UpsertCodeExecution(id, CodeExecution{ID: "e1", Code: "print(1)", Output: "1", Done: true})
	store.UpsertCodeExecution(id, CodeExecution{ID: "e2", Code: "print(2)"})

	msg, _ := store.Get(id)
	if len(msg.CodeExecutions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(msg.CodeExecutions))
	}
	if !msg.CodeExecutions[0].Done || msg.CodeExecutions[0].Output != "1" {
		t.Fatalf("expected e1 updated in place: %+v", msg.CodeExecutions[0])
	}
}

func TestSetFollowUpsIgnoresEmpty(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.SetFollowUps(id, []string{"one", "two"})
	if store.SetFollowUps(id, nil) {
		t.Fatalf("expected empty set to be ignored")
	}
	msg, _ := store.Get(id)
	if len(msg.FollowUps) != 2 {
		t.Fatalf("expected follow-ups preserved, got %v", msg.FollowUps)
	}
	store.SetFollowUps(id, []string{"three"})
	msg, _ = store.Get(id)
	if len(msg.FollowUps) != 1 || msg.FollowUps[0] != "three" {
		t.Fatalf("expected wholesale replacement, got %v", msg.FollowUps)
	}
}

func TestSetUsageLastWriterWins(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.SetUsage(id, &Usage{TotalTokens: 10})
	if store.SetUsage(id, nil) {
		t.Fatalf("expected nil usage to be dropped")
	}
	store.SetUsage(id, &Usage{TotalTokens: 25})

	msg, _ := store.Get(id)
	if msg.Usage == nil || msg.Usage.TotalTokens != 25 {
		t.Fatalf("unexpected usage: %+v", msg.Usage)
	}
}

func TestSetErrorFirstWins(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.SetError(id, "boom")
	store.SetError(id, "later")
	msg, _ := store.Get(id)
	if msg.Error != "boom" {
		t.Fatalf("expected first error kept, got %q", msg.Error)
	}
	store.ClearError(id)
	msg, _ = store.Get(id)
	if msg.Error != "" {
		t.Fatalf("expected error cleared")
	}
}

func TestReplaceAll(t *testing.T) {
	t.Parallel()

	store, _ := newStoreWithAssistant(t)
	store.ReplaceAll([]Message{
		{ID: "m1", Role: RoleUser, Content: "hi"},
		{ID: "m2", Role: RoleAssistant, Content: "Hello!"},
		{ID: "m3", Role: RoleUser, Content: "more"},
	})
	if store.Len() != 3 {
		t.Fatalf("expected 3 messages, got %d", store.Len())
	}
	if store.LastID() != "m3" {
		t.Fatalf("unexpected last id: %s", store.LastID())
	}
}

func TestMessagesReturnsCopies(t *testing.T) {
	t.Parallel()

	store, id := newStoreWithAssistant(t)
	store.AppendContent(id, "Hello")
	msgs := store.Messages()
	msgs[1].Content = "mutated"
	msg, _ := store.Get(id)
	if msg.Content != "Hello" {
		t.Fatalf("expected store unaffected by reader mutation, got %q", msg.Content)
	}
}
