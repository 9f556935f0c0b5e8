package reconcile

import (
	"testing"

	"github.com/liveturnhq/liveturn/internal/message"
)

func newEngine(t *testing.T) (*Engine, *message.Store, string) {
	t.Helper()
	store := message.NewStore(nil, "conv-1")
	store.Add(message.Message{ID: "u1", Role: message.RoleUser, Content: "Hi"})
	store.Add(message.Message{ID: "a1", Role: message.RoleAssistant, Streaming: true})
	return NewEngine(nil, store), store, "a1"
}

func TestAppendMonotonic(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	parts := []string{"He", "llo", "!", ""}
	prev := 0
	for _, part := range parts {
		engine.Append(id, part)
		msg, _ := store.Get(id)
		if len(msg.Content) < prev {
			t.Fatalf("content length regressed: %d -> %d", prev, len(msg.Content))
		}
		prev = len(msg.Content)
	}
	msg, _ := store.Get(id)
	if msg.Content != "Hello!" {
		t.Fatalf("expected concatenation in call order, got %q", msg.Content)
	}
}

func TestAppendRequiresStreamingAssistant(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	if engine.Append("u1", "nope") {
		t.Fatalf("expected append to user message to be a no-op")
	}
	store.SetStreaming(id, false)
	if engine.Append(id, "late") {
		t.Fatalf("expected append to finished message to be a no-op")
	}
	msg, _ := store.Get(id)
	if msg.Content != "" {
		t.Fatalf("expected content untouched, got %q", msg.Content)
	}
}

func TestAppendResolvesLastMessage(t *testing.T) {
	t.Parallel()

	engine, store, _ := newEngine(t)
	if !engine.Append("", "Hey") {
		t.Fatalf("expected empty id to resolve to last message")
	}
	msg, _ := store.Get("a1")
	if msg.Content != "Hey" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
}

func TestReplaceAcceptance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		current  string
		incoming string
		accepted bool
		want     string
	}{
		{name: "longer wins", current: "Hello wor", incoming: "Hello world", accepted: true, want: "Hello world"},
		{name: "equal length refresh", current: "Hello", incoming: "hello", accepted: true, want: "hello"},
		{name: "shorter rejected", current: "Hello wor", incoming: "Hello", accepted: false, want: "Hello wor"},
		{name: "empty rejected", current: "Hi", incoming: "", accepted: false, want: "Hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine, store, id := newEngine(t)
			store.SetContent(id, tt.current)
			got := engine.ReplaceContent(id, tt.incoming)
			if got != tt.accepted {
				t.Fatalf("accepted=%v, want %v", got, tt.accepted)
			}
			msg, _ := store.Get(id)
			if msg.Content != tt.want {
				t.Fatalf("content=%q, want %q", msg.Content, tt.want)
			}
		})
	}
}

func TestFinishIdempotent(t *testing.T) {
	t.Parallel()

	store := message.NewStore(nil, "conv-1")
	store.Add(message.Message{ID: "old", Role: message.RoleAssistant, Content: "v1", Archived: true})
	store.Add(message.Message{ID: "a2", Role: message.RoleAssistant, Streaming: true, Content: "v2"})
	engine := NewEngine(nil, store)

	if !engine.Finish("a2") {
		t.Fatalf("expected first finish to apply")
	}
	if engine.Finish("a2") {
		t.Fatalf("expected second finish to be a no-op")
	}

	msg, _ := store.Get("a2")
	if msg.Streaming {
		t.Fatalf("expected streaming=false")
	}
	prev, _ := store.Get("old")
	if len(prev.Versions) != 1 {
		t.Fatalf("expected exactly one backfilled version, got %d", len(prev.Versions))
	}
	if prev.Versions[0].Content != "v1" {
		t.Fatalf("unexpected version content: %q", prev.Versions[0].Content)
	}
}

func TestFinishStripsBanners(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	engine.Append(id, "Thinking...")
	engine.Append(id, "\nSearching the web...")
	engine.Append(id, "\nAnswer")
	engine.Finish(id)

	msg, _ := store.Get(id)
	if msg.Content != "Answer" {
		t.Fatalf("expected banners stripped at finalize, got %q", msg.Content)
	}
}

func TestFinishKeepsInteriorBannerText(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	engine.Append(id, "The phrase Thinking... appears mid-text")
	engine.Finish(id)

	msg, _ := store.Get(id)
	if msg.Content != "The phrase Thinking... appears mid-text" {
		t.Fatalf("interior text must not be stripped, got %q", msg.Content)
	}
}

func TestAdoptCountRule(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	server := []message.Message{
		{ID: "u1", Role: message.RoleUser, Content: "Hi"},
		{ID: "a1", Role: message.RoleAssistant, Content: "Hello!", Streaming: false},
		{ID: "u2", Role: message.RoleUser, Content: "More"},
	}
	adopted, streaming := engine.AdoptServerSnapshot(server, id)
	if !adopted {
		t.Fatalf("expected adoption when server has more messages")
	}
	if streaming {
		t.Fatalf("expected target no longer streaming after adoption")
	}
	if store.Len() != 3 {
		t.Fatalf("expected wholesale replacement, got %d messages", store.Len())
	}
}

func TestAdoptLengthRule(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	store.SetContent(id, "Hi")
	server := []message.Message{
		{ID: "u1", Role: message.RoleUser, Content: "Hi"},
		{ID: "a1", Role: message.RoleAssistant, Content: "Hi there", Streaming: false},
	}
	adopted, streaming := engine.AdoptServerSnapshot(server, id)
	if !adopted || streaming {
		t.Fatalf("expected adoption of longer done server copy, adopted=%v streaming=%v", adopted, streaming)
	}
	msg, _ := store.Get(id)
	if msg.Content != "Hi there" || msg.Streaming {
		t.Fatalf("unexpected adopted state: %+v", msg)
	}
}

func TestAdoptRejectsShorterServer(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	store.SetContent(id, "Hi there, longer local")
	server := []message.Message{
		{ID: "u1", Role: message.RoleUser, Content: "Hi"},
		{ID: "a1", Role: message.RoleAssistant, Content: "H", Streaming: true},
	}
	adopted, streaming := engine.AdoptServerSnapshot(server, id)
	if adopted {
		t.Fatalf("expected stale server snapshot to be ignored")
	}
	if !streaming {
		t.Fatalf("expected target still streaming")
	}
	msg, _ := store.Get(id)
	if msg.Content != "Hi there, longer local" {
		t.Fatalf("local buffer clobbered: %q", msg.Content)
	}
}

func TestAdoptDoneWhileLocalStreams(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	store.SetContent(id, "Partial")
	server := []message.Message{
		{ID: "u1", Role: message.RoleUser, Content: "Hi"},
		{ID: "a1", Role: message.RoleAssistant, Content: "Partial", Streaming: false},
	}
	adopted, streaming := engine.AdoptServerSnapshot(server, id)
	if !adopted || streaming {
		t.Fatalf("expected done-wins adoption, adopted=%v streaming=%v", adopted, streaming)
	}
}

func TestAdoptMismatchedLastID(t *testing.T) {
	t.Parallel()

	engine, _, id := newEngine(t)
	server := []message.Message{
		{ID: "u1", Role: message.RoleUser, Content: "Hi"},
		{ID: "other", Role: message.RoleAssistant, Content: "Different turn entirely", Streaming: false},
	}
	adopted, _ := engine.AdoptServerSnapshot(server, id)
	if adopted {
		t.Fatalf("expected mismatched last id to block adoption")
	}
}

func TestApplyAuthoritative(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	store.SetContent(id, "Partial")

	if engine.ApplyAuthoritative(id, "Part", false) {
		t.Fatalf("expected shorter poll result to be rejected")
	}
	if !engine.ApplyAuthoritative(id, "Partial answer", true) {
		t.Fatalf("expected longer done poll result to apply")
	}
	msg, _ := store.Get(id)
	if msg.Content != "Partial answer" || msg.Streaming {
		t.Fatalf("unexpected state after recovery: %+v", msg)
	}
}

func TestStatusAndMetadataGating(t *testing.T) {
	t.Parallel()

	engine, store, id := newEngine(t)
	engine.AppendStatus(id, message.StatusUpdate{Action: "web_search", Description: "searching"})
	engine.SetUsage(id, &message.Usage{TotalTokens: 5})
	engine.Finish(id)

	// Follow-ups and usage may still land after completion.
	if !engine.SetFollowUps(id, []string{"and then?"}) {
		t.Fatalf("expected follow-ups accepted on finished message")
	}
	if engine.AppendStatus(id, message.StatusUpdate{Action: "late"}) {
		t.Fatalf("expected status on finished message to be a no-op")
	}
	msg, _ := store.Get(id)
	if len(msg.StatusHistory) != 1 || msg.Usage == nil {
		t.Fatalf("unexpected message state: %+v", msg)
	}
}
