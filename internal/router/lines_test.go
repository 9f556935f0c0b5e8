package router

import (
	"testing"
)

func TestClassifyLineSentinels(t *testing.T) {
	t.Parallel()

	r := New(nil)
	for _, line := range []string{"[DONE]", "DONE", "data: [DONE]", "  [DONE]\r"} {
		updates := r.ClassifyLine(line)
		if len(updates) != 1 || updates[0].Kind != KindDone {
			t.Fatalf("expected done for %q, got %+v", line, updates)
		}
	}
}

func TestClassifyLineSSEChunk(t *testing.T) {
	t.Parallel()

	r := New(nil)
	updates := r.ClassifyLine(`data: {"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`)
	if len(updates) != 1 || updates[0].Kind != KindDelta || updates[0].Text != "Hel" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestClassifyLineBareJSONChunk(t *testing.T) {
	t.Parallel()

	r := New(nil)
	updates := r.ClassifyLine(`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`)
	if len(updates) != 1 || updates[0].Kind != KindDelta || updates[0].Text != "lo" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestClassifyLineFinishReason(t *testing.T) {
	t.Parallel()

	r := New(nil)
	updates := r.ClassifyLine(`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`)
	if len(updates) != 1 || updates[0].Kind != KindDone {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestClassifyLineRawTextFallback(t *testing.T) {
	t.Parallel()

	r := New(nil)
	updates := r.ClassifyLine("plain text answer")
	if len(updates) != 1 || updates[0].Kind != KindDelta || updates[0].Text != "plain text answer" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestClassifyLineScalarJSONIsContent(t *testing.T) {
	t.Parallel()

	r := New(nil)
	for _, line := range []string{`"hi"`, `42`, `true`} {
		updates := r.ClassifyLine(line)
		if len(updates) != 1 || updates[0].Kind != KindDelta || updates[0].Text != line {
			t.Fatalf("expected scalar %q kept as content, got %+v", line, updates)
		}
	}
}

func TestClassifyLineStructuredButEmpty(t *testing.T) {
	t.Parallel()

	r := New(nil)
	if updates := r.ClassifyLine(`{"ping":1}`); updates != nil {
		t.Fatalf("expected structured no-content line to be dropped, got %+v", updates)
	}
	if updates := r.ClassifyLine(`data: {"ping":1}`); updates != nil {
		t.Fatalf("expected empty SSE frame to be dropped, got %+v", updates)
	}
	if updates := r.ClassifyLine("   "); updates != nil {
		t.Fatalf("expected blank line to be dropped, got %+v", updates)
	}
}

func TestClassifyLineToolCalls(t *testing.T) {
	t.Parallel()

	r := New(nil)
	updates := r.ClassifyLine(`data: {"choices":[{"delta":{"tool_calls":[{"function":{"name":"web_search"}}]},"finish_reason":null}]}`)
	if len(updates) != 1 || updates[0].Kind != KindToolCall || updates[0].ToolName != "web_search" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestClassifyLineUsage(t *testing.T) {
	t.Parallel()

	r := New(nil)
	updates := r.ClassifyLine(`data: {"usage":{"prompt_tokens":3,"completion_tokens":9,"total_tokens":12}}`)
	if len(updates) != 1 || updates[0].Kind != KindUsage || updates[0].Usage.TotalTokens != 12 {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestClassifyLineErrorChunk(t *testing.T) {
	t.Parallel()

	r := New(nil)
	updates := r.ClassifyLine(`data: {"error":{"content":"model overloaded"}}`)
	if len(updates) != 1 || updates[0].Kind != KindError || updates[0].Text != "model overloaded" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}
