package extract

import (
	"sync"
	"testing"
	"time"

	"github.com/liveturnhq/liveturn/internal/message"
)

type sinkRecorder struct {
	mu    sync.Mutex
	calls []sinkCall
}

type sinkCall struct {
	id    string
	files []message.Attachment
}

func (r *sinkRecorder) AddFiles(id string, files []message.Attachment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{id: id, files: files})
	return true
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *sinkRecorder) last() sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return sinkCall{}
	}
	return r.calls[len(r.calls)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestScannerDebounceCoalesces(t *testing.T) {
	t.Parallel()

	sink := &sinkRecorder{}
	s := NewScanner(nil, sink, 30*time.Millisecond)
	defer s.Close()

	s.Scan("m2", "partial https://cdn.example.com/a.png", false)
	s.Scan("m2", "partial https://cdn.example.com/a.png and", false)
	s.Scan("m2", "partial https://cdn.example.com/a.png and https://cdn.example.com/b.png", false)

	waitFor(t, func() bool { return sink.count() == 1 })

	got := sink.last()
	if got.id != "m2" {
		t.Fatalf("unexpected target %q", got.id)
	}
	if len(got.files) != 2 {
		t.Fatalf("expected files from the latest text only, got %v", got.files)
	}
}

func TestScannerFinalRunsImmediately(t *testing.T) {
	t.Parallel()

	sink := &sinkRecorder{}
	s := NewScanner(nil, sink, time.Hour)
	defer s.Close()

	s.Scan("m2", "done https://cdn.example.com/final.png", true)

	if sink.count() != 1 {
		t.Fatalf("expected immediate flush, got %d calls", sink.count())
	}
	if got := sink.last(); len(got.files) != 1 || got.files[0].URL != "https://cdn.example.com/final.png" {
		t.Fatalf("unexpected flush result: %v", got.files)
	}
}

func TestScannerStaleResultDiscarded(t *testing.T) {
	t.Parallel()

	sink := &sinkRecorder{}
	s := NewScanner(nil, sink, time.Hour)
	defer s.Close()

	s.Scan("m2", "old https://cdn.example.com/old.png", false)
	s.Scan("m2", "new https://cdn.example.com/new.png", false)

	// Simulate the first pass landing after the second was issued.
	s.run(1, "m2", "old https://cdn.example.com/old.png")
	if sink.count() != 0 {
		t.Fatalf("stale result must be discarded, got %d calls", sink.count())
	}

	s.run(2, "m2", "new https://cdn.example.com/new.png")
	if sink.count() != 1 {
		t.Fatalf("current result must apply, got %d calls", sink.count())
	}
	if got := sink.last(); got.files[0].URL != "https://cdn.example.com/new.png" {
		t.Fatalf("unexpected applied result: %v", got.files)
	}
}

func TestScannerFinalSupersedesPending(t *testing.T) {
	t.Parallel()

	sink := &sinkRecorder{}
	s := NewScanner(nil, sink, 30*time.Millisecond)
	defer s.Close()

	s.Scan("m2", "streaming https://cdn.example.com/mid.png", false)
	s.Scan("m2", "streaming https://cdn.example.com/mid.png end https://cdn.example.com/end.png", true)

	if sink.count() != 1 {
		t.Fatalf("expected one immediate flush, got %d", sink.count())
	}
	if len(sink.last().files) != 2 {
		t.Fatalf("expected final text scanned, got %v", sink.last().files)
	}

	// The cancelled debounce pass must not fire later.
	time.Sleep(80 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("cancelled pass fired anyway, %d calls", sink.count())
	}
}

func TestScannerNoMatchesSkipsSink(t *testing.T) {
	t.Parallel()

	sink := &sinkRecorder{}
	s := NewScanner(nil, sink, time.Hour)
	defer s.Close()

	s.Scan("m2", "plain prose without any media", true)

	if sink.count() != 0 {
		t.Fatalf("expected no sink call, got %d", sink.count())
	}
}

func TestScannerCloseDropsPending(t *testing.T) {
	t.Parallel()

	sink := &sinkRecorder{}
	s := NewScanner(nil, sink, 20*time.Millisecond)

	s.Scan("m2", "pending https://cdn.example.com/late.png", false)
	s.Close()

	time.Sleep(60 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("pass ran after close, %d calls", sink.count())
	}
}
