package extract

import (
	"log/slog"
	"sync"
	"time"

	"github.com/liveturnhq/liveturn/internal/message"
)

// DefaultDebounce is how long the scanner waits after the last delta before
// scanning a still-streaming message.
const DefaultDebounce = 200 * time.Millisecond

// Sink receives extracted attachments for a message.
type Sink interface {
	AddFiles(messageID string, files []message.Attachment) bool
}

// Scanner debounces extraction over a streaming message so the scan runs on
// settled text instead of every delta. Requests carry a sequence number;
// a result is discarded when a newer request was issued before it landed,
// so only the scan of the latest text ever reaches the sink.
type Scanner struct {
	mu       sync.Mutex
	logger   *slog.Logger
	sink     Sink
	debounce time.Duration

	seq       uint64
	messageID string
	text      string
	timer     *time.Timer
	closed    bool
}

// NewScanner creates a scanner feeding the given sink. A zero debounce
// falls back to DefaultDebounce.
func NewScanner(log *slog.Logger, sink Sink, debounce time.Duration) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scanner{
		logger:   log.With(slog.String("service", "extract-scanner")),
		sink:     sink,
		debounce: debounce,
	}
}

// Scan schedules an extraction pass over the message's current text. While
// the message is still streaming the pass is debounced; when final is set it
// runs immediately so the finished message flushes without delay.
func (s *Scanner) Scan(messageID, text string, final bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	s.messageID = messageID
	s.text = text
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if final {
		s.mu.Unlock()
		s.run(seq, messageID, text)
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
	s.mu.Unlock()
}

// fire runs the pending pass after the debounce window closes.
func (s *Scanner) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	seq, id, text := s.seq, s.messageID, s.text
	s.mu.Unlock()
	s.run(seq, id, text)
}

// run extracts outside the lock, then applies only if no newer request was
// issued in the meantime.
func (s *Scanner) run(seq uint64, messageID, text string) {
	files := Extract(text)

	s.mu.Lock()
	if s.closed || seq != s.seq {
		s.mu.Unlock()
		s.logger.Debug("discarding stale extraction result",
			slog.Uint64("seq", seq),
			slog.String("message_id", messageID))
		return
	}
	s.mu.Unlock()

	if len(files) == 0 {
		return
	}
	if s.sink.AddFiles(messageID, files) {
		s.logger.Debug("extracted attachments",
			slog.Int("count", len(files)),
			slog.String("message_id", messageID))
	}
}

// Close stops any pending pass. In-flight results are dropped.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
