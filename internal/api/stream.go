package api

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// LineStream wraps the send endpoint's response body and yields it line by
// line. Closing the stream unblocks a reader mid-scan.
type LineStream struct {
	body io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

// NewLineStream wraps an open response body.
func NewLineStream(body io.ReadCloser) *LineStream {
	return &LineStream{body: body}
}

// Lines starts a reader goroutine and returns its output channels. The line
// channel closes when the stream ends; the error channel yields at most one
// error (read failure or context cancellation) and then closes. Lines are
// delivered verbatim, blank lines included, so the caller's classifier sees
// the exact wire framing.
func (s *LineStream) Lines(ctx context.Context) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errs)

		scanner := bufio.NewScanner(s.body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return lines, errs
}

// Close releases the underlying body. Safe to call more than once.
func (s *LineStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
