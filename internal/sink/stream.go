package sink

import (
	"bufio"
	"fmt"
	"io"
)

// StreamSink writes synchronously, byte-granular, through a buffered
// writer — no alignment requirement (spec.md §4.F).
type StreamSink struct {
	w   *bufio.Writer
	out io.Writer
}

// NewStreamSink wraps w (typically os.Stdout) in a buffered writer, mirroring
// the teacher's outBuf pattern in internal/server/assembler.go.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: bufio.NewWriterSize(w, 1<<20), out: w}
}

// Write appends payload to the buffered stream.
func (s *StreamSink) Write(payload []byte) error {
	if _, err := s.w.Write(payload); err != nil {
		return fmt.Errorf("stream sink: write: %w", err)
	}
	return nil
}

// Close flushes the buffer. The underlying writer itself is not closed —
// the caller (typically the CLI) owns os.Stdout's lifetime.
func (s *StreamSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("stream sink: flush: %w", err)
	}
	return nil
}
