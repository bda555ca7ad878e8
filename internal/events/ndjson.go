package events

import (
	"fmt"
	"io"
	"net/http"
	"sync"
)

// NDJSONWriter writes one encoded event per line and flushes after each
// line when the underlying writer supports it. After a Done or Error has
// been written, further events are rejected with ErrStreamClosed.
type NDJSONWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewNDJSONWriter wraps w. If w is an http.Flusher every event is
// flushed to the transport as soon as it is written.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	nw := &NDJSONWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		nw.flusher = f
	}
	return nw
}

// Emit writes e as a single line.
func (n *NDJSONWriter) Emit(e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrStreamClosed
	}
	if Terminal(e) {
		n.closed = true
	}

	data = append(data, '\n')
	if _, err := n.w.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}

// Closed reports whether a terminal event has been written.
func (n *NDJSONWriter) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
