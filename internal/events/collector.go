package events

import (
	"strings"
	"sync"
)

// Collector records events in memory. The non-streaming API path uses it
// to run the agent loop without a live transport.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (c *Collector) Emit(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Answer returns the text deltas received since the last ClearPartial,
// which is what a stream consumer displays as the answer.
func (c *Collector) Answer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Answer(c.events)
}

// Answer folds a sequence of events into the visible answer text.
func Answer(evs []Event) string {
	var b strings.Builder
	for _, e := range evs {
		switch ev := e.(type) {
		case TextDelta:
			b.WriteString(ev.Delta)
		case ClearPartial:
			b.Reset()
		}
	}
	return b.String()
}
