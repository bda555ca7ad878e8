// Package events defines the stream events the agent loop emits and the
// emitters that carry them to a caller.
//
// Event is a closed union: only the five types in this file implement
// it, and Encode switches over all of them. The wire form is one JSON
// object per event with a "type" discriminator:
//
//	{"type":"status","text":"Querying Search Console…"}
//	{"type":"text","delta":"Clicks rose 12%"}
//	{"type":"clear_partial"}
//	{"type":"done","conversationId":"0192…"}
//	{"type":"error","message":"model provider unavailable"}
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire type discriminators.
const (
	TypeStatus       = "status"
	TypeText         = "text"
	TypeClearPartial = "clear_partial"
	TypeDone         = "done"
	TypeError        = "error"
)

// Event is one stream event. The unexported method seals the interface.
type Event interface {
	eventType() string
}

// Status reports progress, such as a tool being queried.
type Status struct {
	Text string
}

// TextDelta carries an incremental piece of answer text.
type TextDelta struct {
	Delta string
}

// ClearPartial retracts all text streamed since the previous ClearPartial.
type ClearPartial struct{}

// Done ends a successful stream.
type Done struct {
	ConversationID string
}

// Error ends a failed stream.
type Error struct {
	Message string
}

func (Status) eventType() string       { return TypeStatus }
func (TextDelta) eventType() string    { return TypeText }
func (ClearPartial) eventType() string { return TypeClearPartial }
func (Done) eventType() string         { return TypeDone }
func (Error) eventType() string        { return TypeError }

// TypeOf returns the wire discriminator of e.
func TypeOf(e Event) string { return e.eventType() }

// Terminal reports whether e ends a stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case Done, Error:
		return true
	}
	return false
}

type wireEvent struct {
	Type           string  `json:"type"`
	Text           *string `json:"text,omitempty"`
	Delta          *string `json:"delta,omitempty"`
	ConversationID *string `json:"conversationId,omitempty"`
	Message        *string `json:"message,omitempty"`
}

// Encode returns the JSON form of e without a trailing newline.
func Encode(e Event) ([]byte, error) {
	w := wireEvent{Type: e.eventType()}
	switch ev := e.(type) {
	case Status:
		w.Text = &ev.Text
	case TextDelta:
		w.Delta = &ev.Delta
	case ClearPartial:
	case Done:
		w.ConversationID = &ev.ConversationID
	case Error:
		w.Message = &ev.Message
	default:
		return nil, fmt.Errorf("unknown event %T", e)
	}
	return json.Marshal(w)
}

// Decode parses one encoded event.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	switch w.Type {
	case TypeStatus:
		return Status{Text: str(w.Text)}, nil
	case TypeText:
		return TextDelta{Delta: str(w.Delta)}, nil
	case TypeClearPartial:
		return ClearPartial{}, nil
	case TypeDone:
		return Done{ConversationID: str(w.ConversationID)}, nil
	case TypeError:
		return Error{Message: str(w.Message)}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", w.Type)
	}
}

// ErrStreamClosed is returned when emitting after a terminal event.
var ErrStreamClosed = errors.New("stream already terminated")

// Emitter delivers events to a caller in the order Emit is called.
type Emitter interface {
	Emit(e Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event) error

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) error { return f(e) }

// Observed wraps an emitter so observe is called with the type of every
// event that was delivered successfully.
func Observed(next Emitter, observe func(eventType string)) Emitter {
	return EmitterFunc(func(e Event) error {
		if err := next.Emit(e); err != nil {
			return err
		}
		observe(e.eventType())
		return nil
	})
}
