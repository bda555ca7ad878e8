// Package memory provides persistent conversation storage.
package memory

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Message roles that may be persisted. Tool traffic is never stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultListLimit is used by ListRecent when the caller passes no limit.
const DefaultListLimit = 20

// maxTitleRunes bounds conversation titles.
const maxTitleRunes = 80

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidRole is returned when appending a message with a role other
// than user or assistant.
var ErrInvalidRole = errors.New("invalid message role")

// Conversation is one persisted question-and-answer thread about a client.
type Conversation struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationSummary is a conversation row with its message count.
type ConversationSummary struct {
	Conversation
	MessageCount int `json:"messageCount"`
}

// Message is one immutable turn in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Title derives a conversation title from the initiating user message:
// whitespace-trimmed and cut to 80 characters.
func Title(firstMessage string) string {
	s := strings.TrimSpace(firstMessage)
	if utf8.RuneCountInString(s) <= maxTitleRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:maxTitleRunes]))
}
