package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/portalworks/analyst/internal/clients"
	"github.com/portalworks/analyst/internal/llm"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// ErrConversationNotFound is returned when the request names a
// conversation that does not exist or belongs to another client.
var ErrConversationNotFound = errors.New("conversation not found")

// Message is one turn of caller-supplied history.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request is one operator question about a client.
type Request struct {
	ClientID string `json:"clientId"`
	// Messages is the conversation so far, ending with the new user
	// message. A single message continues ConversationID from the stored
	// transcript.
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversationId,omitempty"`

	// Client is resolved by the caller before Run.
	Client *clients.Client `json:"-"`
}

// Result describes how a turn ended.
type Result struct {
	ConversationID string
	Reply          string
	Iterations     int
	State          State
}

// Validate checks the request shape. It does not consult any store.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: clientId is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return fmt.Errorf("%w: messages[%d] has role %q (want user or assistant)", ErrInvalidRequest, i, m.Role)
		}
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != llm.RoleUser || strings.TrimSpace(last.Content) == "" {
		return fmt.Errorf("%w: the last message must be a non-empty user message", ErrInvalidRequest)
	}
	return nil
}

// question returns the new user message.
func (r *Request) question() string {
	return r.Messages[len(r.Messages)-1].Content
}
