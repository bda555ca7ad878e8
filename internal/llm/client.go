// Package llm provides the model provider client used by the agent loop.
package llm

import "context"

// Client is the interface a completion provider must implement.
type Client interface {
	// Chat sends a chat completion request and returns the full response.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error)

	// ChatStream sends a streaming request. Events are delivered to
	// callback in the order the provider produced them; the returned
	// response carries the accumulated turn and its stop reason.
	ChatStream(ctx context.Context, model string, messages []Message, tools []Tool, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
