// Package agent implements the tool-augmented agent loop: it streams a
// model turn, fans out the tool calls the model requests, feeds the
// results back, and repeats until the model answers or the iteration
// bound is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/portalworks/analyst/internal/clients"
	"github.com/portalworks/analyst/internal/config"
	"github.com/portalworks/analyst/internal/events"
	"github.com/portalworks/analyst/internal/llm"
	"github.com/portalworks/analyst/internal/memory"
	"github.com/portalworks/analyst/internal/prompts"
	"github.com/portalworks/analyst/internal/tools"
	"github.com/portalworks/analyst/internal/usage"
)

// Defaults applied by NewLoop.
const (
	DefaultMaxIterations = 6
	DefaultModelTimeout  = 120 * time.Second
)

// ConversationStore persists conversations. *memory.Store implements it.
type ConversationStore interface {
	Create(ctx context.Context, clientID, title string) (*memory.Conversation, error)
	Get(ctx context.Context, id string) (*memory.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) (*memory.Message, error)
	LoadMessages(ctx context.Context, conversationID string) ([]memory.Message, error)
	LastMessage(ctx context.Context, conversationID string) (*memory.Message, error)
}

// ToolExecutor runs one tool call and returns its textual result.
// *tools.Executor implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any, client *clients.Client) string
}

// UsageRecorder receives the token usage of every model call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Metrics observes loop activity.
type Metrics interface {
	ObserveTurn(state string, iterations int, elapsed time.Duration)
	ObserveModelCall(model, stopReason string, elapsed time.Duration, inputTokens, outputTokens int)
}

// Config wires a Loop.
type Config struct {
	Logger   *slog.Logger
	LLM      llm.Client
	Model    string
	Registry *tools.Registry
	Executor ToolExecutor
	Store    ConversationStore

	// Optional collaborators.
	Usage   UsageRecorder
	Pricing map[string]config.PricingEntry
	Metrics Metrics

	MaxIterations int
	ModelTimeout  time.Duration
	// ToolConcurrency caps the calls of one iteration that run at once.
	// Zero runs every call of the iteration immediately.
	ToolConcurrency int

	// Now is the clock used for the instruction block; defaults to time.Now.
	Now func() time.Time
}

// Loop runs agent turns. It is safe for concurrent use; turns against the
// same conversation are serialized.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	model    string
	registry *tools.Registry
	executor ToolExecutor
	store    ConversationStore
	usage    UsageRecorder
	pricing  map[string]config.PricingEntry
	metrics  Metrics

	maxIterations   int
	modelTimeout    time.Duration
	toolConcurrency int
	now             func() time.Time

	locks *keyedMutex
}

// NewLoop creates a Loop from cfg, filling defaults.
func NewLoop(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = tools.DefaultRegistry()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{
		logger:          cfg.Logger.With("component", "agent"),
		llm:             cfg.LLM,
		model:           cfg.Model,
		registry:        cfg.Registry,
		executor:        cfg.Executor,
		store:           cfg.Store,
		usage:           cfg.Usage,
		pricing:         cfg.Pricing,
		metrics:         cfg.Metrics,
		maxIterations:   cfg.MaxIterations,
		modelTimeout:    cfg.ModelTimeout,
		toolConcurrency: cfg.ToolConcurrency,
		now:             cfg.Now,
		locks:           newKeyedMutex(),
	}
}

// Run answers one request, emitting progress to emit. The stream always
// ends with exactly one Done or one Error event. A non-nil error is
// returned whenever the stream ended with Error.
func (l *Loop) Run(ctx context.Context, req *Request, emit events.Emitter) (*Result, error) {
	start := time.Now()

	t, err := l.begin(ctx, req, emit)
	if err != nil {
		l.fail(emit, err)
		return nil, err
	}
	defer t.unlock()

	log := l.logger.With("conversation_id", t.conv.ID, "client_id", req.ClientID)
	log.Info("agent turn started", "history", len(t.messages)-1)

	for !t.state.Terminal() {
		switch t.state {
		case StateAwaitingModel:
			t.state = l.awaitModel(ctx, t)
		case StateExecutingTools:
			t.state = l.executeTools(ctx, t)
		default:
			t.err = fmt.Errorf("agent reached unknown state %v", t.state)
			t.state = StateFailed
		}
	}

	res := &Result{
		ConversationID: t.conv.ID,
		Iterations:     t.iteration,
		State:          t.state,
	}

	switch t.state {
	case StateFailedMaxIterations:
		log.Warn("iteration bound reached", "iterations", t.iteration)
		t.send(events.TextDelta{Delta: prompts.FallbackReply})
		t.reply = prompts.FallbackReply
		err = l.finish(ctx, t)
	case StateDone:
		err = l.finish(ctx, t)
	case StateFailed:
		err = t.err
	}

	if err != nil {
		res.State = StateFailed
	}
	if l.metrics != nil {
		l.metrics.ObserveTurn(res.State.String(), t.iteration, time.Since(start))
	}

	if err != nil {
		l.fail(emit, err)
		log.Error("agent turn failed", "error", err, "iterations", t.iteration, "elapsed", time.Since(start).Round(time.Millisecond))
		return res, err
	}

	res.Reply = t.reply
	log.Info("agent turn completed",
		"state", res.State,
		"iterations", t.iteration,
		"reply_len", len(t.reply),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

// begin validates the request, takes the conversation lock, resolves or
// creates the conversation, records the user message and assembles the
// model context.
func (l *Loop) begin(ctx context.Context, req *Request, emit events.Emitter) (*turn, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Client == nil || req.Client.ID != req.ClientID {
		return nil, fmt.Errorf("%w: client %q was not resolved", ErrInvalidRequest, req.ClientID)
	}

	unlock := func() {}
	if req.ConversationID != "" {
		u, err := l.locks.Lock(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("wait for conversation: %w", err)
		}
		unlock = u
	}

	t, err := l.prepare(ctx, req, emit)
	if err != nil {
		unlock()
		return nil, err
	}
	t.unlock = unlock
	return t, nil
}

func (l *Loop) prepare(ctx context.Context, req *Request, emit events.Emitter) (*turn, error) {
	question := req.question()

	var conv *memory.Conversation
	existing := req.ConversationID != ""
	if existing {
		c, err := l.store.Get(ctx, req.ConversationID)
		if errors.Is(err, memory.ErrNotFound) || (err == nil && c.ClientID != req.ClientID) {
			return nil, ErrConversationNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		conv = c
	} else {
		c, err := l.store.Create(ctx, req.ClientID, question)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		conv = c
	}

	if err := l.appendQuestion(ctx, conv.ID, question, existing); err != nil {
		return nil, err
	}

	history := req.Messages
	if existing && len(req.Messages) == 1 {
		stored, err := l.store.LoadMessages(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		history = make([]Message, 0, len(stored))
		for _, m := range stored {
			history = append(history, Message{Role: m.Role, Content: m.Content})
		}
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: prompts.ClientContext(req.Client, l.now()),
	})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	return &turn{
		req:      req,
		conv:     conv,
		emit:     emit,
		logger:   l.logger,
		messages: msgs,
		state:    StateAwaitingModel,
	}, nil
}

// appendQuestion stores the user message unless it repeats the last
// stored message, which happens when a caller retries a failed turn.
func (l *Loop) appendQuestion(ctx context.Context, convID, question string, existing bool) error {
	if existing {
		last, err := l.store.LastMessage(ctx, convID)
		if err != nil {
			return fmt.Errorf("read last message: %w", err)
		}
		if last != nil && last.Role == memory.RoleUser && last.Content == question {
			l.logger.Debug("skipping duplicate user message", "conversation_id", convID)
			return nil
		}
	}
	if _, err := l.store.AppendMessage(ctx, convID, memory.RoleUser, question); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	return nil
}

// finish persists the final answer and emits Done. The write survives a
// caller disconnect once the answer exists.
func (l *Loop) finish(ctx context.Context, t *turn) error {
	if _, err := l.store.AppendMessage(context.WithoutCancel(ctx), t.conv.ID, memory.RoleAssistant, t.reply); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	t.send(events.Done{ConversationID: t.conv.ID})
	return nil
}

// fail emits the single Error event for err.
func (l *Loop) fail(emit events.Emitter, err error) {
	if emit == nil {
		return
	}
	if emitErr := emit.Emit(events.Error{Message: errorMessage(err)}); emitErr != nil {
		l.logger.Debug("error event not delivered", "error", emitErr)
	}
}

// errorMessage renders err for the operator.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, ErrConversationNotFound):
		return "Conversation not found."
	case errors.Is(err, context.Canceled):
		return "The request was canceled."
	case errors.Is(err, context.DeadlineExceeded):
		return "The model took too long to respond. Please try again."
	default:
		return fmt.Sprintf("Something went wrong while answering: %v", err)
	}
}
