package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/portalworks/analyst/internal/events"
	"github.com/portalworks/analyst/internal/llm"
	"github.com/portalworks/analyst/internal/memory"
	"github.com/portalworks/analyst/internal/prompts"
	"github.com/portalworks/analyst/internal/usage"
	"golang.org/x/sync/errgroup"
)

// State is a position in the agent loop state machine.
type State int

const (
	// StateAwaitingModel streams the next model turn.
	StateAwaitingModel State = iota
	// StateExecutingTools runs the tool calls of the last model turn.
	StateExecutingTools
	// StateDone: the model finished and the answer was persisted.
	StateDone
	// StateFailedMaxIterations: the bound was reached; the fallback reply
	// was persisted.
	StateFailedMaxIterations
	// StateFailed: the turn ended with an error event.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateFailedMaxIterations:
		return "failed_max_iterations"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailedMaxIterations || s == StateFailed
}

// turn is the mutable state of one Run.
type turn struct {
	req    *Request
	conv   *memory.Conversation
	emit   events.Emitter
	logger *slog.Logger
	unlock func()

	messages  []llm.Message
	state     State
	iteration int

	// transcript holds the text streamed since the last ClearPartial.
	transcript strings.Builder
	// pending is the assistant message whose tool calls await execution.
	pending *llm.Message

	reply string
	err   error
}

// send emits e. Delivery failures are logged, not fatal: a vanished
// caller shows up as context cancellation on the next blocking call.
func (t *turn) send(e events.Event) {
	if t.emit == nil {
		return
	}
	if err := t.emit.Emit(e); err != nil {
		t.logger.Debug("stream event not delivered", "type", events.TypeOf(e), "error", err)
	}
}

// awaitModel streams one model turn and decides the next state.
func (l *Loop) awaitModel(ctx context.Context, t *turn) State {
	if t.iteration >= l.maxIterations {
		return StateFailedMaxIterations
	}
	t.iteration++

	// Only the first tool block of an iteration can retract the text
	// streamed before it.
	iterText := 0
	sawToolBlock := false
	rollback := func() {
		if sawToolBlock {
			return
		}
		sawToolBlock = true
		if iterText == 0 {
			return
		}
		t.send(events.ClearPartial{})
		t.transcript.Reset()
	}

	callback := func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			if ev.Token == "" {
				return
			}
			iterText += len(ev.Token)
			t.transcript.WriteString(ev.Token)
			t.send(events.TextDelta{Delta: ev.Token})
		case llm.KindToolUseStart:
			rollback()
		}
	}

	mctx, cancel := context.WithTimeout(ctx, l.modelTimeout)
	defer cancel()

	start := time.Now()
	resp, err := l.llm.ChatStream(mctx, l.model, t.messages, l.registry.LLMTools(), callback)
	elapsed := time.Since(start)
	if err != nil {
		t.err = fmt.Errorf("model call (iteration %d): %w", t.iteration, err)
		return StateFailed
	}

	l.recordUsage(ctx, t, resp, elapsed)

	t.logger.Debug("model turn finished",
		"conversation_id", t.conv.ID,
		"iteration", t.iteration,
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	if resp.StopReason == llm.StopToolUse && len(resp.Message.ToolCalls) > 0 {
		// Providers that do not announce tool blocks while streaming
		// still get the rollback before any tool runs.
		rollback()
		msg := resp.Message
		msg.Role = llm.RoleAssistant
		t.pending = &msg
		return StateExecutingTools
	}

	// Any other stop reason finishes the turn with the text so far,
	// which may be empty.
	t.reply = t.transcript.String()
	return StateDone
}

// toolResult is the fan-in record of one call.
type toolResult struct {
	callID string
	output string
}

// executeTools announces the requested tools, runs every call
// concurrently, and appends the call record and results to the history.
func (l *Loop) executeTools(ctx context.Context, t *turn) State {
	calls := t.pending.ToolCalls

	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		if seen[c.Function.Name] {
			continue
		}
		seen[c.Function.Name] = true
		t.send(events.Status{Text: prompts.ToolStatus(c.Function.Name)})
	}

	results := make([]toolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	if l.toolConcurrency > 0 {
		g.SetLimit(l.toolConcurrency)
	}
	for i, c := range calls {
		g.Go(func() error {
			results[i] = toolResult{
				callID: c.ID,
				output: l.executor.Execute(gctx, c.Function.Name, c.Function.Arguments, t.req.Client),
			}
			return nil
		})
	}
	_ = g.Wait() // tool failures are carried in the output text

	if err := ctx.Err(); err != nil {
		t.err = fmt.Errorf("tool execution: %w", err)
		return StateFailed
	}

	t.messages = append(t.messages, *t.pending)
	for _, r := range results {
		t.messages = append(t.messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    r.output,
			ToolCallID: r.callID,
		})
	}
	t.pending = nil
	return StateAwaitingModel
}

func (l *Loop) recordUsage(ctx context.Context, t *turn, resp *llm.ChatResponse, elapsed time.Duration) {
	model := resp.Model
	if model == "" {
		model = l.model
	}
	if l.metrics != nil {
		l.metrics.ObserveModelCall(model, resp.StopReason, elapsed, resp.InputTokens, resp.OutputTokens)
	}
	if l.usage == nil {
		return
	}
	rec := usage.Record{
		ConversationID: t.conv.ID,
		ClientID:       t.conv.ClientID,
		Model:          model,
		Provider:       "anthropic",
		Iteration:      t.iteration,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CostUSD:        usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, l.pricing),
	}
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		t.logger.Warn("failed to record usage", "conversation_id", t.conv.ID, "error", err)
	}
}
