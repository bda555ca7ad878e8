package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/portalworks/analyst/internal/agent"
	"github.com/portalworks/analyst/internal/clients"
	"github.com/portalworks/analyst/internal/config"
	"github.com/portalworks/analyst/internal/events"
)

// askArgs is the parsed form of "analyst ask".
type askArgs struct {
	clientID       string
	conversationID string
	question       string
}

func parseAskArgs(args []string) (askArgs, error) {
	var a askArgs
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-client" && i+1 < len(args):
			a.clientID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-client="):
			a.clientID = strings.TrimPrefix(args[i], "-client=")
		case args[i] == "-conversation" && i+1 < len(args):
			a.conversationID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-conversation="):
			a.conversationID = strings.TrimPrefix(args[i], "-conversation=")
		default:
			words = append(words, args[i])
		}
	}
	a.question = strings.TrimSpace(strings.Join(words, " "))
	if a.clientID == "" || a.question == "" {
		return a, errors.New("usage: analyst ask -client <id> [-conversation <id>] <question>")
	}
	return a, nil
}

// runAsk answers one question against the configured database and
// providers, printing the stream as it arrives. Logs go to stderr so
// stdout carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	a, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	svc, err := openServices(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	client, err := svc.clients.Get(ctx, a.clientID)
	if errors.Is(err, clients.ErrNotFound) {
		return fmt.Errorf("client %q not found", a.clientID)
	}
	if err != nil {
		return err
	}

	req := &agent.Request{
		ClientID:       client.ID,
		Client:         client,
		ConversationID: a.conversationID,
		Messages:       []agent.Message{{Role: "user", Content: a.question}},
	}
	res, err := svc.loop.Run(ctx, req, newTerminal(stdout))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, color.HiBlackString("conversation %s (%d iterations)", res.ConversationID, res.Iterations))
	return nil
}

// terminal renders stream events for a human. Retracted text cannot be
// erased from a scrolling terminal, so a clear is shown as a marker.
type terminal struct {
	w      io.Writer
	status *color.Color
	muted  *color.Color
	errc   *color.Color
}

func newTerminal(w io.Writer) *terminal {
	return &terminal{
		w:      w,
		status: color.New(color.FgCyan),
		muted:  color.New(color.FgHiBlack),
		errc:   color.New(color.FgRed, color.Bold),
	}
}

// Emit implements events.Emitter.
func (t *terminal) Emit(e events.Event) error {
	var err error
	switch ev := e.(type) {
	case events.Status:
		_, err = t.status.Fprintf(t.w, "» %s\n", ev.Text)
	case events.TextDelta:
		_, err = io.WriteString(t.w, ev.Delta)
	case events.ClearPartial:
		_, err = t.muted.Fprintln(t.w, " [draft discarded]")
	case events.Done:
		_, err = fmt.Fprintln(t.w)
	case events.Error:
		_, err = t.errc.Fprintf(t.w, "\nerror: %s\n", ev.Message)
	}
	return err
}
