package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/portalworks/analyst/internal/analytics"
	"github.com/portalworks/analyst/internal/clients"
)

// DefaultTimeout bounds a single tool call when none is configured.
const DefaultTimeout = 30 * time.Second

// Call outcomes reported to the Observer.
const (
	OutcomeOK            = "ok"
	OutcomeEmpty         = "empty"
	OutcomeUnknownTool   = "unknown_tool"
	OutcomeInvalidArgs   = "invalid_arguments"
	OutcomeNotConfigured = "not_configured"
	OutcomeUpstreamError = "upstream_error"
	OutcomeTimeout       = "timeout"
	OutcomeCanceled      = "canceled"
)

// Observer is notified once per executed tool call.
type Observer interface {
	ObserveToolCall(tool, outcome string, elapsed time.Duration)
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Registry *Registry
	Search   analytics.SearchAnalytics
	Web      analytics.WebAnalytics
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer Observer
}

// Executor runs tool calls against the analytics adapters. It never
// returns an error: every failure becomes tool output text starting with
// "Error:" so the model can explain it.
type Executor struct {
	registry *Registry
	search   analytics.SearchAnalytics
	web      analytics.WebAnalytics
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		registry: cfg.Registry,
		search:   cfg.Search,
		web:      cfg.Web,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "tools"),
		observer: cfg.Observer,
	}
}

// Registry returns the registry the executor validates against.
func (e *Executor) Registry() *Registry { return e.registry }

type searchArgs struct {
	Dimensions []string `json:"dimensions"`
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	RowLimit   int      `json:"rowLimit"`
}

type reportArgs struct {
	Metrics    []string `json:"metrics"`
	Dimensions []string `json:"dimensions"`
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	RowLimit   int      `json:"rowLimit"`
}

// payload is the tool output for a successful query.
type payload struct {
	RowCount int             `json:"rowCount"`
	Rows     []analytics.Row `json:"rows"`
}

// Execute runs one tool call for client and returns its textual result.
func (e *Executor) Execute(ctx context.Context, name string, input map[string]any, client *clients.Client) string {
	start := time.Now()
	out, outcome := e.execute(ctx, name, input, client)
	elapsed := time.Since(start)

	if e.observer != nil {
		e.observer.ObserveToolCall(name, outcome, elapsed)
	}
	level := slog.LevelDebug
	if outcome != OutcomeOK && outcome != OutcomeEmpty {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "tool executed",
		"tool", name,
		"outcome", outcome,
		"elapsed", elapsed.Round(time.Millisecond),
		"result_len", len(out),
	)
	return out
}

func (e *Executor) execute(ctx context.Context, name string, input map[string]any, client *clients.Client) (string, string) {
	if _, ok := e.registry.Get(name); !ok {
		return fmt.Sprintf("Error: unknown tool %q. Available tools: %s.",
			name, strings.Join(e.registry.Names(), ", ")), OutcomeUnknownTool
	}
	if err := e.registry.Validate(name, input); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err), OutcomeInvalidArgs
	}

	switch name {
	case SearchConsole:
		var args searchArgs
		if err := decodeArgs(input, &args); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err), OutcomeInvalidArgs
		}
		return e.querySearchConsole(ctx, args, client)
	case GoogleAnalytics:
		var args reportArgs
		if err := decodeArgs(input, &args); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err), OutcomeInvalidArgs
		}
		return e.queryGoogleAnalytics(ctx, args, client)
	default:
		// Registered but without a handler.
		return fmt.Sprintf("Error: unknown tool %q.", name), OutcomeUnknownTool
	}
}

func (e *Executor) querySearchConsole(ctx context.Context, args searchArgs, client *clients.Client) (string, string) {
	const service = "Search Console"
	if err := checkRange(args.StartDate, args.EndDate); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", SearchConsole, err), OutcomeInvalidArgs
	}
	if client == nil || client.SearchConsoleSite == "" || e.search == nil {
		return notConfiguredText(service, "Search Console site"), OutcomeNotConfigured
	}

	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.search.QuerySearchAnalytics(tctx, client.SearchConsoleSite, analytics.SearchQuery{
		Dimensions: args.Dimensions,
		StartDate:  args.StartDate,
		EndDate:    args.EndDate,
		RowLimit:   rowLimit(args.RowLimit),
	})
	if err != nil {
		return e.failureText(ctx, service, "Search Console site", err)
	}
	return rowsText(service, args.StartDate, args.EndDate, rows)
}

func (e *Executor) queryGoogleAnalytics(ctx context.Context, args reportArgs, client *clients.Client) (string, string) {
	const service = "Google Analytics"
	if err := checkRange(args.StartDate, args.EndDate); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", GoogleAnalytics, err), OutcomeInvalidArgs
	}
	if client == nil || client.GA4Property == "" || e.web == nil {
		return notConfiguredText(service, "GA4 property"), OutcomeNotConfigured
	}

	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.web.RunReport(tctx, client.GA4Property, analytics.ReportQuery{
		Metrics:    args.Metrics,
		Dimensions: args.Dimensions,
		StartDate:  args.StartDate,
		EndDate:    args.EndDate,
		RowLimit:   rowLimit(args.RowLimit),
	})
	if err != nil {
		return e.failureText(ctx, service, "GA4 property", err)
	}
	return rowsText(service, args.StartDate, args.EndDate, rows)
}

// failureText converts an adapter error into tool output. ctx is the
// caller's context, used to tell our own timeout from a cancellation.
func (e *Executor) failureText(ctx context.Context, service, sourceLabel string, err error) (string, string) {
	switch {
	case errors.Is(err, analytics.ErrNotConfigured):
		return notConfiguredText(service, sourceLabel), OutcomeNotConfigured
	case ctx.Err() != nil:
		return fmt.Sprintf("Error: %s query was canceled.", service), OutcomeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Error: %s query timed out after %s. Try a shorter date range or fewer dimensions.", service, e.timeout), OutcomeTimeout
	default:
		return fmt.Sprintf("Error: %s query failed: %v", service, err), OutcomeUpstreamError
	}
}

func notConfiguredText(service, sourceLabel string) string {
	return fmt.Sprintf("Error: %s is not configured for this client. An admin can add the %s in the client settings.", service, sourceLabel)
}

func rowsText(service, start, end string, rows []analytics.Row) (string, string) {
	if len(rows) == 0 {
		return fmt.Sprintf("No rows returned for %s between %s and %s.", service, start, end), OutcomeEmpty
	}
	b, err := json.Marshal(payload{RowCount: len(rows), Rows: rows})
	if err != nil {
		return fmt.Sprintf("Error: %s query failed: encode rows: %v", service, err), OutcomeUpstreamError
	}
	return string(b), OutcomeOK
}

func decodeArgs(input map[string]any, dst any) error {
	b, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func checkRange(start, end string) error {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return fmt.Errorf("startDate %q is not a valid date", start)
	}
	en, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return fmt.Errorf("endDate %q is not a valid date", end)
	}
	if en.Before(s) {
		return fmt.Errorf("endDate %s is before startDate %s", end, start)
	}
	return nil
}

func rowLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultRowLimit
	case n > MaxRowLimit:
		return MaxRowLimit
	default:
		return n
	}
}
