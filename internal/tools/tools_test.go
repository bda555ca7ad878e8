package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/portalworks/analyst/internal/analytics"
	"github.com/portalworks/analyst/internal/clients"
)

type fakeSearch struct {
	mu    sync.Mutex
	calls []analytics.SearchQuery
	rows  []analytics.Row
	err   error
	delay time.Duration
}

func (f *fakeSearch) QuerySearchAnalytics(ctx context.Context, site string, q analytics.SearchQuery) ([]analytics.Row, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.rows, f.err
}

type fakeWeb struct {
	got  analytics.ReportQuery
	rows []analytics.Row
	err  error
}

func (f *fakeWeb) RunReport(_ context.Context, _ string, q analytics.ReportQuery) ([]analytics.Row, error) {
	f.got = q
	return f.rows, f.err
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveToolCall(tool, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, tool+":"+outcome)
}

var fullClient = &clients.Client{
	ID:                "acme",
	Name:              "Acme",
	SearchConsoleSite: "sc-domain:acme.example",
	GA4Property:       "123456",
}

func scArgs() map[string]any {
	return map[string]any{
		"dimensions": []any{"query"},
		"startDate":  "2026-10-05",
		"endDate":    "2026-10-11",
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	names := r.Names()
	if len(names) != 2 || names[0] != GoogleAnalytics || names[1] != SearchConsole {
		t.Errorf("Names = %v", names)
	}
	tools := r.LLMTools()
	if len(tools) != 2 || tools[0].Name != SearchConsole {
		t.Fatalf("LLMTools = %+v", tools)
	}
	if tools[0].InputSchema["type"] != "object" {
		t.Errorf("schema = %v", tools[0].InputSchema)
	}
	if _, ok := r.Get("query_bing"); ok {
		t.Error("unexpected tool")
	}
}

func TestNewRegistry_Duplicate(t *testing.T) {
	if _, err := NewRegistry(Definition{Name: "a"}, Definition{Name: "a"}); err == nil {
		t.Error("expected duplicate error")
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr bool
	}{
		{"valid search", SearchConsole, scArgs(), false},
		{"float row limit from JSON", SearchConsole, merge(scArgs(), map[string]any{"rowLimit": float64(500)}), false},
		{"missing dimensions", SearchConsole, map[string]any{"startDate": "2026-10-01", "endDate": "2026-10-02"}, true},
		{"empty dimensions", SearchConsole, merge(scArgs(), map[string]any{"dimensions": []any{}}), true},
		{"bad dimension", SearchConsole, merge(scArgs(), map[string]any{"dimensions": []any{"country"}}), true},
		{"bad date", SearchConsole, merge(scArgs(), map[string]any{"startDate": "last week"}), true},
		{"row limit too high", SearchConsole, merge(scArgs(), map[string]any{"rowLimit": 25001}), true},
		{"unknown property", SearchConsole, merge(scArgs(), map[string]any{"site": "x"}), true},
		{"ga4 without metrics", GoogleAnalytics, map[string]any{"startDate": "2026-10-01", "endDate": "2026-10-02"}, true},
		{"ga4 valid", GoogleAnalytics, map[string]any{"metrics": []any{"sessions"}, "startDate": "2026-10-01", "endDate": "2026-10-02"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.tool, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func merge(a, b map[string]any) map[string]any {
	for k, v := range b {
		a[k] = v
	}
	return a
}

func TestExecute_SearchConsoleSuccess(t *testing.T) {
	search := &fakeSearch{rows: []analytics.Row{
		{{Key: "query", Value: "widgets"}, {Key: "clicks", Value: 12.0}},
	}}
	obs := &recordingObserver{}
	e := NewExecutor(ExecutorConfig{Search: search, Observer: obs})

	out := e.Execute(context.Background(), SearchConsole, scArgs(), fullClient)

	var got struct {
		RowCount int              `json:"rowCount"`
		Rows     []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if got.RowCount != 1 || got.Rows[0]["query"] != "widgets" {
		t.Errorf("payload = %+v", got)
	}
	if len(search.calls) != 1 || search.calls[0].RowLimit != DefaultRowLimit {
		t.Errorf("adapter calls = %+v, want default row limit", search.calls)
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != SearchConsole+":"+OutcomeOK {
		t.Errorf("observed = %v", obs.outcomes)
	}
}

func TestExecute_ErrorPaths(t *testing.T) {
	noSources := &clients.Client{ID: "bare", Name: "Bare"}
	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		client  *clients.Client
		search  *fakeSearch
		want    string
		outcome string
	}{
		{
			name: "unknown tool", tool: "query_bing", args: scArgs(), client: fullClient,
			want: `Error: unknown tool "query_bing". Available tools: query_google_analytics, query_search_console.`, outcome: OutcomeUnknownTool,
		},
		{
			name: "schema violation", tool: SearchConsole, args: map[string]any{"dimensions": []any{"query"}}, client: fullClient,
			want: "Error: invalid arguments for query_search_console", outcome: OutcomeInvalidArgs,
		},
		{
			name: "reversed range", tool: SearchConsole, client: fullClient,
			args: merge(scArgs(), map[string]any{"startDate": "2026-10-12"}),
			want: "endDate 2026-10-11 is before startDate 2026-10-12", outcome: OutcomeInvalidArgs,
		},
		{
			name: "not configured", tool: SearchConsole, args: scArgs(), client: noSources,
			want: "Error: Search Console is not configured for this client", outcome: OutcomeNotConfigured,
		},
		{
			name: "adapter not configured", tool: SearchConsole, args: scArgs(), client: fullClient,
			search: &fakeSearch{err: analytics.ErrNotConfigured},
			want:   "Error: Search Console is not configured", outcome: OutcomeNotConfigured,
		},
		{
			name: "upstream failure", tool: SearchConsole, args: scArgs(), client: fullClient,
			search: &fakeSearch{err: &analytics.UpstreamError{Service: "Search Console", Status: 500}},
			want:   "Error: Search Console query failed: Search Console returned 500", outcome: OutcomeUpstreamError,
		},
		{
			name: "empty result", tool: SearchConsole, args: scArgs(), client: fullClient,
			search: &fakeSearch{},
			want:   "No rows returned for Search Console between 2026-10-05 and 2026-10-11", outcome: OutcomeEmpty,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			search := tt.search
			if search == nil {
				search = &fakeSearch{}
			}
			obs := &recordingObserver{}
			e := NewExecutor(ExecutorConfig{Search: search, Web: &fakeWeb{}, Observer: obs})

			out := e.Execute(context.Background(), tt.tool, tt.args, tt.client)
			if !strings.Contains(out, tt.want) {
				t.Errorf("Execute() = %q, want it to contain %q", out, tt.want)
			}
			if len(obs.outcomes) != 1 || !strings.HasSuffix(obs.outcomes[0], ":"+tt.outcome) {
				t.Errorf("observed = %v, want outcome %s", obs.outcomes, tt.outcome)
			}
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	search := &fakeSearch{delay: time.Second}
	e := NewExecutor(ExecutorConfig{Search: search, Timeout: 20 * time.Millisecond})

	out := e.Execute(context.Background(), SearchConsole, scArgs(), fullClient)
	if !strings.HasPrefix(out, "Error: Search Console query timed out") {
		t.Errorf("Execute() = %q", out)
	}
}

func TestExecute_CallerCanceled(t *testing.T) {
	search := &fakeSearch{delay: time.Second}
	e := NewExecutor(ExecutorConfig{Search: search})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := e.Execute(ctx, SearchConsole, scArgs(), fullClient)
	if !strings.Contains(out, "canceled") {
		t.Errorf("Execute() = %q", out)
	}
}

func TestExecute_GoogleAnalytics(t *testing.T) {
	web := &fakeWeb{rows: []analytics.Row{{{Key: "sessions", Value: int64(1200)}}}}
	e := NewExecutor(ExecutorConfig{Web: web})

	out := e.Execute(context.Background(), GoogleAnalytics, map[string]any{
		"metrics":   []any{"sessions"},
		"startDate": "2026-09-01",
		"endDate":   "2026-09-30",
		"rowLimit":  float64(10),
	}, fullClient)

	if out != `{"rowCount":1,"rows":[{"sessions":1200}]}` {
		t.Errorf("Execute() = %q", out)
	}
	if web.got.RowLimit != 10 || web.got.Metrics[0] != "sessions" {
		t.Errorf("report query = %+v", web.got)
	}

	out = e.Execute(context.Background(), GoogleAnalytics, map[string]any{
		"metrics":   []any{"sessions"},
		"startDate": "2026-09-01",
		"endDate":   "2026-09-30",
	}, &clients.Client{ID: "x", SearchConsoleSite: "sc-domain:x"})
	if !strings.HasPrefix(out, "Error: Google Analytics is not configured") {
		t.Errorf("Execute() = %q", out)
	}
}

func TestExecute_NeverPanicsOnNilInput(t *testing.T) {
	e := NewExecutor(ExecutorConfig{})
	out := e.Execute(context.Background(), SearchConsole, nil, fullClient)
	if !strings.HasPrefix(out, "Error: invalid arguments") {
		t.Errorf("Execute(nil) = %q", out)
	}
}

func TestRowLimit(t *testing.T) {
	tests := map[int]int{0: DefaultRowLimit, -1: DefaultRowLimit, 50: 50, 30000: MaxRowLimit}
	for in, want := range tests {
		if got := rowLimit(in); got != want {
			t.Errorf("rowLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
