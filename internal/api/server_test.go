package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portalworks/analyst/internal/agent"
	"github.com/portalworks/analyst/internal/auth"
	"github.com/portalworks/analyst/internal/clients"
	"github.com/portalworks/analyst/internal/events"
	"github.com/portalworks/analyst/internal/health"
	"github.com/portalworks/analyst/internal/memory"
	"github.com/portalworks/analyst/internal/metrics"
	"github.com/portalworks/analyst/internal/sqldb"
	"github.com/portalworks/analyst/internal/usage"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

const (
	danaToken  = "dana-token-0123456789"
	adminToken = "admin-token-0123456789"
)

// scriptedRunner stands in for the agent loop: it records the request,
// stores the exchange, and emits a fixed answer.
type scriptedRunner struct {
	store *memory.Store

	mu   sync.Mutex
	reqs []*agent.Request
	fail error
	// quiet fails without writing the error event.
	quiet bool
}

func (f *scriptedRunner) Run(ctx context.Context, req *agent.Request, emit events.Emitter) (*agent.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fail, quiet := f.fail, f.quiet
	f.mu.Unlock()

	convID := req.ConversationID
	if convID == "" {
		conv, err := f.store.Create(ctx, req.ClientID, req.Messages[len(req.Messages)-1].Content)
		if err != nil {
			return nil, err
		}
		convID = conv.ID
	}
	if fail != nil {
		if !quiet {
			emit.Emit(events.Error{Message: "model provider unavailable"})
		}
		return &agent.Result{ConversationID: convID, State: agent.StateFailed}, fail
	}

	f.store.AppendMessage(ctx, convID, memory.RoleUser, req.Messages[len(req.Messages)-1].Content)
	emit.Emit(events.TextDelta{Delta: "Let me look. "})
	emit.Emit(events.ClearPartial{})
	emit.Emit(events.Status{Text: "Querying Search Console…"})
	emit.Emit(events.TextDelta{Delta: "Clicks rose "})
	emit.Emit(events.TextDelta{Delta: "12%."})
	f.store.AppendMessage(ctx, convID, memory.RoleAssistant, "Clicks rose 12%.")
	emit.Emit(events.Done{ConversationID: convID})
	return &agent.Result{ConversationID: convID, Reply: "Clicks rose 12%.", State: agent.StateDone, Iterations: 2}, nil
}

type fakeUsage struct{}

func (fakeUsage) ConversationSummary(_ context.Context, id string) (*usage.Summary, error) {
	return &usage.Summary{TotalRecords: 2, TotalInputTokens: 300, TotalOutputTokens: 40}, nil
}

func (fakeUsage) Summary(context.Context, time.Time, time.Time) (*usage.Summary, error) {
	return &usage.Summary{TotalRecords: 7, TotalCostUSD: 0.42}, nil
}

func (fakeUsage) SummaryByClient(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"acme": {TotalRecords: 4}, "globex": {TotalRecords: 3}}, nil
}

func (fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"claude-test": {TotalRecords: 5}}, nil
}

type fixture struct {
	srv    *httptest.Server
	store  *memory.Store
	runner *scriptedRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqldb.Open(sqldb.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := memory.NewStore(db, nil)
	if err != nil {
		t.Fatal(err)
	}

	hash := func(tok string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(tok), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		return string(h)
	}
	authz, err := auth.NewTokenAuthorizer([]auth.Credential{
		{Name: "dana", TokenHash: hash(danaToken), Clients: []string{"acme"}},
		{Name: "admin", TokenHash: hash(adminToken), Clients: []string{auth.AllClients}},
	})
	if err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{store: store}
	s := NewServer(Config{
		Loop:  runner,
		Store: store,
		Clients: clients.Static{
			"acme":   {ID: "acme", Name: "Acme Widgets", SearchConsoleSite: "sc-domain:acme.example"},
			"globex": {ID: "globex", Name: "Globex"},
		},
		Auth:    authz,
		Usage:   fakeUsage{},
		Metrics: metrics.New(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, runner: runner}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const askAcme = `{"clientId":"acme","messages":[{"role":"user","content":"How did clicks do?"}]}`

func TestChatStream_NDJSON(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/chat/stream", danaToken, askAcme)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got []events.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		e, err := events.Decode(scanner.Bytes())
		if err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 6 {
		t.Fatalf("events = %d, want 6", len(got))
	}
	if events.Answer(got) != "Clicks rose 12%." {
		t.Errorf("answer = %q", events.Answer(got))
	}
	if _, ok := got[len(got)-1].(events.Done); !ok {
		t.Errorf("last event = %#v, want done", got[len(got)-1])
	}

	req := f.runner.reqs[0]
	if req.Client == nil || req.Client.Name != "Acme Widgets" {
		t.Errorf("client not resolved before run: %+v", req.Client)
	}
}

func TestChatStream_EndsWithSingleError(t *testing.T) {
	tests := []struct {
		name  string
		quiet bool
	}{
		{"runner wrote the error", false},
		{"runner returned without one", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.fail = errors.New("overloaded")
			f.runner.quiet = tt.quiet

			resp := f.do(t, http.MethodPost, "/v1/chat/stream", danaToken, askAcme)
			var got []events.Event
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				e, err := events.Decode(scanner.Bytes())
				if err != nil {
					t.Fatalf("line %q: %v", scanner.Text(), err)
				}
				got = append(got, e)
			}
			if len(got) != 1 {
				t.Fatalf("events = %#v, want a single error", got)
			}
			if _, ok := got[0].(events.Error); !ok {
				t.Errorf("event = %#v, want error", got[0])
			}
		})
	}
}

func TestChatStream_Admission(t *testing.T) {
	f := newFixture(t)
	other, _ := f.store.Create(context.Background(), "globex", "theirs")

	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{"no token", "", askAcme, http.StatusUnauthorized},
		{"bad token", "not-a-real-token-at-all", askAcme, http.StatusUnauthorized},
		{"malformed body", danaToken, `{"clientId":`, http.StatusBadRequest},
		{"no messages", danaToken, `{"clientId":"acme","messages":[]}`, http.StatusBadRequest},
		{"forbidden client", danaToken, `{"clientId":"globex","messages":[{"role":"user","content":"q"}]}`, http.StatusForbidden},
		{"unknown client", adminToken, `{"clientId":"initech","messages":[{"role":"user","content":"q"}]}`, http.StatusNotFound},
		{"foreign conversation", adminToken, `{"clientId":"acme","conversationId":"` + other.ID + `","messages":[{"role":"user","content":"q"}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/chat/stream", tt.token, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want JSON error", ct)
			}
		})
	}
	if len(f.runner.reqs) != 0 {
		t.Errorf("runner called %d times for rejected requests", len(f.runner.reqs))
	}
}

func TestChat_NonStreaming(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/chat", danaToken, askAcme)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Reply != "Clicks rose 12%." || body.ConversationID == "" || body.Error != "" {
		t.Errorf("body = %+v", body)
	}
}

func TestChat_NonStreamingProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.fail = errors.New("overloaded")

	resp := f.do(t, http.MethodPost, "/v1/chat", danaToken, askAcme)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	var body ChatResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "model provider unavailable" || body.Reply != "" || body.ConversationID == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestChatWebSocket(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/chat/ws"

	header := http.Header{"Authorization": {"Bearer " + danaToken}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(askAcme)); err != nil {
		t.Fatal(err)
	}

	var got []events.Event
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		e, err := events.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, e)
		if events.Terminal(e) {
			break
		}
	}
	if events.Answer(got) != "Clicks rose 12%." {
		t.Errorf("answer = %q from %d frames", events.Answer(got), len(got))
	}
}

func TestChatWebSocket_RejectedRequestIsErrorFrame(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/chat/ws?access_token=" + danaToken

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"clientId":"globex","messages":[{"role":"user","content":"q"}]}`))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	e, err := events.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if ev, ok := e.(events.Error); !ok || !strings.Contains(ev.Message, "globex") {
		t.Errorf("frame = %#v, want access error", e)
	}
}

func TestConversations_ListGetExportDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _ := f.store.Create(ctx, "acme", "Top queries last week")
	f.store.AppendMessage(ctx, conv.ID, memory.RoleUser, "Top queries last week?")
	f.store.AppendMessage(ctx, conv.ID, memory.RoleAssistant, "**widgets** led with 420 clicks.")
	foreign, _ := f.store.Create(ctx, "globex", "theirs")

	// list
	resp := f.do(t, http.MethodGet, "/v1/clients/acme/conversations?limit=5", danaToken, "")
	var list struct {
		Conversations []memory.ConversationSummary `json:"conversations"`
		Count         int                          `json:"count"`
	}
	json.NewDecoder(resp.Body).Decode(&list)
	if list.Count != 1 || list.Conversations[0].MessageCount != 2 {
		t.Errorf("list = %+v", list)
	}
	if resp := f.do(t, http.MethodGet, "/v1/clients/globex/conversations", danaToken, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign list status = %d", resp.StatusCode)
	}

	// get
	resp = f.do(t, http.MethodGet, "/v1/conversations/"+conv.ID, danaToken, "")
	var detail struct {
		Conversation memory.Conversation `json:"conversation"`
		Messages     []memory.Message    `json:"messages"`
	}
	json.NewDecoder(resp.Body).Decode(&detail)
	if detail.Conversation.Title != "Top queries last week" || len(detail.Messages) != 2 {
		t.Errorf("detail = %+v", detail)
	}
	if resp := f.do(t, http.MethodGet, "/v1/conversations/"+foreign.ID, danaToken, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", resp.StatusCode)
	}

	// export
	resp = f.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/export", danaToken, "")
	page, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("export Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if !bytes.Contains(page, []byte("<strong>widgets</strong>")) || !bytes.Contains(page, []byte("<title>Top queries last week</title>")) {
		t.Errorf("export page = %s", page)
	}
	resp = f.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/export?format=md", danaToken, "")
	md, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(md, []byte("> Top queries last week?")) {
		t.Errorf("markdown export = %s", md)
	}

	// delete
	if resp := f.do(t, http.MethodDelete, "/v1/conversations/"+conv.ID, danaToken, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/conversations/"+conv.ID, danaToken, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
}

func TestRenderHTML_DropsRawHTML(t *testing.T) {
	page, err := renderHTML("<script>x</script>", "hello <script>alert(1)</script>")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(page, "<script>") {
		t.Errorf("raw HTML survived: %s", page)
	}
}

func TestUsage(t *testing.T) {
	f := newFixture(t)
	conv, _ := f.store.Create(context.Background(), "acme", "q")

	resp := f.do(t, http.MethodGet, "/v1/usage?conversation_id="+conv.ID, danaToken, "")
	var body struct {
		Usage usage.Summary `json:"usage"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Usage.TotalInputTokens != 300 {
		t.Errorf("usage = %+v", body.Usage)
	}

	if resp := f.do(t, http.MethodGet, "/v1/usage", danaToken, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("scoped operator totals status = %d, want 403", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/v1/usage?days=7", adminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin totals status = %d", resp.StatusCode)
	}
	var totals struct {
		Total    usage.Summary            `json:"total"`
		ByModel  map[string]usage.Summary `json:"byModel"`
		ByClient map[string]usage.Summary `json:"byClient"`
	}
	json.NewDecoder(resp.Body).Decode(&totals)
	if totals.Total.TotalRecords != 7 || len(totals.ByModel) != 1 || totals.ByClient["globex"].TotalRecords != 3 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/health", "/v1/version", "/metrics"} {
		if resp := f.do(t, http.MethodGet, path, "", ""); resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

type fakeHealth []health.Status

func (f fakeHealth) Status() []health.Status { return f }

func (f fakeHealth) Healthy() bool {
	for _, s := range f {
		if !s.Ready {
			return false
		}
	}
	return true
}

func TestHealth_ReportsDependencies(t *testing.T) {
	tests := []struct {
		name       string
		deps       fakeHealth
		wantCode   int
		wantStatus string
	}{
		{"all ready", fakeHealth{{Name: "anthropic", Ready: true}, {Name: "database", Ready: true}}, http.StatusOK, "healthy"},
		{"database down", fakeHealth{{Name: "anthropic", Ready: true}, {Name: "database", LastError: "connection refused"}}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{Health: tt.deps})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body struct {
				Status       string          `json:"status"`
				Dependencies []health.Status `json:"dependencies"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.wantStatus || len(body.Dependencies) != 2 {
				t.Errorf("body = %+v", body)
			}
		})
	}
}
