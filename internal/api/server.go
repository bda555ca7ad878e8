// Package api implements the HTTP surface of the analyst service: the
// streaming and non-streaming chat endpoints, the WebSocket transport,
// and conversation management for the portal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portalworks/analyst/internal/agent"
	"github.com/portalworks/analyst/internal/auth"
	"github.com/portalworks/analyst/internal/buildinfo"
	"github.com/portalworks/analyst/internal/clients"
	"github.com/portalworks/analyst/internal/events"
	"github.com/portalworks/analyst/internal/health"
	"github.com/portalworks/analyst/internal/memory"
	"github.com/portalworks/analyst/internal/metrics"
	"github.com/portalworks/analyst/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner answers one chat request. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, emit events.Emitter) (*agent.Result, error)
}

// ConversationStore is the read and delete side of the conversation
// store. *memory.Store implements it.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*memory.Conversation, error)
	ListRecent(ctx context.Context, clientID string, limit int) ([]memory.ConversationSummary, error)
	LoadMessages(ctx context.Context, conversationID string) ([]memory.Message, error)
	Delete(ctx context.Context, id string) error
}

// UsageReader aggregates the token ledger. *usage.Store implements it.
type UsageReader interface {
	ConversationSummary(ctx context.Context, conversationID string) (*usage.Summary, error)
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByClient(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter summarizes dependency reachability. *health.Monitor
// implements it.
type HealthReporter interface {
	Status() []health.Status
	Healthy() bool
}

// Config wires a Server.
type Config struct {
	Address string
	Port    int

	Loop    Runner
	Store   ConversationStore
	Clients clients.Lookup
	Auth    auth.Authorizer

	// Optional.
	Usage   UsageReader
	Metrics *metrics.Metrics
	Health  HealthReporter

	// AllowedOrigins lists the origins permitted to open the WebSocket
	// transport. Empty means same-origin only; "*" allows any.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     Runner
	store    ConversationStore
	clients  clients.Lookup
	auth     auth.Authorizer
	usage    UsageReader
	metrics  *metrics.Metrics
	health   HealthReporter
	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		address: cfg.Address,
		port:    cfg.Port,
		loop:    cfg.Loop,
		store:   cfg.Store,
		clients: cfg.Clients,
		auth:    cfg.Auth,
		usage:   cfg.Usage,
		metrics: cfg.Metrics,
		health:  cfg.Health,
		logger:  cfg.Logger.With("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat/stream", s.authenticated(s.handleChatStream))
	mux.HandleFunc("GET /v1/chat/ws", s.authenticated(s.handleChatWebSocket))
	mux.HandleFunc("POST /v1/chat", s.authenticated(s.handleChat))

	// Conversations
	mux.HandleFunc("GET /v1/clients/{clientId}/conversations", s.authenticated(s.handleConversationList))
	mux.HandleFunc("GET /v1/conversations/{id}", s.authenticated(s.handleConversationGet))
	mux.HandleFunc("GET /v1/conversations/{id}/export", s.authenticated(s.handleConversationExport))
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.authenticated(s.handleConversationDelete))

	// Usage
	mux.HandleFunc("GET /v1/usage", s.authenticated(s.handleUsage))

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams extend their own deadline per event.
		WriteTimeout: streamWriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// authenticated resolves the bearer token to an operator before calling
// next. Browsers cannot set headers on a WebSocket handshake, so the
// upgrade request may carry the token as ?access_token= instead.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" && websocket.IsWebSocketUpgrade(r) {
			token = r.URL.Query().Get("access_token")
		}
		op, err := s.auth.Authorize(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				s.logger.Error("authorization failed", "error", err)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="analyst"`)
			s.errorResponse(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r.WithContext(auth.WithOperator(r.Context(), op)))
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth answers 200 while every dependency is reachable and 503
// otherwise. It reports cached probe results and never blocks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":       status,
		"dependencies": s.health.Status(),
	}, s.logger)
}

// apiError is a failure with the HTTP status it maps to.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": message,
		"code":  code,
	}, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		s.errorResponse(w, apiErr.status, apiErr.message)
		return
	}
	s.logger.Error("request failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "internal error")
}

// resolveClient checks that the operator may query clientID and loads
// the client.
func (s *Server) resolveClient(ctx context.Context, clientID string) (*clients.Client, error) {
	if !auth.FromContext(ctx).CanAccess(clientID) {
		return nil, &apiError{http.StatusForbidden, fmt.Sprintf("operator may not access client %q", clientID)}
	}
	c, err := s.clients.Get(ctx, clientID)
	if errors.Is(err, clients.ErrNotFound) {
		return nil, &apiError{http.StatusNotFound, fmt.Sprintf("client %q not found", clientID)}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client %s: %w", clientID, err)
	}
	return c, nil
}

// ownedConversation loads a conversation the operator may see. A
// conversation of an inaccessible client is reported as not found.
func (s *Server) ownedConversation(ctx context.Context, id string) (*memory.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, &apiError{http.StatusNotFound, "conversation not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if !auth.FromContext(ctx).CanAccess(conv.ClientID) {
		return nil, &apiError{http.StatusNotFound, "conversation not found"}
	}
	return conv, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla default: same origin
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
