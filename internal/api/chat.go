package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portalworks/analyst/internal/agent"
	"github.com/portalworks/analyst/internal/events"
)

const (
	// streamWriteTimeout is the write deadline, renewed on every event.
	streamWriteTimeout = 120 * time.Second
	maxRequestBytes    = 1 << 20
	wsHandshakeWait    = 30 * time.Second
)

// ChatResponse is the body of the non-streaming chat endpoint.
type ChatResponse struct {
	Reply          string `json:"reply,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

func decodeChatRequest(r io.Reader) (*agent.Request, error) {
	var req agent.Request
	if err := json.NewDecoder(io.LimitReader(r, maxRequestBytes)).Decode(&req); err != nil {
		return nil, &apiError{http.StatusBadRequest, "invalid request body"}
	}
	return &req, nil
}

// admitChat runs every check that can fail before the first event:
// request shape, client access, and conversation ownership. On success
// req.Client is resolved.
func (s *Server) admitChat(ctx context.Context, req *agent.Request) error {
	if err := req.Validate(); err != nil {
		return &apiError{http.StatusBadRequest, err.Error()}
	}
	c, err := s.resolveClient(ctx, req.ClientID)
	if err != nil {
		return err
	}
	req.Client = c

	if req.ConversationID != "" {
		conv, err := s.ownedConversation(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		if conv.ClientID != req.ClientID {
			return &apiError{http.StatusNotFound, "conversation not found"}
		}
	}
	return nil
}

// observed counts delivered events when metrics are enabled.
func (s *Server) observed(em events.Emitter) events.Emitter {
	if s.metrics == nil {
		return em
	}
	return events.Observed(em, s.metrics.ObserveStreamEvent)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admitChat(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	ndjson := events.NewNDJSONWriter(w)
	em := s.observed(events.EmitterFunc(func(e events.Event) error {
		// Multi-iteration tool loops outlast a fixed write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		return ndjson.Emit(e)
	}))

	_, err = s.loop.Run(r.Context(), req, em)
	if err != nil {
		s.logger.Warn("chat stream ended with error", "client_id", req.ClientID, "error", err)
	}
	if !ndjson.Closed() {
		// Every stream ends with exactly one done or error line.
		msg := "The answer stream ended unexpectedly."
		if err != nil {
			msg = err.Error()
		}
		if emitErr := em.Emit(events.Error{Message: msg}); emitErr != nil {
			s.logger.Debug("failed to terminate stream", "error", emitErr)
		}
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admitChat(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}

	collector := &events.Collector{}
	res, runErr := s.loop.Run(r.Context(), req, s.observed(collector))

	var resp ChatResponse
	if res != nil {
		resp.ConversationID = res.ConversationID
	}
	status := http.StatusOK
	for _, e := range collector.Events() {
		if ev, ok := e.(events.Error); ok {
			resp.Error = ev.Message
		}
	}
	if runErr != nil {
		status = http.StatusBadGateway
		if errors.Is(runErr, agent.ErrInvalidRequest) {
			status = http.StatusBadRequest
		} else if errors.Is(runErr, agent.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		if resp.Error == "" {
			resp.Error = runErr.Error()
		}
	} else {
		resp.Reply = collector.Answer()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, resp, s.logger)
}

// handleChatWebSocket upgrades, reads the chat request from the first
// text frame, then streams events as frames. Failures after the upgrade
// are reported as a single error event.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	em := s.observed(events.NewWebSocketEmitter(conn))

	conn.SetReadLimit(maxRequestBytes)
	if err := conn.SetReadDeadline(time.Now().Add(wsHandshakeWait)); err != nil {
		s.logger.Debug("failed to set read deadline", "error", err)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before request", "error", err)
		return
	}
	if msgType != websocket.TextMessage {
		em.Emit(events.Error{Message: "the first frame must be a JSON chat request"})
		return
	}
	req, err := decodeChatRequest(bytes.NewReader(data))
	if err == nil {
		err = s.admitChat(ctx, req)
	}
	if err != nil {
		var apiErr *apiError
		msg := "internal error"
		if errors.As(err, &apiErr) {
			msg = apiErr.message
		} else {
			s.logger.Error("websocket chat rejected", "error", err)
		}
		em.Emit(events.Error{Message: msg})
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Debug("failed to clear read deadline", "error", err)
	}

	// A peer close cancels the turn.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	if _, err := s.loop.Run(ctx, req, em); err != nil {
		s.logger.Warn("websocket chat ended with error", "client_id", req.ClientID, "error", err)
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("websocket close failed", "error", err)
	}
}
