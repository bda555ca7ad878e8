package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/portalworks/analyst/internal/auth"
	"github.com/portalworks/analyst/internal/memory"
	"github.com/yuin/goldmark"
)

const maxListLimit = 100

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	if !auth.FromContext(r.Context()).CanAccess(clientID) {
		s.errorResponse(w, http.StatusForbidden, fmt.Sprintf("operator may not access client %q", clientID))
		return
	}

	limit := min(parseIntParam(r, "limit", memory.DefaultListLimit), maxListLimit)
	convs, err := s.store.ListRecent(r.Context(), clientID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if convs == nil {
		convs = []memory.ConversationSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.ownedConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.LoadMessages(r.Context(), conv.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	conv, err := s.ownedConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), conv.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	conv, err := s.ownedConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.LoadMessages(r.Context(), conv.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	md := transcriptMarkdown(conv, msgs)
	short := conv.ID
	if len(short) > 8 {
		short = short[:8]
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "html"
	}
	switch format {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"conversation-%s.md\"", short))
		fmt.Fprint(w, md)
	case "html":
		page, err := renderHTML(conv.Title, md)
		if err != nil {
			s.writeError(w, fmt.Errorf("render transcript: %w", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"conversation-%s.html\"", short))
		fmt.Fprint(w, page)
	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use html or markdown)")
	}
}

// transcriptMarkdown renders a conversation as a markdown document.
// Assistant answers are markdown already and are embedded as is.
func transcriptMarkdown(conv *memory.Conversation, msgs []memory.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", conv.Title)
	fmt.Fprintf(&sb, "**Client:** %s  \n", conv.ClientID)
	fmt.Fprintf(&sb, "**Started:** %s  \n", conv.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "**Messages:** %d\n\n---\n\n", len(msgs))

	for _, m := range msgs {
		ts := m.CreatedAt.UTC().Format(time.TimeOnly)
		switch m.Role {
		case memory.RoleUser:
			fmt.Fprintf(&sb, "### Question [%s]\n\n%s\n\n", ts, quote(m.Content))
		default:
			fmt.Fprintf(&sb, "### Answer [%s]\n\n%s\n\n", ts, m.Content)
		}
	}
	return sb.String()
}

// quote renders operator text as a blockquote so it cannot restructure
// the document.
func quote(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// renderHTML converts markdown to a standalone printable page. Raw HTML
// in the markdown is dropped by goldmark's default renderer.
func renderHTML(title, md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: 2em auto;">
%s
</body></html>`, html.EscapeString(title), buf.String()), nil
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	if id := r.URL.Query().Get("conversation_id"); id != "" {
		conv, err := s.ownedConversation(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		sum, err := s.usage.ConversationSummary(r.Context(), conv.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{
			"conversationId": conv.ID,
			"usage":          sum,
		}, s.logger)
		return
	}

	// Cross-client totals are for operators with access to every client.
	if !auth.FromContext(r.Context()).CanAccess(auth.AllClients) {
		s.errorResponse(w, http.StatusForbidden, "conversation_id is required")
		return
	}
	days := parseIntParam(r, "days", 30)
	if days == 0 {
		days = 30
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	ctx := r.Context()
	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	byClient, err := s.usage.SummaryByClient(ctx, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":    start.Format(time.RFC3339),
		"end":      end.Format(time.RFC3339),
		"total":    total,
		"byModel":  byModel,
		"byClient": byClient,
	}, s.logger)
}
