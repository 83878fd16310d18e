// ABOUTME: HTTP API handlers for chat turns, SSE streaming, history and activity feeds
// ABOUTME: Maps orchestrator and store errors onto JSON error responses

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"

	"github.com/robertvill8/orbit-backend/internal/apperr"
	"github.com/robertvill8/orbit-backend/internal/auth"
	"github.com/robertvill8/orbit-backend/internal/idempotency"
	"github.com/robertvill8/orbit-backend/internal/orchestrator"
	"github.com/robertvill8/orbit-backend/internal/store"
)

const (
	maxMessageRunes = 10000
	maxBodyBytes    = 1 << 20

	// IdempotencyKeyHeader lets clients retry POST /api/chat/message safely.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader is set on responses served from the cache.
	IdempotentReplayHeader = "Idempotent-Replayed"
)

// ChatRequest is the JSON request body for POST /api/chat/message and /api/chat/stream.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ChatResponse is the JSON response for POST /api/chat/message.
type ChatResponse struct {
	ID                string                  `json:"id"`
	Reply             string                  `json:"reply"`
	SessionID         string                  `json:"session_id"`
	ToolCalls         []orchestrator.ToolCall `json:"tool_calls"`
	TokensUsed        int64                   `json:"tokens_used"`
	RoundLimitReached bool                    `json:"round_limit_reached"`
	CreatedAt         time.Time               `json:"created_at"`
}

// MessageResponse is one stored message in a history page.
type MessageResponse struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	ContentHTML string         `json:"content_html,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// HistoryResponse is the JSON response for GET /api/chat/history/{session_id}.
type HistoryResponse struct {
	SessionID  string            `json:"session_id"`
	Messages   []MessageResponse `json:"messages"`
	TotalCount int               `json:"total_count"`
}

// SessionResponse describes one conversation session.
type SessionResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// ListActivitiesResponse is the JSON response for GET /api/activities.
type ListActivitiesResponse struct {
	Activities []store.Activity `json:"activities"`
}

// UsageStatsResponse is the JSON response for GET /api/stats/usage.
type UsageStatsResponse struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	RequestCount     int64 `json:"request_count"`
}

// parseChatRequest decodes and validates a ChatRequest.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	if utf8.RuneCountInString(req.Message) > maxMessageRunes {
		return nil, fmt.Errorf("message exceeds %d characters", maxMessageRunes)
	}
	return &req, nil
}

func toChatResponse(res *orchestrator.TurnResult) ChatResponse {
	calls := res.ToolCalls
	if calls == nil {
		calls = []orchestrator.ToolCall{}
	}
	return ChatResponse{
		ID:                res.MessageID,
		Reply:             res.Reply,
		SessionID:         res.SessionID,
		ToolCalls:         calls,
		TokensUsed:        res.TokensUsed,
		RoundLimitReached: res.RoundLimitReached,
		CreatedAt:         res.CreatedAt,
	}
}

// handleChatMessage handles POST /api/chat/message.
// It runs one turn to completion and returns the persisted reply. A request
// carrying an Idempotency-Key that already succeeded is answered from cache.
func (g *Gateway) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	req, err := parseChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cacheKey string
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		cacheKey = idempotency.Key(userID, key)
		cached, state := g.idempotency.Begin(cacheKey)
		switch state {
		case idempotency.StateDone:
			w.Header().Set(IdempotentReplayHeader, "true")
			writeJSONBytes(w, cached.Status, cached.Body)
			return
		case idempotency.StateInFlight:
			g.sendJSONError(w, http.StatusConflict, "a request with this idempotency key is already in progress")
			return
		}
	}

	res, err := g.engine.RunTurn(r.Context(), orchestrator.TurnRequest{
		SessionID: req.SessionID,
		UserID:    userID,
		Text:      req.Message,
	})
	if err != nil {
		if cacheKey != "" {
			g.idempotency.Abandon(cacheKey)
		}
		g.sendTurnError(w, err)
		return
	}

	body, err := json.Marshal(toChatResponse(res))
	if err != nil {
		if cacheKey != "" {
			g.idempotency.Abandon(cacheKey)
		}
		g.logger.Error("failed to marshal chat response", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if cacheKey != "" {
		g.idempotency.Complete(cacheKey, idempotency.Response{Status: http.StatusOK, Body: body})
	}
	writeJSONBytes(w, http.StatusOK, body)
}

// handleChatStream handles POST /api/chat/stream.
// The turn's events are written as SSE frames `data: {json}\n\n`, each with a
// "type" field, ending with exactly one "end" or "error" frame.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	req, err := parseChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before starting the turn (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := g.engine.StreamTurn(r.Context(), orchestrator.TurnRequest{
		SessionID: req.SessionID,
		UserID:    userID,
		Text:      req.Message,
	})
	if err != nil {
		g.sendTurnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeSSEData(w, ev); err != nil {
			g.logger.Debug("stream client gone", "error", err)
			continue
		}
		flusher.Flush()
	}
}

// writeSSEData writes v as a single unnamed SSE frame.
func writeSSEData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal SSE data: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleHistory handles GET /api/chat/history/{session_id}.
// Messages are returned oldest first. render=html adds a goldmark rendering
// of each message's markdown content.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	sessionID := r.PathValue("session_id")

	limit, err := intQuery(r, "limit", 50, 1, 200)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intQuery(r, "offset", 0, 0, 1<<31-1)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := g.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get session", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if session.UserID != userID {
		g.sendJSONError(w, http.StatusForbidden, orchestrator.ErrSessionNotOwned.Error())
		return
	}

	msgs, total, err := g.store.ListMessages(r.Context(), sessionID, limit, offset)
	if err != nil {
		g.logger.Error("failed to list messages", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	renderHTML := r.URL.Query().Get("render") == "html"
	resp := HistoryResponse{
		SessionID:  sessionID,
		Messages:   make([]MessageResponse, 0, len(msgs)),
		TotalCount: total,
	}
	for _, m := range msgs {
		item := MessageResponse{
			ID:        m.ID,
			Seq:       m.Seq,
			Role:      string(m.Role),
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		}
		if renderHTML {
			item.ContentHTML = g.renderMarkdown(m.Content)
		}
		resp.Messages = append(resp.Messages, item)
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// renderMarkdown converts message markdown to HTML. Raw HTML in the source
// is not passed through.
func (g *Gateway) renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return "<p>" + html.EscapeString(content) + "</p>"
	}
	return buf.String()
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50, 1, 100)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := g.store.ListSessions(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, SessionResponse{
			ID:        s.ID,
			Title:     s.Title,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListActivities handles GET /api/activities.
// Supports optional ?kind= and ?session_id= filters.
func (g *Gateway) handleListActivities(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50, 1, 1000)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.ActivityFilter{
		UserID: auth.UserID(r.Context()),
		Limit:  limit,
	}
	q := r.URL.Query()
	if kind := q.Get("kind"); kind != "" {
		filter.Kind = &kind
	}
	if sessionID := q.Get("session_id"); sessionID != "" {
		filter.SessionID = &sessionID
	}

	activities, err := g.store.ListActivities(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list activities", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if activities == nil {
		activities = []store.Activity{}
	}
	g.sendJSON(w, http.StatusOK, ListActivitiesResponse{Activities: activities})
}

// handleUsageStats handles GET /api/stats/usage.
// Usage is limited to the caller's sessions. Supports optional ?session_id=
// and an RFC3339 ?since= lower bound.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	filter := store.UsageFilter{UserID: &userID}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		filter.SessionID = &sessionID
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = &t
	}
	filter.Since = since

	stats, err := g.store.GetLLMUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to get usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, UsageStatsResponse{
		PromptTokens:     stats.PromptTokens,
		CompletionTokens: stats.CompletionTokens,
		TotalTokens:      stats.TotalTokens,
		RequestCount:     stats.RequestCount,
	})
}

// intQuery reads an integer query parameter bounded to [lo, hi].
func intQuery(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

// errorStatus maps a turn error to an HTTP status and client-facing message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrMissingUser):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrSessionNotOwned):
		return http.StatusForbidden, orchestrator.ErrSessionNotOwned.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, orchestrator.ErrSessionBusy):
		return http.StatusConflict, orchestrator.ErrSessionBusy.Error()
	case errors.Is(err, apperr.ErrPermanent):
		return http.StatusBadGateway, "upstream service rejected the request"
	case errors.Is(err, apperr.ErrTransient):
		return http.StatusServiceUnavailable, "upstream service unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// clientErrorMessage is the text a failed turn shows in SSE error events and
// the activity feed, matching the JSON error body.
func clientErrorMessage(err error) string {
	_, msg := errorStatus(err)
	return msg
}

// sendTurnError writes the JSON error for a failed turn.
func (g *Gateway) sendTurnError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("turn failed", "status", status, "error", err)
	}
	g.sendJSONError(w, status, msg)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("failed to marshal response", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSONBytes(w, status, body)
}

func writeJSONBytes(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
