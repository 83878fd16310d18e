// ABOUTME: Tests for the chat, stream, history and feed HTTP handlers
// ABOUTME: Runs real turns against a sqlite store with a scripted model

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertvill8/orbit-backend/internal/apperr"
	"github.com/robertvill8/orbit-backend/internal/auth"
	"github.com/robertvill8/orbit-backend/internal/config"
	"github.com/robertvill8/orbit-backend/internal/llm"
	"github.com/robertvill8/orbit-backend/internal/orchestrator"
	"github.com/robertvill8/orbit-backend/internal/store"
	"github.com/robertvill8/orbit-backend/internal/tools"
)

// fakeLLM returns scripted responses in order, then a default text reply.
type fakeLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	calls     int
	started   chan struct{}
	release   chan struct{}
}

func (f *fakeLLM) Complete(ctx context.Context, _ []llm.Message, _ []llm.ToolDefinition) (*llm.Response, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	started, release, err := f.started, f.release, f.err
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &llm.Response{
		StopReason: llm.StopEndTurn,
		Text:       []string{"Hello **there**"},
		Usage:      llm.Usage{InputTokens: 12, OutputTokens: 4},
	}, nil
}

func (f *fakeLLM) Provider() string { return "fake" }
func (f *fakeLLM) Model() string    { return "fake-1" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubWorkflows struct{}

func (stubWorkflows) Invoke(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`{"emails":[]}`), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "orbit.db")},
		LLM:      config.LLMConfig{Provider: "anthropic", Model: "test"},
		Orchestrator: config.OrchestratorConfig{
			HistoryWindow: 20,
			MaxRounds:     5,
			LockTimeout:   time.Second,
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config, model llm.Gateway) *Gateway {
	t.Helper()
	gw, err := New(cfg, nil, WithLLMGateway(model), WithWorkflowInvoker(stubWorkflows{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func newRequest(method, path, userID, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(auth.UserIDHeader, userID)
	}
	return req
}

func serve(gw *Gateway, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func chatBody(sessionID, message string) string {
	b, _ := json.Marshal(ChatRequest{SessionID: sessionID, Message: message})
	return string(b)
}

func postChat(t *testing.T, gw *Gateway, userID, sessionID, message string) ChatResponse {
	t.Helper()
	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", userID, chatBody(sessionID, message)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func parseSSE(t *testing.T, body string) []orchestrator.Event {
	t.Helper()
	var events []orchestrator.Event
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		data, ok := strings.CutPrefix(frame, "data: ")
		require.True(t, ok, "malformed frame %q", frame)
		var ev orchestrator.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHandleChatMessage_Reply(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", "u1", chatBody("", "hi")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"tool_calls":[]`)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hello **there**", resp.Reply)
	assert.NotEmpty(t, resp.ID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, int64(16), resp.TokensUsed)
	assert.False(t, resp.RoundLimitReached)
	assert.False(t, resp.CreatedAt.IsZero())
}

func TestHandleChatMessage_ToolCall(t *testing.T) {
	model := &fakeLLM{responses: []*llm.Response{{
		StopReason: llm.StopToolUse,
		ToolUses: []llm.ToolUse{{
			ID:    "toolu_1",
			Name:  tools.CreateTask,
			Input: json.RawMessage(`{"title":"Call mom","priority":"high"}`),
		}},
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 5},
	}}}
	gw := newTestGateway(t, testConfig(t), model)

	resp := postChat(t, gw, "u1", "", "remind me to call mom")
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, tools.CreateTask, resp.ToolCalls[0].Name)
	assert.True(t, resp.ToolCalls[0].Success)
	assert.Equal(t, "Call mom", resp.ToolCalls[0].Result["title"])
	assert.Equal(t, "Hello **there**", resp.Reply)
	assert.Equal(t, 2, model.callCount())
}

func TestHandleChatMessage_Validation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", "not json", "invalid JSON body"},
		{"missing message", `{"session_id":"s1"}`, "message is required"},
		{"blank message", `{"message":"   "}`, "message is required"},
		{"too long", chatBody("", strings.Repeat("é", maxMessageRunes+1)), "message exceeds 10000 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", "u1", tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantErr, errorBody(t, rec))
		})
	}
}

func TestHandleChatMessage_Unauthenticated(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", "", chatBody("", "hi")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChatMessage_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	rec := serve(gw, newRequest(http.MethodGet, "/api/chat/message", "u1", ""))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleChatMessage_SessionNotOwned(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	first := postChat(t, gw, "alice", "", "hello")

	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", "bob", chatBody(first.SessionID, "let me in")))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, orchestrator.ErrSessionNotOwned.Error(), errorBody(t, rec))
}

func TestHandleChatMessage_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"transient", apperr.Transient("anthropic", 529, errors.New("overloaded")), http.StatusServiceUnavailable},
		{"permanent", apperr.Permanent("anthropic", 400, errors.New("bad request")), http.StatusBadGateway},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t, testConfig(t), &fakeLLM{err: tt.err})
			rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", "u1", chatBody("", "hi")))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleChatMessage_IdempotencyReplay(t *testing.T) {
	model := &fakeLLM{}
	gw := newTestGateway(t, testConfig(t), model)

	send := func(userID string) *httptest.ResponseRecorder {
		req := newRequest(http.MethodPost, "/api/chat/message", userID, chatBody("", "hi"))
		req.Header.Set(IdempotencyKeyHeader, "key-1")
		return serve(gw, req)
	}

	first := send("u1")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get(IdempotentReplayHeader))

	second := send("u1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(IdempotentReplayHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, model.callCount())

	// keys are scoped per user
	other := send("u2")
	require.Equal(t, http.StatusOK, other.Code)
	assert.Empty(t, other.Header().Get(IdempotentReplayHeader))
	assert.Equal(t, 2, model.callCount())
}

func TestHandleChatMessage_IdempotencyFailureNotCached(t *testing.T) {
	model := &fakeLLM{err: apperr.Transient("anthropic", 503, errors.New("down"))}
	gw := newTestGateway(t, testConfig(t), model)

	send := func() *httptest.ResponseRecorder {
		req := newRequest(http.MethodPost, "/api/chat/message", "u1", chatBody("", "hi"))
		req.Header.Set(IdempotencyKeyHeader, "retry-me")
		return serve(gw, req)
	}

	assert.Equal(t, http.StatusServiceUnavailable, send().Code)

	model.mu.Lock()
	model.err = nil
	model.mu.Unlock()

	rec := send()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(IdempotentReplayHeader))
}

func TestHandleChatMessage_SessionBusy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.LockTimeout = 100 * time.Millisecond
	model := &fakeLLM{started: make(chan struct{}, 1), release: make(chan struct{})}
	gw := newTestGateway(t, cfg, model)

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		firstDone <- serve(gw, newRequest(http.MethodPost, "/api/chat/message", "u1", chatBody("busy-session", "first")))
	}()

	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the model")
	}

	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", "u1", chatBody("busy-session", "second")))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, orchestrator.ErrSessionBusy.Error(), errorBody(t, rec))

	close(model.release)
	select {
	case first := <-firstDone:
		assert.Equal(t, http.StatusOK, first.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("first turn did not finish")
	}
}

func TestHandleChatStream_Events(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/stream", "u1", chatBody("", "hi")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := parseSSE(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, orchestrator.EventStart, events[0].Type)
	sessionID := events[0].SessionID
	assert.NotEmpty(t, sessionID)

	last := events[len(events)-1]
	assert.Equal(t, orchestrator.EventEnd, last.Type)
	assert.Equal(t, sessionID, last.SessionID)
	require.NotNil(t, last.TokensUsed)
	assert.Equal(t, int64(16), *last.TokensUsed)

	var text strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		assert.Equal(t, orchestrator.EventToken, ev.Type)
		text.WriteString(ev.Content)
	}
	assert.Equal(t, "Hello **there**", text.String())

	msgs, err := gw.store.GetRecent(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, text.String(), msgs[1].Content)
	assert.Equal(t, last.MessageID, msgs[1].ID)
}

func TestHandleChatStream_ErrorEvent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unclassified", errors.New("model exploded at 0xc000123"), "internal server error"},
		{"transient", apperr.Transient("anthropic", 529, errors.New("overloaded")), "upstream service unavailable"},
		{"permanent", apperr.Permanent("anthropic", 401, errors.New("invalid x-api-key sk-live")), "upstream service rejected the request"},
		{"persistence", apperr.Persistence("append message", errors.New("SQL logic error: no such table")), "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t, testConfig(t), &fakeLLM{err: tt.err})

			rec := serve(gw, newRequest(http.MethodPost, "/api/chat/stream", "u1", chatBody("", "hi")))
			require.Equal(t, http.StatusOK, rec.Code)

			events := parseSSE(t, rec.Body.String())
			require.Len(t, events, 2)
			assert.Equal(t, orchestrator.EventStart, events[0].Type)
			assert.Equal(t, orchestrator.EventError, events[1].Type)
			assert.Equal(t, tt.want, events[1].Message)

			// The JSON endpoint reports the same text for the same failure.
			rec = serve(gw, newRequest(http.MethodPost, "/api/chat/message", "u1", chatBody("", "hi")))
			assert.Equal(t, tt.want, errorBody(t, rec))
		})
	}
}

func TestHandleChatStream_RejectedBeforeStreaming(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	first := postChat(t, gw, "alice", "", "hello")

	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/stream", "bob", chatBody(first.SessionID, "hi")))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = serve(gw, newRequest(http.MethodPost, "/api/chat/stream", "bob", `{"message":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHistory(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	first := postChat(t, gw, "u1", "", "hi")

	path := "/api/chat/history/" + first.SessionID

	rec := serve(gw, newRequest(http.MethodGet, path, "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Equal(t, first.SessionID, hist.SessionID)
	assert.Equal(t, 2, hist.TotalCount)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "user", hist.Messages[0].Role)
	assert.Equal(t, "hi", hist.Messages[0].Content)
	assert.Equal(t, "assistant", hist.Messages[1].Role)
	assert.Equal(t, first.ID, hist.Messages[1].ID)
	assert.Less(t, hist.Messages[0].Seq, hist.Messages[1].Seq)
	assert.Empty(t, hist.Messages[1].ContentHTML)

	rec = serve(gw, newRequest(http.MethodGet, path+"?limit=1&offset=1&render=html", "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	hist = HistoryResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Equal(t, 2, hist.TotalCount)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "assistant", hist.Messages[0].Role)
	assert.Contains(t, hist.Messages[0].ContentHTML, "<strong>there</strong>")
}

func TestHandleHistory_Errors(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	first := postChat(t, gw, "u1", "", "hi")

	tests := []struct {
		name       string
		path       string
		userID     string
		wantStatus int
	}{
		{"other user", "/api/chat/history/" + first.SessionID, "u2", http.StatusForbidden},
		{"unknown session", "/api/chat/history/nope", "u1", http.StatusNotFound},
		{"bad limit", "/api/chat/history/" + first.SessionID + "?limit=0", "u1", http.StatusBadRequest},
		{"bad offset", "/api/chat/history/" + first.SessionID + "?offset=-1", "u1", http.StatusBadRequest},
		{"non-numeric limit", "/api/chat/history/" + first.SessionID + "?limit=ten", "u1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(gw, newRequest(http.MethodGet, tt.path, tt.userID, ""))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleListSessions(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	a := postChat(t, gw, "u1", "", "first conversation")
	b := postChat(t, gw, "u1", "", "second conversation")

	rec := serve(gw, newRequest(http.MethodGet, "/api/sessions", "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 2)

	ids := []string{resp.Sessions[0].ID, resp.Sessions[1].ID}
	assert.ElementsMatch(t, []string{a.SessionID, b.SessionID}, ids)

	rec = serve(gw, newRequest(http.MethodGet, "/api/sessions", "u2", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestHandleListActivities(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	a := postChat(t, gw, "u1", "", "first")
	postChat(t, gw, "u1", "", "second")

	rec := serve(gw, newRequest(http.MethodGet, "/api/activities", "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListActivitiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Activities, 2)
	for _, act := range resp.Activities {
		assert.Equal(t, store.ActivityMessageProcessed, act.Kind)
		assert.Equal(t, "u1", act.UserID)
	}

	rec = serve(gw, newRequest(http.MethodGet, "/api/activities?session_id="+a.SessionID, "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = ListActivitiesResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Activities, 1)
	assert.Equal(t, a.SessionID, resp.Activities[0].SessionID)

	rec = serve(gw, newRequest(http.MethodGet, "/api/activities?kind="+store.ActivityTurnFailed, "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"activities":[]}`, rec.Body.String())

	rec = serve(gw, newRequest(http.MethodGet, "/api/activities?limit=5000", "u1", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUsageStats(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	postChat(t, gw, "u1", "", "hi")

	rec := serve(gw, newRequest(http.MethodGet, "/api/stats/usage", "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats UsageStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.RequestCount)
	assert.Equal(t, int64(12), stats.PromptTokens)
	assert.Equal(t, int64(4), stats.CompletionTokens)
	assert.Equal(t, int64(16), stats.TotalTokens)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = serve(gw, newRequest(http.MethodGet, "/api/stats/usage?since="+future, "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	stats = UsageStatsResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.RequestCount)

	rec = serve(gw, newRequest(http.MethodGet, "/api/stats/usage?since=yesterday", "u1", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUsageStats_ScopedToCaller(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	first := postChat(t, gw, "alice", "", "hi")
	postChat(t, gw, "alice", first.SessionID, "again")
	postChat(t, gw, "bob", "", "hello")

	usage := func(userID, query string) UsageStatsResponse {
		t.Helper()
		rec := serve(gw, newRequest(http.MethodGet, "/api/stats/usage"+query, userID, ""))
		require.Equal(t, http.StatusOK, rec.Code)
		var stats UsageStatsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		return stats
	}

	assert.Equal(t, int64(2), usage("alice", "").RequestCount)
	assert.Equal(t, int64(1), usage("bob", "").RequestCount)
	assert.Zero(t, usage("carol", "").RequestCount)

	// another user's session id yields nothing rather than their usage
	assert.Zero(t, usage("bob", "?session_id="+first.SessionID).RequestCount)
	assert.Equal(t, int64(2), usage("alice", "?session_id="+first.SessionID).RequestCount)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	gw := newTestGateway(t, cfg, &fakeLLM{})

	postChat(t, gw, "u1", "", "hi")

	rec := serve(gw, newRequest(http.MethodPost, "/api/chat/message", "u1", chatBody("", "again")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// other users have their own bucket
	postChat(t, gw, "u2", "", "hi")

	// read endpoints are not limited
	rec = serve(gw, newRequest(http.MethodGet, "/api/sessions", "u1", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserLimiter_Refill(t *testing.T) {
	l := newUserLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("u1"))
	assert.False(t, l.allow("u1"))
	assert.True(t, l.allow("u2"))

	now = now.Add(61 * time.Second)
	assert.True(t, l.allow("u1"))
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{orchestrator.ErrEmptyMessage, http.StatusBadRequest},
		{orchestrator.ErrMissingUser, http.StatusBadRequest},
		{orchestrator.ErrSessionNotOwned, http.StatusForbidden},
		{fmt.Errorf("get session: %w", store.ErrNotFound), http.StatusNotFound},
		{orchestrator.ErrSessionBusy, http.StatusConflict},
		{fmt.Errorf("llm call: %w", apperr.Permanent("openai", 401, errors.New("bad key"))), http.StatusBadGateway},
		{fmt.Errorf("llm call: %w", apperr.Transient("openai", 503, errors.New("down"))), http.StatusServiceUnavailable},
		{apperr.Persistence("append user message", errors.New("disk full")), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, msg := errorStatus(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.NotEmpty(t, msg)
		})
	}
}
