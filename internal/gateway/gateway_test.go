// ABOUTME: Tests for gateway construction, lifecycle and the non-chat endpoints
// ABOUTME: Covers health checks, JWT mode, graceful shutdown and websocket delivery

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertvill8/orbit-backend/internal/auth"
	"github.com/robertvill8/orbit-backend/internal/delivery"
)

func TestNew_UnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "parrot"

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm provider")
}

func TestNew_InvalidRetentionSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Enabled = true
	cfg.Retention.Schedule = "whenever"
	cfg.Retention.MaxAge = time.Hour

	_, err := New(cfg, nil, WithLLMGateway(&fakeLLM{}))
	assert.Error(t, err)
}

func TestNew_BuildsProviderGateway(t *testing.T) {
	for _, provider := range []string{"anthropic", "openai"} {
		t.Run(provider, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.LLM.Provider = provider
			cfg.LLM.APIKey = "test-key"
			cfg.Workflows.BaseURL = "http://127.0.0.1:1"
			cfg.Workflows.MaxRetries = 1

			gw, err := New(cfg, nil)
			require.NoError(t, err)
			assert.NoError(t, gw.Shutdown(context.Background()))
		})
	}
}

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleReady(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	require.NoError(t, gw.store.Close())
	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", rec.Body.String())
}

func TestJWTAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "test-secret"
	gw := newTestGateway(t, cfg, &fakeLLM{})

	token, err := auth.NewJWTVerifier([]byte("test-secret")).Generate("u1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", strings.NewReader(chatBody("", "hi")))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(gw, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	session, err := gw.store.GetSession(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "u1", session.UserID)

	// the header fallback is ignored once a secret is configured
	rec = serve(gw, newRequest(http.MethodGet, "/api/sessions", "u1", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// health stays public
	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_GracefulShutdown(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// a second shutdown is a no-op
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestWebSocket_ReceivesSessionAndUserFrames(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	first := postChat(t, gw, "u1", "", "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?session_id=" + first.SessionID
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{auth.UserIDHeader: []string{"u1"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool {
		return gw.hub.Subscribers(delivery.SessionDestination(first.SessionID)) == 1 &&
			gw.hub.Subscribers(delivery.UserDestination("u1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	second := postChat(t, gw, "u1", first.SessionID, "again")

	seen := map[string]bool{}
	for !seen["message"] || !seen["activity"] {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var frame struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
			MessageID string `json:"message_id"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		seen[frame.Type] = true
		assert.Equal(t, first.SessionID, frame.SessionID)
		if frame.Type == "message" {
			assert.Equal(t, second.ID, frame.MessageID)
		}
	}
}

func TestWebSocket_Rejections(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), &fakeLLM{})
	first := postChat(t, gw, "u1", "", "hello")

	tests := []struct {
		name       string
		path       string
		userID     string
		wantStatus int
	}{
		{"unauthenticated", "/api/ws", "", http.StatusUnauthorized},
		{"unknown session", "/api/ws?session_id=nope", "u1", http.StatusNotFound},
		{"other user's session", "/api/ws?session_id=" + first.SessionID, "u2", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(gw, newRequest(http.MethodGet, tt.path, tt.userID, ""))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
