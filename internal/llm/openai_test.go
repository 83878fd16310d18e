// ABOUTME: Tests for the OpenAI adapter against a fake Chat Completions server
// ABOUTME: Covers tool call parsing, tool message translation and error classification

package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/robertvill8/orbit-backend/internal/apperr"
)

func newOpenAITestServer(t *testing.T, status int, body string) (*OpenAIGateway, *capture) {
	t.Helper()
	captured := &capture{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		captured.set(data)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	gw := NewOpenAIGateway(Config{
		APIKey:       "test-key",
		BaseURL:      srv.URL + "/",
		Model:        "gpt-4o-mini",
		MaxTokens:    512,
		SystemPrompt: "You are Orbit.",
	}, 0, nil)
	return gw, captured
}

func TestOpenAI_ParsesToolCalls(t *testing.T) {
	gw, captured := newOpenAITestServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-4o-mini",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "search_email", "arguments": "{\"query\":\"invoice\"}"}
				}]
			}
		}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24}
	}`)

	resp, err := gw.Complete(context.Background(), []Message{TextMessage(RoleUser, "find invoices")}, testTools)
	require.NoError(t, err)

	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Empty(t, resp.Text)
	require.Len(t, resp.ToolUses, 1)
	assert.Equal(t, "call_1", resp.ToolUses[0].ID)
	assert.JSONEq(t, `{"query":"invoice"}`, string(resp.ToolUses[0].Input))
	assert.Equal(t, int64(24), resp.Usage.Total())

	body := captured.get()
	assert.Equal(t, "gpt-4o-mini", gjson.Get(body, "model").String())
	assert.Equal(t, "system", gjson.Get(body, "messages.0.role").String())
	assert.Equal(t, "function", gjson.Get(body, "tools.0.type").String())
	assert.Equal(t, "search_email", gjson.Get(body, "tools.0.function.name").String())
}

func TestOpenAI_ToolResultsBecomeToolMessages(t *testing.T) {
	gw, captured := newOpenAITestServer(t, http.StatusOK, `{
		"id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Found 2."}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`)

	history := []Message{
		TextMessage(RoleUser, "find invoices"),
		{Role: RoleAssistant, Blocks: []ContentBlock{
			{Type: BlockToolUse, ToolUseID: "call_1", ToolName: "search_email", Input: json.RawMessage(`{"query":"invoice"}`)},
		}},
		{Role: RoleUser, Blocks: []ContentBlock{
			{Type: BlockToolResult, ToolUseID: "call_1", Content: `{"count":2}`},
		}},
	}

	resp, err := gw.Complete(context.Background(), history, testTools)
	require.NoError(t, err)
	assert.Equal(t, "Found 2.", resp.FullText())
	assert.Equal(t, StopEndTurn, resp.StopReason)

	body := captured.get()
	assert.Equal(t, "assistant", gjson.Get(body, "messages.2.role").String())
	assert.Equal(t, "call_1", gjson.Get(body, "messages.2.tool_calls.0.id").String())
	assert.Equal(t, "tool", gjson.Get(body, "messages.3.role").String())
	assert.Equal(t, "call_1", gjson.Get(body, "messages.3.tool_call_id").String())
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	gw, _ := newOpenAITestServer(t, http.StatusUnauthorized,
		`{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	_, err := gw.Complete(context.Background(), []Message{TextMessage(RoleUser, "hi")}, nil)
	assert.ErrorIs(t, err, apperr.ErrPermanent)

	gw, _ = newOpenAITestServer(t, http.StatusBadGateway,
		`{"error":{"message":"upstream","type":"server_error"}}`)
	_, err = gw.Complete(context.Background(), []Message{TextMessage(RoleUser, "hi")}, nil)
	assert.ErrorIs(t, err, apperr.ErrTransient)
}
