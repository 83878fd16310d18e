// ABOUTME: Provider-neutral message, tool and response types for language model calls
// ABOUTME: Defines the Gateway interface implemented by the Anthropic and OpenAI adapters

package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Role is the author of a message in the model's conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one piece of a message. Which fields are set depends on Type:
// Text for text, ToolUseID/ToolName/Input for tool_use, and
// ToolUseID/Content/IsError for tool_result.
type ContentBlock struct {
	Type      BlockType
	Text      string
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
	Content   string
	IsError   bool
}

// Message is a single conversation entry sent to the model.
type Message struct {
	Role   Role
	Blocks []ContentBlock
}

// TextMessage builds a message with a single text block.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolDefinition describes a tool the model may call. InputSchema is a JSON
// schema object with "properties" and "required".
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage holds token counts for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is the model's answer to one Complete call.
type Response struct {
	StopReason StopReason
	Text       []string
	ToolUses   []ToolUse
	Usage      Usage
}

// FullText concatenates the text blocks.
func (r *Response) FullText() string {
	return strings.Join(r.Text, "")
}

// WantsTools reports whether the model asked for tool execution.
func (r *Response) WantsTools() bool {
	return len(r.ToolUses) > 0
}

// Gateway sends a conversation to a language model.
// Errors are *apperr.ExternalError values classified as transient or permanent.
type Gateway interface {
	Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)
	Provider() string
	Model() string
}

// Config holds the provider-independent settings shared by the adapters.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int64
	Temperature  float64
	SystemPrompt string
}

// schemaRequired extracts the "required" list of a JSON schema as strings.
func schemaRequired(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// rawInput returns input, or an empty JSON object when input is empty.
func rawInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}
