// ABOUTME: OpenAI Chat Completions adapter for the Gateway interface
// ABOUTME: Maps tool_use/tool_result blocks onto function tool calls and tool messages

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/robertvill8/orbit-backend/internal/apperr"
)

// OpenAIGateway calls an OpenAI-compatible Chat Completions endpoint.
type OpenAIGateway struct {
	client openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewOpenAIGateway creates an OpenAI-backed gateway with SDK retries disabled.
func NewOpenAIGateway(cfg Config, timeout time.Duration, logger *slog.Logger) *OpenAIGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	return &OpenAIGateway{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With("component", "llm", "provider", "openai"),
	}
}

// Provider returns "openai".
func (g *OpenAIGateway) Provider() string { return "openai" }

// Model returns the configured model id.
func (g *OpenAIGateway) Model() string { return g.cfg.Model }

// Complete sends the conversation and returns the parsed response.
func (g *OpenAIGateway) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:               g.cfg.Model,
		Messages:            buildOpenAIMessages(g.cfg.SystemPrompt, messages),
		MaxCompletionTokens: openai.Int(g.cfg.MaxTokens),
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = openai.Float(g.cfg.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = buildOpenAITools(tools)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.Permanent("llm", 0, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0]
	out := &Response{
		StopReason: StopEndTurn,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if choice.Message.Content != "" {
		out.Text = append(out.Text, choice.Message.Content)
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			g.logger.Warn("tool call arguments are not valid JSON", "tool", tc.Function.Name)
		}
		out.ToolUses = append(out.ToolUses, ToolUse{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: rawInput(input),
		})
	}

	switch choice.FinishReason {
	case "tool_calls":
		out.StopReason = StopToolUse
	case "length":
		out.StopReason = StopMaxTokens
	}

	return out, nil
}

// buildOpenAIMessages converts neutral messages to chat messages. Tool results
// become one tool message each, following the assistant message that called them.
func buildOpenAIMessages(systemPrompt string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}

	for _, m := range messages {
		var text []string
		var calls []openai.ChatCompletionMessageToolCallParam
		var results []openai.ChatCompletionMessageParamUnion

		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					text = append(text, b.Text)
				}
			case BlockToolUse:
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: b.ToolUseID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      b.ToolName,
						Arguments: string(rawInput(b.Input)),
					},
				})
			case BlockToolResult:
				results = append(results, openai.ToolMessage(b.Content, b.ToolUseID))
			}
		}

		joined := strings.Join(text, "")
		switch m.Role {
		case RoleAssistant:
			if joined == "" && len(calls) == 0 {
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if joined != "" {
				assistant.Content.OfString = openai.String(joined)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			out = append(out, results...)
			if joined != "" {
				out = append(out, openai.UserMessage(joined))
			}
		}
	}

	return out
}

// buildOpenAITools converts tool definitions to function tools.
func buildOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.InputSchema),
			},
		}
	}
	return out
}

// classifyOpenAIError maps SDK errors onto the transient/permanent taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apperr.FromStatus("llm", apiErr.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("openai request canceled: %w", err)
	}
	return apperr.Transient("llm", 0, err)
}
