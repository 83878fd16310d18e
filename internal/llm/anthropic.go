// ABOUTME: Anthropic Messages API adapter for the Gateway interface
// ABOUTME: Translates neutral messages and tools to anthropic-sdk-go params and classifies errors

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/robertvill8/orbit-backend/internal/apperr"
)

// continuationPlaceholder opens a context window that would otherwise start
// with an assistant turn, which the Messages API rejects.
const continuationPlaceholder = "(continuing our conversation)"

// AnthropicGateway calls Claude through the official SDK.
type AnthropicGateway struct {
	client anthropic.Client
	cfg    Config
	logger *slog.Logger
}

// NewAnthropicGateway creates an Anthropic-backed gateway. SDK retries are
// disabled so that failures surface once and are classified here.
func NewAnthropicGateway(cfg Config, timeout time.Duration, logger *slog.Logger) *AnthropicGateway {
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

	return &AnthropicGateway{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With("component", "llm", "provider", "anthropic"),
	}
}

// Provider returns "anthropic".
func (g *AnthropicGateway) Provider() string { return "anthropic" }

// Model returns the configured model id.
func (g *AnthropicGateway) Model() string { return g.cfg.Model }

// Complete sends the conversation and returns the parsed response.
func (g *AnthropicGateway) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		MaxTokens: g.cfg.MaxTokens,
		Messages:  buildAnthropicMessages(messages),
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(g.cfg.Temperature)
	}
	if g.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: g.cfg.SystemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = buildAnthropicTools(tools)
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	out := &Response{
		StopReason: StopEndTurn,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				out.Text = append(out.Text, text)
			}
		case "tool_use":
			tu := block.AsToolUse()
			out.ToolUses = append(out.ToolUses, ToolUse{
				ID:    tu.ID,
				Name:  tu.Name,
				Input: rawInput(tu.Input),
			})
		default:
			g.logger.Debug("ignoring content block", "type", block.Type)
		}
	}

	switch string(resp.StopReason) {
	case "tool_use":
		out.StopReason = StopToolUse
	case "max_tokens":
		out.StopReason = StopMaxTokens
	}

	return out, nil
}

// buildAnthropicMessages converts neutral messages to Anthropic message params.
// Empty text blocks and empty messages are dropped.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, rawInput(b.Input), b.ToolName))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if m.Role == RoleAssistant {
			if len(out) == 0 {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(continuationPlaceholder)))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	return out
}

// buildAnthropicTools converts tool definitions to Anthropic tool params.
func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if props, ok := tool.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = schemaRequired(tool.InputSchema)

		out[i] = anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			out[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}

	return out
}

// classifyAnthropicError maps SDK errors onto the transient/permanent taxonomy.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apperr.FromStatus("llm", apiErr.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("anthropic request canceled: %w", err)
	}
	return apperr.Transient("llm", 0, err)
}
