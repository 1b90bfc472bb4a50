// Package anthropic adapts the Anthropic Claude Messages API to the
// provider.Provider contract. It is intentionally thin: it covers text,
// tool-use, and reasoning ("thinking") content plus usage metadata, and
// leaves multimodal inputs, prompt caching, and citations to a fuller
// adapter than this runtime's scope calls for.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

// MessagesClient captures the subset of the Anthropic SDK client the adapter
// depends on, so tests can substitute a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter's default model and sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements provider.Provider on top of Anthropic Claude Messages.
type Client struct {
	msg    MessagesClient
	model  string
	maxTok int
	temp   float64
}

// New builds a Client from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{msg: msg, model: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Stream issues a Messages.NewStreaming request and adapts its SSE events
// into the provider.Event taxonomy.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params, toolNames, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	sdkStream := c.msg.NewStreaming(ctx, *params)
	if err := sdkStream.Err(); err != nil {
		return nil, classifyError("messages.new_stream", err)
	}
	return newStream(ctx, sdkStream, toolNames), nil
}

func (c *Client) prepareRequest(req provider.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max tokens must be positive")
	}

	toolParams, nameMap, err := encodeTools(req.ToolSpecs)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(*req.ToolChoice)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nameMap, nil
}

func encodeMessages(msgs []block.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch v := b.(type) {
			case block.Text:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case block.ToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(v.ToolUseID, decodeInput(v.Input), v.Name))
			case block.ToolResult:
				blocks = append(blocks, encodeToolResult(v))
			case block.Reasoning:
				// Thinking blocks are provider-issued context echoed back on a
				// subsequent turn; omitted from this thin adapter.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case block.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case block.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func decodeInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

func encodeToolResult(v block.ToolResult) sdk.ContentBlockParamUnion {
	var sb strings.Builder
	for _, c := range v.Content {
		if t, ok := c.(block.Text); ok {
			sb.WriteString(t.Text)
		}
	}
	content := sb.String()
	if content == "" && v.Error != "" {
		content = v.Error
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.Status == block.ToolResultError)
}

func encodeTools(specs []provider.ToolSpec) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	params := make([]sdk.ToolUnionParam, 0, len(specs))
	names := make(map[string]string, len(specs))
	for _, spec := range specs {
		var schemaFields map[string]any
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &schemaFields); err != nil {
				return nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", spec.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, spec.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		params = append(params, u)
		names[spec.Name] = spec.Name
	}
	return params, names, nil
}

func encodeToolChoice(choice provider.ToolChoice) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", provider.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case provider.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case provider.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case provider.ToolChoiceTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: tool choice mode \"tool\" requires a name")
		}
		return sdk.ToolChoiceParamOfTool(choice.Name), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context") && strings.Contains(msg, "too long"),
		strings.Contains(msg, "prompt is too long"):
		return provider.NewContextWindowOverflowError("anthropic", operation, err.Error(), err)
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return provider.NewThrottlingError("anthropic", operation, err.Error(), err)
	default:
		return provider.NewError("anthropic", operation, provider.KindUnknown, err.Error(), err)
	}
}
