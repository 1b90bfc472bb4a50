// Package openai adapts the OpenAI Chat Completions streaming API to the
// provider.Provider contract. Like the anthropic and bedrock adapters, this
// is a thin translation layer covering text, tool-use, and usage metadata.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

// ChatClient is the subset of the OpenAI SDK client the adapter depends on,
// so tests can substitute a fake.
type ChatClient interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the adapter's default model and sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements provider.Provider on top of OpenAI Chat Completions.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
	temp   float64
}

// New builds a Client from an OpenAI chat client and options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, model: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, opts)
}

// Stream issues a streaming chat completion request and adapts its SSE
// events into the provider.Event taxonomy.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	sdkStream := c.chat.NewStreaming(ctx, *params)
	if err := sdkStream.Err(); err != nil {
		return nil, classifyError("chat.completions.stream", err)
	}
	return newStream(ctx, sdkStream), nil
}

func (c *Client) prepareRequest(req provider.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	msgs, err := encodeMessages(req.SystemPrompt, req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: msgs,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	tools, err := encodeTools(req.ToolSpecs)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	return params, nil
}

func encodeMessages(systemPrompt string, msgs []block.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, sdk.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		var text strings.Builder
		var toolCalls []sdk.ChatCompletionMessageToolCallParam
		var toolResults []sdk.ChatCompletionMessageParamUnion
		for _, b := range m.Content {
			switch v := b.(type) {
			case block.Text:
				text.WriteString(v.Text)
			case block.ToolUse:
				toolCalls = append(toolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: v.ToolUseID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      v.Name,
						Arguments: decodeInputString(v.Input),
					},
				})
			case block.ToolResult:
				toolResults = append(toolResults, sdk.ToolMessage(resultText(v), v.ToolUseID))
			}
		}
		switch m.Role {
		case block.RoleUser:
			if text.Len() > 0 {
				out = append(out, sdk.UserMessage(text.String()))
			}
			out = append(out, toolResults...)
		case block.RoleAssistant:
			msg := sdk.ChatCompletionAssistantMessageParam{}
			if text.Len() > 0 {
				msg.Content.OfString = sdk.String(text.String())
			}
			msg.ToolCalls = toolCalls
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func decodeInputString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func resultText(v block.ToolResult) string {
	var sb strings.Builder
	for _, c := range v.Content {
		if t, ok := c.(block.Text); ok {
			sb.WriteString(t.Text)
		}
	}
	if sb.Len() == 0 && v.Error != "" {
		return v.Error
	}
	return sb.String()
}

func encodeTools(specs []provider.ToolSpec) ([]sdk.ChatCompletionToolParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		var params map[string]any
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &params); err != nil {
				return nil, err
			}
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: sdk.String(spec.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context_length_exceeded") || strings.Contains(msg, "maximum context length"):
		return provider.NewContextWindowOverflowError("openai", operation, err.Error(), err)
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return provider.NewThrottlingError("openai", operation, err.Error(), err)
	default:
		return provider.NewError("openai", operation, provider.KindUnknown, err.Error(), err)
	}
}
