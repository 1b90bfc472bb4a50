// Package bedrock adapts the AWS Bedrock Converse API to the
// provider.Provider contract. Like the anthropic and openai adapters, this
// is a thin translation layer covering text, tool-use, and usage metadata;
// it omits citations, guardrails, and document/image inputs.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

// StreamOutput is the subset of *bedrockruntime.ConverseStreamOutput the
// adapter depends on; the real SDK type satisfies it, and tests can fake it
// without reconstructing the SDK's internal event-stream plumbing.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// RuntimeClient is the subset of *bedrockruntime.Client the adapter depends
// on, so tests can substitute a fake.
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// Options configures the adapter's default model and sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements provider.Provider on top of AWS Bedrock Converse.
type Client struct {
	runtime RuntimeClient
	model   string
	maxTok  int
	temp    float32
}

// New builds a Client from a Bedrock runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: runtime, model: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// awsRuntime adapts *bedrockruntime.Client to RuntimeClient; the SDK's
// concrete *bedrockruntime.ConverseStreamOutput already implements
// StreamOutput via its GetStream method.
type awsRuntime struct {
	client *bedrockruntime.Client
}

func (a *awsRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	return a.client.ConverseStream(ctx, params, optFns...)
}

// NewFromAWS builds a Client wrapping a real *bedrockruntime.Client.
func NewFromAWS(awsClient *bedrockruntime.Client, opts Options) (*Client, error) {
	if awsClient == nil {
		return nil, errors.New("bedrock: aws client is required")
	}
	return New(&awsRuntime{client: awsClient}, opts)
}

// Stream issues a ConverseStream request and adapts its event stream into
// the provider.Event taxonomy.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	input, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError("converse_stream", err)
	}
	return newStream(ctx, out.GetStream()), nil
}

func (c *Client) prepareRequest(req provider.Request) (*bedrockruntime.ConverseStreamInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  &modelID,
		Messages: msgs,
	}
	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	if tc := encodeTools(req.ToolSpecs, req.ToolChoice); tc != nil {
		input.ToolConfig = tc
	}
	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int32(c.maxTok)
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temp
	}
	cfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		cfg.MaxTokens = &maxTokens
	}
	if temp > 0 {
		cfg.Temperature = &temp
	}
	input.InferenceConfig = cfg
	return input, nil
}

func encodeMessages(msgs []block.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		content := make([]brtypes.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			switch v := b.(type) {
			case block.Text:
				if v.Text != "" {
					content = append(content, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case block.ToolUse:
				doc, err := decodeDocument(v.Input)
				if err != nil {
					return nil, err
				}
				content = append(content, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: &v.ToolUseID,
					Name:      &v.Name,
					Input:     doc,
				}})
			case block.ToolResult:
				content = append(content, encodeToolResult(v))
			}
		}
		if len(content) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == block.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{Role: role, Content: content})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeToolResult(v block.ToolResult) *brtypes.ContentBlockMemberToolResult {
	var sb strings.Builder
	for _, c := range v.Content {
		if t, ok := c.(block.Text); ok {
			sb.WriteString(t.Text)
		}
	}
	text := sb.String()
	if text == "" && v.Error != "" {
		text = v.Error
	}
	status := brtypes.ToolResultStatusSuccess
	if v.Status == block.ToolResultError {
		status = brtypes.ToolResultStatusError
	}
	return &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
		ToolUseId: &v.ToolUseID,
		Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: text}},
		Status:    status,
	}}
}

func decodeDocument(raw json.RawMessage) (document.Interface, error) {
	if len(raw) == 0 {
		return document.NewLazyDocument(map[string]any{}), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(v), nil
}

func encodeTools(specs []provider.ToolSpec, choice *provider.ToolChoice) *brtypes.ToolConfiguration {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]brtypes.Tool, 0, len(specs))
	for _, spec := range specs {
		name, desc := spec.Name, spec.Description
		var schema any = map[string]any{}
		if len(spec.InputSchema) > 0 {
			_ = json.Unmarshal(spec.InputSchema, &schema)
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        &name,
			Description: &desc,
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	cfg := &brtypes.ToolConfiguration{Tools: tools}
	if choice != nil {
		switch choice.Mode {
		case provider.ToolChoiceAny:
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{}
		case provider.ToolChoiceTool:
			name := choice.Name
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: &name}}
		}
	}
	return cfg
}

func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return provider.NewThrottlingError("bedrock", operation, apiErr.ErrorMessage(), err)
		case "ValidationException":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "too many input tokens") ||
				strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "input is too long") {
				return provider.NewContextWindowOverflowError("bedrock", operation, apiErr.ErrorMessage(), err)
			}
		}
	}
	if strings.Contains(msg, "too many input tokens") || strings.Contains(msg, "input is too long") {
		return provider.NewContextWindowOverflowError("bedrock", operation, err.Error(), err)
	}
	return provider.NewError("bedrock", operation, provider.KindUnknown, err.Error(), err)
}
