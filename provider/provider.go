// Package provider defines the model-provider contract the agent loop
// consumes: a lazy stream of normalized events translated from whatever
// wire protocol a concrete provider speaks (spec §6). Concrete adapters
// live in the anthropic, openai, and bedrock subpackages; this package only
// defines the shared contract and event taxonomy.
package provider

import (
	"context"
	"encoding/json"

	"github.com/agentmesh/runtime/block"
)

// ToolChoiceMode controls how the model is nudged to use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice optionally constrains tool-use behavior for a Request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolSpec describes a tool exposed to the model for a single request.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request captures everything a provider needs to perform one model
// invocation.
type Request struct {
	Messages     []block.Message
	SystemPrompt string
	ToolSpecs    []ToolSpec
	ToolChoice   *ToolChoice
	Model        string
	Temperature  float32
	MaxTokens    int
}

// Event is the marker interface implemented by every streaming event a
// provider emits (spec §6). Like block.Block, the set is closed to this
// package so the agent loop can type-switch exhaustively.
type Event interface {
	isProviderEvent()
}

type (
	// MessageStart opens a new assistant message.
	MessageStart struct {
		Role block.Role
	}

	// ToolUseStart describes the tool-use content block a ContentBlockStart
	// event is opening, when Index identifies a tool-use block.
	ToolUseStart struct {
		Name      string
		ToolUseID string
	}

	// ContentBlockStart opens a new content block at Index. Start is non-nil
	// only when the block being opened is a tool use.
	ContentBlockStart struct {
		Index int
		Start *ToolUseStart
	}

	// Delta is the marker interface for the three incremental payload shapes
	// a ContentBlockDelta may carry.
	Delta interface {
		isDelta()
	}

	// TextDelta carries an incremental fragment of assistant text.
	TextDelta struct {
		Text string
	}

	// ToolUseInputDelta carries an incremental fragment of a tool call's JSON
	// input. Fragments are concatenated in arrival order; the concatenation
	// is only guaranteed to be valid JSON once ContentBlockStop fires for the
	// same index.
	ToolUseInputDelta struct {
		Input string
	}

	// ReasoningContentDelta carries incremental reasoning ("thinking")
	// content. Providers that redact reasoning set RedactedContent instead
	// of Text; Signature authenticates the reasoning so it can be echoed
	// back on a subsequent turn.
	ReasoningContentDelta struct {
		Text            string
		Signature       string
		RedactedContent []byte
	}

	// ContentBlockDelta carries one incremental update to the content block
	// at Index.
	ContentBlockDelta struct {
		Index int
		Delta Delta
	}

	// ContentBlockStop closes the content block at Index; after this event
	// the block's accumulated content (text, tool input JSON, reasoning) is
	// final.
	ContentBlockStop struct {
		Index int
	}

	// MessageStop closes the current assistant message and records why
	// generation stopped.
	MessageStop struct {
		StopReason               StopReason
		AdditionalResponseFields map[string]any
	}

	// Usage reports token consumption for a single model invocation.
	Usage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int
	}

	// Metrics carries provider-reported performance data for the call.
	Metrics struct {
		LatencyMs int64
	}

	// Metadata carries out-of-band usage, metrics, and trace information for
	// the call; it may arrive at any point in the stream, typically after
	// MessageStop.
	Metadata struct {
		Usage   *Usage
		Metrics *Metrics
		Trace   any
	}
)

func (MessageStart) isProviderEvent()      {}
func (ContentBlockStart) isProviderEvent() {}
func (ContentBlockDelta) isProviderEvent() {}
func (ContentBlockStop) isProviderEvent()  {}
func (MessageStop) isProviderEvent()       {}
func (Metadata) isProviderEvent()          {}

func (TextDelta) isDelta()             {}
func (ToolUseInputDelta) isDelta()      {}
func (ReasoningContentDelta) isDelta() {}

// StopReason enumerates why a model stopped generating.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "endTurn"
	StopReasonToolUse      StopReason = "toolUse"
	StopReasonMaxTokens    StopReason = "maxTokens"
	StopReasonStopSequence StopReason = "stopSequence"
	StopReasonGuardrail    StopReason = "guardrail"
)

// Stream delivers incremental model output. Callers must drain Recv until it
// returns a non-nil error (io.EOF on normal completion) and then call Close.
type Stream interface {
	// Recv returns the next streaming event. It returns io.EOF once
	// MessageStop (and any trailing Metadata) has been delivered.
	Recv() (Event, error)
	// Close releases resources held by the stream, cancelling the
	// underlying provider call if still in flight.
	Close() error
}

// Provider is the contract the agent loop consumes (spec §6): translate a
// Request into a lazy sequence of normalized Events.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
