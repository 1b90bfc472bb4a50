// Package tool implements the tool execution subsystem: the registry tools
// are looked up from, the per-invocation run policy that gates which tools
// may run and how often, and the concurrent per-turn executor that the
// agent loop calls into for every toolUse block in an assistant turn.
package tool

import (
	"context"
	"encoding/json"

	"github.com/agentmesh/runtime/block"
)

// Call carries everything a Tool.Stream invocation needs to run a single
// tool call.
type Call struct {
	// ToolUseID correlates this invocation back to the assistant's toolUse
	// block; the returned ToolResult.ToolUseID must match it.
	ToolUseID string
	// Input is the tool call's JSON-encoded argument payload, already
	// validated against the tool's InputSchema.
	Input json.RawMessage
	// RunID, SessionID, TurnID propagate run-scoped identifiers tools may use
	// for logging or nested agent-as-tool invocations.
	RunID     string
	SessionID string
	TurnID    string
}

// Tool is the contract every callable implements.
type Tool interface {
	// Name is the tool's unique identifier, matched against a toolUse
	// block's Name.
	Name() string
	// Description is surfaced to the model as part of the tool spec.
	Description() string
	// InputSchema is the JSON Schema document used to validate Call.Input
	// before Stream is invoked.
	InputSchema() json.RawMessage
	// Stream executes the tool. yield is invoked, in order, for every
	// intermediate JSON event the tool wants to surface to the agent event
	// stream before it produces its terminal result; it may be nil-safe to
	// call zero times. Stream must honor ctx cancellation and return
	// promptly once ctx is done.
	//
	// The returned ToolResult.ToolUseID must equal call.ToolUseID; the
	// executor overwrites it defensively if a tool gets this wrong.
	Stream(ctx context.Context, call Call, yield func(any)) (block.ToolResult, error)
}

// entry adapts a Tool to registry.Item so tools can be stored in the
// generic registry package without that package knowing about tools.
type entry struct{ Tool }

func (e entry) ItemID() string { return e.Tool.Name() }
