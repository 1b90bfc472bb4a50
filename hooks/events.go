// Package hooks implements the typed lifecycle event bus the agent loop and
// swarm orchestrator dispatch into. Callbacks are invoked in registration
// order for "before" events and in reverse registration order for "after"
// events (spec §4.2, §8); a callback may cooperatively suspend execution by
// calling Event.Interrupt.
package hooks

import (
	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/interrupt"
)

// EventType identifies a point in the agent, tool, or swarm lifecycle.
type EventType string

const (
	BeforeInvocation EventType = "BeforeInvocation"
	AfterInvocation  EventType = "AfterInvocation"

	BeforeModelCall EventType = "BeforeModelCall"
	AfterModelCall  EventType = "AfterModelCall"

	BeforeToolCall EventType = "BeforeToolCall"
	AfterToolCall  EventType = "AfterToolCall"

	MessageAdded EventType = "MessageAdded"

	ModelStreamEvent EventType = "ModelStreamEvent"

	BeforeMultiAgentInvocation EventType = "BeforeMultiAgentInvocation"
	AfterMultiAgentInvocation  EventType = "AfterMultiAgentInvocation"
	BeforeNodeCall             EventType = "BeforeNodeCall"
	AfterNodeCall              EventType = "AfterNodeCall"
	MultiAgentInitialized      EventType = "MultiAgentInitialized"
)

// afterEvents is the set of event types dispatched in reverse registration
// order; every other type dispatches in registration order.
var afterEvents = map[EventType]bool{
	AfterInvocation:           true,
	AfterModelCall:            true,
	AfterToolCall:             true,
	AfterMultiAgentInvocation: true,
	AfterNodeCall:             true,
}

// IsAfterEvent reports whether evt dispatches callbacks in reverse
// registration order.
func IsAfterEvent(evt EventType) bool { return afterEvents[evt] }

// Event carries the typed payload for one dispatch plus the interrupt
// machinery a callback uses to cooperatively suspend execution.
//
// siteTag and contextKey are set by the dispatcher before invoking
// callbacks; they are not meant to be constructed directly by callers other
// than the owning agent/orchestrator loop.
type Event struct {
	Type EventType

	// RunID/CycleID/NodeID identify where in the run this event fired, for
	// correlation in logs and stream consumers.
	RunID   string
	CycleID int
	NodeID  string

	// --- BeforeModelCall / AfterModelCall ---
	StopReason string
	ModelError error
	// Retry, when set true by a callback during AfterModelCall, asks the loop
	// to re-invoke the model in the same cycle instead of proceeding.
	Retry bool

	// --- BeforeToolCall / AfterToolCall ---
	ToolName   string
	ToolUseID  string
	ToolInput  []byte
	ToolResult *block.ToolResult
	ToolError  error
	// CancelTool, when set by a BeforeToolCall callback, skips execution and
	// synthesizes an error ToolResult. A string value is used as the
	// cancellation message; a bool true uses a default message.
	CancelTool any

	// --- MessageAdded ---
	Message *block.Message

	// --- ModelStreamEvent ---
	StreamPayload any

	siteTag    string
	contextKey string
	state      *interrupt.State
	raised     *interrupt.Interrupt
}

// interruptSignal is the sentinel panic value the dispatcher recovers from
// when a callback raises a brand-new interrupt. It is never propagated past
// Dispatch: this is the "distinguished error path the dispatcher catches"
// described in the design notes, not general control flow.
type interruptSignal struct {
	interrupt *interrupt.Interrupt
}

// Interrupt raises (or resolves) a cooperative suspension point at this
// event's site. name identifies the interrupt kind; reason is a
// human-readable message surfaced to the host.
//
// If an Interrupt with the same deterministic id already exists in the
// owning State and carries a response, Interrupt returns that response and
// the callback continues normally. Otherwise it records a new pending
// Interrupt and unwinds the current dispatch via panic, which Dispatch
// recovers and turns into a suspended AgentResult.
func (e *Event) Interrupt(name, reason string) string {
	id := interrupt.ComputeID(e.siteTag, e.contextKey, name)
	it, existed := e.state.GetOrCreate(id, name, reason)
	if existed && it.Response != nil {
		return *it.Response
	}
	if !existed {
		e.raised = it
	}
	panic(interruptSignal{interrupt: it})
}
