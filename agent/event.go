package agent

import (
	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

// Event is the marker interface implemented by every value an invocation's
// stream yields. The set is closed to this package so a consumer can
// type-switch exhaustively; the final value on any stream is always Done.
type Event interface {
	isAgentEvent()
}

type (
	// ModelEvent forwards a single normalized provider event, unchanged, so
	// consumers can render incremental model output (spec §6).
	ModelEvent struct {
		Event provider.Event
	}

	// MessageAdded fires once a loop-produced message (assistant or the
	// tool-result user turn) has been appended to history. It does not fire
	// for the caller's own input message or for resume injections (spec
	// §4.2).
	MessageAdded struct {
		Message block.Message
	}

	// ToolStreamEvent forwards an intermediate value a running tool yielded,
	// tagged with the toolUseId it belongs to so a consumer can demultiplex
	// concurrently running tools (spec §4.3, §5).
	ToolStreamEvent struct {
		ToolUseID string
		Payload   any
	}

	// Done is the exactly-once terminal value of every invocation's stream.
	Done struct {
		Result Result
	}
)

func (ModelEvent) isAgentEvent()      {}
func (MessageAdded) isAgentEvent()    {}
func (ToolStreamEvent) isAgentEvent() {}
func (Done) isAgentEvent()            {}
