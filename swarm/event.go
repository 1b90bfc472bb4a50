package swarm

import (
	"github.com/agentmesh/runtime/agent"
	"github.com/agentmesh/runtime/interrupt"
)

// Event is the marker interface implemented by every value a Swarm's
// stream yields. The set is closed to this package so a consumer can
// type-switch exhaustively; the final value on any stream is always Done
// (spec §4.4: NodeStart, NodeStop, NodeInput, NodeStream, Handoff,
// NodeCancel, NodeInterrupt, Result).
type Event interface {
	isSwarmEvent()
}

type (
	// NodeStart fires immediately before a node begins executing.
	NodeStart struct {
		NodeID string
	}

	// NodeInput reports the input a node is about to receive: the original
	// task on the first node, or the assembled handoff message otherwise.
	NodeInput struct {
		NodeID string
		Input  agent.Input
	}

	// NodeStream forwards a single event from a node's own Agent stream,
	// unchanged, so consumers can render a node's incremental output the
	// same way they would a standalone agent invocation.
	NodeStream struct {
		NodeID string
		Event  agent.Event
	}

	// NodeStop fires once a node's invocation has completed, carrying its
	// full Result.
	NodeStop struct {
		NodeID string
		Result agent.Result
	}

	// Handoff fires when one node hands control to another.
	Handoff struct {
		From   string
		To     string
		Reason string
	}

	// NodeCancel fires when the scheduler cancels a still-running node:
	// the per-node timeout or the run's execution timeout fired, the run's
	// token budget was exceeded, or the run was cancelled via Handle.Cancel.
	NodeCancel struct {
		NodeID string
	}

	// NodeInterrupt fires when a node's invocation suspended on a genuine
	// (non-handoff) interrupt, or a BeforeNodeCall callback interrupted
	// before the node started; the run terminates, resumable the same way
	// a standalone Agent invocation is.
	NodeInterrupt struct {
		NodeID     string
		Interrupts []*interrupt.Interrupt
	}

	// Done is the exactly-once terminal value of every run's stream.
	Done struct {
		Result Result
	}
)

func (NodeStart) isSwarmEvent()     {}
func (NodeInput) isSwarmEvent()     {}
func (NodeStream) isSwarmEvent()    {}
func (NodeStop) isSwarmEvent()      {}
func (Handoff) isSwarmEvent()       {}
func (NodeCancel) isSwarmEvent()    {}
func (NodeInterrupt) isSwarmEvent() {}
func (Done) isSwarmEvent()          {}
