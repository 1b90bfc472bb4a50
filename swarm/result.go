package swarm

import (
	"github.com/agentmesh/runtime/agent"
	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/interrupt"
)

// StopReason explains why a swarm run ended.
type StopReason string

const (
	// StopReasonEndTurn means the current node finished without requesting
	// a handoff.
	StopReasonEndTurn StopReason = "endTurn"
	// StopReasonMaxIterations means the run hit Config.MaxIterations.
	StopReasonMaxIterations StopReason = "maxIterations"
	// StopReasonMaxHandoffs means the run hit Config.MaxHandoffs.
	StopReasonMaxHandoffs StopReason = "maxHandoffs"
	// StopReasonRepetitiveHandoff means the repetition detector fired.
	StopReasonRepetitiveHandoff StopReason = "repetitiveHandoff"
	// StopReasonBudgetExceeded means accumulated usage exceeded
	// Config.MaxRunTotalTokens.
	StopReasonBudgetExceeded StopReason = "budgetExceeded"
	// StopReasonExecutionTimeout means Config.ExecutionTimeout elapsed.
	StopReasonExecutionTimeout StopReason = "executionTimeout"
	// StopReasonNodeTimeout means a single node exceeded Config.NodeTimeout
	// under NodeTimeoutAbort.
	StopReasonNodeTimeout StopReason = "nodeTimeout"
	// StopReasonInterrupted means the run suspended on a non-handoff
	// interrupt, or was cancelled via Handle.Cancel.
	StopReasonInterrupted StopReason = "interrupted"
	// StopReasonError means the run terminated on a fatal scheduling or
	// node error; Handle.Err carries the cause.
	StopReasonError StopReason = "error"
)

// Result is the terminal value every swarm run produces.
type Result struct {
	StopReason  StopReason
	LastMessage block.Message
	Usage       agent.Usage
	Interrupts  []*interrupt.Interrupt
	State       State
}
