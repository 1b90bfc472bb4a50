package agent

import (
	"fmt"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/interrupt"
)

// StopReason explains why an invocation ended (spec §3 AgentResult).
type StopReason string

const (
	StopReasonEndTurn      StopReason = "endTurn"
	StopReasonMaxTokens    StopReason = "maxTokens"
	StopReasonToolUse      StopReason = "toolUse"
	StopReasonStopSequence StopReason = "stopSequence"
	StopReasonInterrupted  StopReason = "interrupted"
)

// Usage is the per-invocation accumulated token count (spec §4.1): it resets
// at the start of every top-level invocation and monotonically increases as
// cycles complete.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// add folds a single cycle's usage into the running total.
func (u *Usage) add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens += delta.TotalTokens
}

// Result is the terminal value every invocation produces, whether it ran to
// completion, was suspended by an interrupt, or failed (spec §3 AgentResult).
type Result struct {
	StopReason  StopReason
	LastMessage block.Message
	Usage       Usage
	Interrupts  []*interrupt.Interrupt
}

// MaxTokensError reports that the model stopped because it hit its output
// token cap; it is fatal to the invocation (spec §7).
type MaxTokensError struct {
	CycleID int
}

func (e *MaxTokensError) Error() string {
	return fmt.Sprintf("agent: model stopped with maxTokens on cycle %d", e.CycleID)
}
