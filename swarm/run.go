package swarm

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentmesh/runtime/agent"
	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/interrupt"
	"github.com/agentmesh/runtime/provider"
)

// run drives the scheduler loop: exactly one node runs at a time, starting
// at s.startNodeID with task as input; each subsequent node receives the
// assembled handoff message from the node before it (spec §4.4).
func (s *Swarm) run(ctx context.Context, task string, h *Handle) {
	defer close(h.events)

	execCtx := ctx
	if s.cfg.ExecutionTimeout > 0 {
		var execCancel context.CancelFunc
		execCtx, execCancel = context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		defer execCancel()
	}

	s.hooks.Dispatch(execCtx, hooks.NewEvent(hooks.BeforeMultiAgentInvocation, "swarm.before", s.startNodeID), s.interrupts)

	state := State{CurrentNodeID: s.startNodeID}
	nodeUsage := make(map[string]agent.Usage)
	currentInput := agent.Text(task)

	var lastMessage block.Message
	var finalInterrupts []*interrupt.Interrupt
	stopReason := StopReasonEndTurn

	for {
		if err := execCtx.Err(); err != nil {
			stopReason = StopReasonExecutionTimeout
			if ctx.Err() != nil {
				stopReason = StopReasonInterrupted
			}
			break
		}

		node, ok := s.nodes[state.CurrentNodeID]
		if !ok {
			stopReason = StopReasonError
			h.setErr(fmt.Errorf("swarm: unknown node %q", state.CurrentNodeID))
			break
		}

		if interrupts := s.dispatchBeforeNodeCall(execCtx, node.ID); len(interrupts) > 0 {
			finalInterrupts = interrupts
			stopReason = StopReasonInterrupted
			h.send(execCtx, NodeInterrupt{NodeID: node.ID, Interrupts: interrupts})
			break
		}

		h.send(execCtx, NodeStart{NodeID: node.ID})
		h.send(execCtx, NodeInput{NodeID: node.ID, Input: currentInput})

		result, nodeErr, timedOut, budgetExceeded := s.runNode(execCtx, h, node, currentInput, nodeUsage)
		state.AccumulatedUsage = sumUsage(nodeUsage)

		if budgetExceeded {
			h.send(execCtx, NodeCancel{NodeID: node.ID})
			stopReason = StopReasonBudgetExceeded
			lastMessage = result.LastMessage
			break
		}
		if timedOut {
			h.send(execCtx, NodeCancel{NodeID: node.ID})
			switch {
			case ctx.Err() != nil:
				stopReason = StopReasonInterrupted
			case execCtx.Err() != nil:
				stopReason = StopReasonExecutionTimeout
			default:
				stopReason = StopReasonNodeTimeout
			}
			lastMessage = result.LastMessage
			break
		}
		if nodeErr != nil {
			stopReason = StopReasonError
			h.setErr(fmt.Errorf("swarm: node %q: %w", node.ID, nodeErr))
			break
		}

		s.hooks.Dispatch(execCtx, hooks.NewEvent(hooks.AfterNodeCall, "swarm.after", node.ID), s.interrupts)
		h.send(execCtx, NodeStop{NodeID: node.ID, Result: result})
		lastMessage = result.LastMessage

		handoff, interrupts, isHandoff := detectHandoff(result)
		if !isHandoff {
			if len(interrupts) > 0 {
				finalInterrupts = interrupts
				stopReason = StopReasonInterrupted
				h.send(execCtx, NodeInterrupt{NodeID: node.ID, Interrupts: interrupts})
			} else {
				stopReason = StopReasonEndTurn
			}
			break
		}

		if _, ok := s.nodes[handoff.TargetAgent]; !ok {
			stopReason = StopReasonError
			h.setErr(fmt.Errorf("swarm: handoff target %q is not a node in this swarm", handoff.TargetAgent))
			break
		}

		state.NodeHistory = append(state.NodeHistory, node.ID)
		h.send(execCtx, Handoff{From: node.ID, To: handoff.TargetAgent, Reason: handoff.Reason})
		state.CurrentNodeID = handoff.TargetAgent
		state.Iteration++
		currentInput = agent.Text(handoffMessage(handoff))

		if s.cfg.MaxIterations > 0 && state.Iteration >= s.cfg.MaxIterations {
			stopReason = StopReasonMaxIterations
			break
		}
		if s.cfg.MaxHandoffs > 0 && len(state.NodeHistory) >= s.cfg.MaxHandoffs {
			stopReason = StopReasonMaxHandoffs
			break
		}
		if s.repetitiveHandoff(state.NodeHistory) {
			stopReason = StopReasonRepetitiveHandoff
			break
		}
	}

	final := Result{
		StopReason:  stopReason,
		LastMessage: lastMessage,
		Usage:       state.AccumulatedUsage,
		Interrupts:  finalInterrupts,
		State:       state,
	}
	s.hooks.Dispatch(ctx, hooks.NewEvent(hooks.AfterMultiAgentInvocation, "swarm.after", state.CurrentNodeID), s.interrupts)
	h.send(ctx, Done{Result: final})
}

// runNode executes one node to completion, forwarding its events as
// NodeStream, tracking its latest token-usage snapshot, and honoring
// Config.NodeTimeout and Config.MaxRunTotalTokens. The returned bools
// report, respectively, whether the node was cancelled for exceeding its
// deadline and whether it was cancelled for exceeding the run's token
// budget; at most one is ever true.
func (s *Swarm) runNode(ctx context.Context, h *Handle, node Node, input agent.Input, nodeUsage map[string]agent.Usage) (agent.Result, error, bool, bool) {
	nodeCtx := ctx
	var nodeCancel context.CancelFunc
	if s.cfg.NodeTimeout > 0 {
		nodeCtx, nodeCancel = context.WithTimeout(ctx, s.cfg.NodeTimeout)
		defer nodeCancel()
	}

	nodeHandle, err := node.Agent.Stream(nodeCtx, input)
	if err != nil {
		return agent.Result{}, err, false, false
	}

	var result agent.Result
	budgetExceeded := false
	for evt := range nodeHandle.Events() {
		h.send(ctx, NodeStream{NodeID: node.ID, Event: evt})
		switch e := evt.(type) {
		case agent.Done:
			result = e.Result
		case agent.ModelEvent:
			if md, ok := e.Event.(provider.Metadata); ok && md.Usage != nil {
				nodeUsage[node.ID] = agent.Usage{
					InputTokens:  md.Usage.InputTokens,
					OutputTokens: md.Usage.OutputTokens,
					TotalTokens:  md.Usage.TotalTokens,
				}
				if s.cfg.MaxRunTotalTokens > 0 && sumUsage(nodeUsage).TotalTokens > s.cfg.MaxRunTotalTokens && !budgetExceeded {
					budgetExceeded = true
					nodeHandle.Cancel()
				}
			}
		}
	}

	if budgetExceeded {
		return result, nil, false, true
	}
	if nodeErr := nodeHandle.Err(); nodeErr != nil {
		if errors.Is(nodeErr, context.DeadlineExceeded) || errors.Is(nodeErr, context.Canceled) {
			return result, nil, true, false
		}
		return result, nodeErr, false, false
	}
	return result, nil, false, false
}

// sumUsage folds every node's latest usage snapshot into a run total. A
// later snapshot from the same node replaces, rather than adds to, its
// prior partial value (spec §4.4 Token budget).
func sumUsage(byNode map[string]agent.Usage) agent.Usage {
	var out agent.Usage
	for _, u := range byNode {
		out.InputTokens += u.InputTokens
		out.OutputTokens += u.OutputTokens
		out.TotalTokens += u.TotalTokens
	}
	return out
}

// repetitiveHandoff reports whether the most recent
// RepetitiveHandoffWindow entries of history contain fewer than
// RepetitiveHandoffMinUniqueAgents distinct node ids (spec §8 Concrete
// Scenario 6).
func (s *Swarm) repetitiveHandoff(history []string) bool {
	w := s.cfg.RepetitiveHandoffWindow
	minUnique := s.cfg.RepetitiveHandoffMinUniqueAgents
	if w <= 0 || minUnique <= 0 || len(history) < w {
		return false
	}
	window := history[len(history)-w:]
	seen := make(map[string]bool, w)
	for _, id := range window {
		seen[id] = true
	}
	return len(seen) < minUnique
}

// dispatchBeforeNodeCall fires BeforeNodeCall for nodeID, returning any
// interrupts a callback raised (spec §4.4 Interrupts).
func (s *Swarm) dispatchBeforeNodeCall(ctx context.Context, nodeID string) []*interrupt.Interrupt {
	evt := hooks.NewEvent(hooks.BeforeNodeCall, "swarm.beforeNode", nodeID)
	evt.NodeID = nodeID
	result := s.hooks.Dispatch(ctx, evt, s.interrupts)
	return result.Interrupts
}
