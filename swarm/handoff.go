package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmesh/runtime/agent"
	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/interrupt"
	"github.com/agentmesh/runtime/tool"
)

// handoffToolName is the tool name every node's model sees for requesting a
// handoff (spec §9 Open Questions: handoff signalling is a dedicated tool
// call, matching the example pack's peer-handoff precedent, rather than a
// dedicated StopReason).
const handoffToolName = "handoff_to_agent"

// handoffInterruptName tags the synthetic interrupt RegisterHandoffInterceptor
// raises; the scheduler distinguishes it from a genuine host-facing
// interrupt by this name.
const handoffInterruptName = "swarm.handoff"

// handoffRequest is the JSON payload a handoff_to_agent call carries.
type handoffRequest struct {
	TargetAgent string `json:"target_agent"`
	Reason      string `json:"reason"`
	Context     string `json:"context"`
}

// HandoffTool is the tool a swarm node's model calls to transfer control to
// another node. Its Stream body is never reached in a correctly wired
// swarm: RegisterHandoffInterceptor's BeforeToolCall callback suspends the
// node invocation before the tool executor ever dispatches a
// handoff_to_agent call, so the scheduler can read the pending toolUse back
// out of the suspended Result instead of a normal ToolResult round trip.
type HandoffTool struct {
	targets []string
}

// NewHandoffTool builds a HandoffTool advertising targetNodeIDs as valid
// handoff destinations.
func NewHandoffTool(targetNodeIDs []string) *HandoffTool {
	return &HandoffTool{targets: append([]string(nil), targetNodeIDs...)}
}

func (t *HandoffTool) Name() string { return handoffToolName }

func (t *HandoffTool) Description() string {
	return fmt.Sprintf(
		"Transfer control to another agent in this swarm when the task needs that agent's expertise instead of yours. Available agents: %s. Call this as soon as you've identified who should take over; do not attempt the task yourself first.",
		strings.Join(t.targets, ", "),
	)
}

func (t *HandoffTool) InputSchema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_agent": map[string]any{
				"type":        "string",
				"description": "The id of the swarm node to hand off to",
				"enum":        t.targets,
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Why this handoff is needed",
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Additional context to carry over to the receiving agent",
			},
		},
		"required": []string{"target_agent", "reason"},
	}
	data, _ := json.Marshal(schema)
	return data
}

// Stream is never reached under RegisterHandoffInterceptor; it exists so
// HandoffTool satisfies tool.Tool and fails safely if it is ever dispatched
// (e.g. a node whose Hooks were constructed without going through
// swarm.New).
func (t *HandoffTool) Stream(_ context.Context, call tool.Call, _ func(any)) (block.ToolResult, error) {
	return block.ErrorResult(call.ToolUseID, "handoff_to_agent must be intercepted before dispatch; this swarm node is missing its handoff interceptor"), nil
}

// RegisterHandoffInterceptor wires the BeforeToolCall hook that turns a
// handoff_to_agent call into a suspension the swarm scheduler recognizes,
// onto reg (a node Agent's own Hooks registry). swarm.New calls this for
// every node it constructs; exported so callers assembling node Agents by
// hand can wire the same behavior.
func RegisterHandoffInterceptor(reg *hooks.Registry) {
	reg.On(hooks.BeforeToolCall, func(_ context.Context, e *hooks.Event) {
		if e.ToolName != handoffToolName {
			return
		}
		e.Interrupt(handoffInterruptName, "swarm handoff requested")
	})
}

// detectHandoff inspects a completed node Result for a pending handoff
// request. It returns ok=false both when the node simply finished normally
// and when it suspended on a genuine (non-handoff) interrupt; in the latter
// case the original interrupts are returned unchanged so the caller can
// surface them.
func detectHandoff(result agent.Result) (handoffRequest, []*interrupt.Interrupt, bool) {
	if result.StopReason != agent.StopReasonInterrupted {
		return handoffRequest{}, nil, false
	}
	if len(result.Interrupts) != 1 || result.Interrupts[0].Name != handoffInterruptName {
		return handoffRequest{}, result.Interrupts, false
	}
	tu, ok := findToolUse(result.LastMessage, handoffToolName)
	if !ok {
		return handoffRequest{}, result.Interrupts, false
	}
	var req handoffRequest
	if err := json.Unmarshal(tu.Input, &req); err != nil || req.TargetAgent == "" {
		return handoffRequest{}, result.Interrupts, false
	}
	return req, nil, true
}

func findToolUse(msg block.Message, name string) (block.ToolUse, bool) {
	for _, tu := range msg.ToolUses() {
		if tu.Name == name {
			return tu, true
		}
	}
	return block.ToolUse{}, false
}

// handoffMessage renders a handoff request into the text the receiving
// node is invoked with.
func handoffMessage(req handoffRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Reason)
	if req.Context != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Context)
	}
	return sb.String()
}
