package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/interrupt"
	"github.com/agentmesh/runtime/telemetry"
)

// Guard tracks per-invocation tool-call counters so Policy limits can be
// enforced across an entire run, not just a single turn. A fresh Guard is
// created per top-level invocation (spec §4.3).
type Guard struct {
	mu       sync.Mutex
	total    int
	perTool  map[string]int
	seenUses map[string]bool
}

// NewGuard constructs an empty Guard.
func NewGuard() *Guard {
	return &Guard{perTool: make(map[string]int), seenUses: make(map[string]bool)}
}

// allow checks policy and, if allowed, increments counters atomically with
// the check so concurrent tool calls can't race past a limit.
func (g *Guard) allow(name string, policy Policy) (ok bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if policy.BlockedTools[name] {
		return false, fmt.Sprintf("tool %q is blocked by run policy", name)
	}
	if limit := policy.limitFor(name); limit > 0 && g.perTool[name]+1 > limit {
		return false, fmt.Sprintf("tool %q exceeded its per-tool call limit (%d)", name, limit)
	}
	if policy.MaxTotalToolUses > 0 && g.total+1 > policy.MaxTotalToolUses {
		return false, "run exceeded its maximum total tool-use limit"
	}
	g.total++
	g.perTool[name]++
	return true, ""
}

func (g *Guard) registerUse(toolUseID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seenUses[toolUseID] = true
}

// Executor runs the tool phase for a single assistant turn: it validates
// inputs, enforces policy, dispatches BeforeToolCall/AfterToolCall, and
// invokes the matched tool's Stream, forwarding intermediate events to
// Emit.
type Executor struct {
	Registry *Registry
	Hooks    *hooks.Registry
	Logger   telemetry.Logger
	Tracer   telemetry.Tracer
	// Emit forwards an intermediate tool event into the agent's event
	// stream. May be nil to discard intermediate events.
	Emit func(toolUseID string, event any)
}

// Outcome is the per-tool-use result of running the tool phase, in the
// original block order of the assistant turn's toolUse blocks.
type Outcome struct {
	Result block.ToolResult
	Err    error
}

// ResultMessage assembles a slice of Outcome (as returned by Run, in the
// original toolUse block order) into the single user Message the agent loop
// appends to conversation history to complete the tool-use/tool-result pair
// (spec §3, Concrete Scenario 3).
func ResultMessage(outcomes []Outcome) block.Message {
	content := make([]block.Block, len(outcomes))
	for i, o := range outcomes {
		content[i] = o.Result
	}
	return block.Message{Role: block.RoleUser, Content: content}
}

// Run executes every toolUse in turn. If any BeforeToolCall callback raises
// a brand-new interrupt for any tool use, Run aborts the entire phase
// before invoking any tool and returns those interrupts with a nil results
// slice: the whole tool phase is suspended atomically, so resuming re-plays
// BeforeToolCall for every tool use (the resolved one proceeds; if nothing
// raises again, the phase runs to completion as normal).
func (ex *Executor) Run(ctx context.Context, runID string, cycleID int, turn []block.ToolUse, policy Policy, guard *Guard, state *interrupt.State) (results []Outcome, interrupts []*interrupt.Interrupt, err error) {
	// Phase 1: dispatch BeforeToolCall for every tool use, sequentially
	// (cheap, synchronous, no tool I/O), collecting cancellations and
	// interrupts before anything executes.
	cancel := make([]any, len(turn))
	for i, tu := range turn {
		evt := hooks.NewEvent(hooks.BeforeToolCall, "tool.before", tu.ToolUseID)
		evt.RunID, evt.CycleID = runID, cycleID
		evt.ToolName, evt.ToolUseID, evt.ToolInput = tu.Name, tu.ToolUseID, tu.Input
		res := ex.dispatchHooks(ctx, evt, state)
		if len(res.Interrupts) > 0 {
			interrupts = append(interrupts, res.Interrupts...)
		}
		cancel[i] = evt.CancelTool
	}
	if len(interrupts) > 0 {
		return nil, interrupts, nil
	}

	// Phase 2: run every tool concurrently.
	results = make([]Outcome, len(turn))
	var wg sync.WaitGroup
	for i, tu := range turn {
		wg.Add(1)
		go func(i int, tu block.ToolUse, cancelVal any) {
			defer wg.Done()
			results[i] = ex.runOne(ctx, runID, cycleID, tu, cancelVal, policy, guard, state)
		}(i, tu, cancel[i])
	}
	wg.Wait()
	return results, nil, nil
}

func (ex *Executor) runOne(ctx context.Context, runID string, cycleID int, tu block.ToolUse, cancelVal any, policy Policy, guard *Guard, state *interrupt.State) Outcome {
	var out Outcome

	if msg, cancelled := cancelMessage(cancelVal); cancelled {
		out.Result = block.ErrorResult(tu.ToolUseID, msg)
		ex.afterToolCall(ctx, runID, cycleID, tu, out, state)
		return out
	}

	if guard != nil {
		guard.registerUse(tu.ToolUseID)
		if ok, reason := guard.allow(tu.Name, policy); !ok {
			out.Result = block.ErrorResult(tu.ToolUseID, reason)
			ex.afterToolCall(ctx, runID, cycleID, tu, out, state)
			return out
		}
	}

	t, found := ex.Registry.GetByName(tu.Name)
	if !found {
		out.Result = block.ErrorResult(tu.ToolUseID, "Unknown tool: "+tu.Name)
		ex.afterToolCall(ctx, runID, cycleID, tu, out, state)
		return out
	}

	if err := validateInput(t.InputSchema(), tu.Input); err != nil {
		out.Result = block.ErrorResult(tu.ToolUseID, "invalid tool input: "+err.Error())
		ex.afterToolCall(ctx, runID, cycleID, tu, out, state)
		return out
	}

	result, err := ex.invoke(ctx, t, tu, runID)
	if err != nil {
		out.Err = err
		out.Result = block.ErrorResult(tu.ToolUseID, err.Error())
	} else {
		result.ToolUseID = tu.ToolUseID
		out.Result = result
	}
	ex.afterToolCall(ctx, runID, cycleID, tu, out, state)
	return out
}

func (ex *Executor) invoke(ctx context.Context, t Tool, tu block.ToolUse, runID string) (result block.ToolResult, err error) {
	var span telemetry.Span
	if ex.Tracer != nil {
		ctx, span = ex.Tracer.Start(ctx, "tool.call")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", t.Name(), r)
		}
		telemetry.EndSpan(span, err)
	}()

	yield := func(event any) {
		if ex.Emit != nil {
			ex.Emit(tu.ToolUseID, event)
		}
	}
	return t.Stream(ctx, Call{ToolUseID: tu.ToolUseID, Input: tu.Input, RunID: runID}, yield)
}

func (ex *Executor) afterToolCall(ctx context.Context, runID string, cycleID int, tu block.ToolUse, out Outcome, state *interrupt.State) {
	evt := hooks.NewEvent(hooks.AfterToolCall, "tool.after", tu.ToolUseID)
	evt.RunID, evt.CycleID = runID, cycleID
	evt.ToolName, evt.ToolUseID = tu.Name, tu.ToolUseID
	result := out.Result
	evt.ToolResult = &result
	evt.ToolError = out.Err
	ex.dispatchHooks(ctx, evt, state)
}

func (ex *Executor) dispatchHooks(ctx context.Context, evt *hooks.Event, state *interrupt.State) hooks.Result {
	if ex.Hooks == nil {
		return hooks.Result{}
	}
	return ex.Hooks.Dispatch(ctx, evt, state)
}

// cancelMessage interprets a BeforeToolCall callback's CancelTool value: a
// non-empty string is used verbatim, true uses a default message, anything
// else (including false or nil) means "not cancelled".
func cancelMessage(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t, true
		}
		return "", false
	case bool:
		if t {
			return "tool call cancelled by hook", true
		}
		return "", false
	default:
		return "", false
	}
}

// validateInput checks input against a tool's JSON Schema, if it declared
// one. A tool with no schema accepts any input.
func validateInput(schema, input []byte) error {
	if len(schema) == 0 {
		return nil
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("parsing tool input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return err
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return err
	}

	doc := any(map[string]any{})
	if len(input) > 0 {
		if err := json.Unmarshal(input, &doc); err != nil {
			return fmt.Errorf("parsing tool input: %w", err)
		}
	}
	return sch.Validate(doc)
}
