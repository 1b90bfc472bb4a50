package agent

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/provider"
	"github.com/agentmesh/runtime/tool"
)

// scriptedStream replays a fixed slice of provider.Event values, one call
// apiece, then returns io.EOF.
type scriptedStream struct {
	events []provider.Event
	pos    int
}

func (s *scriptedStream) Recv() (provider.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	evt := s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *scriptedStream) Close() error { return nil }

// scriptedProvider hands out one scripted turn per call to Stream, in order.
// Calling Stream more times than there are scripted turns fails the test.
type scriptedProvider struct {
	mu     sync.Mutex
	t      *testing.T
	turns  [][]provider.Event
	cursor int
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor >= len(p.turns) {
		p.t.Fatalf("scriptedProvider: no scripted turn left for call %d", p.cursor+1)
	}
	turn := p.turns[p.cursor]
	p.cursor++
	return &scriptedStream{events: turn}, nil
}

func textTurn(text string, stopReason provider.StopReason) []provider.Event {
	return []provider.Event{
		provider.ContentBlockStart{Index: 0},
		provider.ContentBlockDelta{Index: 0, Delta: provider.TextDelta{Text: text}},
		provider.ContentBlockStop{Index: 0},
		provider.MessageStop{StopReason: stopReason},
	}
}

func toolUseTurn(toolUseID, name string, input string) []provider.Event {
	return []provider.Event{
		provider.ContentBlockStart{Index: 0, Start: &provider.ToolUseStart{Name: name, ToolUseID: toolUseID}},
		provider.ContentBlockDelta{Index: 0, Delta: provider.ToolUseInputDelta{Input: input}},
		provider.ContentBlockStop{Index: 0},
		provider.MessageStop{StopReason: provider.StopReasonToolUse},
	}
}

func parallelToolUseTurn(calls ...[2]string) []provider.Event {
	var events []provider.Event
	for i, c := range calls {
		events = append(events,
			provider.ContentBlockStart{Index: i, Start: &provider.ToolUseStart{Name: c[0], ToolUseID: c[1]}},
			provider.ContentBlockDelta{Index: i, Delta: provider.ToolUseInputDelta{Input: `{}`}},
			provider.ContentBlockStop{Index: i},
		)
	}
	events = append(events, provider.MessageStop{StopReason: provider.StopReasonToolUse})
	return events
}

// calcTool adds the two integers in its input and returns their sum as text.
type calcTool struct{}

func (calcTool) Name() string                 { return "calc" }
func (calcTool) Description() string          { return "adds two integers" }
func (calcTool) InputSchema() json.RawMessage { return nil }

func (calcTool) Stream(ctx context.Context, call tool.Call, yield func(any)) (block.ToolResult, error) {
	var in struct {
		A, B int
	}
	_ = json.Unmarshal(call.Input, &in)
	return block.NewTextResult(call.ToolUseID, block.ToolResultSuccess, jsonInt(in.A+in.B)), nil
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// interruptTool is the tool registered under the name the scripted model
// calls; it runs only once a BeforeToolCall interrupt guarding it has been
// answered and the invocation resumed.
type interruptTool struct{}

func (interruptTool) Name() string                 { return "confirm_action" }
func (interruptTool) Description() string          { return "performs a guarded action" }
func (interruptTool) InputSchema() json.RawMessage { return nil }

func (interruptTool) Stream(ctx context.Context, call tool.Call, yield func(any)) (block.ToolResult, error) {
	return block.NewTextResult(call.ToolUseID, block.ToolResultSuccess, "done"), nil
}

func newTestAgent(t *testing.T, prov provider.Provider, reg *tool.Registry, hk *hooks.Registry) *Agent {
	t.Helper()
	a, err := New(Config{
		Provider: prov,
		Tools:    reg,
		Hooks:    hk,
	})
	require.NoError(t, err)
	return a
}

// Scenario 1: a text-only turn with no tool use streams its four forwarded
// model events, then one MessageAdded for the assistant message, then Done.
func TestInvokeTextOnlyTurnLifecycle(t *testing.T) {
	prov := &scriptedProvider{t: t, turns: [][]provider.Event{
		textTurn("hello there", provider.StopReasonEndTurn),
	}}
	a := newTestAgent(t, prov, tool.NewRegistry(), hooks.NewRegistry())

	h, err := a.Stream(context.Background(), Text("hi"))
	require.NoError(t, err)

	var events []Event
	for evt := range h.Events() {
		events = append(events, evt)
	}
	require.NoError(t, h.Err())

	require.Len(t, events, 6)
	for _, evt := range events[:4] {
		_, ok := evt.(ModelEvent)
		assert.True(t, ok, "expected ModelEvent, got %T", evt)
	}
	_, ok := events[4].(MessageAdded)
	assert.True(t, ok, "expected MessageAdded, got %T", events[4])
	done, ok := events[5].(Done)
	require.True(t, ok, "expected Done, got %T", events[5])
	assert.Equal(t, StopReasonEndTurn, done.Result.StopReason)
	assert.Equal(t, "hello there", done.Result.LastMessage.Text())
}

// Scenario 2: a single tool use spans two model cycles with exactly one
// BeforeToolCall/AfterToolCall pair and three MessageAdded events (the
// user's own input message does not count, per spec §4.2).
func TestInvokeSingleToolUseTwoCycles(t *testing.T) {
	prov := &scriptedProvider{t: t, turns: [][]provider.Event{
		toolUseTurn("use-1", "calc", `{"a":2,"b":3}`),
		textTurn("the answer is 5", provider.StopReasonEndTurn),
	}}
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(calcTool{}))

	hk := hooks.NewRegistry()
	var beforeCount, afterCount int
	hk.On(hooks.BeforeToolCall, func(ctx context.Context, e *hooks.Event) { beforeCount++ })
	hk.On(hooks.AfterToolCall, func(ctx context.Context, e *hooks.Event) { afterCount++ })

	var messageAdded int
	hk.On(hooks.MessageAdded, func(ctx context.Context, e *hooks.Event) { messageAdded++ })

	a := newTestAgent(t, prov, reg, hk)

	result, err := a.Invoke(context.Background(), Text("what is 2+3?"))
	require.NoError(t, err)

	assert.Equal(t, StopReasonEndTurn, result.StopReason)
	assert.Equal(t, "the answer is 5", result.LastMessage.Text())
	assert.Equal(t, 1, beforeCount)
	assert.Equal(t, 1, afterCount)
	assert.Equal(t, 3, messageAdded)
}

// Scenario 3: parallel tool calls produce two BeforeToolCall/AfterToolCall
// pairs and an ordered pair of toolResult blocks matching the original
// toolUse order (spec §8).
func TestInvokeParallelToolUseOrdersResults(t *testing.T) {
	prov := &scriptedProvider{t: t, turns: [][]provider.Event{
		parallelToolUseTurn([2]string{"calc", "t1"}, [2]string{"calc", "t2"}),
		textTurn("done", provider.StopReasonEndTurn),
	}}
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(calcTool{}))

	hk := hooks.NewRegistry()
	var beforeCount, afterCount int
	var mu sync.Mutex
	hk.On(hooks.BeforeToolCall, func(ctx context.Context, e *hooks.Event) {
		mu.Lock()
		beforeCount++
		mu.Unlock()
	})
	hk.On(hooks.AfterToolCall, func(ctx context.Context, e *hooks.Event) {
		mu.Lock()
		afterCount++
		mu.Unlock()
	})

	a := newTestAgent(t, prov, reg, hk)

	var toolResultMsg block.Message
	h, err := a.Stream(context.Background(), Text("compute both"))
	require.NoError(t, err)
	for evt := range h.Events() {
		if ma, ok := evt.(MessageAdded); ok && len(ma.Message.ToolResults()) > 0 {
			toolResultMsg = ma.Message
		}
	}
	require.NoError(t, h.Err())

	assert.Equal(t, 2, beforeCount)
	assert.Equal(t, 2, afterCount)
	results := toolResultMsg.ToolResults()
	require.Len(t, results, 2)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.Equal(t, "t2", results[1].ToolUseID)
}

// Scenario 5: a BeforeToolCall callback raises an interrupt on the first
// invocation; the host resolves it and resumes, and the second invocation
// re-runs the same tool execution to completion with no new interrupts
// (spec §8).
func TestInvokeInterruptSuspendResume(t *testing.T) {
	prov := &scriptedProvider{t: t, turns: [][]provider.Event{
		toolUseTurn("use-1", "confirm_action", `{}`),
		textTurn("action confirmed", provider.StopReasonEndTurn),
	}}
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(interruptTool{}))

	hk := hooks.NewRegistry()
	hk.On(hooks.BeforeToolCall, func(ctx context.Context, e *hooks.Event) {
		e.Interrupt("confirm", "ok?")
	})

	a := newTestAgent(t, prov, reg, hk)

	first, err := a.Invoke(context.Background(), Text("please confirm"))
	require.NoError(t, err)
	require.Equal(t, StopReasonInterrupted, first.StopReason)
	require.Len(t, first.Interrupts, 1)

	id := first.Interrupts[0].ID

	second, err := a.Invoke(context.Background(), Resume(InterruptResponse{ID: id, Response: "approved"}))
	require.NoError(t, err)

	assert.Equal(t, StopReasonEndTurn, second.StopReason)
	assert.Empty(t, second.Interrupts)
	assert.Equal(t, "action confirmed", second.LastMessage.Text())
}
