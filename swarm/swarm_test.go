package swarm_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/agent"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/provider"
	"github.com/agentmesh/runtime/swarm"
	"github.com/agentmesh/runtime/tool"
)

// scriptedStream replays a fixed slice of provider.Event values, then
// returns io.EOF forever after.
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

// repeatingProvider hands out the same scripted turn on every call to
// Stream, modeling a node whose model always makes the same move (e.g.
// always requesting a handoff) regardless of how many times it is visited.
type repeatingProvider struct {
	turn []provider.Event
}

func (p *repeatingProvider) Stream(_ context.Context, _ provider.Request) (provider.Stream, error) {
	return &scriptedStream{events: append([]provider.Event(nil), p.turn...)}, nil
}

func textTurn(text string, stopReason provider.StopReason) []provider.Event {
	return []provider.Event{
		provider.ContentBlockStart{Index: 0},
		provider.ContentBlockDelta{Index: 0, Delta: provider.TextDelta{Text: text}},
		provider.ContentBlockStop{Index: 0},
		provider.MessageStop{StopReason: stopReason},
	}
}

func handoffTurn(toolUseID, target string) []provider.Event {
	input := fmt.Sprintf(`{"target_agent":%q,"reason":"routing to a specialist"}`, target)
	return []provider.Event{
		provider.ContentBlockStart{Index: 0, Start: &provider.ToolUseStart{Name: "handoff_to_agent", ToolUseID: toolUseID}},
		provider.ContentBlockDelta{Index: 0, Delta: provider.ToolUseInputDelta{Input: input}},
		provider.ContentBlockStop{Index: 0},
		provider.MessageStop{StopReason: provider.StopReasonToolUse},
	}
}

func newNodeAgent(t *testing.T, turn []provider.Event) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		Provider: &repeatingProvider{turn: turn},
		Tools:    tool.NewRegistry(),
		Hooks:    hooks.NewRegistry(),
		Policy:   tool.DerivePolicy(tool.ModeSwarm),
	})
	require.NoError(t, err)
	return a
}

// Concrete Scenario 6 (spec §8): three... really two agents, A and B,
// bouncing handoffs A,B,A,B,A,B with window=6 and minUnique=3 terminate on
// the 6th handoff, since the window never contains more than 2 distinct
// node ids.
func TestRepetitiveHandoffDetectorTerminatesOnSixthStep(t *testing.T) {
	nodeA := newNodeAgent(t, handoffTurn("tu-a", "b"))
	nodeB := newNodeAgent(t, handoffTurn("tu-b", "a"))

	cfg := swarm.DefaultConfig()
	cfg.MaxHandoffs = 100
	cfg.MaxIterations = 100
	cfg.RepetitiveHandoffWindow = 6
	cfg.RepetitiveHandoffMinUniqueAgents = 3

	s, err := swarm.New(cfg, []swarm.Node{
		{ID: "a", Agent: nodeA},
		{ID: "b", Agent: nodeB},
	}, "a")
	require.NoError(t, err)

	result, err := s.Invoke(context.Background(), "handle this request")
	require.NoError(t, err)

	assert.Equal(t, swarm.StopReasonRepetitiveHandoff, result.StopReason)
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, result.State.NodeHistory)
}

// A node that ends its turn without requesting a handoff terminates the
// swarm immediately with the node's own result attached.
func TestSingleNodeEndTurnTerminates(t *testing.T) {
	nodeA := newNodeAgent(t, textTurn("all done", provider.StopReasonEndTurn))

	s, err := swarm.New(swarm.DefaultConfig(), []swarm.Node{{ID: "a", Agent: nodeA}}, "a")
	require.NoError(t, err)

	result, err := s.Invoke(context.Background(), "do the thing")
	require.NoError(t, err)

	assert.Equal(t, swarm.StopReasonEndTurn, result.StopReason)
	assert.Equal(t, "all done", result.LastMessage.Text())
	assert.Empty(t, result.State.NodeHistory)
}

// len(nodeHistory) never exceeds MaxHandoffs: two nodes that always hand
// off to each other, with the repetition detector disabled, terminate
// exactly at the configured cap.
func TestMaxHandoffsCapsNodeHistory(t *testing.T) {
	nodeA := newNodeAgent(t, handoffTurn("tu-a", "b"))
	nodeB := newNodeAgent(t, handoffTurn("tu-b", "a"))

	cfg := swarm.DefaultConfig()
	cfg.MaxHandoffs = 3
	cfg.MaxIterations = 100
	cfg.RepetitiveHandoffWindow = 0
	cfg.RepetitiveHandoffMinUniqueAgents = 0

	s, err := swarm.New(cfg, []swarm.Node{
		{ID: "a", Agent: nodeA},
		{ID: "b", Agent: nodeB},
	}, "a")
	require.NoError(t, err)

	result, err := s.Invoke(context.Background(), "start")
	require.NoError(t, err)

	assert.Equal(t, swarm.StopReasonMaxHandoffs, result.StopReason)
	assert.Len(t, result.State.NodeHistory, 3)
}

// Iteration never exceeds MaxIterations, independent of MaxHandoffs.
func TestMaxIterationsTerminatesRun(t *testing.T) {
	nodeA := newNodeAgent(t, handoffTurn("tu-a", "b"))
	nodeB := newNodeAgent(t, handoffTurn("tu-b", "a"))

	cfg := swarm.DefaultConfig()
	cfg.MaxHandoffs = 100
	cfg.MaxIterations = 2
	cfg.RepetitiveHandoffWindow = 0
	cfg.RepetitiveHandoffMinUniqueAgents = 0

	s, err := swarm.New(cfg, []swarm.Node{
		{ID: "a", Agent: nodeA},
		{ID: "b", Agent: nodeB},
	}, "a")
	require.NoError(t, err)

	result, err := s.Invoke(context.Background(), "start")
	require.NoError(t, err)

	assert.Equal(t, swarm.StopReasonMaxIterations, result.StopReason)
	assert.LessOrEqual(t, result.State.Iteration, cfg.MaxIterations)
}

// A handoff to a node id that isn't part of the swarm is a fatal scheduling
// error, not a silent no-op.
func TestHandoffToUnknownNodeIsAnError(t *testing.T) {
	nodeA := newNodeAgent(t, handoffTurn("tu-a", "ghost"))

	s, err := swarm.New(swarm.DefaultConfig(), []swarm.Node{{ID: "a", Agent: nodeA}}, "a")
	require.NoError(t, err)

	result, err := s.Invoke(context.Background(), "start")
	require.Error(t, err)
	assert.Equal(t, swarm.StopReasonError, result.StopReason)
}

// A per-node timeout aborts the run under the default NodeTimeoutAbort
// policy rather than advancing to the next node.
func TestNodeTimeoutAbortsRun(t *testing.T) {
	nodeA := newNodeAgent(t, handoffTurn("tu-a", "b"))
	nodeB, err := agent.New(agent.Config{
		Provider: blockingProvider{},
		Tools:    tool.NewRegistry(),
		Hooks:    hooks.NewRegistry(),
		Policy:   tool.DerivePolicy(tool.ModeSwarm),
	})
	require.NoError(t, err)

	cfg := swarm.DefaultConfig()
	cfg.NodeTimeout = 20 * time.Millisecond
	cfg.ExecutionTimeout = 5 * time.Second

	s, serr := swarm.New(cfg, []swarm.Node{
		{ID: "a", Agent: nodeA},
		{ID: "b", Agent: nodeB},
	}, "a")
	require.NoError(t, serr)

	result, invokeErr := s.Invoke(context.Background(), "start")
	require.NoError(t, invokeErr)
	assert.Equal(t, swarm.StopReasonNodeTimeout, result.StopReason)
}

// blockingProvider never returns, so its owning node can only terminate via
// context cancellation (a node-scoped or run-scoped timeout).
type blockingProvider struct{}

func (blockingProvider) Stream(ctx context.Context, _ provider.Request) (provider.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// textTurnWithUsage behaves like textTurn but reports token usage via a
// trailing Metadata event, letting tests exercise Config.MaxRunTotalTokens.
func textTurnWithUsage(text string, stopReason provider.StopReason, totalTokens int) []provider.Event {
	turn := textTurn(text, stopReason)
	return append(turn, provider.Metadata{Usage: &provider.Usage{
		InputTokens: totalTokens / 2, OutputTokens: totalTokens - totalTokens/2, TotalTokens: totalTokens,
	}})
}

// A node reporting usage past Config.MaxRunTotalTokens is cancelled mid-run
// and the swarm stops with StopReasonBudgetExceeded, rather than letting the
// node run to its own natural completion.
func TestMaxRunTotalTokensStopsRunOverBudget(t *testing.T) {
	nodeA := newNodeAgent(t, textTurnWithUsage("a very long answer that costs a lot", provider.StopReasonEndTurn, 1000))

	cfg := swarm.DefaultConfig()
	cfg.MaxRunTotalTokens = 100

	s, err := swarm.New(cfg, []swarm.Node{{ID: "a", Agent: nodeA}}, "a")
	require.NoError(t, err)

	result, err := s.Invoke(context.Background(), "start")
	require.NoError(t, err)

	assert.Equal(t, swarm.StopReasonBudgetExceeded, result.StopReason)
	assert.GreaterOrEqual(t, result.Usage.TotalTokens, cfg.MaxRunTotalTokens)
}
