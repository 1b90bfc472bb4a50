package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/block"
)

func userText(s string) block.Message {
	return block.Message{Role: block.RoleUser, Content: []block.Block{block.Text{Text: s}}}
}

func assistantText(s string) block.Message {
	return block.Message{Role: block.RoleAssistant, Content: []block.Block{block.Text{Text: s}}}
}

func assistantToolUse(id string) block.Message {
	return block.Message{Role: block.RoleAssistant, Content: []block.Block{block.ToolUse{Name: "calc", ToolUseID: id}}}
}

func userToolResult(id string) block.Message {
	return block.Message{Role: block.RoleUser, Content: []block.Block{block.NewTextResult(id, block.ToolResultSuccess, "3")}}
}

func TestApplyManagement_NoopUnderWindow(t *testing.T) {
	w := NewSlidingWindow(10)
	msgs := []block.Message{userText("a"), assistantText("b")}
	out, err := w.ApplyManagement(msgs)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestTrimMessages_ToolPairKeptTogether(t *testing.T) {
	w := NewSlidingWindow(2)
	msgs := []block.Message{
		userText("hi"),
		assistantToolUse("1"),
		userToolResult("1"),
		assistantText("done"),
		userText("thanks"),
	}
	out, err := w.ApplyManagement(msgs)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, assistantText("done"), out[0])
	assert.Equal(t, userText("thanks"), out[1])
}

func TestTrimMessages_SkipsPastDanglingToolUse(t *testing.T) {
	w := NewSlidingWindow(2)
	msgs := []block.Message{
		userText("hi"),
		assistantToolUse("1"),
		assistantText("done"),
		userText("thanks"),
	}
	out, err := w.ApplyManagement(msgs)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, assistantText("done"), out[0])
	assert.Equal(t, userText("thanks"), out[1])
}

func TestTrimMessages_OverflowWhenNoLegalTrimPoint(t *testing.T) {
	w := NewSlidingWindow(1)
	msgs := []block.Message{
		userText("hi"),
		assistantToolUse("1"),
		userToolResult("1"),
	}
	_, err := w.ApplyManagement(msgs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextWindowOverflow)
}

func TestReduceContext_TruncatesLargestResultFirst(t *testing.T) {
	w := NewSlidingWindow(100, WithShouldTruncateResults(true))
	msgs := []block.Message{
		userText("hi"),
		assistantToolUse("1"),
		userToolResult("1"),
	}
	out, err := w.ReduceContext(msgs, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	tr := out[2].Content[0].(block.ToolResult)
	assert.Equal(t, block.ToolResultError, tr.Status)
	assert.Equal(t, "The tool result was too large!", tr.Content[0].(block.Text).Text)
}

func TestReduceContext_FallsBackToTrimWhenNothingToTruncate(t *testing.T) {
	w := NewSlidingWindow(2, WithShouldTruncateResults(true))
	msgs := []block.Message{
		userText("hi"),
		assistantToolUse("1"),
		{Role: block.RoleUser, Content: []block.Block{block.ErrorResult("1", "The tool result was too large!")}},
		assistantText("done"),
		userText("thanks"),
	}
	out, err := w.ReduceContext(msgs, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestStateRoundTrip(t *testing.T) {
	w := NewSlidingWindow(2)
	msgs := []block.Message{
		userText("hi"),
		assistantToolUse("1"),
		userToolResult("1"),
		assistantText("done"),
		userText("thanks"),
	}
	_, err := w.ApplyManagement(msgs)
	require.NoError(t, err)
	require.Equal(t, 3, w.RemovedCount())

	restored := NewSlidingWindow(2)
	require.NoError(t, restored.Restore(w.State()))
	assert.Equal(t, w.RemovedCount(), restored.RemovedCount())
}

func TestNullManager_AlwaysOverflows(t *testing.T) {
	var m NullManager
	_, err := m.ReduceContext(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextWindowOverflow)
}
