package openai

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

type stubChatClient struct {
	lastBody sdk.ChatCompletionNewParams
	stream   *ssestream.Stream[sdk.ChatCompletionChunk]
}

func (s *stubChatClient) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	s.lastBody = body
	return s.stream
}

type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event {
	if d.i == 0 || d.i > len(d.events) {
		return ssestream.Event{}
	}
	return d.events[d.i-1]
}

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func chunkEvent(t *testing.T, chunk sdk.ChatCompletionChunk) ssestream.Event {
	t.Helper()
	data, err := json.Marshal(chunk)
	require.NoError(t, err)
	return ssestream.Event{Type: "", Data: data}
}

func TestClientStream_TextAndToolCall(t *testing.T) {
	textChunk := sdk.ChatCompletionChunk{
		Choices: []sdk.ChatCompletionChunkChoice{{
			Delta: sdk.ChatCompletionChunkChoiceDelta{Content: "hi"},
		}},
	}
	toolChunk := sdk.ChatCompletionChunk{
		Choices: []sdk.ChatCompletionChunkChoice{{
			Delta: sdk.ChatCompletionChunkChoiceDelta{
				ToolCalls: []sdk.ChatCompletionChunkChoiceDeltaToolCall{{
					Index: 0,
					ID:    "call-1",
					Function: sdk.ChatCompletionChunkChoiceDeltaToolCallFunction{
						Name:      "lookup",
						Arguments: `{"q":"docs"}`,
					},
				}},
			},
		}},
	}
	stopChunk := sdk.ChatCompletionChunk{
		Choices: []sdk.ChatCompletionChunkChoice{{FinishReason: "tool_calls"}},
		Usage:   sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	dec := &testDecoder{events: []ssestream.Event{
		chunkEvent(t, textChunk),
		chunkEvent(t, toolChunk),
		chunkEvent(t, stopChunk),
	}}
	stub := &stubChatClient{stream: ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)}

	cl, err := New(stub, Options{DefaultModel: "gpt-4o", MaxTokens: 256})
	require.NoError(t, err)

	s, err := cl.Stream(context.Background(), provider.Request{
		Messages: []block.Message{{Role: block.RoleUser, Content: []block.Block{block.Text{Text: "ping"}}}},
		ToolSpecs: []provider.ToolSpec{{Name: "lookup", Description: "search", InputSchema: []byte(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	defer s.Close()

	var sawText, sawTool, sawUsage, sawStop bool
	for {
		evt, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch v := evt.(type) {
		case provider.ContentBlockDelta:
			switch d := v.Delta.(type) {
			case provider.TextDelta:
				sawText = d.Text == "hi"
			case provider.ToolUseInputDelta:
				sawTool = d.Input == `{"q":"docs"}`
			}
		case provider.Metadata:
			sawUsage = v.Usage != nil && v.Usage.TotalTokens == 15
		case provider.MessageStop:
			sawStop = v.StopReason == provider.StopReasonToolUse
		}
	}
	require.True(t, sawText, "expected text delta")
	require.True(t, sawTool, "expected tool use delta")
	require.True(t, sawUsage, "expected usage metadata")
	require.True(t, sawStop, "expected tool_use stop reason")
	require.Equal(t, "gpt-4o", string(stub.lastBody.Model))
	require.Len(t, stub.lastBody.Tools, 1)
}

func TestClientStream_RequiresMessages(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{DefaultModel: "gpt-4o", MaxTokens: 64})
	require.NoError(t, err)
	_, err = cl.Stream(context.Background(), provider.Request{})
	require.Error(t, err)
}
