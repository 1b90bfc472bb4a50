package openai

import (
	"context"
	"io"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/agentmesh/runtime/provider"
)

// stream adapts an OpenAI chat completion chunk SSE stream to
// provider.Stream, translating each chunk into zero or more provider.Event
// values on a buffered channel.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sdk    *ssestream.Stream[sdk.ChatCompletionChunk]

	events chan provider.Event

	errMu sync.Mutex
	err   error
}

func newStream(ctx context.Context, sdkStream *ssestream.Stream[sdk.ChatCompletionChunk]) *stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &stream{ctx: cctx, cancel: cancel, sdk: sdkStream, events: make(chan provider.Event, 32)}
	go s.run()
	return s
}

func (s *stream) Recv() (provider.Event, error) {
	select {
	case evt, ok := <-s.events:
		if ok {
			return evt, nil
		}
		if err := s.readErr(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *stream) Close() error {
	s.cancel()
	if s.sdk == nil {
		return nil
	}
	return s.sdk.Close()
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) readErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) run() {
	defer close(s.events)
	defer func() {
		if s.sdk != nil {
			_ = s.sdk.Close()
		}
	}()

	p := &translator{toolIndex: make(map[int64]string)}
	started := false
	for s.sdk.Next() {
		chunk := s.sdk.Current()
		evts := p.translate(chunk, !started)
		started = true
		for _, evt := range evts {
			select {
			case s.events <- evt:
			case <-s.ctx.Done():
				s.setErr(s.ctx.Err())
				return
			}
		}
	}
	if err := s.sdk.Err(); err != nil {
		s.setErr(classifyError("chat.completions.stream.recv", err))
	}
}

// translator converts chat completion chunks into provider.Event values.
// OpenAI's chunked protocol has no explicit message-start/content-block-stop
// framing, so the translator synthesizes MessageStart on the first chunk and
// ContentBlockStart the first time a given tool-call index is observed.
type translator struct {
	toolIndex map[int64]string
	sawText   bool
	stopRsn   string
}

func (p *translator) translate(chunk sdk.ChatCompletionChunk, first bool) []provider.Event {
	var out []provider.Event
	if first {
		out = append(out, provider.MessageStart{Role: "assistant"})
	}
	if len(chunk.Choices) == 0 {
		return appendUsage(out, chunk)
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		if !p.sawText {
			out = append(out, provider.ContentBlockStart{Index: 0})
			p.sawText = true
		}
		out = append(out, provider.ContentBlockDelta{Index: 0, Delta: provider.TextDelta{Text: delta.Content}})
	}

	for _, tc := range delta.ToolCalls {
		idx := int64(tc.Index)
		if _, ok := p.toolIndex[idx]; !ok && tc.ID != "" {
			p.toolIndex[idx] = tc.ID
			out = append(out, provider.ContentBlockStart{
				Index: int(idx) + 1,
				Start: &provider.ToolUseStart{Name: tc.Function.Name, ToolUseID: tc.ID},
			})
		}
		if tc.Function.Arguments != "" {
			out = append(out, provider.ContentBlockDelta{
				Index: int(idx) + 1,
				Delta: provider.ToolUseInputDelta{Input: tc.Function.Arguments},
			})
		}
	}

	if choice.FinishReason != "" {
		if p.sawText {
			out = append(out, provider.ContentBlockStop{Index: 0})
		}
		for idx := range p.toolIndex {
			out = append(out, provider.ContentBlockStop{Index: int(idx) + 1})
		}
		p.stopRsn = mapStopReason(choice.FinishReason)
		out = append(out, provider.MessageStop{StopReason: provider.StopReason(p.stopRsn)})
	}

	return appendUsage(out, chunk)
}

func appendUsage(out []provider.Event, chunk sdk.ChatCompletionChunk) []provider.Event {
	if chunk.Usage.TotalTokens == 0 {
		return out
	}
	return append(out, provider.Metadata{Usage: &provider.Usage{
		InputTokens:  int(chunk.Usage.PromptTokens),
		OutputTokens: int(chunk.Usage.CompletionTokens),
		TotalTokens:  int(chunk.Usage.TotalTokens),
	}})
}

func mapStopReason(raw string) string {
	switch raw {
	case "stop":
		return string(provider.StopReasonEndTurn)
	case "tool_calls":
		return string(provider.StopReasonToolUse)
	case "length":
		return string(provider.StopReasonMaxTokens)
	default:
		return raw
	}
}
