package anthropic

import (
	"context"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentmesh/runtime/provider"
)

// stream adapts an Anthropic Messages SSE stream to provider.Stream,
// translating each SDK event into zero or more provider.Event values on a
// buffered channel (spec §6).
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sdk    *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan provider.Event

	errMu sync.Mutex
	err   error
}

func newStream(ctx context.Context, sdkStream *ssestream.Stream[sdk.MessageStreamEventUnion], _ map[string]string) *stream {
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
	for s.sdk.Next() {
		for _, evt := range p.translate(s.sdk.Current()) {
			select {
			case s.events <- evt:
			case <-s.ctx.Done():
				s.setErr(s.ctx.Err())
				return
			}
		}
	}
	if err := s.sdk.Err(); err != nil {
		s.setErr(classifyError("messages.stream", err))
	}
}

// translator converts a single Anthropic SSE event into zero or more
// provider.Event values, tracking enough per-index state to pair a tool-use
// content block's start with its later id/name.
type translator struct {
	toolIndex map[int64]string
	stopRsn   string
}

func (p *translator) translate(event sdk.MessageStreamEventUnion) []provider.Event {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return []provider.Event{provider.MessageStart{Role: "assistant"}}

	case sdk.ContentBlockStartEvent:
		block := ev.ContentBlock.AsAny()
		if tu, ok := block.(sdk.ToolUseBlock); ok {
			p.toolIndex[ev.Index] = tu.ID
			return []provider.Event{provider.ContentBlockStart{
				Index: int(ev.Index),
				Start: &provider.ToolUseStart{Name: tu.Name, ToolUseID: tu.ID},
			}}
		}
		return []provider.Event{provider.ContentBlockStart{Index: int(ev.Index)}}

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return []provider.Event{provider.ContentBlockDelta{
				Index: int(ev.Index),
				Delta: provider.TextDelta{Text: delta.Text},
			}}
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			return []provider.Event{provider.ContentBlockDelta{
				Index: int(ev.Index),
				Delta: provider.ToolUseInputDelta{Input: delta.PartialJSON},
			}}
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return []provider.Event{provider.ContentBlockDelta{
				Index: int(ev.Index),
				Delta: provider.ReasoningContentDelta{Text: delta.Thinking},
			}}
		case sdk.SignatureDelta:
			if delta.Signature == "" {
				return nil
			}
			return []provider.Event{provider.ContentBlockDelta{
				Index: int(ev.Index),
				Delta: provider.ReasoningContentDelta{Signature: delta.Signature},
			}}
		}
		return nil

	case sdk.ContentBlockStopEvent:
		delete(p.toolIndex, ev.Index)
		return []provider.Event{provider.ContentBlockStop{Index: int(ev.Index)}}

	case sdk.MessageDeltaEvent:
		p.stopRsn = mapStopReason(string(ev.Delta.StopReason))
		return []provider.Event{provider.Metadata{Usage: &provider.Usage{
			InputTokens:      int(ev.Usage.InputTokens),
			OutputTokens:     int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
		}}}

	case sdk.MessageStopEvent:
		return []provider.Event{provider.MessageStop{StopReason: provider.StopReason(p.stopRsn)}}
	}
	return nil
}

func mapStopReason(raw string) string {
	switch raw {
	case "end_turn":
		return string(provider.StopReasonEndTurn)
	case "stop_sequence":
		return string(provider.StopReasonStopSequence)
	case "tool_use":
		return string(provider.StopReasonToolUse)
	case "max_tokens":
		return string(provider.StopReasonMaxTokens)
	default:
		return raw
	}
}
