package bedrock

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentmesh/runtime/provider"
)

// stream adapts a Bedrock ConverseStream event stream to provider.Stream.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events *bedrockruntime.ConverseStreamEventStream

	out chan provider.Event

	errMu sync.Mutex
	err   error
}

func newStream(ctx context.Context, events *bedrockruntime.ConverseStreamEventStream) *stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &stream{ctx: cctx, cancel: cancel, events: events, out: make(chan provider.Event, 32)}
	go s.run()
	return s
}

func (s *stream) Recv() (provider.Event, error) {
	select {
	case evt, ok := <-s.out:
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
	return s.events.Close()
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
	defer close(s.out)
	defer func() { _ = s.events.Close() }()

	p := &translator{}
	ch := s.events.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-ch:
			if !ok {
				if err := s.events.Err(); err != nil {
					s.setErr(classifyError("converse_stream.recv", err))
				}
				return
			}
			for _, evt := range p.translate(event) {
				select {
				case s.out <- evt:
				case <-s.ctx.Done():
					s.setErr(s.ctx.Err())
					return
				}
			}
		}
	}
}

type translator struct {
	stopRsn string
}

func (p *translator) translate(event brtypes.ConverseStreamOutput) []provider.Event {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		return []provider.Event{provider.MessageStart{Role: "assistant"}}

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := int32Value(ev.Value.ContentBlockIndex)
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			return []provider.Event{provider.ContentBlockStart{
				Index: idx,
				Start: &provider.ToolUseStart{
					Name:      stringValue(start.Value.Name),
					ToolUseID: stringValue(start.Value.ToolUseId),
				},
			}}
		}
		return []provider.Event{provider.ContentBlockStart{Index: idx}}

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := int32Value(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return []provider.Event{provider.ContentBlockDelta{Index: idx, Delta: provider.TextDelta{Text: delta.Value}}}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input == nil || *delta.Value.Input == "" {
				return nil
			}
			return []provider.Event{provider.ContentBlockDelta{Index: idx, Delta: provider.ToolUseInputDelta{Input: *delta.Value.Input}}}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			switch v := delta.Value.(type) {
			case *brtypes.ReasoningContentBlockDeltaMemberText:
				if v.Value == "" {
					return nil
				}
				return []provider.Event{provider.ContentBlockDelta{Index: idx, Delta: provider.ReasoningContentDelta{Text: v.Value}}}
			case *brtypes.ReasoningContentBlockDeltaMemberSignature:
				if v.Value == "" {
					return nil
				}
				return []provider.Event{provider.ContentBlockDelta{Index: idx, Delta: provider.ReasoningContentDelta{Signature: v.Value}}}
			case *brtypes.ReasoningContentBlockDeltaMemberRedactedContent:
				if len(v.Value) == 0 {
					return nil
				}
				return []provider.Event{provider.ContentBlockDelta{Index: idx, Delta: provider.ReasoningContentDelta{RedactedContent: v.Value}}}
			}
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		return []provider.Event{provider.ContentBlockStop{Index: int32Value(ev.Value.ContentBlockIndex)}}

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.stopRsn = mapStopReason(string(ev.Value.StopReason))
		return []provider.Event{provider.MessageStop{StopReason: provider.StopReason(p.stopRsn)}}

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		return []provider.Event{provider.Metadata{Usage: &provider.Usage{
			InputTokens:      int32Value(ev.Value.Usage.InputTokens),
			OutputTokens:     int32Value(ev.Value.Usage.OutputTokens),
			TotalTokens:      int32Value(ev.Value.Usage.TotalTokens),
			CacheReadTokens:  int32Value(ev.Value.Usage.CacheReadInputTokens),
			CacheWriteTokens: int32Value(ev.Value.Usage.CacheWriteInputTokens),
		}}}
	}
	return nil
}

func int32Value(ptr *int32) int {
	if ptr == nil {
		return 0
	}
	return int(*ptr)
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func mapStopReason(raw string) string {
	switch strings.ToLower(raw) {
	case "end_turn":
		return string(provider.StopReasonEndTurn)
	case "tool_use":
		return string(provider.StopReasonToolUse)
	case "max_tokens":
		return string(provider.StopReasonMaxTokens)
	case "stop_sequence":
		return string(provider.StopReasonStopSequence)
	default:
		return raw
	}
}
