package agent

import (
	"encoding/json"
	"strings"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

// blockAccum accumulates the incremental deltas for a single content-block
// index until its ContentBlockStop arrives.
type blockAccum struct {
	kind string // "text", "reasoning", or "toolUse"

	text strings.Builder

	reasoningSignature string
	reasoningRedacted  bool

	toolName  string
	toolUseID string
	toolInput strings.Builder
}

// messageBuilder reconstructs the assistant message under construction from
// a provider's ContentBlockStart/Delta/Stop events, preserving block order
// (spec §4.1 InvokeModel: "capture the assistant message under
// construction").
type messageBuilder struct {
	order []int
	byIdx map[int]*blockAccum
}

func newMessageBuilder() *messageBuilder {
	return &messageBuilder{byIdx: make(map[int]*blockAccum)}
}

func (b *messageBuilder) entry(idx int) *blockAccum {
	acc, ok := b.byIdx[idx]
	if !ok {
		acc = &blockAccum{kind: "text"}
		b.byIdx[idx] = acc
		b.order = append(b.order, idx)
	}
	return acc
}

func (b *messageBuilder) start(evt provider.ContentBlockStart) {
	acc := b.entry(evt.Index)
	if evt.Start != nil {
		acc.kind = "toolUse"
		acc.toolName = evt.Start.Name
		acc.toolUseID = evt.Start.ToolUseID
	}
}

func (b *messageBuilder) delta(evt provider.ContentBlockDelta) {
	acc := b.entry(evt.Index)
	switch d := evt.Delta.(type) {
	case provider.TextDelta:
		acc.kind = "text"
		acc.text.WriteString(d.Text)
	case provider.ToolUseInputDelta:
		acc.kind = "toolUse"
		acc.toolInput.WriteString(d.Input)
	case provider.ReasoningContentDelta:
		acc.kind = "reasoning"
		acc.text.WriteString(d.Text)
		if d.Signature != "" {
			acc.reasoningSignature = d.Signature
		}
		if len(d.RedactedContent) > 0 {
			acc.reasoningRedacted = true
		}
	}
}

// build assembles the accumulated blocks, in first-seen index order, into
// the finished assistant message.
func (b *messageBuilder) build() block.Message {
	content := make([]block.Block, 0, len(b.order))
	for _, idx := range b.order {
		acc := b.byIdx[idx]
		switch acc.kind {
		case "toolUse":
			content = append(content, block.ToolUse{
				Name:      acc.toolName,
				ToolUseID: acc.toolUseID,
				Input:     json.RawMessage(acc.toolInput.String()),
			})
		case "reasoning":
			content = append(content, block.Reasoning{
				Text:      acc.text.String(),
				Signature: acc.reasoningSignature,
				Redacted:  acc.reasoningRedacted,
			})
		default:
			content = append(content, block.Text{Text: acc.text.String()})
		}
	}
	return block.Message{Role: block.RoleAssistant, Content: content}
}
