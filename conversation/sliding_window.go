package conversation

import (
	"github.com/agentmesh/runtime/block"
)

const truncatedResultSentinel = "The tool result was too large!"

// SlidingWindowOption configures a SlidingWindow manager.
type SlidingWindowOption func(*SlidingWindow)

// WithShouldTruncateResults enables the result-truncation strategy (strategy
// 1 of reduceContext) before falling back to trimming whole messages.
func WithShouldTruncateResults(enable bool) SlidingWindowOption {
	return func(w *SlidingWindow) { w.shouldTruncateResults = enable }
}

// SlidingWindow is the default Manager: it keeps history at or below
// WindowSize messages, preferring to truncate oversized tool results before
// trimming whole messages, and never splits a toolUse from its toolResult.
type SlidingWindow struct {
	WindowSize int

	shouldTruncateResults bool
	removedMessageCount   int
}

// NewSlidingWindow builds a SlidingWindow manager bounding history to
// windowSize messages.
func NewSlidingWindow(windowSize int, opts ...SlidingWindowOption) *SlidingWindow {
	w := &SlidingWindow{WindowSize: windowSize}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *SlidingWindow) ApplyManagement(messages []block.Message) ([]block.Message, error) {
	if len(messages) <= w.WindowSize {
		return messages, nil
	}
	return w.ReduceContext(messages, nil)
}

func (w *SlidingWindow) ReduceContext(messages []block.Message, cause error) ([]block.Message, error) {
	if w.shouldTruncateResults {
		if reduced, ok := w.truncateLargestResult(messages); ok {
			return reduced, nil
		}
	}
	return w.trimMessages(messages, cause)
}

// truncateLargestResult scans from newest to oldest for a message carrying a
// non-truncated toolResult block and replaces every toolResult in it with an
// error placeholder, per spec.md §4.5 strategy 1.
func (w *SlidingWindow) truncateLargestResult(messages []block.Message) ([]block.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if !hasNonTruncatedToolResult(messages[i]) {
			continue
		}
		out := make([]block.Message, len(messages))
		copy(out, messages)
		out[i] = truncateToolResults(messages[i])
		return out, true
	}
	return nil, false
}

func hasNonTruncatedToolResult(m block.Message) bool {
	for _, b := range m.Content {
		tr, ok := b.(block.ToolResult)
		if !ok {
			continue
		}
		if tr.Status != block.ToolResultError || !isTruncationSentinel(tr) {
			return true
		}
	}
	return false
}

func isTruncationSentinel(tr block.ToolResult) bool {
	if len(tr.Content) != 1 {
		return false
	}
	text, ok := tr.Content[0].(block.Text)
	return ok && text.Text == truncatedResultSentinel
}

func truncateToolResults(m block.Message) block.Message {
	content := make([]block.Block, len(m.Content))
	for i, b := range m.Content {
		if tr, ok := b.(block.ToolResult); ok {
			content[i] = block.ToolResult{
				ToolUseID: tr.ToolUseID,
				Status:    block.ToolResultError,
				Content:   []block.Block{block.Text{Text: truncatedResultSentinel}},
			}
			continue
		}
		content[i] = b
	}
	return block.Message{Role: m.Role, Content: content}
}

// trimMessages implements strategy 2: find the earliest legal trim index at
// or after max(2, len-windowSize) and splice out everything before it.
func (w *SlidingWindow) trimMessages(messages []block.Message, cause error) ([]block.Message, error) {
	n := len(messages)
	trimIndex := n - w.WindowSize
	if trimIndex < 2 {
		trimIndex = 2
	}
	for trimIndex < n {
		if !isIllegalTrimPoint(messages, trimIndex) {
			break
		}
		trimIndex++
	}
	if trimIndex >= n {
		return nil, &OverflowError{MessageCount: n, Cause: cause}
	}
	w.removedMessageCount += trimIndex
	return messages[trimIndex:], nil
}

// isIllegalTrimPoint reports whether starting the trimmed history at index i
// would split a tool-use/tool-result pair: either messages[i] itself is a
// toolResult message (its matching toolUse would be dropped), or messages[i]
// is a toolUse message whose immediately following message isn't its
// toolResult (the pairing hasn't completed yet).
func isIllegalTrimPoint(messages []block.Message, i int) bool {
	m := messages[i]
	if containsToolResult(m) {
		return true
	}
	if containsToolUse(m) {
		if i+1 >= len(messages) || !containsToolResult(messages[i+1]) {
			return true
		}
	}
	return false
}

func containsToolResult(m block.Message) bool {
	for _, b := range m.Content {
		if _, ok := b.(block.ToolResult); ok {
			return true
		}
	}
	return false
}

func containsToolUse(m block.Message) bool {
	for _, b := range m.Content {
		if _, ok := b.(block.ToolUse); ok {
			return true
		}
	}
	return false
}

func (w *SlidingWindow) RemovedCount() int { return w.removedMessageCount }

func (w *SlidingWindow) State() map[string]any {
	return map[string]any{"removedMessageCount": w.removedMessageCount}
}

func (w *SlidingWindow) Restore(state map[string]any) error {
	if state == nil {
		return nil
	}
	if v, ok := state["removedMessageCount"]; ok {
		switch n := v.(type) {
		case int:
			w.removedMessageCount = n
		case float64:
			w.removedMessageCount = int(n)
		}
	}
	return nil
}
