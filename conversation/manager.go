// Package conversation implements the sliding-window context manager that
// keeps an agent's message history within a bounded size while preserving
// the tool-use/tool-result pairing invariant (every toolUse must keep its
// matching toolResult, or be trimmed together with it).
package conversation

import (
	"errors"
	"fmt"

	"github.com/agentmesh/runtime/block"
)

// ErrContextWindowOverflow is returned when reduceContext cannot find a
// legal trim point and the conversation cannot be reduced any further.
var ErrContextWindowOverflow = errors.New("conversation: context window overflow")

// OverflowError wraps ErrContextWindowOverflow with the message count that
// could not be reduced, for callers that want the detail via errors.As.
type OverflowError struct {
	MessageCount int
	Cause        error
}

func (e *OverflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("conversation: context window overflow (%d messages): %v", e.MessageCount, e.Cause)
	}
	return fmt.Sprintf("conversation: context window overflow (%d messages)", e.MessageCount)
}

func (e *OverflowError) Unwrap() error { return ErrContextWindowOverflow }

func (e *OverflowError) Is(target error) bool { return target == ErrContextWindowOverflow }

// Manager is the contract the agent loop drives the conversation through.
// applyManagement runs after every cycle; reduceContext runs specifically
// when the model provider reports a context-window overflow.
type Manager interface {
	// ApplyManagement inspects history and, if it exceeds the configured
	// window, reduces it in place. Returns the (possibly unchanged) history.
	ApplyManagement(messages []block.Message) ([]block.Message, error)

	// ReduceContext is invoked when the provider signals the context is too
	// large. cause, if non-nil, is the triggering provider error. When
	// reduction itself is impossible the returned error is an *OverflowError
	// (matching ErrContextWindowOverflow); SlidingWindow carries cause in its
	// Cause field.
	ReduceContext(messages []block.Message, cause error) ([]block.Message, error)

	// RemovedCount returns the total number of messages this manager has
	// trimmed from the front of history over its lifetime.
	RemovedCount() int

	// State returns a JSON-serializable snapshot of the manager's internal
	// bookkeeping (e.g. removedMessageCount), for the snapshot subsystem.
	State() map[string]any

	// Restore replaces the manager's internal bookkeeping from a previously
	// captured State().
	Restore(state map[string]any) error
}

// NullManager never manages the window; any overflow is immediately fatal.
// It is the manager an agent gets by default, matching spec.md §4.5's
// NullConversationManager.
type NullManager struct{}

func (NullManager) ApplyManagement(messages []block.Message) ([]block.Message, error) {
	return messages, nil
}

func (NullManager) ReduceContext(_ []block.Message, cause error) ([]block.Message, error) {
	if cause != nil {
		return nil, cause
	}
	return nil, &OverflowError{}
}

func (NullManager) RemovedCount() int { return 0 }

func (NullManager) State() map[string]any { return nil }

func (NullManager) Restore(map[string]any) error { return nil }
