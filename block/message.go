package block

import (
	"errors"
	"fmt"
)

// Role identifies who produced a Message.
type Role string

const (
	// RoleUser marks a message originating from the end user, or a
	// tool-result turn synthesized by the runtime after a tool phase.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Message is a single turn of conversation content.
//
// Invariant (spec §3): user messages may contain any Block except ToolUse;
// assistant messages may contain any Block except ToolResult. Validate
// checks this; the agent loop runs it on the caller's input message before
// appending it to history.
type Message struct {
	Role    Role
	Content []Block
}

// ErrInvalidMessage is returned by Validate when a message violates the
// role/content-type invariant.
var ErrInvalidMessage = errors.New("block: message violates role content invariant")

// Validate checks the role/content invariant for m. It returns
// ErrInvalidMessage wrapped with context when a disallowed block type is
// present for the message's role.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser:
		for _, b := range m.Content {
			if _, ok := b.(ToolUse); ok {
				return fmt.Errorf("user message must not contain a toolUse block: %w", ErrInvalidMessage)
			}
		}
	case RoleAssistant:
		for _, b := range m.Content {
			if _, ok := b.(ToolResult); ok {
				return fmt.Errorf("assistant message must not contain a toolResult block: %w", ErrInvalidMessage)
			}
		}
	}
	return nil
}

// ToolUses returns every ToolUse block in the message's content, in order.
func (m Message) ToolUses() []ToolUse {
	var out []ToolUse
	for _, b := range m.Content {
		if tu, ok := b.(ToolUse); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResults returns every ToolResult block in the message's content, in
// order.
func (m Message) ToolResults() []ToolResult {
	var out []ToolResult
	for _, b := range m.Content {
		if tr, ok := b.(ToolResult); ok {
			out = append(out, tr)
		}
	}
	return out
}

// Text concatenates every Text block's content, in order. It is a
// convenience for callers that only care about the textual content of a
// message (e.g. logging, simple consumers).
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(Text); ok {
			out += t.Text
		}
	}
	return out
}
