package agent

import "github.com/agentmesh/runtime/block"

// InterruptResponse supplies the host's answer to a previously raised
// Interrupt, identified by its deterministic id (spec §4.2 resume).
type InterruptResponse struct {
	ID       string
	Response string
}

// Input is what a caller hands to Stream/Invoke: either a user turn to
// append to history, or a set of interrupt responses resuming a suspended
// invocation (spec §4.1). Exactly one of the two forms applies; Resume
// takes precedence if both are set.
type Input struct {
	Text   string
	Blocks []block.Block
	Resume []InterruptResponse
}

// Text builds an Input carrying a single text block.
func Text(s string) Input { return Input{Text: s} }

// Blocks builds an Input carrying arbitrary content blocks.
func Blocks(blocks ...block.Block) Input { return Input{Blocks: blocks} }

// Resume builds an Input that answers previously raised interrupts instead
// of appending a new user message.
func Resume(responses ...InterruptResponse) Input { return Input{Resume: responses} }

// isResume reports whether this Input resumes a suspended invocation rather
// than supplying a fresh user turn.
func (in Input) isResume() bool { return len(in.Resume) > 0 }

// message converts a non-resume Input into the user message the loop
// appends to history before the first cycle.
func (in Input) message() block.Message {
	content := in.Blocks
	if in.Text != "" {
		content = append([]block.Block{block.Text{Text: in.Text}}, content...)
	}
	return block.Message{Role: block.RoleUser, Content: content}
}
