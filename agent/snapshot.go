package agent

import (
	"fmt"
	"time"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/snapshot"
)

// SystemPrompt returns the agent's configured system prompt, satisfying
// snapshot.Source.
func (a *Agent) SystemPrompt() string { return a.cfg.SystemPrompt }

// ConversationManagerState returns the conversation manager's internal
// bookkeeping, satisfying snapshot.Source. Returns nil if no manager was
// configured (conversation.NullManager).
func (a *Agent) ConversationManagerState() map[string]any {
	if a.cfg.Conversation == nil {
		return nil
	}
	return a.cfg.Conversation.State()
}

// RestoreMessages replaces the agent's message history, satisfying
// snapshot.Target. Concurrent Stream/Invoke calls are not supported, the
// same single-invocation-at-a-time contract Stream itself requires.
func (a *Agent) RestoreMessages(messages []block.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append([]block.Message(nil), messages...)
}

// RestoreState replaces the agent's state bag wholesale, satisfying
// snapshot.Target.
func (a *Agent) RestoreState(state map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = make(map[string]any, len(state))
	for k, v := range state {
		a.state[k] = v
	}
}

// RestoreSystemPrompt replaces the agent's system prompt, satisfying
// snapshot.Target.
func (a *Agent) RestoreSystemPrompt(prompt string) { a.cfg.SystemPrompt = prompt }

// RestoreConversationManagerState restores the conversation manager's
// internal bookkeeping, satisfying snapshot.Target. A no-op if no manager
// was configured.
func (a *Agent) RestoreConversationManagerState(state map[string]any) error {
	if a.cfg.Conversation == nil {
		return nil
	}
	return a.cfg.Conversation.Restore(state)
}

// Snapshot captures a deep, JSON-lossless Snapshot of this agent's durable
// state under opts (spec §4.6 takeSnapshot). now is supplied by the caller
// rather than taken internally, so callers (and their tests) control the
// stamped CreatedAt deterministically.
func (a *Agent) Snapshot(opts snapshot.Options, now time.Time) (snapshot.Snapshot, error) {
	snap, err := snapshot.Take(a, snapshot.ScopeAgent, opts, now)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("agent: taking snapshot: %w", err)
	}
	return snap, nil
}

// Restore replaces this agent's fields from snap (spec §4.6 loadSnapshot).
// Fields absent from snap.Data are left untouched.
func (a *Agent) Restore(snap snapshot.Snapshot) error {
	if err := snapshot.Load(snap, a); err != nil {
		return fmt.Errorf("agent: restoring snapshot: %w", err)
	}
	return nil
}
