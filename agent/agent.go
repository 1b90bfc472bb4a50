// Package agent implements the Agent Event Loop (spec §4.1): the streaming
// state machine that alternates model invocations and tool-execution phases,
// enforces stop conditions, propagates cancellation, and exposes a
// structured event stream whose terminal value is an AgentResult.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/conversation"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/interrupt"
	"github.com/agentmesh/runtime/provider"
	"github.com/agentmesh/runtime/session"
	"github.com/agentmesh/runtime/telemetry"
	"github.com/agentmesh/runtime/tool"
)

// eventBufferSize bounds how far the loop may run ahead of a slow consumer
// before InvokeModel's send blocks, mirroring the bounded channel the
// teacher's streaming adapters use.
const eventBufferSize = 64

// Config wires an Agent's collaborators. Provider is required; everything
// else defaults to a usable zero value.
type Config struct {
	Provider     provider.Provider
	Tools        *tool.Registry
	Hooks        *hooks.Registry
	Conversation conversation.Manager
	Policy       tool.Policy

	SystemPrompt string
	Model        string
	Temperature  float32
	MaxTokens    int

	Logger telemetry.Logger
	Tracer telemetry.Tracer

	// Sessions, when set, makes every run record its lifecycle against the
	// durable session/run registry (spec §4.6): a session is created (or
	// resumed) on the first Stream/Invoke call and every terminal or
	// suspended exit is reflected back as a RunMeta status update. SessionID
	// is required with Sessions (New rejects a Config without it); AgentID is
	// recorded on every RunMeta and may be left empty unless the Store
	// rejects that (session/mongostore does). A zero Sessions leaves the
	// Agent session-agnostic, as it was before this field existed.
	Sessions  session.Store
	AgentID   string
	SessionID string
}

// Agent drives one conversation between a caller, a model provider, and a
// set of tools. It exclusively owns its message history, state bag, hook
// registry, and InterruptState (spec §3 Ownership); concurrent Stream/Invoke
// calls on the same Agent are not supported, matching a single-threaded
// cooperative loop per invocation (spec §5).
type Agent struct {
	cfg Config

	mu       sync.Mutex
	messages []block.Message
	state    map[string]any

	interrupts *interrupt.State

	// suspendedCycleID remembers which cycle a tool phase was suspended in,
	// so a resume Input can re-enter the tool phase directly instead of
	// re-invoking the model (spec §4.1: "the loop continues from the point
	// of suspension").
	suspendedCycleID int
}

// New constructs an Agent from cfg. Provider is required.
func New(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = hooks.NewRegistry()
	}
	if cfg.Conversation == nil {
		cfg.Conversation = conversation.NullManager{}
	}
	if cfg.Sessions != nil && cfg.SessionID == "" {
		return nil, errors.New("agent: SessionID is required when Sessions is set")
	}
	return &Agent{
		cfg:        cfg,
		state:      make(map[string]any),
		interrupts: interrupt.NewState(),
	}, nil
}

// Hooks exposes the Agent's hook registry so callers can register callbacks
// (including ones that raise interrupts) before or during a run (spec §4.2
// Runtime registration).
func (a *Agent) Hooks() *hooks.Registry { return a.cfg.Hooks }

// Tools exposes the Agent's tool registry so callers can register additional
// tools after construction (e.g. a swarm orchestrator wiring a handoff tool
// into each of its nodes).
func (a *Agent) Tools() *tool.Registry { return a.cfg.Tools }

// Interrupts exposes the Agent's InterruptState for hosts that need to
// inspect pending interrupts directly (e.g. to persist them) rather than
// only through a Result.
func (a *Agent) Interrupts() *interrupt.State { return a.interrupts }

// State returns a snapshot of the agent's mutable state bag.
func (a *Agent) State() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

// SetState merges kv into the agent's state bag.
func (a *Agent) SetState(kv map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range kv {
		a.state[k] = v
	}
}

// Messages returns a copy of the agent's current message history.
func (a *Agent) Messages() []block.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]block.Message(nil), a.messages...)
}

// lastMessage returns the most recently appended message, or the zero
// Message if history is empty.
func (a *Agent) lastMessage() block.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.messages) == 0 {
		return block.Message{}
	}
	return a.messages[len(a.messages)-1]
}

// Handle is the lazy stream Stream returns: Events yields every event in
// order, and the final value is always a Done carrying the invocation's
// Result (spec §9 Lazy event streams).
type Handle struct {
	events chan Event
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error
}

// Events returns the channel of events this invocation produces. The
// channel is closed after the terminal Done value has been delivered.
func (h *Handle) Events() <-chan Event { return h.events }

// Cancel cooperatively cancels the invocation: outstanding model and tool
// calls are released and the loop terminates with stopReason "interrupted"
// (spec §4.1 Cancellation).
func (h *Handle) Cancel() { h.cancel() }

// Err returns any error the invocation terminated with (context cancellation
// or a fatal model/tool error). A suspended (interrupted) invocation with
// pending Interrupts is not itself an error.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// send delivers evt unless ctx is already done, in which case it is dropped;
// the caller observes the same outcome via ctx.Err() on its next check.
func (h *Handle) send(ctx context.Context, evt Event) {
	select {
	case h.events <- evt:
	case <-ctx.Done():
	}
}

// Stream starts one invocation and returns a Handle whose Events channel
// yields the full lifecycle of normalized events for input, terminating in
// exactly one Done value (spec §4.1 Contract).
func (a *Agent) Stream(ctx context.Context, input Input) (*Handle, error) {
	cctx, cancel := context.WithCancel(ctx)
	h := &Handle{events: make(chan Event, eventBufferSize), cancel: cancel}
	go a.run(cctx, input, h)
	return h, nil
}

// Invoke runs input to completion and returns its Result, the non-streaming
// equivalent of Stream (spec §4.1 Contract).
func (a *Agent) Invoke(ctx context.Context, input Input) (Result, error) {
	h, err := a.Stream(ctx, input)
	if err != nil {
		return Result{}, err
	}
	var result Result
	for evt := range h.Events() {
		if done, ok := evt.(Done); ok {
			result = done.Result
		}
	}
	return result, h.Err()
}

// newRunID derives a fresh run identifier for hook correlation and tool
// invocation propagation.
func newRunID() string { return uuid.NewString() }

// errInvalidInput reports a malformed Input (neither resume responses nor
// any usable content).
var errInvalidInput = fmt.Errorf("agent: input has no text, blocks, or resume responses")
