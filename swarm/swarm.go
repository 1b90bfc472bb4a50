// Package swarm implements the Swarm Orchestrator (spec §4.4): a scheduler
// that runs exactly one node at a time, detects peer-to-peer handoffs
// between nodes via a dedicated handoff_to_agent tool call, and terminates
// on natural completion, a caps/budget violation, or a repetitive-handoff
// pattern. It is grounded on the same sequential single-node orchestration
// shape as the example pack's multiagent Orchestrator, adapted to drive
// this module's own Agent event loop instead of a bespoke agent runtime.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/runtime/agent"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/interrupt"
)

// eventBufferSize mirrors the agent package's Handle buffering so a swarm
// run doesn't block on a slow consumer for ordinary node-local bursts.
const eventBufferSize = 64

// Node is one addressable participant in a Swarm (spec §3 Swarm node).
// ModelID is advisory metadata for callers that route by model; the
// scheduler itself only ever calls Agent.Stream.
type Node struct {
	ID      string
	Agent   *agent.Agent
	ModelID string
}

// NodeTimeoutPolicy controls what happens when a single node exceeds
// Config.NodeTimeout. The spec's stated default behavior is to abort the
// run rather than advance past the stalled node; this type exists so a
// future policy (e.g. skip-and-continue) can be added without changing the
// Config shape.
type NodeTimeoutPolicy string

// NodeTimeoutAbort terminates the swarm run when a node exceeds its
// timeout; it is the only policy implemented today.
const NodeTimeoutAbort NodeTimeoutPolicy = "abort"

// Config bounds one swarm run (spec §3 Swarm config).
type Config struct {
	// MaxHandoffs caps the total number of handoffs across the run. Zero
	// means unlimited.
	MaxHandoffs int
	// MaxIterations caps the total number of node executions (the initial
	// node counts as iteration 0; each handoff advances the iteration).
	// Zero means unlimited.
	MaxIterations int
	// ExecutionTimeout bounds the whole run's wall-clock time. Zero means
	// unbounded.
	ExecutionTimeout time.Duration
	// NodeTimeout bounds a single node's wall-clock time. Zero means
	// unbounded.
	NodeTimeout time.Duration
	// RepetitiveHandoffWindow and RepetitiveHandoffMinUniqueAgents
	// together define the repetition detector: once len(nodeHistory) is at
	// least RepetitiveHandoffWindow, the run terminates if the most recent
	// window contains fewer than RepetitiveHandoffMinUniqueAgents distinct
	// node ids. Either being zero disables the detector.
	RepetitiveHandoffWindow          int
	RepetitiveHandoffMinUniqueAgents int
	// MaxRunTotalTokens aborts the run if the sum of the latest per-node
	// usage snapshot exceeds it. Zero means unbounded.
	MaxRunTotalTokens int
	// NodeTimeoutPolicy selects node-timeout behavior; the zero value
	// behaves as NodeTimeoutAbort.
	NodeTimeoutPolicy NodeTimeoutPolicy
}

// DefaultConfig returns reasonable bounds for an interactive swarm run.
func DefaultConfig() Config {
	return Config{
		MaxHandoffs:                      20,
		MaxIterations:                    20,
		ExecutionTimeout:                 10 * time.Minute,
		NodeTimeout:                      2 * time.Minute,
		RepetitiveHandoffWindow:          8,
		RepetitiveHandoffMinUniqueAgents: 3,
		NodeTimeoutPolicy:                NodeTimeoutAbort,
	}
}

// State is the mutable run state a Swarm tracks across its lifetime (spec
// §3 Swarm state).
type State struct {
	CurrentNodeID    string
	NodeHistory      []string
	Iteration        int
	AccumulatedUsage agent.Usage
}

// Swarm orchestrates a fixed set of Nodes, starting at startNodeID and
// advancing via handoffs until a stop condition fires. Concurrent Stream
// calls on the same Swarm are not supported, matching the single-threaded
// per-invocation contract the Agent event loop follows.
type Swarm struct {
	cfg         Config
	nodes       map[string]Node
	startNodeID string
	hooks       *hooks.Registry
	interrupts  *interrupt.State
}

// New constructs a Swarm over nodes, starting at startNodeID, and wires a
// handoff_to_agent tool plus its suspend-on-call interceptor into every
// node's own Agent (spec §4.3 Policy derivation: recursive orchestration
// tools are blocked by deriving each node's Policy with tool.ModeSwarm,
// which is the caller's responsibility when constructing node Agents).
func New(cfg Config, nodes []Node, startNodeID string) (*Swarm, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("swarm: at least one node is required")
	}
	byID := make(map[string]Node, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("swarm: node id must not be empty")
		}
		if n.Agent == nil {
			return nil, fmt.Errorf("swarm: node %q has no agent", n.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("swarm: duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
		ids = append(ids, n.ID)
	}
	if _, ok := byID[startNodeID]; !ok {
		return nil, fmt.Errorf("swarm: start node %q is not among the supplied nodes", startNodeID)
	}

	for _, n := range nodes {
		peers := make([]string, 0, len(ids)-1)
		for _, id := range ids {
			if id != n.ID {
				peers = append(peers, id)
			}
		}
		if reg := n.Agent.Tools(); reg != nil {
			if _, exists := reg.GetByName(handoffToolName); !exists {
				_ = reg.Register(NewHandoffTool(peers))
			}
		}
		RegisterHandoffInterceptor(n.Agent.Hooks())
	}

	s := &Swarm{cfg: cfg, nodes: byID, startNodeID: startNodeID, hooks: hooks.NewRegistry(), interrupts: interrupt.NewState()}
	s.hooks.Dispatch(context.Background(), hooks.NewEvent(hooks.MultiAgentInitialized, "swarm.init", startNodeID), s.interrupts)
	return s, nil
}

// Hooks exposes the swarm's own hook registry, distinct from any node's
// Agent.Hooks(), for callers that want to observe or interrupt at the
// BeforeNodeCall/AfterNodeCall/BeforeMultiAgentInvocation/
// AfterMultiAgentInvocation granularity (spec §4.2, §4.4 Interrupts).
func (s *Swarm) Hooks() *hooks.Registry { return s.hooks }

// Interrupts exposes the swarm's InterruptState, parallel to
// Agent.Interrupts, for hosts that persist pending interrupts directly.
func (s *Swarm) Interrupts() *interrupt.State { return s.interrupts }

// Handle is the lazy stream Stream returns, mirroring agent.Handle: Events
// yields every event in order and the final value is always a Done
// carrying the run's Result.
type Handle struct {
	events chan Event
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error
}

// Events returns the channel of events this run produces. It is closed
// after the terminal Done value has been delivered.
func (h *Handle) Events() <-chan Event { return h.events }

// Cancel cooperatively cancels the run: the currently executing node is
// cancelled and the swarm terminates with stopReason "interrupted".
func (h *Handle) Cancel() { h.cancel() }

// Err returns any error the run terminated with.
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

func (h *Handle) send(ctx context.Context, evt Event) {
	select {
	case h.events <- evt:
	case <-ctx.Done():
	}
}

// Stream starts one run over task and returns a Handle whose Events channel
// yields the full lifecycle of normalized swarm events, terminating in
// exactly one Done value (spec §4.4 Scheduler contract).
func (s *Swarm) Stream(ctx context.Context, task string) (*Handle, error) {
	cctx, cancel := context.WithCancel(ctx)
	h := &Handle{events: make(chan Event, eventBufferSize), cancel: cancel}
	go s.run(cctx, task, h)
	return h, nil
}

// Invoke runs task to completion and returns its Result, the non-streaming
// equivalent of Stream.
func (s *Swarm) Invoke(ctx context.Context, task string) (Result, error) {
	h, err := s.Stream(ctx, task)
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
