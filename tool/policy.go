package tool

// Policy is the immutable, per-invocation value object that gates which
// tools may run and how often (spec §3 Run policy). A Policy is captured at
// invocation start; mutating it mid-run is a contract violation the
// executor does not attempt to defend against (spec §9).
type Policy struct {
	// MaxTotalToolUses caps the aggregate number of tool invocations across
	// the entire run, regardless of which tool. Zero means unlimited.
	MaxTotalToolUses int
	// PerToolLimits caps invocations of a specific tool by name, overriding
	// DefaultPerToolLimit for that name.
	PerToolLimits map[string]int
	// DefaultPerToolLimit caps invocations of any tool not named in
	// PerToolLimits. Zero means unlimited.
	DefaultPerToolLimit int
	// BlockedTools names tools that must never execute under this policy;
	// calls to them are synthesized as error results without dispatch.
	BlockedTools map[string]bool
}

// PolicyOption configures a Policy at construction time.
type PolicyOption func(*Policy)

// WithMaxTotalToolUses sets the aggregate tool-call cap.
func WithMaxTotalToolUses(n int) PolicyOption {
	return func(p *Policy) { p.MaxTotalToolUses = n }
}

// WithPerToolLimit overrides the cap for a single named tool.
func WithPerToolLimit(name string, n int) PolicyOption {
	return func(p *Policy) {
		if p.PerToolLimits == nil {
			p.PerToolLimits = make(map[string]int)
		}
		p.PerToolLimits[name] = n
	}
}

// WithDefaultPerToolLimit sets the cap applied to tools without an explicit
// per-tool limit.
func WithDefaultPerToolLimit(n int) PolicyOption {
	return func(p *Policy) { p.DefaultPerToolLimit = n }
}

// WithBlockedTools adds tool names that must never execute.
func WithBlockedTools(names ...string) PolicyOption {
	return func(p *Policy) {
		if p.BlockedTools == nil {
			p.BlockedTools = make(map[string]bool, len(names))
		}
		for _, n := range names {
			p.BlockedTools[n] = true
		}
	}
}

// NewPolicy builds a Policy from the given options, defaulting to
// unlimited/unblocked.
func NewPolicy(opts ...PolicyOption) Policy {
	p := Policy{}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// limitFor returns the effective per-tool cap for name (0 means unlimited).
func (p Policy) limitFor(name string) int {
	if n, ok := p.PerToolLimits[name]; ok {
		return n
	}
	return p.DefaultPerToolLimit
}

// Mode identifies the orchestration context a policy is derived for, used to
// automatically block recursive orchestration tools.
type Mode string

const (
	// ModeAgent is a standalone agent invocation (no swarm/graph nesting).
	ModeAgent Mode = "agent"
	// ModeSwarm indicates the current invocation is itself running as a
	// swarm node.
	ModeSwarm Mode = "swarm"
	// ModeGraph indicates the current invocation is itself running as a
	// graph orchestration node.
	ModeGraph Mode = "graph"
)

// recursiveOrchestrationTools names tools that re-enter multi-agent
// orchestration; these are auto-blocked when the current mode is already
// swarm or graph to bound nesting depth (spec §4.3 Policy derivation).
var recursiveOrchestrationTools = []string{"swarm", "graph"}

// DerivePolicy builds the default Policy for mode, applying automatic
// blocking of recursive orchestration tools when mode is itself a
// multi-agent mode.
func DerivePolicy(mode Mode, opts ...PolicyOption) Policy {
	p := NewPolicy(opts...)
	if mode == ModeSwarm || mode == ModeGraph {
		if p.BlockedTools == nil {
			p.BlockedTools = make(map[string]bool, len(recursiveOrchestrationTools))
		}
		for _, name := range recursiveOrchestrationTools {
			p.BlockedTools[name] = true
		}
	}
	return p
}

// JudgePolicy returns the tightened preset used for judge/verifier roles:
// a total tool-use cap of 2 and file/journal tools disabled, with whatever
// caller-supplied options are layered on top.
func JudgePolicy(opts ...PolicyOption) Policy {
	base := []PolicyOption{
		WithMaxTotalToolUses(2),
		WithBlockedTools("file_write", "journal"),
	}
	return NewPolicy(append(base, opts...)...)
}
