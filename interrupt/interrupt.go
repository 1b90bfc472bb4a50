// Package interrupt implements the suspension primitive hook callbacks use
// to pause orchestration pending a human or external response (spec §3, §4.2).
//
// An Interrupt is created the first time a callback calls Event.Interrupt at
// a given site; its id is deterministic so that resuming a suspended run
// reproduces the exact same id, letting the host match a stored response
// back to the site that asked for it.
package interrupt

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SchemaVersion is bumped whenever the id computation changes in a way that
// would produce different ids for the same logical site; it is embedded in
// every Interrupt id so old and new ids never collide.
const SchemaVersion = 1

// namespaceContext and namespaceName are fixed UUID v5 namespaces used to
// content-address the context key and the caller-supplied name
// independently. Using two namespaces (rather than hashing the concatenation
// once) keeps the two hash components stable even if one half of the site
// identity format changes shape later.
var (
	namespaceContext = uuid.MustParse("b7e77f0e-df7b-4e53-9b1a-9d7a7a2f6a10")
	namespaceName    = uuid.MustParse("c6c6a7b2-6e9b-4b46-9f36-2a4b9f9d8a31")
)

// Interrupt is a suspension token raised from a hook callback. Response is
// nil until the host supplies one via resume; it is consumed (read, not
// cleared) each time the callback runs so that re-dispatching the same
// event after resume returns the same response instead of raising again.
type Interrupt struct {
	// ID is deterministic for a given (siteTag, context, name) tuple: see
	// ComputeID. It survives snapshot/restore unchanged.
	ID string
	// Name is the caller-supplied interrupt name (first argument to
	// Event.Interrupt).
	Name string
	// Reason is the caller-supplied human-readable reason (second argument to
	// Event.Interrupt).
	Reason string
	// Response is filled by the host before resume. A nil Response means the
	// interrupt is still pending.
	Response *string
}

// ComputeID computes the deterministic id for an interrupt raised at siteTag
// with the given stable context (e.g. a toolUseId or nodeId) and caller name.
// The same three inputs always produce the same id, including across
// process restarts, which is what lets a resumed run find the Interrupt a
// prior run created.
func ComputeID(siteTag, context, name string) string {
	contextHash := uuid.NewSHA1(namespaceContext, []byte(context))
	nameHash := uuid.NewSHA1(namespaceName, []byte(name))
	return "v" + itoa(SchemaVersion) + ":" + siteTag + ":" + contextHash.String() + ":" + nameHash.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// State owns every Interrupt raised by a single agent or orchestrator. It is
// attached to the owning agent/orchestrator and survives snapshot/restore
// (spec §3 InterruptState).
type State struct {
	mu         sync.Mutex
	interrupts map[string]*Interrupt
}

// NewState constructs an empty interrupt State.
func NewState() *State {
	return &State{interrupts: make(map[string]*Interrupt)}
}

// Lookup returns the Interrupt stored under id, if any.
func (s *State) Lookup(id string) (*Interrupt, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.interrupts[id]
	return it, ok
}

// GetOrCreate returns the existing Interrupt for id if one exists, or
// creates and stores a new pending one (Response == nil). The boolean
// result reports whether the Interrupt already existed.
func (s *State) GetOrCreate(id, name, reason string) (*Interrupt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.interrupts[id]; ok {
		return it, true
	}
	it := &Interrupt{ID: id, Name: name, Reason: reason}
	s.interrupts[id] = it
	return it, false
}

// Resolve sets the response for the Interrupt stored under id, making it
// available to the next dispatch that evaluates the same site. Returns
// false if no Interrupt exists under id.
func (s *State) Resolve(id string, response string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.interrupts[id]
	if !ok {
		return false
	}
	it.Response = &response
	return true
}

// Pending returns every Interrupt that has not yet received a response, in
// unspecified order.
func (s *State) Pending() []*Interrupt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Interrupt
	for _, it := range s.interrupts {
		if it.Response == nil {
			out = append(out, it)
		}
	}
	return out
}

// Snapshot returns a deep copy of every Interrupt currently known, suitable
// for embedding in a Snapshot (spec §4.6): snapshots must observe a
// consistent point-in-time copy, not a live map.
func (s *State) Snapshot() map[string]Interrupt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Interrupt, len(s.interrupts))
	for id, it := range s.interrupts {
		cp := *it
		if it.Response != nil {
			r := *it.Response
			cp.Response = &r
		}
		out[id] = cp
	}
	return out
}

// Restore replaces the state's contents with a deep copy of snap, as
// produced by Snapshot. Used by loadSnapshot (spec §4.6).
func (s *State) Restore(snap map[string]Interrupt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts = make(map[string]*Interrupt, len(snap))
	for id, it := range snap {
		cp := it
		if it.Response != nil {
			r := *it.Response
			cp.Response = &r
		}
		s.interrupts[id] = &cp
	}
}

// contextKeyType is unexported to keep context values private to this
// package, following the standard library's context-key convention.
type contextKeyType struct{}

var contextKey contextKeyType

// WithState attaches State to ctx so nested tool/planner code can raise
// interrupts without threading the State value through every call site.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, contextKey, s)
}

// FromContext retrieves the State attached by WithState, if any.
func FromContext(ctx context.Context) (*State, bool) {
	s, ok := ctx.Value(contextKey).(*State)
	return s, ok
}
