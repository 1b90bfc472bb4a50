package hooks

import (
	"context"
	"sync"

	"github.com/agentmesh/runtime/interrupt"
)

// Callback reacts to a dispatched Event. A callback that wants to
// cooperatively suspend execution calls Event.Interrupt; everything else it
// does is synchronous and may mutate the Event's mutable fields (Retry,
// CancelTool) to influence the loop.
type Callback func(ctx context.Context, event *Event)

// Registry holds callbacks keyed by event type, in registration order.
// New registrations take effect for the next dispatch of that event type;
// they may be added at any point, including while a run is in progress
// (spec §4.2 Runtime registration).
type Registry struct {
	mu        sync.RWMutex
	callbacks map[EventType][]Callback
}

// NewRegistry constructs an empty hook Registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[EventType][]Callback)}
}

// On registers callback for evt. Callbacks registered later run later for
// "before" events and earlier for "after" events (reverse order).
func (r *Registry) On(evt EventType, callback Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[evt] = append(r.callbacks[evt], callback)
}

// Result is what Dispatch returns: any interrupts raised by callbacks during
// this dispatch, in the order they were first raised.
type Result struct {
	Interrupts []*interrupt.Interrupt
}

// Dispatch invokes every callback registered for event.Type, in registration
// order for "before" events and reverse registration order for "after"
// events (spec §4.2, §8). event.siteTag, event.contextKey, and event.state
// must already be set by the caller (the agent loop or swarm scheduler) so
// that Event.Interrupt can compute a stable id.
//
// If a callback raises a brand-new interrupt, Dispatch stops invoking
// further callbacks for this event (the callback's panic is recovered
// here) and records the interrupt in the returned Result; this holds for
// "before" and "after" events alike. Dispatch keeps evaluating later
// callbacks normally when a callback resolves an already-answered
// interrupt (Event.Interrupt returns rather than panics in that case), so
// callbacks positioned after an already-resolved one still run, but a
// single dispatch collects at most one interrupt.
func (r *Registry) Dispatch(ctx context.Context, event *Event, state *interrupt.State) Result {
	event.state = state

	r.mu.RLock()
	cbs := append([]Callback(nil), r.callbacks[event.Type]...)
	r.mu.RUnlock()

	if IsAfterEvent(event.Type) {
		for i, j := 0, len(cbs)-1; i < j; i, j = i+1, j-1 {
			cbs[i], cbs[j] = cbs[j], cbs[i]
		}
	}

	var result Result
	for _, cb := range cbs {
		if raised := invokeOne(ctx, cb, event); raised != nil {
			result.Interrupts = append(result.Interrupts, raised)
			break
		}
	}
	return result
}

// invokeOne runs a single callback, recovering the interruptSignal sentinel
// if the callback raised a brand-new interrupt. Any other panic propagates:
// only the interrupt control-flow path is caught here.
func invokeOne(ctx context.Context, cb Callback, event *Event) (raised *interrupt.Interrupt) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(interruptSignal)
			if !ok {
				panic(r)
			}
			raised = sig.interrupt
		}
	}()
	cb(ctx, event)
	return nil
}
