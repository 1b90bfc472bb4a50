package tool

import (
	"fmt"

	"github.com/agentmesh/runtime/registry"
)

// Registry is a tool-specialized view over the generic registry.Registry,
// adding the name-based lookup the agent loop and executor need.
type Registry struct {
	inner *registry.Registry[entry]
}

// NewRegistry constructs an empty tool Registry.
func NewRegistry() *Registry {
	return &Registry{inner: registry.New[entry]()}
}

// Register adds t to the registry, keyed by its Name. Returns
// registry.ErrDuplicateItem if a tool with the same name is already
// registered.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool: registration requires a non-empty name")
	}
	_, err := r.inner.Register(entry{t})
	return err
}

// RegisterAll registers every tool, stopping at the first error.
func (r *Registry) RegisterAll(tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Deregister removes and returns the tool registered under name.
func (r *Registry) Deregister(name string) (Tool, error) {
	e, err := r.inner.Deregister(name)
	if err != nil {
		return nil, err
	}
	return e.Tool, nil
}

// GetByName looks up a tool by its exact name.
func (r *Registry) GetByName(name string) (Tool, bool) {
	e, err := r.inner.Get(name)
	if err != nil {
		return nil, false
	}
	return e.Tool, true
}

// Names returns every registered tool's name, in unspecified order.
func (r *Registry) Names() []string {
	return r.inner.Keys()
}

// Tools returns every registered tool, in unspecified order.
func (r *Registry) Tools() []Tool {
	entries := r.inner.Values()
	out := make([]Tool, len(entries))
	for i, e := range entries {
		out[i] = e.Tool
	}
	return out
}

// Clear removes every registered tool.
func (r *Registry) Clear() { r.inner.Clear() }
