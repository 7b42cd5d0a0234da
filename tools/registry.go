package tools

import (
	"fmt"
	"slices"
	"strings"
)

// Registry is the fixed set of tools the decider may name. It is built once
// per agent and never changes afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry creates a registry holding the given tools.
// Returns error if two tools share a name.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Metadata().Name
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tool '%s' already registered", name)
		}
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	slices.Sort(r.names)
	return r, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Describe renders the tools and their inputs for the decider.
func (r *Registry) Describe() string {
	var b strings.Builder
	for i, name := range r.names {
		if i > 0 {
			b.WriteString("\n")
		}
		meta := r.tools[name].Metadata()
		fmt.Fprintf(&b, "- %s: %s\n", meta.Name, meta.Description)
		for _, p := range meta.Parameters {
			need := "optional"
			if p.Required {
				need = "required"
			}
			fmt.Fprintf(&b, "  input %q (%s, %s): %s\n", p.Name, p.ParamType, need, p.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
