package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry is a name-unique catalog of tools with thread-safe registration
// and lookup. Unlike a plain map it validates tool inputs against their
// declared schemas and supports non-mutating composition via Extend.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Registering a name twice is rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListCategory returns the tools in the given category, sorted by name.
func (r *Registry) ListCategory(category string) []Tool {
	var out []Tool
	for _, t := range r.List() {
		if CategoryOf(t) == category {
			out = append(out, t)
		}
	}
	return out
}

// Extend returns a new registry containing the union of r and other, with
// other taking precedence on name conflicts. Neither source is mutated.
func (r *Registry) Extend(other *Registry) *Registry {
	merged := NewRegistry()
	r.mu.RLock()
	for name, t := range r.tools {
		merged.tools[name] = t
	}
	r.mu.RUnlock()
	if other != nil {
		other.mu.RLock()
		for name, t := range other.tools {
			merged.tools[name] = t
		}
		other.mu.RUnlock()
	}
	return merged
}

// ValidateInput checks raw tool arguments against the tool's declared
// schema. Compiled schemas are cached per tool name.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	schema, err := r.schemaFor(name, t)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	var value any
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("tool %s: invalid input JSON: %w", name, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("tool %s: input rejected by schema: %w", name, err)
	}
	return nil
}

func (r *Registry) schemaFor(name string, t Tool) (*jsonschema.Schema, error) {
	r.mu.RLock()
	schema, ok := r.compiled[name]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	raw := t.Schema()
	if len(raw) == 0 {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s: bad schema: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	r.compiled[name] = schema
	r.mu.Unlock()
	return schema, nil
}
