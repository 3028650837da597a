package toolexecutor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry holds the tools available to the agent loop.
// Mutation (reload paths, MCP lifecycle) and lookups from in-flight runs may
// race; runs should work on a Snapshot.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Descriptor

	// names switched off by the operator; survives re-registration
	inactive map[string]bool
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Descriptor),
		inactive: make(map[string]bool),
		logger:   log.Logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Add upserts a local tool. handler must be a HandlerFunc, a StepFunc, or a
// function with one of their signatures.
func (r *Registry) Add(name string, params []Parameter, description string, handler any) error {
	tool, err := NewLocalTool(handler)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	return r.AddTool(&Descriptor{
		Name:        name,
		Description: description,
		Parameters:  ParametersSchema(params),
		Origin:      OriginLocal,
		Active:      true,
		Tool:        tool,
	})
}

// AddTool upserts a descriptor. Any prior tool of the same name is removed first.
func (r *Registry) AddTool(desc *Descriptor) error {
	if desc == nil {
		return fmt.Errorf("tool descriptor is required")
	}
	if strings.TrimSpace(desc.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if desc.Tool == nil {
		return fmt.Errorf("tool %s has no implementation", desc.Name)
	}
	if desc.Origin == "" {
		desc.Origin = OriginLocal
	}
	if desc.Parameters == nil {
		desc.Parameters = ParametersSchema(nil)
	}

	schema, err := compileSchema(desc.Parameters)
	if err != nil {
		if desc.Origin == OriginLocal {
			return fmt.Errorf("invalid parameter schema for %s: %w", desc.Name, err)
		}
		// Remote servers own their schemas; run without local validation.
		r.logger.Warn().Err(err).Str("tool", desc.Name).Str("server", desc.ServerName).Msg("Skipping schema validation for remote tool")
	}
	desc.schema = schema

	r.mu.Lock()
	if r.inactive[desc.Name] {
		desc.Active = false
	}
	r.removeLocked(desc.Name)
	r.tools[desc.Name] = desc
	r.order = append(r.order, desc.Name)
	r.mu.Unlock()

	r.logger.Info().Str("tool", desc.Name).Str("origin", string(desc.Origin)).Msg("Tool registered")
	return nil
}

// Remove deletes a tool by name and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(name)
}

func (r *Registry) removeLocked(name string) bool {
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveServer deletes every tool provided by the named MCP server. An empty
// name removes all remote tools.
func (r *Registry) RemoveServer(server string) int {
	return r.RemoveFunc(func(desc *Descriptor) bool {
		return desc.Origin == OriginRemote && (server == "" || desc.ServerName == server)
	})
}

// RemoveFunc deletes every tool matching pred and returns the count.
func (r *Registry) RemoveFunc(pred func(*Descriptor) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if pred(r.tools[name]) {
			delete(r.tools, name)
			removed++
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
	return removed
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// SetActive toggles whether a tool is offered to the model.
func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.tools[name]
	if ok {
		r.setInactiveLocked(name, !active)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	// Replace rather than mutate so existing snapshots keep their view.
	updated := *desc
	updated.Active = active
	r.tools[name] = &updated
	return nil
}

// Deactivate marks names inactive now and whenever they are registered later,
// e.g. when an MCP server comes up after startup.
func (r *Registry) Deactivate(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.setInactiveLocked(name, true)
		if desc, ok := r.tools[name]; ok && desc.Active {
			updated := *desc
			updated.Active = false
			r.tools[name] = &updated
		}
	}
}

func (r *Registry) setInactiveLocked(name string, inactive bool) {
	if inactive {
		r.inactive[name] = true
		return
	}
	delete(r.inactive, name)
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot returns an immutable view of the current tools.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Snapshot{
		tools: make([]*Descriptor, 0, len(r.order)),
		index: make(map[string]*Descriptor, len(r.order)),
	}
	for _, name := range r.order {
		d := *r.tools[name]
		s.tools = append(s.tools, &d)
		s.index[name] = &d
	}
	return s
}

// Describe exports active tool schemas in the given wire style.
func (r *Registry) Describe(style Style) any {
	return r.Snapshot().Describe(style)
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	tools []*Descriptor
	index map[string]*Descriptor
}

// NewSnapshot builds a snapshot from descriptors, later duplicates win.
func NewSnapshot(descs ...*Descriptor) *Snapshot {
	reg := NewRegistry()
	reg.logger = zerolog.Nop()
	for _, d := range descs {
		_ = reg.AddTool(d)
	}
	return reg.Snapshot()
}

// Get looks up a tool by name.
func (s *Snapshot) Get(name string) (*Descriptor, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.index[name]
	return d, ok
}

// Tools returns all tools in registration order.
func (s *Snapshot) Tools() []*Descriptor {
	if s == nil {
		return nil
	}
	return s.tools
}

// Active returns the tools offered to the model.
func (s *Snapshot) Active() []*Descriptor {
	if s == nil {
		return nil
	}
	active := make([]*Descriptor, 0, len(s.tools))
	for _, d := range s.tools {
		if d.Active {
			active = append(active, d)
		}
	}
	return active
}

// Empty reports whether no active tool is available.
func (s *Snapshot) Empty() bool {
	return len(s.Active()) == 0
}
