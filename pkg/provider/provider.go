package provider

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Provider is an LLM chat completion backend.
type Provider interface {
	// ID returns the configured provider id.
	ID() string
	// Model returns the default model name.
	Model() string
	// TextChat performs one blocking completion.
	TextChat(ctx context.Context, req *Request) (*Response, error)
	// TextChatStream yields chunks followed by one final response.
	TextChatStream(ctx context.Context, req *Request) iter.Seq2[*Response, error]
}

// Manager holds the configured providers
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	defaultID string
}

// NewManager creates an empty provider manager
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider. The first registered provider
// becomes the default.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[p.ID()]; !exists {
		m.order = append(m.order, p.ID())
	}
	m.providers[p.ID()] = p
	if m.defaultID == "" {
		m.defaultID = p.ID()
	}
}

// SetDefault selects the default provider.
func (m *Manager) SetDefault(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[id]; !ok {
		return fmt.Errorf("unknown provider: %s", id)
	}
	m.defaultID = id
	return nil
}

// Get returns a provider by id.
func (m *Manager) Get(id string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	return p, ok
}

// Default returns the default provider, or nil when none is configured.
func (m *Manager) Default() Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[m.defaultID]
}

// Select returns the provider with the given id, falling back to the default.
func (m *Manager) Select(id string) Provider {
	if id != "" {
		if p, ok := m.Get(id); ok {
			return p
		}
	}
	return m.Default()
}

// IDs lists provider ids in registration order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
