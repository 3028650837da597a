// Package hooks dispatches pipeline events to registered handlers in
// priority order. Any handler may stop the event, which halts further
// propagation and tells the pipeline not to advance.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a hook point
type EventType string

const (
	OnLLMRequest  EventType = "on_llm_request"
	OnLLMResponse EventType = "on_llm_response"
)

// Event is the pipeline event a hook runs against.
type Event interface {
	SessionID() string
	Stop()
	Stopped() bool
}

// HandlerFunc handles one event. payload is the mutable request or response.
type HandlerFunc func(ctx context.Context, ev Event, payload any) error

// Handler is a registered hook handler.
type Handler struct {
	ID string
	// Plugin groups handlers for per-session enablement. Empty means always on.
	Plugin   string
	Event    EventType
	Priority int
	Func     HandlerFunc
}

// PluginFilter reports whether a plugin's handlers run for a session.
type PluginFilter interface {
	PluginEnabled(sessionID, plugin string) bool
}

// Hook defines a shell script hook.
type Hook struct {
	ID       string
	Event    string
	Script   string
	Timeout  time.Duration
	Enabled  bool
	Priority int
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Filter  PluginFilter
	Logger  zerolog.Logger
}

// Manager executes hooks for pipeline events.
type Manager struct {
	enabled bool
	filter  PluginFilter
	logger  zerolog.Logger

	mu       sync.RWMutex
	seq      int
	handlers map[EventType][]registered
}

type registered struct {
	Handler
	seq int
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:  cfg.Enabled,
		filter:   cfg.Filter,
		logger:   cfg.Logger.With().Str("component", "hooks").Logger(),
		handlers: make(map[EventType][]registered),
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		id := hook.ID
		if strings.TrimSpace(id) == "" {
			id = event
		}
		if err := manager.Register(Handler{
			ID:       id,
			Event:    EventType(event),
			Priority: hook.Priority,
			Func:     manager.scriptHandler(id, hook),
		}); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// Register adds a handler. Handlers with a higher priority run first; equal
// priorities run in registration order.
func (m *Manager) Register(h Handler) error {
	if h.Func == nil {
		return fmt.Errorf("hook %q has no handler", h.ID)
	}
	if strings.TrimSpace(string(h.Event)) == "" {
		return fmt.Errorf("hook %q has no event", h.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	list := append(m.handlers[h.Event], registered{Handler: h, seq: m.seq})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	m.handlers[h.Event] = list
	return nil
}

// Unregister removes every handler with the given id.
func (m *Manager) Unregister(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for event, list := range m.handlers {
		kept := list[:0]
		for _, h := range list {
			if h.ID == id {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		m.handlers[event] = kept
	}
	return removed
}

// Handlers returns the handler ids for an event in call order.
func (m *Manager) Handlers(event EventType) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.handlers[event]))
	for _, h := range m.handlers[event] {
		ids = append(ids, h.ID)
	}
	return ids
}

// Call runs the handlers of an event and reports whether one stopped it.
// Handler errors are logged and do not interrupt propagation.
func (m *Manager) Call(ctx context.Context, ev Event, event EventType, payload any) bool {
	stopped, err := m.Fire(ctx, ev, event, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("event", string(event)).Msg("Hook handlers failed")
	}
	return stopped
}

// Fire is Call with the joined handler errors returned to the caller.
func (m *Manager) Fire(ctx context.Context, ev Event, event EventType, payload any) (bool, error) {
	if m == nil || !m.enabled {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.RLock()
	handlers := append([]registered(nil), m.handlers[event]...)
	m.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if h.Plugin != "" && m.filter != nil && !m.filter.PluginEnabled(ev.SessionID(), h.Plugin) {
			continue
		}
		if err := h.Func(ctx, ev, payload); err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", h.ID, err))
		}
		if ev.Stopped() {
			m.logger.Info().
				Str("event", string(event)).
				Str("hook_id", h.ID).
				Str("session_id", ev.SessionID()).
				Msg("Event propagation stopped by hook")
			return true, errors.Join(errs...)
		}
	}
	return false, errors.Join(errs...)
}

func (m *Manager) scriptHandler(id string, hook Hook) HandlerFunc {
	return func(ctx context.Context, ev Event, payload any) error {
		runCtx := ctx
		cancel := func() {}
		if hook.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
		}
		defer cancel()

		cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
		cmd.Env = buildHookEnvironment(hook.Event, ev.SessionID(), payload)

		output, err := cmd.CombinedOutput()
		outputText := strings.TrimSpace(string(output))
		if err != nil {
			if outputText != "" {
				return fmt.Errorf("script failed: %w: %s", err, outputText)
			}
			return fmt.Errorf("script failed: %w", err)
		}

		if outputText != "" {
			m.logger.Debug().
				Str("event", hook.Event).
				Str("hook_id", id).
				Str("output", outputText).
				Msg("Hook executed")
		}
		return nil
	}
}

func buildHookEnvironment(event, sessionID string, payload any) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"AGENTLOOP_HOOK_EVENT="+event,
		"AGENTLOOP_HOOK_SESSION_ID="+sessionID,
	)

	if data, ok := payload.(map[string]any); ok {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			envKey := "AGENTLOOP_HOOK_DATA_" + normalizeEnvKey(key)
			env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
		}
		return env
	}

	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			env = append(env, "AGENTLOOP_HOOK_PAYLOAD="+string(raw))
		}
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
