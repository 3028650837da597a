package sessionconfig

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service exposes typed accessors over a Store
type Service struct {
	store  Store
	logger zerolog.Logger
	// serializes read-modify-write updates
	mu sync.Mutex
}

// NewService creates a settings service
func NewService(store Store, logger *zerolog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("session settings store is required")
	}
	s := &Service{store: store, logger: log.Logger}
	if logger != nil {
		s.logger = *logger
	}
	return s, nil
}

// Settings returns the settings of a session.
func (s *Service) Settings(ctx context.Context, sessionID string) (Settings, error) {
	return s.store.Get(ctx, sessionID)
}

// Sessions lists sessions with stored settings.
func (s *Service) Sessions(ctx context.Context) ([]string, error) {
	return s.store.Sessions(ctx)
}

func (s *Service) update(ctx context.Context, sessionID string, fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	fn(&settings)
	return s.store.Put(ctx, sessionID, settings)
}

// SessionEnabled reports whether events from the session are processed.
// Storage failures fail open.
func (s *Service) SessionEnabled(ctx context.Context, sessionID string) bool {
	settings, err := s.store.Get(ctx, sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to read session settings")
		return true
	}
	return !settings.Disabled
}

// SetSessionEnabled toggles processing of a session.
func (s *Service) SetSessionEnabled(ctx context.Context, sessionID string, enabled bool) error {
	return s.update(ctx, sessionID, func(st *Settings) { st.Disabled = !enabled })
}

// LLMEnabled reports whether the LLM answers the session.
func (s *Service) LLMEnabled(ctx context.Context, sessionID string) bool {
	settings, err := s.store.Get(ctx, sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to read session settings")
		return true
	}
	return !settings.LLMDisabled
}

// SetLLMEnabled toggles LLM replies for a session.
func (s *Service) SetLLMEnabled(ctx context.Context, sessionID string, enabled bool) error {
	return s.update(ctx, sessionID, func(st *Settings) { st.LLMDisabled = !enabled })
}

// ProviderFor returns the provider override of a session, "" for the default.
func (s *Service) ProviderFor(ctx context.Context, sessionID string) string {
	settings, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return ""
	}
	return settings.ProviderID
}

// SetProvider stores a provider override; "" resets to the default.
func (s *Service) SetProvider(ctx context.Context, sessionID, providerID string) error {
	return s.update(ctx, sessionID, func(st *Settings) { st.ProviderID = providerID })
}

// PluginEnabled reports whether a plugin's hooks run for the session.
func (s *Service) PluginEnabled(sessionID, plugin string) bool {
	settings, err := s.store.Get(context.Background(), sessionID)
	if err != nil {
		return true
	}
	return !slices.Contains(settings.DisabledPlugins, plugin)
}

// SetPluginEnabled toggles a plugin for the session.
func (s *Service) SetPluginEnabled(ctx context.Context, sessionID, plugin string, enabled bool) error {
	return s.update(ctx, sessionID, func(st *Settings) {
		st.DisabledPlugins = slices.DeleteFunc(st.DisabledPlugins, func(p string) bool { return p == plugin })
		if !enabled {
			st.DisabledPlugins = append(st.DisabledPlugins, plugin)
			slices.Sort(st.DisabledPlugins)
		}
	})
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
