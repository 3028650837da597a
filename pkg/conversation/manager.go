package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/provider"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// ManagerConfig configures a conversation manager
type ManagerConfig struct {
	Store Store
	// Backend labels metrics, e.g. "sqlite" or "jsonl".
	Backend string
	Logger  *zerolog.Logger
}

// Manager tracks the current conversation of every session
type Manager struct {
	store   Store
	backend string
	logger  zerolog.Logger
}

// NewManager creates a conversation manager
func NewManager(cfg ManagerConfig) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	m := &Manager{
		store:   cfg.Store,
		backend: cfg.Backend,
		logger:  log.Logger,
	}
	if m.backend == "" {
		m.backend = "custom"
	}
	if cfg.Logger != nil {
		m.logger = *cfg.Logger
	}
	return m, nil
}

// NewID returns a fresh conversation id.
func NewID() (string, error) {
	return gonanoid.Generate(idAlphabet, 16)
}

// CurrentID returns the current conversation id of a session, "" if none.
func (m *Manager) CurrentID(ctx context.Context, sessionID string) (string, error) {
	return m.store.Current(ctx, sessionID)
}

// Current returns the current conversation, or nil when the session has none.
func (m *Manager) Current(ctx context.Context, sessionID string) (*Conversation, error) {
	id, err := m.store.Current(ctx, sessionID)
	if err != nil || id == "" {
		return nil, err
	}
	c, err := m.store.Get(ctx, sessionID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// New creates a conversation and makes it current.
func (m *Manager) New(ctx context.Context, sessionID string) (*Conversation, error) {
	id, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate conversation id: %w", err)
	}
	now := time.Now()
	c := &Conversation{
		ID:        id,
		SessionID: sessionID,
		History:   []provider.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, c); err != nil {
		return nil, err
	}
	if err := m.store.SetCurrent(ctx, sessionID, id); err != nil {
		return nil, err
	}
	m.logger.Info().Str("session_id", sessionID).Str("conversation_id", id).Msg("Conversation created")
	return c, nil
}

// GetOrCreate returns the current conversation, creating one on first use.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Conversation, error) {
	c, err := m.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	return m.New(ctx, sessionID)
}

// Get loads one conversation.
func (m *Manager) Get(ctx context.Context, sessionID, id string) (*Conversation, error) {
	return m.store.Get(ctx, sessionID, id)
}

// SwitchTo makes an existing conversation current.
func (m *Manager) SwitchTo(ctx context.Context, sessionID, id string) error {
	if _, err := m.store.Get(ctx, sessionID, id); err != nil {
		return err
	}
	return m.store.SetCurrent(ctx, sessionID, id)
}

// List returns the conversations of a session, most recent first.
func (m *Manager) List(ctx context.Context, sessionID string) ([]Conversation, error) {
	return m.store.List(ctx, sessionID)
}

// UpdateTitle renames a conversation.
func (m *Manager) UpdateTitle(ctx context.Context, sessionID, id, title string) error {
	return m.store.UpdateTitle(ctx, sessionID, id, title)
}

// Delete removes a conversation. The session's current pointer is cleared
// when it pointed at it.
func (m *Manager) Delete(ctx context.Context, sessionID, id string) error {
	current, err := m.store.Current(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, sessionID, id); err != nil {
		return err
	}
	if current == id {
		return m.store.SetCurrent(ctx, sessionID, "")
	}
	return nil
}

// SaveHistory replaces the conversation history. _no_save entries are dropped.
func (m *Manager) SaveHistory(ctx context.Context, sessionID, id string, history []provider.Message) error {
	ctx, span := tracing.StartSpan(ctx, "agentloop.conversation", "conversation.save_history",
		attribute.String("session_id", sessionID),
		attribute.String("conversation_id", id),
		attribute.String("backend", m.backend),
	)
	defer span.End()

	start := time.Now()
	err := m.store.UpdateHistory(ctx, sessionID, id, FilterSaved(history))
	observability.RecordHistorySave(m.backend, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().
		Str("session_id", sessionID).
		Str("conversation_id", id).
		Int("messages", len(history)).
		Msg("History saved")
	return nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
