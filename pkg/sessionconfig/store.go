// Package sessionconfig stores per-session settings: whether the session is
// served at all, whether the LLM answers it, its provider override and the
// plugins disabled for it. Entries are created on first write and read on
// every gating check.
package sessionconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/agentloop/internal/storage"
)

// Settings are the stored preferences of one session
type Settings struct {
	Disabled        bool     `json:"disabled,omitempty"`
	LLMDisabled     bool     `json:"llm_disabled,omitempty"`
	ProviderID      string   `json:"provider_id,omitempty"`
	DisabledPlugins []string `json:"disabled_plugins,omitempty"`
}

// Store persists settings keyed by session id.
type Store interface {
	// Get returns the zero Settings for unknown sessions.
	Get(ctx context.Context, sessionID string) (Settings, error)
	Put(ctx context.Context, sessionID string, s Settings) error
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStore keeps settings in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]Settings)}
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.settings[sessionID]
	s.DisabledPlugins = append([]string(nil), s.DisabledPlugins...)
	return s, nil
}

func (m *MemoryStore) Put(ctx context.Context, sessionID string, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.DisabledPlugins = append([]string(nil), s.DisabledPlugins...)
	m.settings[sessionID] = s
	return nil
}

func (m *MemoryStore) Sessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.settings))
	for id := range m.settings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }

// SQLiteStore keeps settings as JSON rows
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLiteStore opens (or creates) a settings database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStoreFromDB uses an already opened database.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.Migrate(db, `CREATE TABLE IF NOT EXISTS session_settings (
		session_id TEXT PRIMARY KEY,
		settings TEXT NOT NULL
	)`); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM session_settings WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read session settings: %w", err)
	}
	var out Settings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Settings{}, fmt.Errorf("failed to decode session settings: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sessionID string, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode session settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_settings (session_id, settings) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET settings = excluded.settings`,
		sessionID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write session settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM session_settings ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session settings: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
