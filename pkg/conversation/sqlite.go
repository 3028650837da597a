package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentloop/internal/storage"
	"github.com/harun/agentloop/pkg/provider"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		history TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS session_conversations (
		session_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL
	)`,
}

// SQLiteStore stores conversations in sqlite
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLiteStore opens (or creates) a store at path.
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
	if err := storage.Migrate(db, sqliteSchema...); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, c *Conversation) error {
	history, err := json.Marshal(FilterSaved(c.History))
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, title, history, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Title, string(history), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, history, created_at, updated_at FROM conversations WHERE session_id = ? AND id = ?`,
		sessionID, id,
	)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, history, created_at, updated_at FROM conversations WHERE session_id = ? ORDER BY updated_at DESC, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateHistory(ctx context.Context, sessionID, id string, history []provider.Message) error {
	raw, err := json.Marshal(FilterSaved(history))
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return s.update(ctx, `UPDATE conversations SET history = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		string(raw), time.Now().UnixMilli(), sessionID, id)
}

func (s *SQLiteStore) UpdateTitle(ctx context.Context, sessionID, id, title string) error {
	return s.update(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		title, time.Now().UnixMilli(), sessionID, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID, id string) error {
	if err := s.update(ctx, `DELETE FROM conversations WHERE session_id = ? AND id = ?`, sessionID, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_conversations WHERE session_id = ? AND conversation_id = ?`, sessionID, id)
	return err
}

func (s *SQLiteStore) SetCurrent(ctx context.Context, sessionID, id string) error {
	var err error
	if id == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM session_conversations WHERE session_id = ?`, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO session_conversations (session_id, conversation_id) VALUES (?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET conversation_id = excluded.conversation_id`,
			sessionID, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set current conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Current(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM session_conversations WHERE session_id = ?`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current conversation: %w", err)
	}
	return id, nil
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                Conversation
		history          string
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.SessionID, &c.Title, &history, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &c.History); err != nil {
		return nil, fmt.Errorf("failed to decode history of %s: %w", c.ID, err)
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return &c, nil
}
