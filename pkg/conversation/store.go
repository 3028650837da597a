package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/harun/agentloop/pkg/provider"
)

// ErrNotFound is returned for unknown conversations.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one persisted conversation of a session
type Conversation struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Title     string             `json:"title,omitempty"`
	History   []provider.Message `json:"history"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Store is a conversation storage backend.
type Store interface {
	Create(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, sessionID, id string) (*Conversation, error)
	List(ctx context.Context, sessionID string) ([]Conversation, error)
	UpdateHistory(ctx context.Context, sessionID, id string, history []provider.Message) error
	UpdateTitle(ctx context.Context, sessionID, id, title string) error
	Delete(ctx context.Context, sessionID, id string) error
	// SetCurrent points the session at a conversation; empty id clears it.
	SetCurrent(ctx context.Context, sessionID, id string) error
	// Current returns the current conversation id or "" when unset.
	Current(ctx context.Context, sessionID string) (string, error)
	Close() error
}

// FilterSaved drops entries that must not be persisted.
func FilterSaved(history []provider.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		if m.NoSave {
			continue
		}
		out = append(out, m)
	}
	return out
}
