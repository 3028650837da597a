package conversation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/pkg/provider"
)

type recordOp string

const (
	opCreate  recordOp = "create"
	opHistory recordOp = "history"
	opTitle   recordOp = "title"
	opDelete  recordOp = "delete"
	opCurrent recordOp = "current"
)

// record is one line of a session log
type record struct {
	Op             recordOp           `json:"op"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Title          string             `json:"title,omitempty"`
	History        []provider.Message `json:"history,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// JSONLStore keeps one append-only log file per session
type JSONLStore struct {
	dir    string
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewJSONLStore creates a store under dir
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("conversation directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}
	return &JSONLStore{
		dir:    dir,
		logger: log.Logger.With().Str("component", "conversation.jsonl").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (s *JSONLStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *JSONLStore) lock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

type sessionState struct {
	conversations map[string]*Conversation
	current       string
}

// replay rebuilds the session state. Corrupt lines are skipped.
func (s *JSONLStore) replay(sessionID string) (*sessionState, error) {
	state := &sessionState{conversations: make(map[string]*Conversation)}

	file, err := os.Open(s.path(sessionID))
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn().Str("session_id", sessionID).Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		state.apply(sessionID, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation log: %w", err)
	}
	return state, nil
}

func (st *sessionState) apply(sessionID string, rec record) {
	switch rec.Op {
	case opCreate:
		st.conversations[rec.ConversationID] = &Conversation{
			ID:        rec.ConversationID,
			SessionID: sessionID,
			Title:     rec.Title,
			History:   rec.History,
			CreatedAt: rec.Timestamp,
			UpdatedAt: rec.Timestamp,
		}
	case opHistory:
		if c, ok := st.conversations[rec.ConversationID]; ok {
			c.History = rec.History
			c.UpdatedAt = rec.Timestamp
		}
	case opTitle:
		if c, ok := st.conversations[rec.ConversationID]; ok {
			c.Title = rec.Title
			c.UpdatedAt = rec.Timestamp
		}
	case opDelete:
		delete(st.conversations, rec.ConversationID)
		if st.current == rec.ConversationID {
			st.current = ""
		}
	case opCurrent:
		st.current = rec.ConversationID
	}
}

func (s *JSONLStore) append(sessionID string, rec record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	file, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open conversation log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// mutate replays the log under the session lock, checks the precondition
// and appends the record.
func (s *JSONLStore) mutate(sessionID string, rec record, check func(*sessionState) error) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	if check != nil {
		state, err := s.replay(sessionID)
		if err != nil {
			return err
		}
		if err := check(state); err != nil {
			return err
		}
	}
	return s.append(sessionID, rec)
}

func exists(id string) func(*sessionState) error {
	return func(st *sessionState) error {
		if _, ok := st.conversations[id]; !ok {
			return ErrNotFound
		}
		return nil
	}
}

func (s *JSONLStore) read(sessionID string) (*sessionState, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()
	return s.replay(sessionID)
}

func (s *JSONLStore) Create(ctx context.Context, c *Conversation) error {
	return s.mutate(c.SessionID, record{
		Op:             opCreate,
		ConversationID: c.ID,
		Title:          c.Title,
		History:        FilterSaved(c.History),
		Timestamp:      c.CreatedAt,
	}, func(st *sessionState) error {
		if _, ok := st.conversations[c.ID]; ok {
			return fmt.Errorf("conversation %s already exists", c.ID)
		}
		return nil
	})
}

func (s *JSONLStore) Get(ctx context.Context, sessionID, id string) (*Conversation, error) {
	state, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	c, ok := state.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *JSONLStore) List(ctx context.Context, sessionID string) ([]Conversation, error) {
	state, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(state.conversations))
	for _, c := range state.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *JSONLStore) UpdateHistory(ctx context.Context, sessionID, id string, history []provider.Message) error {
	return s.mutate(sessionID, record{Op: opHistory, ConversationID: id, History: FilterSaved(history)}, exists(id))
}

func (s *JSONLStore) UpdateTitle(ctx context.Context, sessionID, id, title string) error {
	return s.mutate(sessionID, record{Op: opTitle, ConversationID: id, Title: title}, exists(id))
}

func (s *JSONLStore) Delete(ctx context.Context, sessionID, id string) error {
	return s.mutate(sessionID, record{Op: opDelete, ConversationID: id}, exists(id))
}

func (s *JSONLStore) SetCurrent(ctx context.Context, sessionID, id string) error {
	return s.mutate(sessionID, record{Op: opCurrent, ConversationID: id}, nil)
}

func (s *JSONLStore) Current(ctx context.Context, sessionID string) (string, error) {
	state, err := s.read(sessionID)
	if err != nil {
		return "", err
	}
	return state.current, nil
}

// Compact rewrites a session log to one record per live conversation.
func (s *JSONLStore) Compact(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	state, err := s.replay(sessionID)
	if err != nil {
		return err
	}

	path := s.path(sessionID)
	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	ids := make([]string, 0, len(state.conversations))
	for id := range state.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	enc := json.NewEncoder(file)
	write := func(rec record) error {
		if err := enc.Encode(rec); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write record: %w", err)
		}
		return nil
	}
	for _, id := range ids {
		c := state.conversations[id]
		if err := write(record{Op: opCreate, ConversationID: c.ID, Title: c.Title, History: c.History, Timestamp: c.CreatedAt}); err != nil {
			return err
		}
		if c.UpdatedAt.After(c.CreatedAt) {
			if err := write(record{Op: opHistory, ConversationID: c.ID, History: c.History, Timestamp: c.UpdatedAt}); err != nil {
				return err
			}
		}
	}
	if state.current != "" {
		if err := write(record{Op: opCurrent, ConversationID: state.current, Timestamp: time.Now()}); err != nil {
			return err
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace conversation log: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Int("conversations", len(ids)).Msg("Conversation log compacted")
	return nil
}

// Close releases per-session locks
func (s *JSONLStore) Close() error {
	s.locksMu.Lock()
	s.locks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
