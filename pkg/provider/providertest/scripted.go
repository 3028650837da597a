// Package providertest provides a deterministic provider for tests.
package providertest

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/harun/agentloop/pkg/provider"
)

// Turn is one scripted provider reply. Err takes precedence over Response.
type Turn struct {
	Response *provider.Response
	Err      error
	// Chunks are streamed before the final response in streaming mode.
	// When empty the completion text is streamed word by word.
	Chunks []string
}

// Scripted replays turns in order. Once exhausted it keeps calling Next when
// set, otherwise it fails.
type Scripted struct {
	ProviderID string
	ModelName  string
	Turns      []Turn
	// Next produces turns past the end of Turns. call is zero-based.
	Next func(call int, req *provider.Request) Turn

	mu       sync.Mutex
	calls    int
	requests [][]provider.Message
}

// New creates a scripted provider replaying turns.
func New(turns ...Turn) *Scripted {
	return &Scripted{ProviderID: "scripted", ModelName: "scripted-model", Turns: turns}
}

// Text is a turn answering with plain assistant text.
func Text(text string) Turn {
	return Turn{Response: &provider.Response{Role: provider.RoleAssistant, CompletionText: text}}
}

// ToolCall is a turn requesting one tool.
func ToolCall(id, name string, args map[string]any) Turn {
	return Turn{Response: &provider.Response{
		Role:          provider.RoleAssistant,
		ToolCallNames: []string{name},
		ToolCallArgs:  []map[string]any{args},
		ToolCallIDs:   []string{id},
	}}
}

// Failure is a turn returning an error.
func Failure(err error) Turn {
	return Turn{Err: err}
}

func (s *Scripted) ID() string    { return s.ProviderID }
func (s *Scripted) Model() string { return s.ModelName }

// Calls returns how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns the conversation sent on each call.
func (s *Scripted) Requests() [][]provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]provider.Message(nil), s.requests...)
}

func (s *Scripted) next(req *provider.Request) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.calls
	s.calls++
	s.requests = append(s.requests, req.Messages())

	if call < len(s.Turns) {
		return s.Turns[call]
	}
	if s.Next != nil {
		return s.Next(call, req)
	}
	return Turn{Err: fmt.Errorf("scripted provider exhausted after %d calls", len(s.Turns))}
}

// TextChat returns the next scripted turn.
func (s *Scripted) TextChat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn := s.next(req)
	if turn.Err != nil {
		return nil, turn.Err
	}
	resp := *turn.Response
	return &resp, nil
}

// TextChatStream streams the next scripted turn.
func (s *Scripted) TextChatStream(ctx context.Context, req *provider.Request) iter.Seq2[*provider.Response, error] {
	return func(yield func(*provider.Response, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		turn := s.next(req)
		if turn.Err != nil {
			yield(nil, turn.Err)
			return
		}

		chunks := turn.Chunks
		if len(chunks) == 0 && turn.Response.CompletionText != "" {
			chunks = strings.SplitAfter(turn.Response.CompletionText, " ")
		}
		for _, c := range chunks {
			if !yield(&provider.Response{Role: turn.Response.Role, CompletionText: c, IsChunk: true}, nil) {
				return
			}
		}
		resp := *turn.Response
		yield(&resp, nil)
	}
}
