package provider

import (
	"encoding/json"

	"github.com/harun/agentloop/pkg/message"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

// Role is a conversation or response role
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleErr marks an error-classified provider response.
	RoleErr Role = "err"
)

// FunctionCall is the function half of a tool call
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool call announcement stored on an assistant message
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one persisted conversation entry
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// NoSave excludes the entry from persisted history.
	NoSave bool `json:"_no_save,omitempty"`
}

// Arguments decodes the call arguments, returning an empty map for blank input.
func (tc ToolCall) Arguments() (map[string]any, error) {
	args := map[string]any{}
	if tc.Function.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ToolCallsResult pairs an assistant tool call announcement with one result
// message per call, in call order.
type ToolCallsResult struct {
	Assistant Message   `json:"assistant"`
	Results   []Message `json:"results"`
}

// NewToolCallsResult builds the assistant announcement for the given calls.
func NewToolCallsResult(text string, names []string, args []map[string]any, ids []string, results []Message) ToolCallsResult {
	calls := make([]ToolCall, len(names))
	for i, name := range names {
		var raw []byte
		if i < len(args) && args[i] != nil {
			raw, _ = json.Marshal(args[i])
		} else {
			raw = []byte("{}")
		}
		calls[i] = ToolCall{
			ID:       ids[i],
			Type:     "function",
			Function: FunctionCall{Name: name, Arguments: string(raw)},
		}
	}
	return ToolCallsResult{
		Assistant: Message{Role: RoleAssistant, Content: text, ToolCalls: calls},
		Results:   results,
	}
}

// Messages renders the announcement followed by the results.
func (r ToolCallsResult) Messages() []Message {
	return append([]Message{r.Assistant}, r.Results...)
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is one provider completion or streamed chunk
type Response struct {
	Role           Role
	CompletionText string
	// ResultChain, when set, is rendered instead of CompletionText.
	ResultChain   *message.Chain
	ToolCallNames []string
	ToolCallArgs  []map[string]any
	ToolCallIDs   []string
	IsChunk       bool
	Usage         Usage
}

// HasToolCalls reports whether the response requests any tool.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCallNames) > 0
}

// Chain returns the renderable content of the response.
func (r *Response) Chain() message.Chain {
	if r.ResultChain != nil {
		return *r.ResultChain
	}
	return message.Text(r.CompletionText)
}

// Request is the input of one agent run.
type Request struct {
	Prompt         string
	ImageURLs      []string
	Contexts       []Message
	SystemPrompt   string
	Model          string
	Tools          *toolexecutor.Snapshot
	SessionID      string
	ConversationID string
	// ToolCallsResults accumulates tool round trips of the current run.
	ToolCallsResults []ToolCallsResult
}

// UserMessage renders the current prompt as a user message. Images are
// referenced by URL since persisted content is text.
func (r *Request) UserMessage() Message {
	content := r.Prompt
	for _, url := range r.ImageURLs {
		if content != "" {
			content += "\n"
		}
		content += "[image] " + url
	}
	return Message{Role: RoleUser, Content: content}
}

// AppendToolCallsResult folds a finished tool batch into the request.
func (r *Request) AppendToolCallsResult(res ToolCallsResult) {
	r.ToolCallsResults = append(r.ToolCallsResults, res)
}

// Messages assembles the provider-facing conversation: prior contexts, the
// current user message, then the tool round trips of this run. The system
// prompt is carried separately.
func (r *Request) Messages() []Message {
	msgs := make([]Message, 0, len(r.Contexts)+1+2*len(r.ToolCallsResults))
	msgs = append(msgs, r.Contexts...)
	if r.Prompt != "" || len(r.ImageURLs) > 0 {
		msgs = append(msgs, r.UserMessage())
	}
	for _, res := range r.ToolCallsResults {
		msgs = append(msgs, res.Messages()...)
	}
	return msgs
}

// parts splits the conversation into prior contexts, the current user turn
// (nil when the prompt is empty) and the tool round trips of this run.
func (r *Request) parts() (history []Message, user *Message, rounds []Message) {
	history = r.Contexts
	if r.Prompt != "" || len(r.ImageURLs) > 0 {
		u := Message{Role: RoleUser, Content: r.Prompt}
		user = &u
	}
	for _, res := range r.ToolCallsResults {
		rounds = append(rounds, res.Messages()...)
	}
	return history, user, rounds
}
