package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures an Anthropic provider
type AnthropicConfig struct {
	ID          string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// AnthropicProvider implements Provider for Anthropic Claude
type AnthropicProvider struct {
	cfg    AnthropicConfig
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.ID == "" {
		cfg.ID = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}
}

// ID returns the provider id
func (p *AnthropicProvider) ID() string { return p.cfg.ID }

// Model returns the default model
func (p *AnthropicProvider) Model() string { return p.cfg.Model }

// TextChat makes a blocking Messages API call
func (p *AnthropicProvider) TextChat(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return anthropicResponse(msg)
}

// TextChatStream streams text deltas followed by the accumulated message
func (p *AnthropicProvider) TextChatStream(ctx context.Context, req *Request) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		params, err := p.params(req)
		if err != nil {
			yield(nil, err)
			return
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		msg := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				yield(nil, fmt.Errorf("failed to accumulate stream event: %w", err))
				return
			}
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if !yield(&Response{Role: RoleAssistant, CompletionText: delta.Text, IsChunk: true}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, err)
			return
		}

		resp, err := anthropicResponse(&msg)
		yield(resp, err)
	}
}

func (p *AnthropicProvider) params(req *Request) (anthropic.MessageNewParams, error) {
	history, user, rounds := req.parts()

	conv := make([]Message, 0, len(history)+1+len(rounds))
	conv = append(conv, history...)
	if user != nil {
		u := *user
		for _, url := range req.ImageURLs {
			if u.Content != "" {
				u.Content += "\n"
			}
			u.Content += "[image] " + url
		}
		conv = append(conv, u)
	}
	conv = append(conv, rounds...)

	system := req.SystemPrompt
	messages := []anthropic.MessageParam{}
	var pendingResults []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range conv {
		// Tool results of one batch travel together in a single user turn.
		if msg.Role == RoleTool {
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue
		}
		flush()

		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += msg.Content
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input, err := tc.Arguments()
				if err != nil {
					return anthropic.MessageNewParams{}, fmt.Errorf("failed to parse tool arguments of %s: %w", tc.Function.Name, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}
	flush()

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.cfg.MaxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(p.cfg.Temperature)
	}

	active := req.Tools.Active()
	if len(active) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(active))
		for _, d := range active {
			toolParam := anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: d.Parameters["properties"],
					Required:   requiredNames(d.Parameters["required"]),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}
	return params, nil
}

func requiredNames(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func anthropicResponse(msg *anthropic.Message) (*Response, error) {
	resp := &Response{
		Role: RoleAssistant,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.CompletionText += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if raw := b.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			resp.ToolCallNames = append(resp.ToolCallNames, b.Name)
			resp.ToolCallArgs = append(resp.ToolCallArgs, args)
			resp.ToolCallIDs = append(resp.ToolCallIDs, b.ID)
		}
	}
	return resp, nil
}
