package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAI-compatible provider
type OpenAIConfig struct {
	ID          string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// OpenAIProvider implements Provider for OpenAI-compatible chat completions
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.ID == "" {
		cfg.ID = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: openai.NewClient(opts...),
	}
}

// ID returns the provider id
func (p *OpenAIProvider) ID() string { return p.cfg.ID }

// Model returns the default model
func (p *OpenAIProvider) Model() string { return p.cfg.Model }

// TextChat makes a blocking completion call
func (p *OpenAIProvider) TextChat(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return openAIResponse(completion)
}

// TextChatStream streams content deltas followed by the accumulated response
func (p *OpenAIProvider) TextChatStream(ctx context.Context, req *Request) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		params, err := p.params(req)
		if err != nil {
			yield(nil, err)
			return
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(&Response{
				Role:           RoleAssistant,
				CompletionText: chunk.Choices[0].Delta.Content,
				IsChunk:        true,
			}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, err)
			return
		}

		resp, err := openAIResponse(&acc.ChatCompletion)
		yield(resp, err)
	}
}

func (p *OpenAIProvider) params(req *Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	history, user, rounds := req.parts()
	for _, msg := range history {
		converted, err := openAIMessage(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		if converted != nil {
			messages = append(messages, *converted)
		}
	}
	if user != nil {
		if len(req.ImageURLs) > 0 {
			parts := []openai.ChatCompletionContentPartUnionParam{}
			if user.Content != "" {
				parts = append(parts, openai.TextContentPart(user.Content))
			}
			for _, url := range req.ImageURLs {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
			}
			messages = append(messages, openai.UserMessage(parts))
		} else {
			messages = append(messages, openai.UserMessage(user.Content))
		}
	}
	for _, msg := range rounds {
		converted, err := openAIMessage(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		if converted != nil {
			messages = append(messages, *converted)
		}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Float(p.cfg.Temperature)
	}

	active := req.Tools.Active()
	if len(active) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(active))
		for _, d := range active {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        d.Name,
					Description: openai.String(d.Description),
					Parameters:  openai.FunctionParameters(d.Parameters),
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func openAIMessage(msg Message) (*openai.ChatCompletionMessageParamUnion, error) {
	var out openai.ChatCompletionMessageParamUnion
	switch msg.Role {
	case RoleUser:
		out = openai.UserMessage(msg.Content)
	case RoleAssistant:
		if len(msg.ToolCalls) == 0 {
			out = openai.AssistantMessage(msg.Content)
			break
		}
		toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		assistantMsg := openai.ChatCompletionMessage{
			Role:      "assistant",
			Content:   msg.Content,
			ToolCalls: toolCalls,
		}
		out = assistantMsg.ToParam()
	case RoleTool:
		out = openai.ToolMessage(msg.Content, msg.ToolCallID)
	case RoleSystem:
		out = openai.SystemMessage(msg.Content)
	default:
		return nil, nil
	}
	return &out, nil
}

func openAIResponse(completion *openai.ChatCompletion) (*Response, error) {
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}
	choice := completion.Choices[0]

	resp := &Response{
		Role:           RoleAssistant,
		CompletionText: choice.Message.Content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if choice.Message.Refusal != "" && resp.CompletionText == "" {
		resp.Role = RoleErr
		resp.CompletionText = choice.Message.Refusal
	}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		resp.ToolCallNames = append(resp.ToolCallNames, tc.Function.Name)
		resp.ToolCallArgs = append(resp.ToolCallArgs, args)
		resp.ToolCallIDs = append(resp.ToolCallIDs, tc.ID)
	}
	return resp, nil
}
