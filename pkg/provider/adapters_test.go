package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/toolexecutor"
)

func weatherTools(t *testing.T) *toolexecutor.Snapshot {
	t.Helper()
	reg := toolexecutor.NewRegistry()
	err := reg.Add("get_weather", []toolexecutor.Parameter{
		{Name: "city", Type: "string", Description: "City name", Required: true},
	}, "Look up the weather", func(ctx context.Context, args map[string]any) (any, error) {
		return "sunny", nil
	})
	require.NoError(t, err)
	return reg.Snapshot()
}

func weatherRequest(t *testing.T) *Request {
	req := &Request{
		Prompt:       "weather in Paris?",
		SystemPrompt: "be brief",
		Tools:        weatherTools(t),
	}
	req.AppendToolCallsResult(NewToolCallsResult("",
		[]string{"get_weather", "get_weather"},
		[]map[string]any{{"city": "Paris"}, {"city": "Lyon"}},
		[]string{"call_1", "call_2"},
		[]Message{
			{Role: RoleTool, Content: "sunny", ToolCallID: "call_1"},
			{Role: RoleTool, Content: "rainy", ToolCallID: "call_2"},
		},
	))
	return req
}

func captureServer(t *testing.T, pathSuffix, reply string, body *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, pathSuffix) {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		if !assert.NoError(t, json.Unmarshal(raw, body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProviderTextChat(t *testing.T) {
	var body map[string]any
	srv := captureServer(t, "/chat/completions", `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant", "content": "",
			"tool_calls": [{"id": "call_3", "type": "function",
				"function": {"name": "get_weather", "arguments": "{\"city\":\"Nice\"}"}}]}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`, &body)

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1/"})
	assert.Equal(t, "openai", p.ID())

	resp, err := p.TextChat(context.Background(), weatherRequest(t))
	require.NoError(t, err)

	assert.Equal(t, RoleAssistant, resp.Role)
	assert.Equal(t, []string{"get_weather"}, resp.ToolCallNames)
	assert.Equal(t, []string{"call_3"}, resp.ToolCallIDs)
	assert.Equal(t, "Nice", resp.ToolCallArgs[0]["city"])
	assert.Equal(t, 12, resp.Usage.InputTokens)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 5)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
	assert.Equal(t, "assistant", messages[2].(map[string]any)["role"])
	last := messages[4].(map[string]any)
	assert.Equal(t, "tool", last["role"])
	assert.Equal(t, "call_2", last["tool_call_id"])

	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
}

func TestAnthropicProviderTextChat(t *testing.T) {
	var body map[string]any
	srv := captureServer(t, "/v1/messages", `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "Checking."},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Nice"}}
		],
		"stop_reason": "tool_use", "stop_sequence": null,
		"usage": {"input_tokens": 20, "output_tokens": 6}
	}`, &body)

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	resp, err := p.TextChat(context.Background(), weatherRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "Checking.", resp.CompletionText)
	assert.Equal(t, []string{"toolu_1"}, resp.ToolCallIDs)
	assert.Equal(t, "Nice", resp.ToolCallArgs[0]["city"])
	assert.Equal(t, 6, resp.Usage.OutputTokens)

	assert.EqualValues(t, defaultAnthropicMaxTokens, body["max_tokens"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 3)

	results := messages[2].(map[string]any)
	assert.Equal(t, "user", results["role"])
	blocks := results["content"].([]any)
	require.Len(t, blocks, 2)
	assert.Equal(t, "tool_result", blocks[0].(map[string]any)["type"])
	assert.Equal(t, "call_2", blocks[1].(map[string]any)["tool_use_id"])

	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	assert.Equal(t, []any{"city"}, schema["required"])
}

func TestRequiredNames(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredNames([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredNames([]any{"a", 1, "b"}))
	assert.Nil(t, requiredNames(nil))
}
