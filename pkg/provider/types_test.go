package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMessagesOrder(t *testing.T) {
	req := &Request{
		Prompt:       "weather in Paris?",
		SystemPrompt: "be brief",
		Contexts: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	}
	req.AppendToolCallsResult(NewToolCallsResult("",
		[]string{"get_weather"},
		[]map[string]any{{"city": "Paris"}},
		[]string{"call_1"},
		[]Message{{Role: RoleTool, Content: "sunny", ToolCallID: "call_1"}},
	))

	msgs := req.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "weather in Paris?", msgs[2].Content)
	assert.Equal(t, RoleAssistant, msgs[3].Role)
	require.Len(t, msgs[3].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[3].ToolCalls[0].ID)
	assert.Equal(t, `{"city":"Paris"}`, msgs[3].ToolCalls[0].Function.Arguments)
	assert.Equal(t, RoleTool, msgs[4].Role)
	assert.Equal(t, "call_1", msgs[4].ToolCallID)
}

func TestRequestMessagesWithoutPrompt(t *testing.T) {
	req := &Request{Contexts: []Message{{Role: RoleUser, Content: "hi"}}}
	assert.Len(t, req.Messages(), 1)
}

func TestUserMessageWithImages(t *testing.T) {
	req := &Request{Prompt: "what is this", ImageURLs: []string{"https://img/1.png"}}
	assert.Equal(t, "what is this\n[image] https://img/1.png", req.UserMessage().Content)
}

func TestToolCallArguments(t *testing.T) {
	args, err := ToolCall{Function: FunctionCall{Name: "x"}}.Arguments()
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = ToolCall{Function: FunctionCall{Arguments: "{bad"}}.Arguments()
	assert.Error(t, err)
}

func TestResponseChain(t *testing.T) {
	resp := &Response{CompletionText: "plain"}
	assert.Equal(t, "plain", resp.Chain().PlainText())
	assert.False(t, resp.HasToolCalls())

	resp.ToolCallNames = []string{"a"}
	assert.True(t, resp.HasToolCalls())
}
