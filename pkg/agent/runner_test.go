package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/message"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/provider/providertest"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

type toolCallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *toolCallLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *toolCallLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func setupTestRunner(t *testing.T, p provider.Provider) (*Runner, *toolexecutor.Registry, *toolCallLog) {
	t.Helper()

	calls := &toolCallLog{}
	reg := toolexecutor.NewRegistry()
	require.NoError(t, reg.Add("get_weather", []toolexecutor.Parameter{
		{Name: "city", Type: "string", Description: "City name", Required: true},
	}, "Look up the weather", func(ctx context.Context, args map[string]any) (any, error) {
		calls.add("get_weather")
		return "22°C sunny", nil
	}))
	require.NoError(t, reg.Add("explode", nil, "Always fails", func(ctx context.Context, args map[string]any) (any, error) {
		calls.add("explode")
		return nil, errors.New("kaboom")
	}))
	require.NoError(t, reg.Add("reply", nil, "Replies to the user itself",
		func(ctx context.Context, args map[string]any, yield func(toolexecutor.Output) bool) error {
			calls.add("reply")
			yield(toolexecutor.ReplyOutput(message.Text("handled by tool")))
			return nil
		}))
	require.NoError(t, reg.Add("two_lines", nil, "Emits two text outputs",
		func(ctx context.Context, args map[string]any, yield func(toolexecutor.Output) bool) error {
			calls.add("two_lines")
			if !yield(toolexecutor.TextOutput("first")) {
				return nil
			}
			yield(toolexecutor.TextOutput("second"))
			return nil
		}))

	nop := zerolog.Nop()
	runner, err := NewRunner(RunnerConfig{
		Provider: p,
		Executor: toolexecutor.NewExecutor(toolexecutor.ExecutorConfig{Logger: &nop}),
		Logger:   &nop,
	})
	require.NoError(t, err)
	return runner, reg, calls
}

func newRequest(reg *toolexecutor.Registry, prompt string) *provider.Request {
	return &provider.Request{Prompt: prompt, Tools: reg.Snapshot(), SessionID: "console:test"}
}

func runStep(t *testing.T, r *Runner) []Response {
	t.Helper()
	stream, err := r.Step(context.Background())
	require.NoError(t, err)
	out, err := stream.Collect()
	require.NoError(t, err)
	return out
}

func typesOf(resps []Response) []ResponseType {
	out := make([]ResponseType, len(resps))
	for i, r := range resps {
		out[i] = r.Type
	}
	return out
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	assert.Error(t, err)

	_, err = NewRunner(RunnerConfig{Provider: providertest.New()})
	assert.Error(t, err)
}

func TestStepBeforeReset(t *testing.T) {
	r, _, _ := setupTestRunner(t, providertest.New())

	_, err := r.Step(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Error(t, r.Reset(nil, false))
	assert.Equal(t, StateIdle, r.State())
}

func TestStepWithoutToolCalls(t *testing.T) {
	p := providertest.New(providertest.Text("hello there"))
	r, reg, _ := setupTestRunner(t, p)
	require.NoError(t, r.Reset(newRequest(reg, "hi"), false))

	resps := runStep(t, r)

	require.Len(t, resps, 1)
	assert.Equal(t, ResponseLLMResult, resps[0].Type)
	assert.Equal(t, "hello there", resps[0].Chain.PlainText())
	assert.Equal(t, message.ChainLLMResult, resps[0].Chain.Type)
	assert.True(t, r.Done())
	assert.Equal(t, StateDone, r.State())
	assert.Equal(t, "hello there", r.FinalResponse().CompletionText)
}

func TestEmptyFinalResponseStillEmitsResult(t *testing.T) {
	r, reg, _ := setupTestRunner(t, providertest.New(providertest.Text("")))
	require.NoError(t, r.Reset(newRequest(reg, "hi"), false))

	resps := runStep(t, r)
	assert.Equal(t, []ResponseType{ResponseLLMResult}, typesOf(resps))
	assert.True(t, r.Done())
}

func TestToolCallWithoutTextSkipsResult(t *testing.T) {
	r, reg, _ := setupTestRunner(t, providertest.New(
		providertest.ToolCall("c1", "get_weather", map[string]any{"city": "Beijing"}),
	))
	require.NoError(t, r.Reset(newRequest(reg, "weather?"), false))

	resps := runStep(t, r)
	require.NotEmpty(t, resps)
	for _, resp := range resps {
		assert.NotEqual(t, ResponseLLMResult, resp.Type)
	}
}

func TestWeatherRoundTrip(t *testing.T) {
	p := providertest.New(
		providertest.ToolCall("call_1", "get_weather", map[string]any{"city": "Beijing"}),
		providertest.Text("It's 22°C and sunny in Beijing."),
	)
	r, reg, calls := setupTestRunner(t, p)
	req := newRequest(reg, "what's the weather in Beijing?")
	require.NoError(t, r.Reset(req, false))

	first := runStep(t, r)
	assert.Equal(t, []ResponseType{ResponseToolCall}, typesOf(first))
	assert.False(t, r.Done())
	assert.Nil(t, r.FinalResponse())
	assert.Equal(t, []string{"get_weather"}, calls.names())

	require.Len(t, req.ToolCallsResults, 1)
	folded := req.ToolCallsResults[0]
	require.Len(t, folded.Assistant.ToolCalls, 1)
	assert.Equal(t, "get_weather", folded.Assistant.ToolCalls[0].Function.Name)
	require.Len(t, folded.Results, 1)
	assert.Equal(t, "22°C sunny", folded.Results[0].Content)
	assert.Equal(t, "call_1", folded.Results[0].ToolCallID)

	second := runStep(t, r)
	require.Equal(t, []ResponseType{ResponseLLMResult}, typesOf(second))
	assert.Equal(t, "It's 22°C and sunny in Beijing.", second[0].Chain.PlainText())
	assert.True(t, r.Done())
	assert.Equal(t, "It's 22°C and sunny in Beijing.", r.FinalResponse().CompletionText)

	// The second provider call sees the tool round trip after the user turn.
	sent := p.Requests()[1]
	require.Len(t, sent, 3)
	assert.Equal(t, provider.RoleUser, sent[0].Role)
	assert.Equal(t, provider.RoleAssistant, sent[1].Role)
	assert.Equal(t, provider.RoleTool, sent[2].Role)
}

func TestToolFailuresKeepBatchOrder(t *testing.T) {
	p := providertest.New(providertest.Turn{Response: &provider.Response{
		Role:          provider.RoleAssistant,
		ToolCallNames: []string{"explode", "missing_tool", "get_weather", "get_weather"},
		ToolCallArgs: []map[string]any{
			{}, {}, {"city": 7}, {"city": "Paris"},
		},
		ToolCallIDs: []string{"c1", "c2", "c3", "c4"},
	}}, providertest.Text("done"))
	r, reg, calls := setupTestRunner(t, p)
	req := newRequest(reg, "go")
	require.NoError(t, r.Reset(req, false))

	resps := runStep(t, r)
	assert.Equal(t, []ResponseType{ResponseToolCall, ResponseToolCall, ResponseToolCall, ResponseToolCall}, typesOf(resps))
	assert.Equal(t, []string{"explode", "get_weather"}, calls.names())

	results := req.ToolCallsResults[0].Results
	require.Len(t, results, 4)
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		assert.Equal(t, id, results[i].ToolCallID)
		assert.Equal(t, provider.RoleTool, results[i].Role)
	}
	assert.Contains(t, results[0].Content, "kaboom")
	assert.True(t, strings.HasPrefix(results[0].Content, "error: "))
	assert.Contains(t, results[1].Content, "tool not found")
	assert.Contains(t, results[2].Content, "invalid tool arguments")
	assert.Equal(t, "22°C sunny", results[3].Content)
	assert.False(t, r.Done())
}

func TestMultipleTextOutputsFoldIntoOneBlock(t *testing.T) {
	p := providertest.New(providertest.ToolCall("c1", "two_lines", nil))
	r, reg, _ := setupTestRunner(t, p)
	req := newRequest(reg, "go")
	require.NoError(t, r.Reset(req, false))

	runStep(t, r)
	require.Len(t, req.ToolCallsResults[0].Results, 1)
	assert.Equal(t, "first\nsecond", req.ToolCallsResults[0].Results[0].Content)
}

func TestDirectReplyEndsRun(t *testing.T) {
	p := providertest.New(providertest.ToolCall("c1", "reply", nil))
	r, reg, _ := setupTestRunner(t, p)
	req := newRequest(reg, "go")
	require.NoError(t, r.Reset(req, false))

	resps := runStep(t, r)
	require.Equal(t, []ResponseType{ResponseToolCall, ResponseToolCallResult}, typesOf(resps))
	assert.Equal(t, "handled by tool", resps[1].Chain.PlainText())
	assert.Equal(t, message.ChainToolDirectResult, resps[1].Chain.Type)
	assert.True(t, r.Done())
	assert.Equal(t, sentDirectResult, req.ToolCallsResults[0].Results[0].Content)
}

func TestToolCallTextIsEmitted(t *testing.T) {
	turn := providertest.ToolCall("c1", "get_weather", map[string]any{"city": "Oslo"})
	turn.Response.CompletionText = "Let me check."
	r, reg, _ := setupTestRunner(t, providertest.New(turn))
	require.NoError(t, r.Reset(newRequest(reg, "go"), false))

	resps := runStep(t, r)
	require.Equal(t, []ResponseType{ResponseLLMResult, ResponseToolCall}, typesOf(resps))
	assert.Equal(t, "Let me check.", resps[0].Chain.PlainText())
}

func TestErrorResponseFallsThrough(t *testing.T) {
	p := providertest.New(providertest.Turn{Response: &provider.Response{
		Role: provider.RoleErr, CompletionText: "quota exceeded",
	}})
	r, reg, _ := setupTestRunner(t, p)
	require.NoError(t, r.Reset(newRequest(reg, "hi"), false))

	resps := runStep(t, r)
	require.Equal(t, []ResponseType{ResponseErr}, typesOf(resps))
	assert.Contains(t, resps[0].Chain.PlainText(), "quota exceeded")
	assert.Equal(t, StateError, r.State())
	assert.True(t, r.Done())
	require.NotNil(t, r.FinalResponse())
	assert.Equal(t, provider.RoleErr, r.FinalResponse().Role)
}

func TestErrorResponseWithToolCallsStillRunsTools(t *testing.T) {
	turn := providertest.ToolCall("c1", "get_weather", map[string]any{"city": "Rome"})
	turn.Response.Role = provider.RoleErr
	r, reg, calls := setupTestRunner(t, providertest.New(turn))
	req := newRequest(reg, "hi")
	require.NoError(t, r.Reset(req, false))

	resps := runStep(t, r)
	assert.Equal(t, []ResponseType{ResponseErr, ResponseToolCall}, typesOf(resps))
	assert.Contains(t, resps[0].Chain.PlainText(), unknownLLMFailure)
	assert.Equal(t, []string{"get_weather"}, calls.names())
	assert.Len(t, req.ToolCallsResults, 1)
	assert.Equal(t, StateError, r.State())
}

func TestProviderErrorBecomesErrResponse(t *testing.T) {
	r, reg, _ := setupTestRunner(t, providertest.New(providertest.Failure(errors.New("connection refused"))))
	require.NoError(t, r.Reset(newRequest(reg, "hi"), false))

	resps := runStep(t, r)
	require.Len(t, resps, 1)
	assert.Equal(t, ResponseErr, resps[0].Type)
	assert.Contains(t, resps[0].Chain.PlainText(), "connection refused")
	assert.Equal(t, StateError, r.State())
}

func TestCancelledContextAbortsStep(t *testing.T) {
	r, reg, _ := setupTestRunner(t, providertest.New(providertest.Text("never")))
	require.NoError(t, r.Reset(newRequest(reg, "hi"), false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream, err := r.Step(ctx)
	require.NoError(t, err)

	_, err = stream.Next()
	assert.ErrorIs(t, err, context.Canceled)
	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrStepDone)
}

func TestStreamingDeltasPrecedeResult(t *testing.T) {
	p := providertest.New(providertest.Turn{
		Response: &provider.Response{Role: provider.RoleAssistant, CompletionText: "Hello world"},
		Chunks:   []string{"Hel", "lo ", "world"},
	})
	r, reg, _ := setupTestRunner(t, p)
	require.NoError(t, r.Reset(newRequest(reg, "hi"), true))

	resps := runStep(t, r)
	assert.Equal(t, []ResponseType{
		ResponseStreamingDelta, ResponseStreamingDelta, ResponseStreamingDelta, ResponseLLMResult,
	}, typesOf(resps))
	assert.Equal(t, "lo ", resps[1].Chain.PlainText())
	assert.Equal(t, message.ChainStreamingDelta, resps[1].Chain.Type)
	assert.Equal(t, "Hello world", resps[3].Chain.PlainText())
	assert.True(t, r.Done())
}

func TestStreamingErrorEndsWithErr(t *testing.T) {
	r, reg, _ := setupTestRunner(t, providertest.New(providertest.Failure(errors.New("stream reset"))))
	require.NoError(t, r.Reset(newRequest(reg, "hi"), true))

	resps := runStep(t, r)
	assert.Equal(t, []ResponseType{ResponseErr}, typesOf(resps))
}

func TestMissingToolCallIDsAreSynthesized(t *testing.T) {
	p := providertest.New(providertest.Turn{Response: &provider.Response{
		Role:          provider.RoleAssistant,
		ToolCallNames: []string{"get_weather"},
	}})
	r, reg, _ := setupTestRunner(t, p)
	req := newRequest(reg, "go")
	require.NoError(t, r.Reset(req, false))

	runStep(t, r)
	id := req.ToolCallsResults[0].Results[0].ToolCallID
	assert.True(t, strings.HasPrefix(id, "call_"))
	assert.Equal(t, id, req.ToolCallsResults[0].Assistant.ToolCalls[0].ID)
}

func TestStepAfterDoneNeedsReset(t *testing.T) {
	p := providertest.New(providertest.Text("one"), providertest.Text("two"))
	r, reg, _ := setupTestRunner(t, p)
	require.NoError(t, r.Reset(newRequest(reg, "hi"), false))
	runStep(t, r)

	_, err := r.Step(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, r.Reset(newRequest(reg, "again"), false))
	assert.False(t, r.Done())
	assert.Nil(t, r.FinalResponse())
	resps := runStep(t, r)
	assert.Equal(t, "two", resps[0].Chain.PlainText())
}

func TestStreamCloseAbandonsStep(t *testing.T) {
	p := providertest.New(providertest.Turn{
		Response: &provider.Response{Role: provider.RoleAssistant, CompletionText: "a b c"},
	})
	r, reg, _ := setupTestRunner(t, p)
	require.NoError(t, r.Reset(newRequest(reg, "hi"), true))

	stream, err := r.Step(context.Background())
	require.NoError(t, err)
	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, ResponseStreamingDelta, first.Type)

	stream.Close()
	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrStepDone)
	assert.False(t, r.Done())
}

func TestOnResponseHook(t *testing.T) {
	var seen []string
	nop := zerolog.Nop()
	runner, err := NewRunner(RunnerConfig{
		Provider: providertest.New(providertest.Text("hooked")),
		Executor: toolexecutor.NewExecutor(toolexecutor.ExecutorConfig{Logger: &nop}),
		OnResponse: func(ctx context.Context, resp *provider.Response) {
			seen = append(seen, resp.CompletionText)
			resp.CompletionText = "rewritten"
		},
		Logger: &nop,
	})
	require.NoError(t, err)
	require.NoError(t, runner.Reset(&provider.Request{Prompt: "hi"}, false))

	resps := runStep(t, runner)
	assert.Equal(t, []string{"hooked"}, seen)
	assert.Equal(t, "rewritten", resps[0].Chain.PlainText())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "error", StateError.String())
}
