package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/agentloop/pkg/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(timeout time.Duration) *Executor {
	logger := zerolog.Nop()
	return NewExecutor(ExecutorConfig{Timeout: timeout, Logger: &logger})
}

type collected struct {
	outputs []Output
	err     error
}

func collect(e *Executor, desc *Descriptor, args map[string]any) collected {
	var c collected
	for out, err := range e.Execute(context.Background(), desc, args) {
		if err != nil {
			c.err = err
			break
		}
		c.outputs = append(c.outputs, out)
	}
	return c
}

func TestExecutor_HandlerValues(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("str", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return "hello", nil
	})))
	require.NoError(t, reg.Add("map", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"temp": 22}, nil
	})))
	require.NoError(t, reg.Add("none", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	})))
	require.NoError(t, reg.Add("reply", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return message.Text("hi user"), nil
	})))

	e := newTestExecutor(time.Second)

	desc, _ := reg.Get("str")
	res := collect(e, desc, nil)
	require.NoError(t, res.err)
	assert.Equal(t, []Output{TextOutput("hello")}, res.outputs)

	desc, _ = reg.Get("map")
	res = collect(e, desc, nil)
	require.NoError(t, res.err)
	assert.Equal(t, `{"temp":22}`, res.outputs[0].Text)

	desc, _ = reg.Get("none")
	res = collect(e, desc, nil)
	require.NoError(t, res.err)
	assert.Empty(t, res.outputs)

	desc, _ = reg.Get("reply")
	res = collect(e, desc, nil)
	require.NoError(t, res.err)
	require.Len(t, res.outputs, 1)
	assert.Equal(t, OutputReply, res.outputs[0].Kind)
	assert.Equal(t, "hi user", res.outputs[0].Chain.PlainText())
}

func TestExecutor_StepHandlerOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("steps", nil, "", StepFunc(func(ctx context.Context, args map[string]any, yield func(Output) bool) error {
		if !yield(SendOutput(message.Text("working"))) {
			return nil
		}
		if !yield(TextOutput("part 1")) {
			return nil
		}
		yield(TextOutput("part 2"))
		return nil
	})))

	desc, _ := reg.Get("steps")
	res := collect(newTestExecutor(time.Second), desc, nil)
	require.NoError(t, res.err)
	require.Len(t, res.outputs, 3)
	assert.Equal(t, OutputSend, res.outputs[0].Kind)
	assert.Equal(t, "part 1", res.outputs[1].Text)
	assert.Equal(t, "part 2", res.outputs[2].Text)
}

func TestExecutor_StepHandlerErrorAfterOutput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("fails", nil, "", StepFunc(func(ctx context.Context, args map[string]any, yield func(Output) bool) error {
		yield(TextOutput("partial"))
		return errors.New("boom")
	})))

	desc, _ := reg.Get("fails")
	res := collect(newTestExecutor(time.Second), desc, nil)
	assert.EqualError(t, res.err, "boom")
	assert.Len(t, res.outputs, 1)
}

func TestExecutor_ValidatesArguments(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("get_weather", []Parameter{
		{Name: "city", Type: "string", Description: "City", Required: true},
	}, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return args["city"], nil
	})))
	desc, _ := reg.Get("get_weather")
	e := newTestExecutor(time.Second)

	res := collect(e, desc, map[string]any{})
	assert.ErrorIs(t, res.err, ErrInvalidArguments)

	res = collect(e, desc, map[string]any{"city": 42})
	assert.ErrorIs(t, res.err, ErrInvalidArguments)

	res = collect(e, desc, map[string]any{"city": "Beijing"})
	require.NoError(t, res.err)
	assert.Equal(t, "Beijing", res.outputs[0].Text)
}

func TestExecutor_Timeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("slow", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(2 * time.Second)
		return "late", nil
	})))
	desc, _ := reg.Get("slow")

	start := time.Now()
	res := collect(newTestExecutor(50*time.Millisecond), desc, nil)
	assert.ErrorIs(t, res.err, ErrToolTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecutor_DescriptorTimeoutOverrides(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("slow", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	desc, _ := reg.Get("slow")
	desc.Timeout = 20 * time.Millisecond

	res := collect(newTestExecutor(time.Hour), desc, nil)
	assert.ErrorIs(t, res.err, ErrToolTimeout)
}

func TestExecutor_RecoversPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("panics", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})))
	desc, _ := reg.Get("panics")

	res := collect(newTestExecutor(time.Second), desc, nil)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "kaboom")
}

func TestExecutor_TruncatesLargeText(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("big", nil, "", HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return strings.Repeat("x", 100), nil
	})))
	desc, _ := reg.Get("big")
	logger := zerolog.Nop()
	e := NewExecutor(ExecutorConfig{MaxOutputBytes: 10, Logger: &logger})

	res := collect(e, desc, nil)
	require.NoError(t, res.err)
	assert.True(t, strings.HasPrefix(res.outputs[0].Text, "xxxxxxxxxx\n"))
	assert.Contains(t, res.outputs[0].Text, "[output truncated]")
}

func TestExecutor_NilDescriptor(t *testing.T) {
	res := collect(newTestExecutor(time.Second), nil, nil)
	assert.ErrorIs(t, res.err, ErrToolNotFound)
}

func TestExecutor_ConsumerStopsEarly(t *testing.T) {
	stopped := make(chan bool, 1)
	reg := NewRegistry()
	require.NoError(t, reg.Add("many", nil, "", StepFunc(func(ctx context.Context, args map[string]any, yield func(Output) bool) error {
		for i := 0; i < 10; i++ {
			if !yield(TextOutput("x")) {
				stopped <- true
				return nil
			}
		}
		stopped <- false
		return nil
	})))
	desc, _ := reg.Get("many")

	for range newTestExecutor(time.Second).Execute(context.Background(), desc, nil) {
		break
	}
	select {
	case s := <-stopped:
		assert.True(t, s)
	case <-time.After(time.Second):
		t.Fatal("handler did not observe the stop")
	}
}

func TestCallContext(t *testing.T) {
	ctx := ContextWithCall(context.Background(), CallInfo{SessionID: "s", CallID: "c1", ToolName: "t"})
	info, ok := CallFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "c1", info.CallID)

	_, ok = CallFromContext(context.Background())
	assert.False(t, ok)
}
