package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/harun/agentloop/pkg/message"
)

// HandlerFunc is a tool handler returning a single value.
//
// Return values map to outputs: string and fmt.Stringer become result text,
// message.Chain becomes a direct reply, Output is passed through, nil
// produces no output and anything else is JSON encoded.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// StepFunc is a tool handler producing a sequence of outputs. yield returns
// false when the consumer stopped reading; the handler should return then.
type StepFunc func(ctx context.Context, args map[string]any, yield func(Output) bool) error

// LocalTool runs an in-process handler
type LocalTool struct {
	handler HandlerFunc
	step    StepFunc
}

// NewLocalTool wraps a handler value.
func NewLocalTool(handler any) (*LocalTool, error) {
	switch h := handler.(type) {
	case HandlerFunc:
		return &LocalTool{handler: h}, nil
	case func(context.Context, map[string]any) (any, error):
		return &LocalTool{handler: h}, nil
	case StepFunc:
		return &LocalTool{step: h}, nil
	case func(context.Context, map[string]any, func(Output) bool) error:
		return &LocalTool{step: h}, nil
	case nil:
		return nil, fmt.Errorf("handler is required")
	default:
		return nil, fmt.Errorf("unsupported handler type %T", handler)
	}
}

// Execute implements Tool.
func (t *LocalTool) Execute(ctx context.Context, args map[string]any) iter.Seq2[Output, error] {
	return func(yield func(Output, error) bool) {
		if t.step != nil {
			stopped := false
			err := t.step(ctx, args, func(out Output) bool {
				if stopped {
					return false
				}
				if !yield(out, nil) {
					stopped = true
				}
				return !stopped
			})
			if err != nil && !stopped {
				yield(Output{}, err)
			}
			return
		}

		value, err := t.handler(ctx, args)
		if err != nil {
			yield(Output{}, err)
			return
		}
		out, ok, err := valueOutput(value)
		if err != nil {
			yield(Output{}, err)
			return
		}
		if ok {
			yield(out, nil)
		}
	}
}

func valueOutput(value any) (Output, bool, error) {
	switch v := value.(type) {
	case nil:
		return Output{}, false, nil
	case Output:
		return v, true, nil
	case string:
		return TextOutput(v), true, nil
	case message.Chain:
		return ReplyOutput(v), true, nil
	case *message.Chain:
		if v == nil {
			return Output{}, false, nil
		}
		return ReplyOutput(*v), true, nil
	case fmt.Stringer:
		return TextOutput(v.String()), true, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Output{}, false, fmt.Errorf("failed to encode tool result: %w", err)
		}
		return TextOutput(string(data)), true, nil
	}
}
