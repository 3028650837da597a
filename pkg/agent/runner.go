package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/message"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

const (
	noOutputResult    = "tool returned no output"
	sentDirectResult  = "result was sent to the user directly"
	unknownLLMFailure = "unknown error"
)

// ToolExecutor runs one resolved tool call
type ToolExecutor interface {
	Execute(ctx context.Context, desc *toolexecutor.Descriptor, args map[string]any) iter.Seq2[toolexecutor.Output, error]
}

// ResponseHook observes every final provider response before it is processed.
type ResponseHook func(ctx context.Context, resp *provider.Response)

// RunnerConfig holds runner dependencies
type RunnerConfig struct {
	Provider   provider.Provider
	Executor   ToolExecutor
	OnResponse ResponseHook
	Logger     *zerolog.Logger
}

// Runner drives one agent run over a bound request
type Runner struct {
	provider   provider.Provider
	executor   ToolExecutor
	onResponse ResponseHook
	logger     zerolog.Logger

	req       *provider.Request
	streaming bool
	state     State
	final     *provider.Response
	steps     int
}

// NewRunner creates a new agent runner
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	r := &Runner{
		provider:   cfg.Provider,
		executor:   cfg.Executor,
		onResponse: cfg.OnResponse,
		logger:     log.Logger,
	}
	if cfg.Logger != nil {
		r.logger = *cfg.Logger
	}
	return r, nil
}

// Reset binds a request and re-arms the runner.
func (r *Runner) Reset(req *provider.Request, streaming bool) error {
	if req == nil {
		return fmt.Errorf("request is required")
	}
	r.req = req
	r.streaming = streaming
	r.state = StateIdle
	r.final = nil
	r.steps = 0
	return nil
}

// Done reports whether the run reached DONE or ERROR.
func (r *Runner) Done() bool {
	return r.state == StateDone || r.state == StateError
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return r.state
}

// FinalResponse returns the last non-chunk response, or nil.
func (r *Runner) FinalResponse() *provider.Response {
	return r.final
}

// Request returns the bound request.
func (r *Runner) Request() *provider.Request {
	return r.req
}

// Provider returns the provider the runner calls.
func (r *Runner) Provider() provider.Provider {
	return r.provider
}

// Step starts one round trip. The returned stream must be drained or closed.
func (r *Runner) Step(ctx context.Context) (*StepStream, error) {
	if r.req == nil || r.Done() {
		return nil, ErrInvalidState
	}
	r.state = StateRunning
	r.steps++
	next, stop := iter.Pull2(r.step(ctx, r.steps))
	return &StepStream{next: next, stop: stop}, nil
}

func (r *Runner) step(ctx context.Context, n int) iter.Seq2[Response, error] {
	return func(yield func(Response, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "agentloop.agent", "agent.step",
			attribute.Int("step", n),
			attribute.String("provider", r.provider.ID()),
			attribute.Bool("streaming", r.streaming),
		)
		defer span.End()
		logger := tracing.LoggerFromContext(ctx, r.logger).With().
			Str("session_id", r.req.SessionID).
			Int("step", n).
			Logger()

		outcome := "aborted"
		defer func() { observability.RecordAgentStep(outcome) }()

		resp, ok, err := r.complete(ctx, yield)
		if !ok {
			return
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(Response{}, err)
			return
		}

		if r.onResponse != nil {
			r.onResponse(ctx, resp)
		}
		logger.Debug().
			Str("role", string(resp.Role)).
			Int("tool_calls", len(resp.ToolCallNames)).
			Msg("LLM response received")

		if resp.Role == provider.RoleErr {
			r.state = StateError
			r.final = resp
			text := resp.CompletionText
			if text == "" {
				text = unknownLLMFailure
			}
			span.SetStatus(codes.Error, text)
			logger.Warn().Str("error", text).Msg("LLM returned an error response")
			chain := message.Text("LLM response error: " + text).WithType(message.ChainErr)
			if !yield(Response{Type: ResponseErr, Chain: chain}, nil) {
				return
			}
		}

		if !resp.HasToolCalls() {
			r.final = resp
			if r.state != StateError {
				r.state = StateDone
			}
		}

		if resp.Role != provider.RoleErr {
			chain := resp.Chain()
			if !resp.HasToolCalls() || !chain.IsEmpty() {
				if !yield(Response{Type: ResponseLLMResult, Chain: chain.WithType(message.ChainLLMResult)}, nil) {
					return
				}
			}
		}

		if resp.HasToolCalls() {
			if !r.handleTools(ctx, resp, logger, yield) {
				return
			}
		}

		outcome = r.state.String()
	}
}

// complete performs the provider call. ok is false when the consumer stopped.
func (r *Runner) complete(ctx context.Context, yield func(Response, error) bool) (resp *provider.Response, ok bool, err error) {
	start := time.Now()
	defer func() {
		observability.RecordLLMCall(r.provider.ID(), time.Since(start), err == nil && resp != nil && resp.Role != provider.RoleErr)
	}()

	if !r.streaming {
		resp, err = r.provider.TextChat(ctx, r.req)
		resp, err = r.classify(ctx, resp, err)
		return resp, true, err
	}

	for chunk, streamErr := range r.provider.TextChatStream(ctx, r.req) {
		if streamErr != nil {
			resp, err = r.classify(ctx, nil, streamErr)
			return resp, true, err
		}
		if chunk == nil {
			continue
		}
		if !chunk.IsChunk {
			// The first final item ends the step; the stream is not drained.
			resp, err = r.classify(ctx, chunk, nil)
			return resp, true, err
		}
		delta := chunk.Chain().WithType(message.ChainStreamingDelta)
		if !yield(Response{Type: ResponseStreamingDelta, Chain: delta}, nil) {
			return nil, false, nil
		}
	}
	resp, err = r.classify(ctx, nil, errors.New("provider stream ended without a final response"))
	return resp, true, err
}

// classify turns provider failures into err responses. Cancellation is
// returned as an error so the caller aborts the turn.
func (r *Runner) classify(ctx context.Context, resp *provider.Response, err error) (*provider.Response, error) {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return &provider.Response{Role: provider.RoleErr, CompletionText: err.Error()}, nil
	}
	if resp == nil {
		return &provider.Response{Role: provider.RoleErr, CompletionText: "provider returned no response"}, nil
	}
	normalizeToolCalls(resp)
	return resp, nil
}

// normalizeToolCalls pads argument and id slices to match the call names.
// Missing ids are synthesized.
func normalizeToolCalls(resp *provider.Response) {
	n := len(resp.ToolCallNames)
	for len(resp.ToolCallArgs) < n {
		resp.ToolCallArgs = append(resp.ToolCallArgs, map[string]any{})
	}
	for len(resp.ToolCallIDs) < n {
		resp.ToolCallIDs = append(resp.ToolCallIDs, "")
	}
	resp.ToolCallArgs = resp.ToolCallArgs[:n]
	resp.ToolCallIDs = resp.ToolCallIDs[:n]
	for i := range resp.ToolCallIDs {
		if resp.ToolCallArgs[i] == nil {
			resp.ToolCallArgs[i] = map[string]any{}
		}
		if resp.ToolCallIDs[i] == "" {
			resp.ToolCallIDs[i] = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
	}
}

func (r *Runner) handleTools(ctx context.Context, resp *provider.Response, logger zerolog.Logger, yield func(Response, error) bool) bool {
	logger.Info().Strs("tools", resp.ToolCallNames).Msg("Agent using tools")

	results := make([]provider.Message, 0, len(resp.ToolCallNames))
	claimed := false

	for i, name := range resp.ToolCallNames {
		id := resp.ToolCallIDs[i]
		args := resp.ToolCallArgs[i]

		notice := message.Text("Calling tool: " + name).WithType(message.ChainToolCall)
		if !yield(Response{Type: ResponseToolCall, Chain: notice}, nil) {
			return false
		}

		content, replied, ok := r.callTool(ctx, name, id, args, logger, yield)
		if !ok {
			return false
		}
		claimed = claimed || replied
		results = append(results, provider.Message{
			Role:       provider.RoleTool,
			Content:    content,
			ToolCallID: id,
		})
	}

	r.req.AppendToolCallsResult(provider.NewToolCallsResult(
		resp.CompletionText,
		resp.ToolCallNames,
		resp.ToolCallArgs,
		resp.ToolCallIDs,
		results,
	))

	if claimed && r.state == StateRunning {
		logger.Info().Msg("Tool replied to the user, ending run")
		r.final = resp
		r.state = StateDone
	}
	return true
}

// callTool executes one call and folds its text outputs into one result.
func (r *Runner) callTool(ctx context.Context, name, id string, args map[string]any, logger zerolog.Logger, yield func(Response, error) bool) (content string, replied, ok bool) {
	logger = logger.With().Str("tool", name).Str("tool_call_id", id).Logger()

	desc, found := r.req.Tools.Get(name)
	if !found {
		err := fmt.Errorf("%w: %s", toolexecutor.ErrToolNotFound, name)
		logger.Warn().Err(err).Msg("Tool lookup failed")
		return "error: " + err.Error(), false, true
	}

	callCtx := toolexecutor.ContextWithCall(ctx, toolexecutor.CallInfo{
		SessionID: r.req.SessionID,
		CallID:    id,
		ToolName:  name,
	})

	var texts []string
	sent := false
	var failure error
	for out, err := range r.executor.Execute(callCtx, desc, args) {
		if err != nil {
			failure = err
			break
		}
		switch out.Kind {
		case toolexecutor.OutputText:
			texts = append(texts, out.Text)
		case toolexecutor.OutputSend, toolexecutor.OutputReply:
			sent = true
			if out.Kind == toolexecutor.OutputReply {
				replied = true
			}
			chain := out.Chain.WithType(message.ChainToolDirectResult)
			if !yield(Response{Type: ResponseToolCallResult, Chain: chain}, nil) {
				return "", false, false
			}
		}
	}

	switch {
	case failure != nil:
		logger.Warn().Err(failure).Msg("Tool call failed")
		return "error: " + failure.Error(), replied, true
	case len(texts) > 0:
		return strings.Join(texts, "\n"), replied, true
	case sent:
		return sentDirectResult, replied, true
	default:
		return noOutputResult, replied, true
	}
}
