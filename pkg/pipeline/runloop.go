package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/message"
	"github.com/harun/agentloop/pkg/provider"
)

// RunLoop steps the runner until it is done or maxStep round trips ran,
// forwarding agent responses to the event sink. A failure sends one error
// message to the user and is returned.
func RunLoop(ctx context.Context, ev *Event, runner *agent.Runner, maxStep int, streaming, showToolUse bool) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_id", ev.SessionID()).Logger()

	steps := 0
	status := "done"
	defer func() { observability.RecordRunLoop(status, steps) }()

	for steps < maxStep {
		steps++
		if err := runStep(ctx, ev, runner, streaming, showToolUse); err != nil {
			status = "aborted"
			logger.Error().Err(err).Int("step", steps).Msg("Agent run failed")
			notice := message.Text(fmt.Sprintf("Request failed.\nError: %v", err)).WithType(message.ChainErr)
			if sendErr := ev.Send(context.WithoutCancel(ctx), notice); sendErr != nil {
				logger.Error().Err(sendErr).Msg("Failed to deliver failure notice")
			}
			return err
		}
		if ev.Stopped() {
			status = "stopped"
			return nil
		}
		if runner.Done() {
			break
		}
	}

	if !runner.Done() {
		status = "budget_exhausted"
		logger.Warn().Int("max_step", maxStep).Msg("Agent step budget exhausted")
	} else if runner.State() == agent.StateError {
		status = "error"
	}

	if streaming {
		finish := message.Chain{Type: message.ChainStreamingFinish}
		if final := runner.FinalResponse(); runner.Done() && final != nil {
			finish = final.Chain().WithType(message.ChainStreamingFinish)
		}
		if err := ev.Send(ctx, finish); err != nil {
			status = "aborted"
			return fmt.Errorf("send streaming finish: %w", err)
		}
	}
	return nil
}

func runStep(ctx context.Context, ev *Event, runner *agent.Runner, streaming, showToolUse bool) error {
	stream, err := runner.Step(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		resp, err := stream.Next()
		if errors.Is(err, agent.ErrStepDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if ev.Stopped() {
			return nil
		}
		if err := forward(ctx, ev, resp, streaming, showToolUse); err != nil {
			return fmt.Errorf("send %s: %w", resp.Type, err)
		}
	}
}

func forward(ctx context.Context, ev *Event, resp agent.Response, streaming, showToolUse bool) error {
	switch resp.Type {
	case agent.ResponseToolCallResult:
		if resp.Chain.Type == message.ChainToolDirectResult || showToolUse {
			return ev.Send(ctx, resp.Chain)
		}
		return nil
	case agent.ResponseToolCall:
		if streaming {
			if err := ev.Send(ctx, message.Chain{Type: message.ChainBreak}); err != nil {
				return err
			}
		}
		if showToolUse {
			return ev.Send(ctx, resp.Chain)
		}
		return nil
	case agent.ResponseStreamingDelta:
		if streaming {
			return ev.Send(ctx, resp.Chain)
		}
		return nil
	case agent.ResponseLLMResult:
		// Streamed text already went out as deltas.
		if streaming || resp.Chain.IsEmpty() {
			return nil
		}
		return ev.Send(ctx, resp.Chain)
	case agent.ResponseErr:
		return ev.Send(ctx, resp.Chain)
	}
	return nil
}

// HistoryFor renders the conversation after a turn: prior contexts, the user
// message, every tool round trip and the final assistant reply (omitted when a
// tool replied to the user directly). It returns
// nil when the final response is not an assistant reply.
func HistoryFor(req *provider.Request, final *provider.Response) []provider.Message {
	if req == nil || final == nil || final.Role != provider.RoleAssistant {
		return nil
	}
	history := make([]provider.Message, 0, len(req.Contexts)+2)
	history = append(history, req.Contexts...)
	history = append(history, req.UserMessage())
	for _, round := range req.ToolCallsResults {
		history = append(history, round.Messages()...)
	}
	// A run ended by a tool reply already recorded the tool-call message.
	if !final.HasToolCalls() {
		history = append(history, provider.Message{Role: provider.RoleAssistant, Content: final.CompletionText})
	}
	return conversation.FilterSaved(history)
}

func saveHistory(ctx context.Context, conversations *conversation.Manager, req *provider.Request, final *provider.Response) error {
	history := HistoryFor(req, final)
	if history == nil || req.ConversationID == "" {
		return nil
	}
	return conversations.SaveHistory(ctx, req.SessionID, req.ConversationID, history)
}
