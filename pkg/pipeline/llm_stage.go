package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/hooks"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/sessionconfig"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

const defaultMaxStep = 10

// LLMConfig holds the agent run settings of the LLM stage.
type LLMConfig struct {
	MaxStep     int
	Streaming   bool
	ShowToolUse bool
	// MaxContextLength is the number of prior turns kept. -1 or 0 keeps all.
	MaxContextLength int
	// DequeueContextLength turns are dropped each time the limit is exceeded.
	DequeueContextLength int
	SystemPrompt         string
	// WakePrefix, when set, must start a message for the LLM to answer.
	WakePrefix string
}

// LLMRequestStageConfig holds the stage dependencies.
type LLMRequestStageConfig struct {
	LLMConfig
	Providers     *provider.Manager
	Tools         *toolexecutor.Registry
	Executor      agent.ToolExecutor
	Conversations *conversation.Manager
	Settings      *sessionconfig.Service
	Hooks         *hooks.Manager
	Logger        *zerolog.Logger
}

// LLMRequestStage answers a message through the agent run loop.
type LLMRequestStage struct {
	cfg    LLMConfig
	deps   LLMRequestStageConfig
	logger zerolog.Logger
}

// NewLLMRequestStage creates the LLM stage.
func NewLLMRequestStage(cfg LLMRequestStageConfig) (*LLMRequestStage, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider manager is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("conversation manager is required")
	}

	s := &LLMRequestStage{cfg: cfg.LLMConfig, deps: cfg, logger: log.Logger}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	if s.cfg.MaxStep <= 0 {
		s.cfg.MaxStep = defaultMaxStep
	}
	return s, nil
}

func (s *LLMRequestStage) Name() string { return "llm_request" }

func (s *LLMRequestStage) Process(ctx context.Context, ev *Event) error {
	sessionID := ev.SessionID()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_id", sessionID).Logger()

	if s.deps.Settings != nil && !s.deps.Settings.LLMEnabled(ctx, sessionID) {
		logger.Debug().Msg("LLM disabled for session")
		return nil
	}

	var prov provider.Provider
	if s.deps.Settings != nil {
		prov = s.deps.Providers.Select(s.deps.Settings.ProviderFor(ctx, sessionID))
	} else {
		prov = s.deps.Providers.Default()
	}
	if prov == nil {
		logger.Warn().Msg("No LLM provider configured")
		return nil
	}
	ctx = tracing.WithProviderID(ctx, prov.ID())
	logger = logger.With().Str("provider_id", prov.ID()).Logger()

	text := ev.Text()
	if s.cfg.WakePrefix != "" {
		if !strings.HasPrefix(text, s.cfg.WakePrefix) {
			return nil
		}
		text = strings.TrimPrefix(text, s.cfg.WakePrefix)
	}
	text = strings.TrimSpace(text)
	images := ev.Message().ImageURLs
	if text == "" && len(images) == 0 {
		return nil
	}

	conv, err := s.deps.Conversations.GetOrCreate(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	req := &provider.Request{
		Prompt:         text,
		ImageURLs:      append([]string(nil), images...),
		Contexts:       append([]provider.Message(nil), conv.History...),
		SystemPrompt:   s.cfg.SystemPrompt,
		Tools:          s.deps.Tools.Snapshot(),
		SessionID:      sessionID,
		ConversationID: conv.ID,
	}

	if s.deps.Hooks.Call(ctx, ev, hooks.OnLLMRequest, req) {
		return nil
	}

	req.Contexts = FixMessages(TruncateContexts(req.Contexts, s.cfg.MaxContextLength, s.cfg.DequeueContextLength))

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Provider: prov,
		Executor: s.deps.Executor,
		OnResponse: func(ctx context.Context, resp *provider.Response) {
			s.deps.Hooks.Call(ctx, ev, hooks.OnLLMResponse, resp)
		},
		Logger: &logger,
	})
	if err != nil {
		return err
	}
	if err := runner.Reset(req, s.cfg.Streaming); err != nil {
		return err
	}

	logger.Debug().
		Str("conversation_id", conv.ID).
		Int("contexts", len(req.Contexts)).
		Int("tools", len(req.Tools.Active())).
		Msg("Handling LLM request")

	if err := RunLoop(ctx, ev, runner, s.cfg.MaxStep, s.cfg.Streaming, s.cfg.ShowToolUse); err != nil {
		// Already reported to the user; the turn is not persisted.
		return nil
	}

	if err := saveHistory(ctx, s.deps.Conversations, req, runner.FinalResponse()); err != nil {
		logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to save conversation history")
	}
	return nil
}

// TruncateContexts keeps the most recent turns once the history holds more
// than maxTurns user/assistant pairs, dropping dequeue turns beyond the limit.
// The result starts at a user message.
func TruncateContexts(contexts []provider.Message, maxTurns, dequeue int) []provider.Message {
	if maxTurns <= 0 || len(contexts)/2 <= maxTurns {
		return contexts
	}
	dequeue = min(max(1, dequeue), maxTurns-1)
	keep := (maxTurns - dequeue + 1) * 2
	if keep < len(contexts) {
		contexts = contexts[len(contexts)-keep:]
	}
	for i, m := range contexts {
		if m.Role == provider.RoleUser {
			return contexts[i:]
		}
	}
	return contexts
}

// FixMessages drops tool results that no longer follow the assistant message
// announcing them, which truncation can leave behind.
func FixMessages(contexts []provider.Message) []provider.Message {
	fixed := make([]provider.Message, 0, len(contexts))
	pending := map[string]bool{}
	for _, m := range contexts {
		switch {
		case m.Role == provider.RoleTool:
			if len(fixed) < 2 {
				fixed = fixed[:0]
				clear(pending)
				continue
			}
			if !pending[m.ToolCallID] {
				continue
			}
			delete(pending, m.ToolCallID)
			fixed = append(fixed, m)
		case m.Role == provider.RoleAssistant && len(m.ToolCalls) > 0:
			clear(pending)
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
			fixed = append(fixed, m)
		default:
			clear(pending)
			fixed = append(fixed, m)
		}
	}
	return fixed
}
