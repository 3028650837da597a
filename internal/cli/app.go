package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/commandqueue"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/coretools"
	"github.com/harun/agentloop/pkg/hooks"
	"github.com/harun/agentloop/pkg/pipeline"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/sessionconfig"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

// app holds the wired components of one agentloop process.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger *zerolog.Logger

	providers     *provider.Manager
	tools         *toolexecutor.Registry
	executor      *toolexecutor.Executor
	mcp           *toolexecutor.MCPManager
	watcher       *toolexecutor.MCPWatcher
	conversations *conversation.Manager
	settings      *sessionconfig.Service
	hooks         *hooks.Manager
	queue         *commandqueue.CommandQueue
	scheduler     *pipeline.Scheduler

	closers []func(context.Context) error
}

type appOptions struct {
	// Watch follows MCP file changes while running.
	Watch bool
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// newProviders builds every configured provider and selects the default.
func newProviders(cfg *config.Config) (*provider.Manager, error) {
	m := provider.NewManager()
	for _, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			m.Register(provider.NewOpenAIProvider(provider.OpenAIConfig{
				ID: p.ID, APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model,
				MaxTokens: p.MaxTokens, Temperature: p.Temperature,
			}))
		case "anthropic":
			m.Register(provider.NewAnthropicProvider(provider.AnthropicConfig{
				ID: p.ID, APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model,
				MaxTokens: p.MaxTokens, Temperature: p.Temperature,
			}))
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", p.ID, p.Type)
		}
	}
	if cfg.Agent.DefaultProvider != "" {
		if err := m.SetDefault(cfg.Agent.DefaultProvider); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// newTools builds the registry with the built-in tools and an MCP manager
// bound to it. Servers are not started here.
func newTools(cfg *config.Config, lg *zerolog.Logger) (*toolexecutor.Registry, *toolexecutor.MCPManager, error) {
	registry := toolexecutor.NewRegistry()
	registry.Deactivate(cfg.Agent.DisabledTools...)
	if err := coretools.Register(registry, coretools.Options{WorkspaceRoot: cfg.WorkspacePath}); err != nil {
		return nil, nil, fmt.Errorf("register core tools: %w", err)
	}
	mcpLogger := lg.With().Str("component", "mcp").Logger()
	mgr := toolexecutor.NewMCPManager(registry, toolexecutor.MCPManagerConfig{
		Connector: &toolexecutor.MCPConnector{
			ClientName:    "agentloop",
			ClientVersion: version,
			Logger:        &mcpLogger,
		},
		EnableTimeout:  time.Duration(cfg.MCP.EnableTimeout) * time.Second,
		DisableTimeout: time.Duration(cfg.MCP.DisableTimeout) * time.Second,
		Logger:         &mcpLogger,
	})
	return registry, mgr, nil
}

func newConversations(cfg *config.Config, lg *zerolog.Logger) (*conversation.Manager, error) {
	var store conversation.Store
	switch cfg.Storage.Backend {
	case "jsonl":
		s, err := conversation.NewJSONLStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		s, err := conversation.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		store = s
	}
	return conversation.NewManager(conversation.ManagerConfig{
		Store:   store,
		Backend: cfg.Storage.Backend,
		Logger:  lg,
	})
}

func newSettings(cfg *config.Config, lg *zerolog.Logger) (*sessionconfig.Service, error) {
	var store sessionconfig.Store
	if cfg.Storage.Backend == "sqlite" {
		s, err := sessionconfig.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		store = sessionconfig.NewMemoryStore()
	}
	return sessionconfig.NewService(store, lg)
}

func newHooks(cfg *config.Config, settings *sessionconfig.Service, lg *zerolog.Logger) (*hooks.Manager, error) {
	entries := make([]hooks.Hook, 0, len(cfg.Hooks.Entries))
	for _, h := range cfg.Hooks.Entries {
		entries = append(entries, hooks.Hook{
			ID:       h.ID,
			Event:    h.Event,
			Script:   h.Script,
			Timeout:  time.Duration(h.Timeout) * time.Second,
			Enabled:  h.Enabled,
			Priority: h.Priority,
		})
	}
	return hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Hooks:   entries,
		Filter:  settings,
		Logger:  *lg,
	})
}

// newApp wires the full turn pipeline. Close must be called on success.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lg, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a = &app{cfg: cfg, log: lg, logger: lg.GetZerolog()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()
	a.closers = append(a.closers, func(context.Context) error { return lg.Close() })

	if cfg.Telemetry.Tracing {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
		})
		if err != nil {
			return a, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	if a.providers, err = newProviders(cfg); err != nil {
		return a, err
	}

	if a.tools, a.mcp, err = newTools(cfg, a.logger); err != nil {
		return a, err
	}
	a.closers = append(a.closers, func(ctx context.Context) error {
		return a.mcp.DisableAll(ctx, 0)
	})
	if err := a.mcp.InitFromFile(ctx, cfg.MCP.ConfigFile); err != nil {
		// A broken server must not keep the local tools from working.
		a.logger.Warn().Err(err).Str("path", cfg.MCP.ConfigFile).Msg("Some MCP servers failed to start")
	}
	if opts.Watch && cfg.MCP.Watch {
		a.watcher, err = toolexecutor.NewMCPWatcher(toolexecutor.MCPWatcherConfig{
			Path:    cfg.MCP.ConfigFile,
			Manager: a.mcp,
			OnReload: func(err error) {
				if err != nil {
					a.logger.Warn().Err(err).Msg("MCP reload finished with errors")
				}
			},
		})
		if err != nil {
			return a, err
		}
		if err := a.watcher.Start(); err != nil {
			return a, fmt.Errorf("watch mcp file: %w", err)
		}
		// Registered after DisableAll so it runs first.
		a.closers = append(a.closers, func(context.Context) error { return a.watcher.Stop() })
	}

	a.executor = toolexecutor.NewExecutor(toolexecutor.ExecutorConfig{
		Timeout: time.Duration(cfg.Agent.ToolTimeout) * time.Second,
		Logger:  a.logger,
	})

	if a.conversations, err = newConversations(cfg, a.logger); err != nil {
		return a, fmt.Errorf("open conversation store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.conversations.Close() })

	if a.settings, err = newSettings(cfg, a.logger); err != nil {
		return a, fmt.Errorf("open session settings: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.settings.Close() })

	if a.hooks, err = newHooks(cfg, a.settings, a.logger); err != nil {
		return a, err
	}

	llm, err := pipeline.NewLLMRequestStage(pipeline.LLMRequestStageConfig{
		LLMConfig: pipeline.LLMConfig{
			MaxStep:              cfg.Agent.MaxStep,
			Streaming:            cfg.Agent.Streaming,
			ShowToolUse:          cfg.Agent.ShowToolUse,
			MaxContextLength:     cfg.Agent.MaxContextLength,
			DequeueContextLength: cfg.Agent.DequeueContextLength,
			SystemPrompt:         cfg.Agent.SystemPrompt,
			WakePrefix:           cfg.Agent.WakePrefix,
		},
		Providers:     a.providers,
		Tools:         a.tools,
		Executor:      a.executor,
		Conversations: a.conversations,
		Settings:      a.settings,
		Hooks:         a.hooks,
		Logger:        a.logger,
	})
	if err != nil {
		return a, err
	}
	p := pipeline.New(a.logger, &pipeline.SessionStatusStage{Settings: a.settings}, llm)

	a.queue = commandqueue.New(commandqueue.Config{Logger: a.logger})
	a.closers = append(a.closers, func(context.Context) error { return a.queue.Close() })

	a.scheduler, err = pipeline.NewScheduler(pipeline.SchedulerConfig{
		Pipeline:  p,
		Queue:     a.queue,
		WarnAfter: time.Duration(cfg.Agent.QueueWarnMs) * time.Millisecond,
		Logger:    a.logger,
	})
	if err != nil {
		return a, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
