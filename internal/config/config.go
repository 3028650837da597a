package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Config represents the main agentloop configuration
type Config struct {
	// Agent run loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// LLM providers
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Remote tool servers
	MCP MCPConfig `json:"mcp" mapstructure:"mcp"`

	// Conversation and session storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Telemetry
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path the file tools are confined to
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// AgentConfig holds run loop settings
type AgentConfig struct {
	MaxStep              int    `json:"max_step" mapstructure:"max_step"`
	Streaming            bool   `json:"streaming" mapstructure:"streaming"`
	ShowToolUse          bool   `json:"show_tool_use" mapstructure:"show_tool_use"`
	MaxContextLength     int    `json:"max_context_length" mapstructure:"max_context_length"` // turns, -1 unlimited
	DequeueContextLength int    `json:"dequeue_context_length" mapstructure:"dequeue_context_length"`
	SystemPrompt         string `json:"system_prompt" mapstructure:"system_prompt"`
	DefaultProvider      string `json:"default_provider" mapstructure:"default_provider"`
	WakePrefix           string `json:"wake_prefix" mapstructure:"wake_prefix"`
	ToolTimeout          int    `json:"tool_timeout" mapstructure:"tool_timeout"`   // seconds
	QueueWarnMs          int    `json:"queue_warn_ms" mapstructure:"queue_warn_ms"` // session lane wait warning

	DisabledTools []string `json:"disabled_tools,omitempty" mapstructure:"disabled_tools"`
}

// ProviderConfig represents an LLM provider
type ProviderConfig struct {
	ID          string  `json:"id" mapstructure:"id"`
	Type        string  `json:"type" mapstructure:"type"` // openai, anthropic
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Model       string  `json:"model" mapstructure:"model"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
}

// MCPConfig holds remote tool server settings
type MCPConfig struct {
	ConfigFile     string `json:"config_file" mapstructure:"config_file"`
	EnableTimeout  int    `json:"enable_timeout" mapstructure:"enable_timeout"`   // seconds
	DisableTimeout int    `json:"disable_timeout" mapstructure:"disable_timeout"` // seconds
	Watch          bool   `json:"watch" mapstructure:"watch"`
}

// StorageConfig selects the conversation backend
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // sqlite, jsonl
	Path    string `json:"path" mapstructure:"path"`
}

// HooksConfig holds shell hook configuration
type HooksConfig struct {
	Enabled bool        `json:"enabled" mapstructure:"enabled"`
	Entries []HookEntry `json:"entries" mapstructure:"entries"`
}

// HookEntry defines one shell hook
type HookEntry struct {
	ID       string `json:"id" mapstructure:"id"`
	Event    string `json:"event" mapstructure:"event"` // on_llm_request, on_llm_response
	Script   string `json:"script" mapstructure:"script"`
	Timeout  int    `json:"timeout" mapstructure:"timeout"` // seconds
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig holds tracing and metrics settings
type TelemetryConfig struct {
	Tracing     bool   `json:"tracing" mapstructure:"tracing"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
}

var (
	providerTypes   = []string{"openai", "anthropic"}
	storageBackends = []string{"sqlite", "jsonl"}
	hookEvents      = []string{"on_llm_request", "on_llm_response"}
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxStep:              10,
			Streaming:            false,
			ShowToolUse:          true,
			MaxContextLength:     -1,
			DequeueContextLength: 1,
			ToolTimeout:          30,
			QueueWarnMs:          2000,
		},
		Providers: []ProviderConfig{},
		MCP: MCPConfig{
			EnableTimeout:  20,
			DisableTimeout: 10,
			Watch:          true,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentloop",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Provider returns the provider with the given id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no LLM provider configured: at least one provider is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: ID is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate ID", p.ID)
		}
		seen[p.ID] = true
		if !slices.Contains(providerTypes, p.Type) {
			return fmt.Errorf("provider %s: invalid type %q (must be: %s)", p.ID, p.Type, strings.Join(providerTypes, ", "))
		}
		if p.APIKey == "" && p.BaseURL == "" {
			return fmt.Errorf("provider %s: api_key is required", p.ID)
		}
	}
	if c.Agent.DefaultProvider != "" && !seen[c.Agent.DefaultProvider] {
		return fmt.Errorf("default provider %s is not configured", c.Agent.DefaultProvider)
	}

	if c.Agent.MaxStep < 1 {
		return fmt.Errorf("agent.max_step must be >= 1")
	}
	if c.Agent.MaxContextLength == 0 || c.Agent.MaxContextLength < -1 {
		return fmt.Errorf("agent.max_context_length must be -1 (unlimited) or positive")
	}
	if c.Agent.DequeueContextLength < 0 {
		return fmt.Errorf("agent.dequeue_context_length must be >= 0")
	}
	if c.Agent.ToolTimeout < 0 {
		return fmt.Errorf("agent.tool_timeout must be >= 0")
	}

	if !slices.Contains(storageBackends, c.Storage.Backend) {
		return fmt.Errorf("invalid storage backend %q (must be: %s)", c.Storage.Backend, strings.Join(storageBackends, ", "))
	}
	if c.MCP.EnableTimeout < 0 || c.MCP.DisableTimeout < 0 {
		return fmt.Errorf("mcp timeouts must be >= 0")
	}

	return nil
}
