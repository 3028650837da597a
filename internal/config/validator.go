package config

import (
	"fmt"
	"slices"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if slices.Contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateHookEvent validates a hook event name
func (v *Validator) ValidateHookEvent(event string) error {
	if slices.Contains(hookEvents, event) {
		return nil
	}
	return fmt.Errorf("invalid hook event: %s (must be one of: %s)", event, strings.Join(hookEvents, ", "))
}

// ValidateConfig performs comprehensive validation and reports every problem
// instead of stopping at the first one.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, p := range cfg.Providers {
		// Custom base URLs often front local servers with arbitrary keys.
		if p.BaseURL == "" {
			if err := v.ValidateAPIKey(p.APIKey, p.Type); err != nil {
				errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			}
		}
		if p.Temperature != 0 {
			if err := v.ValidateTemperature(p.Temperature); err != nil {
				errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			}
		}
		if p.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(p.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			}
		}
	}

	if cfg.Agent.QueueWarnMs < 0 {
		errors = append(errors, fmt.Errorf("agent.queue_warn_ms must be >= 0"))
	}

	if cfg.Hooks.Enabled {
		ids := make(map[string]bool)
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if hook.ID != "" {
				if ids[hook.ID] {
					errors = append(errors, fmt.Errorf("hook %d: duplicate id %s", i, hook.ID))
				}
				ids[hook.ID] = true
			}
			if err := v.ValidateHookEvent(strings.TrimSpace(hook.Event)); err != nil {
				errors = append(errors, fmt.Errorf("hook %d: %w", i, err))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errors = append(errors, fmt.Errorf("hook %d: script is required", i))
			}
			if hook.Timeout < 0 {
				errors = append(errors, fmt.Errorf("hook %d: timeout must be >= 0", i))
			}
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
