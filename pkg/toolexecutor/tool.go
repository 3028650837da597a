package toolexecutor

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/harun/agentloop/pkg/message"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrToolNotFound is returned when a tool name is not registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrToolTimeout is returned when a tool exceeds its execution timeout.
	ErrToolTimeout = errors.New("tool execution timeout")
	// ErrProxyConnection is returned when an MCP server cannot be connected.
	ErrProxyConnection = errors.New("mcp server connection failed")
	// ErrProxyTimeout is returned when enabling or disabling an MCP server times out.
	ErrProxyTimeout = errors.New("mcp server operation timed out")
)

// Origin identifies where a tool is executed
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "mcp"
)

// OutputKind classifies one item produced by a running tool
type OutputKind int

const (
	// OutputText is folded into the tool result block returned to the model.
	OutputText OutputKind = iota
	// OutputSend is pushed to the user immediately; the run continues.
	OutputSend
	// OutputReply is pushed to the user immediately and ends the run after the batch.
	OutputReply
)

// Output is one item produced while a tool runs
type Output struct {
	Kind  OutputKind
	Text  string
	Chain message.Chain
}

// TextOutput wraps text for the tool result block.
func TextOutput(text string) Output {
	return Output{Kind: OutputText, Text: text}
}

// SendOutput wraps a chain to be sent to the user without ending the run.
func SendOutput(chain message.Chain) Output {
	return Output{Kind: OutputSend, Chain: chain}
}

// ReplyOutput wraps a chain the tool sends as its own reply to the user.
func ReplyOutput(chain message.Chain) Output {
	return Output{Kind: OutputReply, Chain: chain}
}

// Tool executes a call and yields zero or more outputs, then completes.
// A non-nil error ends the sequence.
type Tool interface {
	Execute(ctx context.Context, args map[string]any) iter.Seq2[Output, error]
}

// Parameter defines a single tool parameter
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Descriptor describes one callable tool
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Origin      Origin         `json:"origin"`
	ServerName  string         `json:"server_name,omitempty"`
	Active      bool           `json:"active"`
	Timeout     time.Duration  `json:"-"`
	Tool        Tool           `json:"-"`

	schema *gojsonschema.Schema
}

// ParametersSchema builds the object schema for a parameter list.
func ParametersSchema(params []Parameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(params map[string]any) (*gojsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
}
