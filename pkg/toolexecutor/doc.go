// Package toolexecutor registers and executes function tools for the agent loop.
//
// Invariants:
// - Tool names are unique; re-adding a name replaces the prior entry.
// - Arguments are schema-validated before execution.
// - A failing tool never aborts the caller; failures surface as errors on the output sequence.
// - MCP server tools are registered only while their server connection is alive.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.Add("echo", []toolexecutor.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		"Echo input", toolexecutor.HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
//			return args["text"], nil
//		}))
//	exec := toolexecutor.NewExecutor(toolexecutor.ExecutorConfig{})
package toolexecutor
