// Package coretools registers the built-in local tools: the clock and
// workspace-scoped file access.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/harun/agentloop/pkg/toolexecutor"
)

const defaultMaxReadBytes = 200000

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot bounds every file tool. File tools are skipped when empty.
	WorkspaceRoot string
	// Now overrides the clock.
	Now func() time.Time
}

type toolDef struct {
	name        string
	description string
	params      []toolexecutor.Parameter
	handler     toolexecutor.HandlerFunc
}

// Register adds the core tools to a registry.
func Register(registry *toolexecutor.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tools := []toolDef{currentTimeTool(opts)}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		root, err := filepath.Abs(opts.WorkspaceRoot)
		if err != nil {
			return fmt.Errorf("resolve workspace root: %w", err)
		}
		opts.WorkspaceRoot = filepath.Clean(root)
		tools = append(tools, readFileTool(opts), writeFileTool(opts), editFileTool(opts))
	}

	for _, tool := range tools {
		if err := registry.Add(tool.name, tool.params, tool.description, tool.handler); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.name, err)
		}
	}
	return nil
}

func currentTimeTool(opts Options) toolDef {
	return toolDef{
		name:        "current_time",
		description: "Get the current date and time.",
		params: []toolexecutor.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA time zone, e.g. Europe/Paris (default UTC)"},
		},
		handler: func(ctx context.Context, params map[string]any) (any, error) {
			name, _ := params["timezone"].(string)
			name = strings.TrimSpace(name)
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			now := opts.Now().In(loc)
			return map[string]any{
				"timezone": name,
				"time":     now.Format(time.RFC3339),
				"weekday":  now.Weekday().String(),
			}, nil
		},
	}
}

func readFileTool(opts Options) toolDef {
	return toolDef{
		name:        "read_file",
		description: "Read a file from the workspace.",
		params: []toolexecutor.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Default: defaultMaxReadBytes},
		},
		handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultMaxReadBytes)
			if raw, ok := toNumber(params["max_bytes"]); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]any{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) toolDef {
	return toolDef{
		name:        "write_file",
		description: "Write content to a file in the workspace.",
		params: []toolexecutor.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)"},
		},
		handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flags := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			file, err := os.OpenFile(target, flags, 0644)
			if err != nil {
				return nil, err
			}
			defer file.Close()

			if _, err := io.WriteString(file, content); err != nil {
				return nil, err
			}

			return map[string]any{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts Options) toolDef {
	return toolDef{
		name:        "edit_file",
		description: "Replace text in a workspace file.",
		params: []toolexecutor.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
		},
		handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)
			count := strings.Count(content, search)
			if count == 0 {
				return nil, fmt.Errorf("search text not found")
			}
			if count > 1 && !replaceAll {
				return nil, fmt.Errorf("search text found %d times; set replace_all to replace every occurrence", count)
			}

			n := 1
			if replaceAll {
				n = -1
			}
			updated := strings.Replace(content, search, replace, n)
			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}

			replaced := 1
			if replaceAll {
				replaced = count
			}
			return map[string]any{
				"path":     pathValue,
				"replaced": replaced,
			}, nil
		},
	}
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

// resolvePathInWorkspace maps a tool path into the workspace root and
// rejects anything that escapes it.
func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
