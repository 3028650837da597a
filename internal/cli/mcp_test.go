package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/toolexecutor"
)

func TestMCPCommands(t *testing.T) {
	path, dir := writeConfig(t, nil)
	mcpFile := filepath.Join(dir, "mcp_server.json")

	out, err := execute(t, "", "--config", path, "mcp", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no MCP servers configured")
	assert.FileExists(t, mcpFile, "list creates an empty file")

	_, err = execute(t, "", "--config", path, "mcp", "add", "weather",
		"--command", "weather-mcp", "--arg", "--units", "--arg", "metric", "--env", "API_KEY=abc")
	require.NoError(t, err)

	file, err := toolexecutor.LoadMCPFile(mcpFile)
	require.NoError(t, err)
	require.Contains(t, file.MCPServers, "weather")
	server := file.MCPServers["weather"]
	assert.Equal(t, "weather-mcp", server.Command)
	assert.Equal(t, []string{"--units", "metric"}, server.Args)
	assert.Equal(t, map[string]string{"API_KEY": "abc"}, server.Env)
	assert.True(t, server.IsActive())

	_, err = execute(t, "", "--config", path, "mcp", "add", "search", "--url", "http://localhost:9000/mcp")
	require.NoError(t, err)

	_, err = execute(t, "", "--config", path, "mcp", "off", "weather")
	require.NoError(t, err)

	out, err = execute(t, "", "--config", path, "mcp", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "weather-mcp --units metric")
	assert.Contains(t, out, "http://localhost:9000/mcp")

	file, err = toolexecutor.LoadMCPFile(mcpFile)
	require.NoError(t, err)
	assert.False(t, file.MCPServers["weather"].IsActive())

	_, err = execute(t, "", "--config", path, "mcp", "on", "weather")
	require.NoError(t, err)
	file, err = toolexecutor.LoadMCPFile(mcpFile)
	require.NoError(t, err)
	assert.True(t, file.MCPServers["weather"].IsActive())

	_, err = execute(t, "", "--config", path, "mcp", "remove", "search")
	require.NoError(t, err)
	file, err = toolexecutor.LoadMCPFile(mcpFile)
	require.NoError(t, err)
	assert.NotContains(t, file.MCPServers, "search")
}

func TestMCPCommandErrors(t *testing.T) {
	path, _ := writeConfig(t, nil)

	t.Run("add needs exactly one target", func(t *testing.T) {
		_, err := execute(t, "", "--config", path, "mcp", "add", "x")
		assert.Error(t, err)

		_, err = execute(t, "", "--config", path, "mcp", "add", "x", "--command", "a", "--url", "http://b")
		assert.Error(t, err)
	})

	t.Run("unknown server", func(t *testing.T) {
		_, err := execute(t, "", "--config", path, "mcp", "remove", "ghost")
		assert.Error(t, err)

		_, err = execute(t, "", "--config", path, "mcp", "off", "ghost")
		assert.Error(t, err)

		_, err = execute(t, "", "--config", path, "mcp", "test", "ghost")
		assert.Error(t, err)
	})

	t.Run("bad env entry", func(t *testing.T) {
		_, err := execute(t, "", "--config", path, "mcp", "add", "x", "--command", "a", "--env", "novalue")
		assert.Error(t, err)
	})
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv(nil)
	require.NoError(t, err)
	assert.Nil(t, env)

	env, err = parseEnv([]string{"A=1", "B=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, env)

	_, err = parseEnv([]string{"=1"})
	assert.Error(t, err)
}
