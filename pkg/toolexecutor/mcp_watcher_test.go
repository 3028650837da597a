package toolexecutor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCPWatcher_ReloadsOnChange(t *testing.T) {
	conn := newFakeConnector()
	conn.add("a", "a_tool")
	reg, mgr := newTestManager(conn)

	path := filepath.Join(t.TempDir(), "mcp_server.json")
	require.NoError(t, SaveMCPFile(path, &MCPFile{MCPServers: map[string]ServerConfig{}}))

	reloaded := make(chan error, 4)
	w, err := NewMCPWatcher(MCPWatcherConfig{
		Path:               path,
		Manager:            mgr,
		StabilityThreshold: 20 * time.Millisecond,
		OnReload:           func(err error) { reloaded <- err },
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, SaveMCPFile(path, &MCPFile{MCPServers: map[string]ServerConfig{"a": {Command: "a"}}}))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
	assert.Equal(t, []string{"a_tool"}, reg.Names())
}

func TestMCPWatcher_RequiresManager(t *testing.T) {
	_, err := NewMCPWatcher(MCPWatcherConfig{Path: "x"})
	assert.Error(t, err)
}
