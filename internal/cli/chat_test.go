package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCommand(t *testing.T) {
	t.Run("exits on /exit", func(t *testing.T) {
		path, _ := writeConfig(t, nil)

		out, err := execute(t, "/exit\n", "--config", path, "chat", "--user", "alice")
		require.NoError(t, err)
		assert.Contains(t, out, "> ")
	})

	t.Run("exits on end of input", func(t *testing.T) {
		path, _ := writeConfig(t, nil)

		_, err := execute(t, "", "--config", path, "chat", "--no-watch")
		require.NoError(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		path, _ := writeConfig(t, func(c map[string]any) {
			c["providers"] = []map[string]any{}
		})

		_, err := execute(t, "", "--config", path, "chat")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider")
	})

	t.Run("metrics listener", func(t *testing.T) {
		path, _ := writeConfig(t, nil)

		_, err := execute(t, "/exit\n", "--config", path, "chat", "--metrics-addr", "127.0.0.1:0")
		require.NoError(t, err)
	})
}
