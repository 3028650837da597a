package sessionconfig

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlite}
}

func TestServiceDefaultsAndToggles(t *testing.T) {
	ctx := context.Background()
	nop := zerolog.Nop()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			svc, err := NewService(store, &nop)
			require.NoError(t, err)

			assert.True(t, svc.SessionEnabled(ctx, "console:a"))
			assert.True(t, svc.LLMEnabled(ctx, "console:a"))
			assert.Empty(t, svc.ProviderFor(ctx, "console:a"))
			assert.True(t, svc.PluginEnabled("console:a", "translator"))

			require.NoError(t, svc.SetSessionEnabled(ctx, "console:a", false))
			require.NoError(t, svc.SetLLMEnabled(ctx, "console:a", false))
			require.NoError(t, svc.SetProvider(ctx, "console:a", "anthropic"))
			require.NoError(t, svc.SetPluginEnabled(ctx, "console:a", "translator", false))

			assert.False(t, svc.SessionEnabled(ctx, "console:a"))
			assert.False(t, svc.LLMEnabled(ctx, "console:a"))
			assert.Equal(t, "anthropic", svc.ProviderFor(ctx, "console:a"))
			assert.False(t, svc.PluginEnabled("console:a", "translator"))
			assert.True(t, svc.SessionEnabled(ctx, "console:b"))

			require.NoError(t, svc.SetPluginEnabled(ctx, "console:a", "translator", true))
			assert.True(t, svc.PluginEnabled("console:a", "translator"))

			ids, err := svc.Sessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"console:a"}, ids)
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "s", Settings{ProviderID: "openai", DisabledPlugins: []string{"x"}}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "openai", got.ProviderID)
	assert.Equal(t, []string{"x"}, got.DisabledPlugins)
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.Error(t, err)
}
