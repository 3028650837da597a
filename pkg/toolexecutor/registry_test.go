package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, args map[string]any) (any, error) {
	return args["text"], nil
}

func TestRegistry_Add(t *testing.T) {
	reg := NewRegistry()

	err := reg.Add("echo", []Parameter{
		{Name: "text", Type: "string", Description: "text to echo", Required: true},
	}, "Echo input", HandlerFunc(echoHandler))
	require.NoError(t, err)

	desc, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, OriginLocal, desc.Origin)
	assert.True(t, desc.Active)
	assert.Equal(t, "object", desc.Parameters["type"])
	assert.Equal(t, []string{"text"}, desc.Parameters["required"])
}

func TestRegistry_AddSameNameTwice(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Add("tool", nil, "first", HandlerFunc(echoHandler)))
	require.NoError(t, reg.Add("other", nil, "other", HandlerFunc(echoHandler)))
	require.NoError(t, reg.Add("tool", nil, "second", HandlerFunc(echoHandler)))

	assert.Equal(t, 2, reg.Len())
	desc, ok := reg.Get("tool")
	require.True(t, ok)
	assert.Equal(t, "second", desc.Description)
	assert.Equal(t, []string{"other", "tool"}, reg.Names())
}

func TestRegistry_AddInvalid(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name    string
		tool    string
		handler any
	}{
		{name: "empty name", tool: "", handler: HandlerFunc(echoHandler)},
		{name: "nil handler", tool: "x", handler: nil},
		{name: "wrong handler type", tool: "x", handler: func() {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, reg.Add(tt.tool, nil, "desc", tt.handler))
		})
	}
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_AcceptsPlainFuncLiterals(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Add("plain", nil, "plain", func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	}))
	require.NoError(t, reg.Add("step", nil, "step", func(ctx context.Context, args map[string]any, yield func(Output) bool) error {
		yield(TextOutput("ok"))
		return nil
	}))
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_RemoveAndRemoveServer(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("local", nil, "local", HandlerFunc(echoHandler)))
	require.NoError(t, reg.AddTool(&Descriptor{Name: "a", Origin: OriginRemote, ServerName: "s1", Active: true, Tool: NewRemoteTool("s1", "a", nil)}))
	require.NoError(t, reg.AddTool(&Descriptor{Name: "b", Origin: OriginRemote, ServerName: "s2", Active: true, Tool: NewRemoteTool("s2", "b", nil)}))

	assert.Equal(t, 1, reg.RemoveServer("s1"))
	assert.Equal(t, []string{"local", "b"}, reg.Names())

	assert.True(t, reg.Remove("local"))
	assert.False(t, reg.Remove("local"))

	assert.Equal(t, 1, reg.RemoveServer(""))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("a", nil, "a", HandlerFunc(echoHandler)))

	snap := reg.Snapshot()
	require.NoError(t, reg.SetActive("a", false))
	require.NoError(t, reg.Add("b", nil, "b", HandlerFunc(echoHandler)))

	desc, ok := snap.Get("a")
	require.True(t, ok)
	assert.True(t, desc.Active)
	_, ok = snap.Get("b")
	assert.False(t, ok)
	assert.Len(t, snap.Active(), 1)

	assert.Len(t, reg.Snapshot().Active(), 1)
	assert.ErrorIs(t, reg.SetActive("missing", true), ErrToolNotFound)
}

func TestRegistry_RemoteSchemaCompileFailureIsTolerated(t *testing.T) {
	reg := NewRegistry()
	err := reg.AddTool(&Descriptor{
		Name:       "weird",
		Origin:     OriginRemote,
		ServerName: "s",
		Parameters: map[string]any{"type": "not-a-type"},
		Tool:       NewRemoteTool("s", "weird", nil),
	})
	require.NoError(t, err)

	err = reg.AddTool(&Descriptor{
		Name:       "weird_local",
		Parameters: map[string]any{"type": "not-a-type"},
		Tool:       &LocalTool{handler: echoHandler},
	})
	assert.Error(t, err)
}

func TestRegistry_DeactivateSurvivesReregistration(t *testing.T) {
	reg := NewRegistry()
	reg.Deactivate("late")
	require.NoError(t, reg.Add("late", nil, "late", HandlerFunc(echoHandler)))

	desc, ok := reg.Get("late")
	require.True(t, ok)
	assert.False(t, desc.Active)

	require.NoError(t, reg.SetActive("late", true))
	require.NoError(t, reg.Add("late", nil, "again", HandlerFunc(echoHandler)))
	desc, _ = reg.Get("late")
	assert.True(t, desc.Active)

	require.NoError(t, reg.SetActive("late", false))
	require.NoError(t, reg.Add("late", nil, "again", HandlerFunc(echoHandler)))
	desc, _ = reg.Get("late")
	assert.False(t, desc.Active)
}
