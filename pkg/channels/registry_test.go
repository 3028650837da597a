package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/message"
)

type testChannel struct {
	name       string
	startCalls int
	stopCalls  int
	dispatch   DispatchFunc
}

func (c *testChannel) Name() string {
	return c.name
}

func (c *testChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		return assert.AnError
	}
	c.startCalls++
	c.dispatch = dispatch
	return nil
}

func (c *testChannel) Stop(_ context.Context) error {
	c.stopCalls++
	return nil
}

var discard = SinkFunc(func(context.Context, message.Chain) error { return nil })

func TestRegistry_RegisterStartDispatchStop(t *testing.T) {
	var got []string
	reg := NewRegistry(func(_ context.Context, msg InboundMessage, sink Sink) error {
		got = append(got, msg.Channel+":"+msg.Text)
		return nil
	})

	ch := &testChannel{name: "console"}
	require.NoError(t, reg.Register(ch))
	assert.True(t, reg.IsRegistered("console"))
	assert.Equal(t, []string{"console"}, reg.Names())

	require.NoError(t, reg.StartAll(context.Background()))
	require.NoError(t, reg.StartAll(context.Background()))
	assert.Equal(t, 1, ch.startCalls)

	require.NoError(t, ch.dispatch(context.Background(), InboundMessage{Channel: "console", Text: "hello"}, discard))
	assert.Equal(t, []string{"console:hello"}, got)

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Equal(t, 1, ch.stopCalls)
}

func TestRegistry_DispatchUnknownChannel(t *testing.T) {
	reg := NewRegistry(func(_ context.Context, msg InboundMessage, sink Sink) error {
		return nil
	})

	err := reg.Dispatch(context.Background(), InboundMessage{Channel: "telegram", Text: "ping"}, discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistry_DispatchRequiresSink(t *testing.T) {
	reg := NewRegistry(func(_ context.Context, msg InboundMessage, sink Sink) error {
		return nil
	})
	require.NoError(t, reg.Register(&testChannel{name: "console"}))

	err := reg.Dispatch(context.Background(), InboundMessage{Channel: "console"}, nil)
	assert.ErrorContains(t, err, "sink is required")
}

func TestRegistry_RejectsDuplicateChannel(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(&testChannel{name: "console"}))
	err := reg.Register(&testChannel{name: "console"})
	assert.ErrorContains(t, err, "already registered")
}
