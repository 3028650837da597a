// Package channels connects chat surfaces to the message pipeline.
package channels

import (
	"context"

	"github.com/harun/agentloop/pkg/message"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel string
	// SessionID identifies the conversation origin, e.g. "console:alice".
	SessionID string
	SenderID  string
	MessageID string
	Text      string
	ImageURLs []string
}

// Sink delivers outbound chains back to where a message came from.
type Sink interface {
	Send(ctx context.Context, chain message.Chain) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chain message.Chain) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, chain message.Chain) error {
	return f(ctx, chain)
}

// DispatchFunc routes an inbound message into the pipeline.
type DispatchFunc func(ctx context.Context, msg InboundMessage, sink Sink) error

// Channel is a chat surface runtime (console, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
}
