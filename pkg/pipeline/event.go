package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/harun/agentloop/pkg/channels"
	"github.com/harun/agentloop/pkg/message"
)

// Event is one inbound message travelling through the pipeline.
type Event struct {
	msg     channels.InboundMessage
	sink    channels.Sink
	stopped atomic.Bool
}

// NewEvent wraps an inbound message and the sink replies go to.
func NewEvent(msg channels.InboundMessage, sink channels.Sink) *Event {
	return &Event{msg: msg, sink: sink}
}

// SessionID returns the session the message belongs to.
func (e *Event) SessionID() string { return e.msg.SessionID }

// Message returns the inbound message.
func (e *Event) Message() channels.InboundMessage { return e.msg }

// Text returns the message text.
func (e *Event) Text() string { return e.msg.Text }

// Stop halts the pipeline for this event.
func (e *Event) Stop() { e.stopped.Store(true) }

// Stopped reports whether a stage or hook stopped the event.
func (e *Event) Stopped() bool { return e.stopped.Load() }

// Send delivers a chain to the origin of the event.
func (e *Event) Send(ctx context.Context, chain message.Chain) error {
	if e.sink == nil {
		return fmt.Errorf("event has no sink")
	}
	return e.sink.Send(ctx, chain)
}
