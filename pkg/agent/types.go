package agent

import (
	"errors"

	"github.com/harun/agentloop/pkg/message"
)

var (
	// ErrInvalidState is returned by Step before Reset or after the run ended.
	ErrInvalidState = errors.New("agent runner is not ready, call Reset first")
	// ErrStepDone is returned by StepStream.Next once the round trip is complete.
	ErrStepDone = errors.New("agent step done")
)

// State is the runner lifecycle state
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ResponseType tags an emitted agent response
type ResponseType string

const (
	ResponseStreamingDelta ResponseType = "streaming_delta"
	ResponseLLMResult      ResponseType = "llm_result"
	ResponseToolCall       ResponseType = "tool_call"
	ResponseToolCallResult ResponseType = "tool_call_result"
	ResponseErr            ResponseType = "err"
)

// Response is one item produced by a step
type Response struct {
	Type  ResponseType
	Chain message.Chain
}
