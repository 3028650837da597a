package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/pkg/channels"
	"github.com/harun/agentloop/pkg/commandqueue"
)

// SchedulerConfig configures a Scheduler
type SchedulerConfig struct {
	Pipeline *Pipeline
	Queue    *commandqueue.CommandQueue
	// WarnAfter logs messages waiting behind a busy session for longer.
	WarnAfter time.Duration
	Logger    *zerolog.Logger
}

// Scheduler runs at most one turn per session at a time.
type Scheduler struct {
	pipeline  *Pipeline
	queue     *commandqueue.CommandQueue
	warnAfter time.Duration
	logger    zerolog.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	s := &Scheduler{
		pipeline:  cfg.Pipeline,
		queue:     cfg.Queue,
		warnAfter: cfg.WarnAfter,
		logger:    log.Logger,
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	return s, nil
}

// Dispatch queues a message on its session lane and waits for the turn to
// finish. A redelivered message id is not run twice.
func (s *Scheduler) Dispatch(ctx context.Context, msg channels.InboundMessage, sink channels.Sink) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	ev := NewEvent(msg, sink)

	opts := &commandqueue.TaskOptions{
		WarnAfter: s.warnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			s.logger.Info().
				Str("session_id", msg.SessionID).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Message waiting for the previous turn")
		},
	}
	if msg.MessageID != "" {
		opts.RequestID = msg.Channel + ":" + msg.MessageID
	}

	_, err := s.queue.Enqueue(ctx, commandqueue.SessionLane(msg.SessionID), func(ctx context.Context) (any, error) {
		return nil, s.pipeline.Handle(ctx, ev)
	}, opts)
	return err
}

// Cancel drops the messages still waiting on a session lane.
func (s *Scheduler) Cancel(sessionID string) int {
	return s.queue.ResetLane(commandqueue.SessionLane(sessionID))
}
