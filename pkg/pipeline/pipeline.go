package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/sessionconfig"
)

// Stage processes an event. Stopping the event ends the pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, ev *Event) error
}

// Pipeline runs stages in order.
type Pipeline struct {
	stages []Stage
	logger zerolog.Logger
}

// New creates a pipeline from stages.
func New(logger *zerolog.Logger, stages ...Stage) *Pipeline {
	p := &Pipeline{stages: stages, logger: log.Logger}
	if logger != nil {
		p.logger = *logger
	}
	return p
}

// Handle runs the event through every stage until one stops it or fails.
func (p *Pipeline) Handle(ctx context.Context, ev *Event) error {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	if tracing.GetRunID(ctx) == "" {
		ctx = tracing.WithRunID(ctx, tracing.NewRunID())
	}
	ctx = tracing.WithSessionKey(ctx, ev.SessionID())
	if id := ev.Message().MessageID; id != "" {
		ctx = tracing.WithRequestID(ctx, id)
	}

	ctx, span := tracing.StartSpan(ctx, "agentloop.pipeline", "pipeline.turn",
		attribute.String("session_id", ev.SessionID()),
		attribute.String("channel", ev.Message().Channel),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	for _, stage := range p.stages {
		if err := stage.Process(ctx, ev); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		if ev.Stopped() {
			logger.Debug().Str("stage", stage.Name()).Msg("Event stopped")
			return nil
		}
	}
	return nil
}

// SessionStatusStage stops events of sessions that were switched off.
type SessionStatusStage struct {
	Settings *sessionconfig.Service
}

func (s *SessionStatusStage) Name() string { return "session_status" }

func (s *SessionStatusStage) Process(ctx context.Context, ev *Event) error {
	if s.Settings != nil && !s.Settings.SessionEnabled(ctx, ev.SessionID()) {
		ev.Stop()
	}
	return nil
}
