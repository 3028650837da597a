package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultToolTimeout    = 30 * time.Second
	defaultMaxOutputBytes = 10 * 1024
)

// ExecutorConfig configures tool execution
type ExecutorConfig struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *zerolog.Logger
}

// Executor validates arguments and runs tools with a timeout
type Executor struct {
	timeout        time.Duration
	maxOutputBytes int
	logger         zerolog.Logger
}

// NewExecutor creates a new Executor
func NewExecutor(cfg ExecutorConfig) *Executor {
	observability.EnsureRegistered()

	e := &Executor{
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         log.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = defaultToolTimeout
	}
	if e.maxOutputBytes <= 0 {
		e.maxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger != nil {
		e.logger = *cfg.Logger
	}
	return e
}

type execItem struct {
	out Output
	err error
}

// Execute runs the tool and yields its outputs. The sequence ends after the
// first error; a handler panic is reported as an error.
func (e *Executor) Execute(ctx context.Context, desc *Descriptor, args map[string]any) iter.Seq2[Output, error] {
	return func(yield func(Output, error) bool) {
		if desc == nil || desc.Tool == nil {
			yield(Output{}, ErrToolNotFound)
			return
		}
		if args == nil {
			args = map[string]any{}
		}

		ctx, span := tracing.StartSpan(ctx, "toolexecutor", "tool.execute",
			attribute.String("tool.name", desc.Name),
			attribute.String("tool.origin", string(desc.Origin)),
		)
		defer span.End()
		logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", desc.Name).Logger()

		start := time.Now()
		status := "success"
		defer func() {
			observability.RecordToolExecution(desc.Name, string(desc.Origin), time.Since(start), status)
		}()
		fail := func(err error) {
			status = "error"
			if errors.Is(err, ErrToolTimeout) {
				status = "timeout"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Tool execution failed")
			yield(Output{}, err)
		}

		if err := validateArgs(desc.schema, args); err != nil {
			fail(fmt.Errorf("%w: %v", ErrInvalidArguments, err))
			return
		}

		timeout := e.timeout
		if desc.Timeout > 0 {
			timeout = desc.Timeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		logger.Debug().Msg("Executing tool")

		items := make(chan execItem)
		go func() {
			defer close(items)
			defer func() {
				if r := recover(); r != nil {
					select {
					case items <- execItem{err: fmt.Errorf("tool %s panicked: %v", desc.Name, r)}:
					case <-runCtx.Done():
					}
				}
			}()
			for out, err := range desc.Tool.Execute(runCtx, args) {
				select {
				case items <- execItem{out: out, err: err}:
				case <-runCtx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		for {
			select {
			case item, ok := <-items:
				if !ok {
					logger.Debug().Dur("duration", time.Since(start)).Msg("Tool execution completed")
					return
				}
				if item.err != nil {
					fail(item.err)
					return
				}
				out := item.out
				if out.Kind == OutputText {
					out.Text = e.truncate(out.Text)
				}
				if !yield(out, nil) {
					return
				}
			case <-runCtx.Done():
				if ctx.Err() != nil {
					fail(ctx.Err())
				} else {
					fail(fmt.Errorf("%w after %v", ErrToolTimeout, timeout))
				}
				return
			}
		}
	}
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, err := range result.Errors() {
			errs = append(errs, err.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

func (e *Executor) truncate(text string) string {
	if len(text) <= e.maxOutputBytes {
		return text
	}
	e.logger.Warn().
		Int("original", len(text)).
		Int("truncated", e.maxOutputBytes).
		Msg("Output truncated")
	return text[:e.maxOutputBytes] + "\n... [output truncated]"
}
