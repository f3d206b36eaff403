package engine

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// StepPipelineContext is the state shared by every middleware while one
// step runs.
type StepPipelineContext struct {
	Step          *store.StepExecution
	Execution     *store.ChainExecution
	Definition    *schema.ChainDefinitionStep
	Context       *expressions.ExecutionContext
	CorrelationID string

	// Result is set by ActionInvocation on success.
	Result *actions.ActionResult
	// ShouldSkip is set by a middleware that bypasses the rest of the pipeline.
	ShouldSkip bool
	// Err is the error that escaped the pipeline, if any.
	Err error
}

// StepHandler runs a step, or the rest of the pipeline.
type StepHandler func(ctx context.Context, pc *StepPipelineContext) error

// Middleware wraps the rest of the pipeline.
type Middleware func(next StepHandler) StepHandler

// Compose folds middleware right to left into a single handler. The first
// middleware is the outermost.
func Compose(mws ...Middleware) StepHandler {
	h := StepHandler(func(context.Context, *StepPipelineContext) error { return nil })
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// StepPipeline is a composed middleware chain built once and reused for
// every step.
type StepPipeline struct {
	handler  StepHandler
	recorder StepRecorder
	logger   *slog.Logger
}

// NewStepPipeline composes mws in order.
func NewStepPipeline(recorder StepRecorder, logger *slog.Logger, mws ...Middleware) *StepPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepPipeline{
		handler:  Compose(mws...),
		recorder: recorder,
		logger:   logger,
	}
}

// Execute runs one step. A step left with ShouldSkip set and not yet marked
// is marked skipped here.
func (p *StepPipeline) Execute(ctx context.Context, pc *StepPipelineContext) error {
	ctx = logging.WithStepAlias(ctx, pc.Step.StepAlias)

	if err := p.handler(ctx, pc); err != nil {
		pc.Err = err
		return err
	}

	if pc.ShouldSkip && pc.Step.Status != schema.StepStatusSkipped {
		if err := p.recorder.Mark(ctx, pc.Step, schema.StepStatusSkipped, ""); err != nil {
			p.logger.WarnContext(ctx, "failed to mark bypassed step skipped", "error", err.Error())
		}
	}
	return nil
}

// PipelineDeps are the collaborators of the default pipeline.
type PipelineDeps struct {
	Registry    actions.HandlerRegistry
	Breaker     CircuitBreaker
	Retry       RetryPolicy
	Recorder    StepRecorder
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     MetricsCollector
	Transformer OutputTransformer
	Validator   InputValidator
}

// DefaultPipeline builds, outermost first: Logging, Tracing, Metrics,
// Compensation, CircuitBreaker, Retry, ActionInvocation. Compensation sees
// only post-retry failures and the breaker counts one outcome per step.
func DefaultPipeline(d PipelineDeps) *StepPipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	return NewStepPipeline(d.Recorder, d.Logger,
		LoggingMiddleware(d.Logger),
		TracingMiddleware(d.Tracer),
		MetricsMiddleware(d.Metrics),
		CompensationMiddleware(d.Registry, d.Recorder, d.Logger, d.Metrics),
		CircuitBreakerMiddleware(d.Breaker, d.Logger),
		RetryMiddleware(d.Retry, d.Recorder, d.Logger, d.Metrics),
		ActionInvocationMiddleware(d.Registry, d.Recorder, InvocationOptions{
			Transformer: d.Transformer,
			Validator:   d.Validator,
		}),
	)
}

// errorMessage is the text recorded on a step for err.
func errorMessage(err error) string {
	var ce *schema.ChainError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
