package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rendis/chainflow/internal/engine"

// TracingMiddleware opens one span per step run. A nil tracer uses the
// global provider.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, pc *StepPipelineContext) error {
			ctx, span := tracer.Start(ctx, "step."+pc.Step.StepAlias, trace.WithSpanKind(trace.SpanKindInternal))
			defer span.End()

			span.SetAttributes(
				attribute.String("chain.execution_id", pc.Step.ExecutionID),
				attribute.String("chain.correlation_id", pc.CorrelationID),
				attribute.String("step.alias", pc.Step.StepAlias),
				attribute.String("step.action_type", pc.Step.ActionType),
				attribute.String("step.action_version", pc.Step.ActionVersion),
				attribute.Int("step.order", pc.Step.StepOrder),
			)

			err := next(ctx, pc)

			span.SetAttributes(
				attribute.Bool("step.skipped", pc.ShouldSkip),
				attribute.Int("step.retry_count", pc.Step.RetryCount),
				attribute.String("step.status", string(pc.Step.Status)),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, errorMessage(err))
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}

// MetricsMiddleware reports the outcome and duration of every step run.
func MetricsMiddleware(metrics MetricsCollector) Middleware {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, pc *StepPipelineContext) error {
			start := time.Now()
			err := next(ctx, pc)

			outcome := OutcomeCompleted
			switch {
			case err != nil:
				outcome = OutcomeFailed
			case pc.ShouldSkip:
				outcome = OutcomeSkipped
			}
			metrics.StepFinished(pc.Step.ActionType, outcome, time.Since(start))
			return err
		}
	}
}
