package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/pkg/schema"
)

// LoggingMiddleware records step start, duration and outcome. It never
// changes the outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, pc *StepPipelineContext) error {
			start := time.Now()
			logger.InfoContext(ctx, "step started",
				"action_type", pc.Step.ActionType,
				"action_version", pc.Step.ActionVersion,
				"step_order", pc.Step.StepOrder)

			err := next(ctx, pc)
			elapsed := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "step failed",
					"duration_ms", elapsed.Milliseconds(),
					"retry_count", pc.Step.RetryCount,
					"error", err.Error())
				return err
			}
			if pc.ShouldSkip {
				logger.InfoContext(ctx, "step skipped", "duration_ms", elapsed.Milliseconds())
				return nil
			}
			logger.InfoContext(ctx, "step completed", "duration_ms", elapsed.Milliseconds())
			return nil
		}
	}
}

// CircuitBreakerMiddleware bypasses the step while its action type's circuit
// is open and reports each outcome that gets through.
func CircuitBreakerMiddleware(cb CircuitBreaker, logger *slog.Logger) Middleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, pc *StepPipelineContext) error {
			actionType := pc.Step.ActionType
			if cb.IsOpen(actionType) {
				logger.WarnContext(ctx, "circuit open, bypassing step", "action_type", actionType)
				pc.ShouldSkip = true
				return nil
			}

			err := next(ctx, pc)
			if err != nil {
				cb.RecordFailure(actionType)
				return err
			}
			cb.RecordSuccess(actionType)
			return nil
		}
	}
}

// RetryMiddleware re-runs the rest of the pipeline while the step's retry
// budget lasts, waiting an exponential backoff between attempts. A done
// context ends the loop with the last error.
func RetryMiddleware(policy RetryPolicy, rec StepRecorder, logger *slog.Logger, metrics MetricsCollector) Middleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, pc *StepPipelineContext) error {
			step := pc.Step
			for {
				err := next(ctx, pc)
				if err == nil {
					return nil
				}
				if !step.CanRetry() || ctx.Err() != nil {
					return err
				}

				step.RetryCount++
				delay := policy.ComputeBackoff(step.RetryCount)
				logger.WarnContext(ctx, "step attempt failed, retrying",
					"retry_count", step.RetryCount,
					"max_retries", step.MaxRetries,
					"delay_ms", delay.Milliseconds(),
					"error", err.Error())

				if saveErr := rec.Save(ctx, step); saveErr != nil {
					logger.WarnContext(ctx, "failed to persist retry count", "error", saveErr.Error())
				}
				rec.Emit(ctx, step, schema.EventStepRetryAttempt, map[string]any{
					"retry_count": step.RetryCount,
					"delay_ms":    delay.Milliseconds(),
					"error":       errorMessage(err),
				})
				metrics.StepRetried(step.ActionType)

				if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
					return err
				}
			}
		}
	}
}

// CompensationMiddleware marks a failed step failed and, when the step is
// compensatable, runs its compensation action once with the step's last
// recorded output. The original error is always returned.
func CompensationMiddleware(reg actions.HandlerRegistry, rec StepRecorder, logger *slog.Logger, metrics MetricsCollector) Middleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, pc *StepPipelineContext) error {
			err := next(ctx, pc)
			if err == nil {
				return nil
			}

			step := pc.Step
			msg := errorMessage(err)
			if markErr := rec.Mark(ctx, step, schema.StepStatusFailed, msg); markErr != nil {
				logger.ErrorContext(ctx, "failed to mark step failed", "error", markErr.Error())
				return err
			}
			if pc.Definition == nil || !pc.Definition.CanCompensate() {
				return err
			}

			if markErr := rec.Mark(ctx, step, schema.StepStatusCompensating, ""); markErr != nil {
				logger.ErrorContext(ctx, "failed to mark step compensating", "error", markErr.Error())
				return err
			}

			compType := *pc.Definition.CompensationActionType
			logger.InfoContext(ctx, "compensating step", "compensation_action_type", compType)

			compErr := compensate(ctx, reg, compType, pc)
			metrics.StepCompensated(step.ActionType, compErr == nil)
			if compErr != nil {
				logger.ErrorContext(ctx, "compensation failed",
					"compensation_action_type", compType, "error", compErr.Error())
				failMsg := fmt.Sprintf("%s; compensation failed: %s", msg, errorMessage(compErr))
				if markErr := rec.Mark(ctx, step, schema.StepStatusFailed, failMsg); markErr != nil {
					logger.ErrorContext(ctx, "failed to record compensation failure", "error", markErr.Error())
				}
				return err
			}

			if markErr := rec.Mark(ctx, step, schema.StepStatusCompensated, ""); markErr != nil {
				logger.ErrorContext(ctx, "failed to mark step compensated", "error", markErr.Error())
			}
			return err
		}
	}
}

func compensate(ctx context.Context, reg actions.HandlerRegistry, compType string, pc *StepPipelineContext) (err error) {
	h, ok := reg.GetActionHandler(compType, pc.Step.ActionVersion)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"no compensation handler registered for %s@%s", compType, pc.Step.ActionVersion).
			WithStep(pc.Step.StepAlias)
	}

	input := pc.Step.OutputPayload
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeCompensationFailed, "compensation panicked: %v", r).
				WithStep(pc.Step.StepAlias)
		}
	}()
	return h.Compensate(ctx, newActionContext(pc, input))
}

// OutputTransformer reshapes a handler output before it is recorded.
type OutputTransformer interface {
	Transform(ctx context.Context, expression string, input json.RawMessage) (json.RawMessage, error)
}

// InputValidator checks a resolved step input against a JSON Schema.
type InputValidator interface {
	ValidateInput(schemaDoc, input json.RawMessage) error
}

// InvocationOptions are the optional stages of ActionInvocation.
type InvocationOptions struct {
	Transformer OutputTransformer
	Validator   InputValidator
}

// ActionInvocationMiddleware is the innermost stage: it resolves the step's
// handler and runs it. It never calls next.
func ActionInvocationMiddleware(reg actions.HandlerRegistry, rec StepRecorder, opts InvocationOptions) Middleware {
	return func(StepHandler) StepHandler {
		return func(ctx context.Context, pc *StepPipelineContext) error {
			step := pc.Step
			if pc.ShouldSkip {
				return rec.Mark(ctx, step, schema.StepStatusSkipped, "")
			}

			h, ok := reg.GetActionHandler(step.ActionType, step.ActionVersion)
			if !ok {
				return schema.NewErrorf(schema.ErrCodeInvalidOperation,
					"no handler registered for action %s@%s", step.ActionType, step.ActionVersion).
					WithStep(step.StepAlias)
			}

			if opts.Validator != nil && pc.Definition != nil && len(pc.Definition.InputSchema) > 0 {
				if err := opts.Validator.ValidateInput(pc.Definition.InputSchema, step.InputPayload); err != nil {
					return schema.NewErrorf(schema.ErrCodeInvalidOperation,
						"input rejected by schema: %s", errorMessage(err)).
						WithStep(step.StepAlias).WithCause(err)
				}
			}

			if err := rec.Mark(ctx, step, schema.StepStatusRunning, ""); err != nil {
				return err
			}

			result, err := invoke(ctx, h, newActionContext(pc, step.InputPayload))
			if err != nil {
				return err
			}
			if result == nil || !result.Success {
				msg := "action reported failure"
				if result != nil && result.ErrorMessage != "" {
					msg = result.ErrorMessage
				}
				return schema.NewError(schema.ErrCodeInvalidOperation, msg).WithStep(step.StepAlias)
			}

			output := result.OutputPayload
			if len(output) == 0 {
				output = json.RawMessage(`{}`)
			}
			if opts.Transformer != nil && pc.Definition != nil && pc.Definition.OutputTransform != "" {
				output, err = opts.Transformer.Transform(ctx, pc.Definition.OutputTransform, output)
				if err != nil {
					return schema.NewErrorf(schema.ErrCodeExpression,
						"output transform: %s", errorMessage(err)).WithStep(step.StepAlias).WithCause(err)
				}
			}

			if err := pc.Context.SetStepOutput(step.StepAlias, output); err != nil {
				return schema.NewError(schema.ErrCodeExecution, "record step output").
					WithStep(step.StepAlias).WithCause(err)
			}
			step.OutputPayload = output
			pc.Result = result

			return rec.Mark(ctx, step, schema.StepStatusCompleted, "")
		}
	}
}

func invoke(ctx context.Context, h actions.Handler, ac *actions.ActionExecutionContext) (result *actions.ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "action panicked: %v", r).WithStep(ac.StepAlias)
		}
	}()
	return h.Execute(ctx, ac)
}

func newActionContext(pc *StepPipelineContext, input json.RawMessage) *actions.ActionExecutionContext {
	return &actions.ActionExecutionContext{
		Input:         input,
		Context:       pc.Context,
		CorrelationID: pc.CorrelationID,
		ExecutionID:   pc.Step.ExecutionID,
		StepAlias:     pc.Step.StepAlias,
	}
}
