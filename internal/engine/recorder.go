package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// EventRecorder appends events to the durable log and fans them out to live
// subscribers. Publishing is best effort; the append is not.
type EventRecorder struct {
	log    EventAppender
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewEventRecorder wraps an appender. hub may be nil.
func NewEventRecorder(log EventAppender, hub streaming.EventHub, logger *slog.Logger) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{log: log, hub: hub, logger: logger}
}

func (r *EventRecorder) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := r.log.AppendEvent(ctx, event); err != nil {
		return err
	}
	if r.hub == nil {
		return nil
	}
	if err := r.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: event.ExecutionID,
		StepAlias:   event.StepAlias,
		EventType:   event.Type,
		Sequence:    event.Sequence,
		Payload:     event.Payload,
		Timestamp:   event.Timestamp,
	}); err != nil {
		r.logger.DebugContext(ctx, "event publish skipped", "event_type", event.Type, "error", err.Error())
	}
	return nil
}

// Emit appends an event outside of a state transition. Failures are logged.
func (r *EventRecorder) Emit(ctx context.Context, executionID, stepAlias, eventType string, payload any) {
	event := &store.Event{
		ExecutionID: executionID,
		StepAlias:   stepAlias,
		Type:        eventType,
		Payload:     marshalPayload(payload),
	}
	if err := r.AppendEvent(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to record event", "event_type", eventType, "error", err.Error())
	}
}

// StepRecorder is how middleware moves a step through its lifecycle.
type StepRecorder interface {
	// Mark transitions the step, stamps timestamps and persists it. A
	// non-empty errMsg replaces the step's error message.
	Mark(ctx context.Context, step *store.StepExecution, to schema.StepStatus, errMsg string) error
	// Save persists the step without a transition.
	Save(ctx context.Context, step *store.StepExecution) error
	// Emit records a step event that is not a transition.
	Emit(ctx context.Context, step *store.StepExecution, eventType string, payload any)
}

// StepStore is the persistence StepTracker needs.
type StepStore interface {
	UpdateStepExecution(ctx context.Context, step *store.StepExecution) error
}

// StepTracker is the StepRecorder backed by the step FSM and a store.
type StepTracker struct {
	steps  StepStore
	fsm    *StepFSM
	events *EventRecorder
	now    func() time.Time
}

// NewStepTracker creates a tracker whose FSM emits through events.
func NewStepTracker(steps StepStore, events *EventRecorder) *StepTracker {
	return &StepTracker{
		steps:  steps,
		fsm:    NewStepFSM(events),
		events: events,
		now:    time.Now,
	}
}

// FSM exposes the step state machine so callers can register hooks.
func (t *StepTracker) FSM() *StepFSM { return t.fsm }

// Mark writes settling transitions (and Compensating) on a context detached
// from cancellation, so a cancelled run never leaves the step Running.
func (t *StepTracker) Mark(ctx context.Context, step *store.StepExecution, to schema.StepStatus, errMsg string) error {
	if to.IsTerminal() || to == schema.StepStatusCompensating {
		ctx = context.WithoutCancel(ctx)
	}

	var payload map[string]any
	if errMsg != "" {
		payload = map[string]any{"error": errMsg}
	}
	if to == schema.StepStatusRunning && step.RetryCount > 0 {
		payload = map[string]any{"retry_count": step.RetryCount}
	}
	if err := t.fsm.Transition(ctx, step.ExecutionID, step.StepAlias, step.Status, to, payload); err != nil {
		return err
	}

	now := t.now().UTC()
	switch to {
	case schema.StepStatusPending:
		step.RetryCount = 0
		step.ErrorMessage = ""
		step.StartedAt = nil
		step.CompletedAt = nil
		step.ScheduledAt = &now
	case schema.StepStatusRunning:
		if step.PickedUpAt == nil {
			step.PickedUpAt = &now
		}
		step.StartedAt = &now
		step.CompletedAt = nil
		step.ErrorMessage = ""
	case schema.StepStatusCompensating:
	default:
		step.CompletedAt = &now
	}
	if errMsg != "" {
		step.ErrorMessage = errMsg
	}
	step.Status = to
	return t.steps.UpdateStepExecution(ctx, step)
}

func (t *StepTracker) Save(ctx context.Context, step *store.StepExecution) error {
	return t.steps.UpdateStepExecution(ctx, step)
}

func (t *StepTracker) Emit(ctx context.Context, step *store.StepExecution, eventType string, payload any) {
	t.events.Emit(ctx, step.ExecutionID, step.StepAlias, eventType, payload)
}

var (
	_ EventAppender = (*EventRecorder)(nil)
	_ StepRecorder  = (*StepTracker)(nil)
)
