package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and the event recorder; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey[S ~string] struct {
	from, to S
}

// stateMachine validates transitions against a table, runs hooks and emits
// one event per transition. A transition to the current state is a no-op.
type stateMachine[S ~string] struct {
	mu        sync.Mutex
	kind      string
	table     map[S][]S
	eventType func(S) string
	appender  EventAppender
	before    map[hookKey[S]][]TransitionHook
	after     map[hookKey[S]][]TransitionHook
}

func newStateMachine[S ~string](kind string, table map[S][]S, eventType func(S) string, appender EventAppender) *stateMachine[S] {
	return &stateMachine[S]{
		kind:      kind,
		table:     table,
		eventType: eventType,
		appender:  appender,
		before:    make(map[hookKey[S]][]TransitionHook),
		after:     make(map[hookKey[S]][]TransitionHook),
	}
}

func (m *stateMachine[S]) onBefore(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hookKey[S]{from, to}
	m.before[key] = append(m.before[key], hook)
}

func (m *stateMachine[S]) onAfter(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hookKey[S]{from, to}
	m.after[key] = append(m.after[key], hook)
}

func (m *stateMachine[S]) allowed(from, to S) bool {
	return slices.Contains(m.table[from], to)
}

func (m *stateMachine[S]) transition(ctx context.Context, executionID, stepAlias string, from, to S, payload any) error {
	if from == to {
		return nil
	}
	if !m.allowed(from, to) {
		err := schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", m.kind, from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
		if stepAlias != "" {
			err = err.WithStep(stepAlias)
		}
		return err
	}

	m.mu.Lock()
	key := hookKey[S]{from, to}
	before := slices.Clone(m.before[key])
	after := slices.Clone(m.after[key])
	m.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := m.eventType(to); eventType != "" && m.appender != nil {
		event := &store.Event{
			ExecutionID: executionID,
			StepAlias:   stepAlias,
			Type:        eventType,
			Payload:     marshalPayload(payload),
		}
		if err := m.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", m.kind, err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// ChainFSM manages chain execution lifecycle transitions.
type ChainFSM struct {
	sm *stateMachine[schema.ChainStatus]
}

// NewChainFSM creates a ChainFSM that emits events via the given appender.
func NewChainFSM(appender EventAppender) *ChainFSM {
	return &ChainFSM{sm: newStateMachine("chain", ValidChainTransitions, chainEventType, appender)}
}

// OnBefore registers a hook called before a chain transition.
func (f *ChainFSM) OnBefore(from, to schema.ChainStatus, hook TransitionHook) {
	f.sm.onBefore(from, to, hook)
}

// OnAfter registers a hook called after a chain transition.
func (f *ChainFSM) OnAfter(from, to schema.ChainStatus, hook TransitionHook) {
	f.sm.onAfter(from, to, hook)
}

// Transition validates a chain transition and emits its event. The caller
// persists the new status.
func (f *ChainFSM) Transition(ctx context.Context, executionID string, from, to schema.ChainStatus, payload any) error {
	return f.sm.transition(ctx, executionID, "", from, to, payload)
}

func chainEventType(to schema.ChainStatus) string {
	switch to {
	case schema.ChainStatusRunning:
		return schema.EventChainStarted
	case schema.ChainStatusCompleted:
		return schema.EventChainCompleted
	case schema.ChainStatusPartiallyCompleted:
		return schema.EventChainPartiallyCompleted
	case schema.ChainStatusFailed:
		return schema.EventChainFailed
	default:
		return ""
	}
}

// StepFSM manages step execution lifecycle transitions.
type StepFSM struct {
	sm *stateMachine[schema.StepStatus]
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{sm: newStateMachine("step", ValidStepTransitions, stepEventType, appender)}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.sm.onBefore(from, to, hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.sm.onAfter(from, to, hook)
}

// Transition validates a step transition and emits its event.
func (f *StepFSM) Transition(ctx context.Context, executionID, stepAlias string, from, to schema.StepStatus, payload any) error {
	return f.sm.transition(ctx, executionID, stepAlias, from, to, payload)
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusPending:
		return schema.EventStepResumed
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusCompensating:
		return schema.EventStepCompensating
	case schema.StepStatusCompensated:
		return schema.EventStepCompensated
	default:
		return ""
	}
}

func marshalPayload(payload any) json.RawMessage {
	switch p := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return p
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

// ValidChainTransitions defines the allowed state transitions for chain executions.
var ValidChainTransitions = map[schema.ChainStatus][]schema.ChainStatus{
	schema.ChainStatusPending: {schema.ChainStatusRunning, schema.ChainStatusFailed},
	schema.ChainStatusRunning: {
		schema.ChainStatusCompleted, schema.ChainStatusPartiallyCompleted, schema.ChainStatusFailed,
	},
	schema.ChainStatusCompleted:          {},
	schema.ChainStatusPartiallyCompleted: {},
	schema.ChainStatusFailed:             {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// Every settled state may go back to pending: that is a resume.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:      {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusFailed},
	schema.StepStatusRunning:      {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped, schema.StepStatusPending},
	schema.StepStatusFailed:       {schema.StepStatusCompensating, schema.StepStatusPending},
	schema.StepStatusCompensating: {schema.StepStatusCompensated, schema.StepStatusFailed, schema.StepStatusPending},
	schema.StepStatusCompleted:    {schema.StepStatusPending},
	schema.StepStatusSkipped:      {schema.StepStatusPending},
	schema.StepStatusCompensated:  {schema.StepStatusPending},
}
