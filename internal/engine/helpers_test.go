package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// scriptedHandler fails its first failures calls, then succeeds with output.
type scriptedHandler struct {
	mu           sync.Mutex
	failures     int
	failWith     error
	softFail     bool
	output       json.RawMessage
	entities     []actions.CreatedEntity
	calls        int
	inputs       []string
	compensated  []string
	compensateFn func() error
	onExecute    func()
}

func (h *scriptedHandler) Execute(_ context.Context, ac *actions.ActionExecutionContext) (*actions.ActionResult, error) {
	h.mu.Lock()
	h.calls++
	h.inputs = append(h.inputs, string(ac.Input))
	call := h.calls
	onExecute := h.onExecute
	h.mu.Unlock()

	if onExecute != nil {
		onExecute()
	}
	if call <= h.failures {
		if h.softFail {
			return actions.Failed("upstream rejected the request"), nil
		}
		if h.failWith != nil {
			return nil, h.failWith
		}
		return nil, errors.New("transient failure")
	}
	out := h.output
	if out == nil {
		out = json.RawMessage(`{"ok":true}`)
	}
	return actions.Succeeded(out, h.entities...), nil
}

func (h *scriptedHandler) Compensate(_ context.Context, ac *actions.ActionExecutionContext) error {
	h.mu.Lock()
	h.compensated = append(h.compensated, string(ac.Input))
	fn := h.compensateFn
	h.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (h *scriptedHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *scriptedHandler) Compensations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.compensated...)
}

func alwaysFailing() *scriptedHandler {
	return &scriptedHandler{failures: 1 << 20}
}

// fastRetry keeps retry tests quick while preserving the exponential shape.
func fastRetry() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Millisecond, Jitter: 0.3}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

// stepHarness is a single persisted step plus the collaborators a pipeline needs.
type stepHarness struct {
	store    *store.MemoryStore
	tracker  *StepTracker
	registry *actions.Registry
	clock    *fakeClock
	breaker  *CircuitBreakerRegistry
	exec     *store.ChainExecution
	step     *store.StepExecution
	ec       *expressions.ExecutionContext
}

func newStepHarness(t *testing.T, maxRetries int) *stepHarness {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	step := &store.StepExecution{
		ID:            "step-1",
		StepAlias:     "create_event",
		StepName:      "Create event",
		ActionType:    "calendar.create",
		ActionVersion: "v1",
		Status:        schema.StepStatusPending,
		MaxRetries:    maxRetries,
		StepOrder:     1,
		InputPayload:  json.RawMessage(`{"title":"Standup"}`),
	}
	exec := &store.ChainExecution{
		ID:            "exec-1",
		DefinitionID:  "def-1",
		CorrelationID: "corr-1",
		Status:        schema.ChainStatusRunning,
		Steps:         []*store.StepExecution{step},
	}
	require.NoError(t, ms.CreateExecution(ctx, exec))

	clock := newFakeClock()
	bcfg := DefaultCircuitBreakerConfig()
	bcfg.Now = clock.Now

	return &stepHarness{
		store:    ms,
		tracker:  NewStepTracker(ms, NewEventRecorder(ms, nil, discardLogger())),
		registry: actions.NewRegistry(),
		clock:    clock,
		breaker:  NewCircuitBreakerRegistry(bcfg),
		exec:     exec,
		step:     step,
		ec:       expressions.NewExecutionContext(),
	}
}

func (h *stepHarness) register(t *testing.T, actionType string, handler actions.Handler) {
	t.Helper()
	require.NoError(t, h.registry.Register(actionType, "v1", handler))
}

func (h *stepHarness) pipeline(def *schema.ChainDefinitionStep) (*StepPipeline, *StepPipelineContext) {
	p := DefaultPipeline(PipelineDeps{
		Registry:    h.registry,
		Breaker:     h.breaker,
		Retry:       fastRetry(),
		Recorder:    h.tracker,
		Logger:      discardLogger(),
		Transformer: expressions.NewGoJQEngine(),
	})
	pc := &StepPipelineContext{
		Step:          h.step,
		Execution:     h.exec,
		Definition:    def,
		Context:       h.ec,
		CorrelationID: h.exec.CorrelationID,
	}
	return p, pc
}

// reset returns the step to a fresh pending state between pipeline runs.
func (h *stepHarness) reset() {
	h.step.Status = schema.StepStatusPending
	h.step.RetryCount = 0
	h.step.ErrorMessage = ""
}

func (h *stepHarness) persisted(t *testing.T) *store.StepExecution {
	t.Helper()
	st, err := h.store.GetStepExecution(context.Background(), h.step.ID)
	require.NoError(t, err)
	return st
}

func (h *stepHarness) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := h.store.GetEvents(context.Background(), h.exec.ID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func defStep(actionType string) *schema.ChainDefinitionStep {
	return &schema.ChainDefinitionStep{
		Alias:         "create_event",
		Name:          "Create event",
		ActionType:    actionType,
		ActionVersion: "v1",
		StepOrder:     1,
	}
}
