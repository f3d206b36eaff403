package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

const meetingScheduled = "meeting.scheduled"

// callLog records the order in which handlers ran across a chain.
type callLog struct {
	mu    sync.Mutex
	order []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.order = append(l.order, name)
	l.mu.Unlock()
}

func (l *callLog) Order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func logged(l *callLog, name string, h *scriptedHandler) *scriptedHandler {
	h.onExecute = func() { l.add(name) }
	return h
}

type orchestratorFixture struct {
	store    *store.MemoryStore
	registry *actions.Registry
	orch     Orchestrator
	impl     *orchestrator
	calls    *callLog
}

func newOrchestratorFixture(t *testing.T, mutate ...func(*OrchestratorConfig)) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		store:    store.NewMemoryStore(),
		registry: actions.NewRegistry(),
		calls:    &callLog{},
	}
	cfg := OrchestratorConfig{
		PoolSize:          4,
		DefaultMaxRetries: 0,
		Retry:             fastRetry(),
		Logger:            discardLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	orch, err := NewOrchestrator(f.store, f.registry, cfg)
	require.NoError(t, err)
	f.orch = orch
	f.impl = orch.(*orchestrator)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })
	return f
}

func (f *orchestratorFixture) register(t *testing.T, actionType string, h actions.Handler) {
	t.Helper()
	require.NoError(t, f.registry.Register(actionType, "v1", h))
}

func (f *orchestratorFixture) define(t *testing.T, def *schema.ChainDefinition) *schema.ChainDefinition {
	t.Helper()
	require.NoError(t, f.store.SaveDefinition(context.Background(), def))
	return def
}

func (f *orchestratorFixture) trigger(t *testing.T, payload string) *TriggerResult {
	t.Helper()
	res, err := f.orch.TryTriggerChains(context.Background(), schema.GenericEvent{
		Type:    meetingScheduled,
		ID:      "evt-100",
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	return res
}

// awaitSettled polls until the execution reaches a terminal status and its
// run has returned.
func (f *orchestratorFixture) awaitSettled(t *testing.T, execID string) *store.ChainExecution {
	t.Helper()
	var exec *store.ChainExecution
	require.Eventually(t, func() bool {
		got, err := f.orch.GetExecution(context.Background(), execID)
		if err != nil {
			return false
		}
		exec = got
		_, running := f.impl.active.Load(execID)
		return got.Status.IsTerminal() && !running
	}, 5*time.Second, 5*time.Millisecond)
	return exec
}

func (f *orchestratorFixture) runOne(t *testing.T, payload string) *store.ChainExecution {
	t.Helper()
	res := f.trigger(t, payload)
	require.Len(t, res.ExecutionIDs, 1)
	return f.awaitSettled(t, res.ExecutionIDs[0])
}

func (f *orchestratorFixture) eventTypes(t *testing.T, execID string) []string {
	t.Helper()
	events, err := f.orch.GetEvents(context.Background(), execID, 0)
	require.NoError(t, err)
	var out []string
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

// meetingChain creates an event, notifies the attendee and writes an audit
// entry. Steps are declared out of order on purpose.
func meetingChain(id string) *schema.ChainDefinition {
	return &schema.ChainDefinition{
		ID:               id,
		FamilyID:         "meetings",
		Name:             "Meeting follow-up",
		IsEnabled:        true,
		TriggerEventType: meetingScheduled,
		Steps: []schema.ChainDefinitionStep{
			{
				Alias:         "audit",
				Name:          "Audit",
				ActionType:    "audit.log",
				ActionVersion: "v1",
				StepOrder:     3,
			},
			{
				Alias:         "create_event",
				Name:          "Create calendar event",
				ActionType:    "calendar.create",
				ActionVersion: "v1",
				InputMapping:  `{"title":"{{trigger.title}}","owner":"{{trigger.user_id}}"}`,
				StepOrder:     1,
			},
			{
				Alias:         "notify",
				Name:          "Notify attendee",
				ActionType:    "notify.send",
				ActionVersion: "v1",
				InputMapping:  `{"event_id":"{{steps.create_event.id}}","user":"{{trigger.user_id}}"}`,
				StepOrder:     2,
			},
		},
	}
}

func (f *orchestratorFixture) registerMeetingActions(t *testing.T) (create, notify, audit *scriptedHandler) {
	t.Helper()
	create = logged(f.calls, "create_event", &scriptedHandler{output: json.RawMessage(`{"id":"cal-42"}`)})
	notify = logged(f.calls, "notify", &scriptedHandler{})
	audit = logged(f.calls, "audit", &scriptedHandler{})
	f.register(t, "calendar.create", create)
	f.register(t, "notify.send", notify)
	f.register(t, "audit.log", audit)
	return create, notify, audit
}

const meetingPayload = `{"title":"Standup","user_id":"u-1","priority":"low"}`

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(nil, actions.NewRegistry(), OrchestratorConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewOrchestrator(store.NewMemoryStore(), nil, OrchestratorConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTryTriggerChains_CreatesPendingExecution(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))

	block := make(chan struct{})
	create := &scriptedHandler{onExecute: func() { <-block }}
	f.register(t, "calendar.create", create)

	res := f.trigger(t, meetingPayload)
	require.Len(t, res.ExecutionIDs, 1)
	assert.Equal(t, meetingScheduled, res.EventType)
	assert.Equal(t, "evt-100", res.EventID)
	assert.Empty(t, res.Failures)

	steps, err := f.orch.ListStepExecutions(context.Background(), res.ExecutionIDs[0])
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"create_event", "notify", "audit"},
		[]string{steps[0].StepAlias, steps[1].StepAlias, steps[2].StepAlias})
	assert.Equal(t, schema.StepStatusPending, steps[1].Status)
	assert.Equal(t, schema.StepStatusPending, steps[2].Status)

	exec, err := f.orch.GetExecution(context.Background(), res.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "def-1", exec.DefinitionID)
	assert.Equal(t, "meetings", exec.FamilyID)
	assert.Equal(t, meetingScheduled, exec.TriggerEventType)
	assert.Equal(t, "evt-100", exec.TriggerEventID)
	assert.JSONEq(t, meetingPayload, string(exec.TriggerPayload))
	assert.NotEmpty(t, exec.CorrelationID)

	close(block)
	f.awaitSettled(t, res.ExecutionIDs[0])
}

func TestTryTriggerChains_UsesCorrelationFromContext(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.registerMeetingActions(t)

	ctx := logging.WithCorrelationID(context.Background(), "req-77")
	res, err := f.orch.TryTriggerChains(ctx, schema.GenericEvent{Type: meetingScheduled, ID: "evt-1"})
	require.NoError(t, err)
	require.Len(t, res.ExecutionIDs, 1)

	exec := f.awaitSettled(t, res.ExecutionIDs[0])
	assert.Equal(t, "req-77", exec.CorrelationID)
}

func TestTryTriggerChains_MatchesOnlyEnabledNonTemplateDefinitions(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.registerMeetingActions(t)

	f.define(t, meetingChain("enabled-a"))
	f.define(t, meetingChain("enabled-b"))

	disabled := meetingChain("disabled")
	disabled.IsEnabled = false
	f.define(t, disabled)

	template := meetingChain("template")
	template.IsTemplate = true
	f.define(t, template)

	other := meetingChain("other-event")
	other.TriggerEventType = "meeting.cancelled"
	f.define(t, other)

	res := f.trigger(t, meetingPayload)
	require.Len(t, res.ExecutionIDs, 2)

	defs := map[string]bool{}
	for _, id := range res.ExecutionIDs {
		exec := f.awaitSettled(t, id)
		defs[exec.DefinitionID] = true
		assert.Equal(t, schema.ChainStatusCompleted, exec.Status)
	}
	assert.Equal(t, map[string]bool{"enabled-a": true, "enabled-b": true}, defs)
}

func TestTryTriggerChains_NoMatchingDefinitions(t *testing.T) {
	f := newOrchestratorFixture(t)
	res := f.trigger(t, meetingPayload)
	assert.Empty(t, res.ExecutionIDs)
	assert.Empty(t, res.Failures)
}

func TestTryTriggerChains_RejectsBlankEventType(t *testing.T) {
	f := newOrchestratorFixture(t)
	_, err := f.orch.TryTriggerChains(context.Background(), schema.GenericEvent{Type: "  "})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = f.orch.TryTriggerChains(context.Background(), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTryTriggerChains_ExecutionsAreIsolated(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.register(t, "calendar.create", &scriptedHandler{output: json.RawMessage(`{"id":"cal-42"}`)})
	f.register(t, "notify.send", alwaysFailing())
	f.register(t, "audit.log", &scriptedHandler{})

	failing := meetingChain("failing")
	f.define(t, failing)

	healthy := &schema.ChainDefinition{
		ID:               "healthy",
		IsEnabled:        true,
		TriggerEventType: meetingScheduled,
		Steps: []schema.ChainDefinitionStep{
			{Alias: "audit", ActionType: "audit.log", ActionVersion: "v1", StepOrder: 1},
		},
	}
	f.define(t, healthy)

	res := f.trigger(t, meetingPayload)
	require.Len(t, res.ExecutionIDs, 2)

	statuses := map[string]schema.ChainStatus{}
	for _, id := range res.ExecutionIDs {
		exec := f.awaitSettled(t, id)
		statuses[exec.DefinitionID] = exec.Status
	}
	assert.Equal(t, schema.ChainStatusPartiallyCompleted, statuses["failing"])
	assert.Equal(t, schema.ChainStatusCompleted, statuses["healthy"])
}

func TestExecuteChain_RunsStepsInOrder(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	_, notify, _ := f.registerMeetingActions(t)

	exec := f.runOne(t, meetingPayload)

	assert.Equal(t, schema.ChainStatusCompleted, exec.Status)
	assert.Empty(t, exec.ErrorMessage)
	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.CompletedAt)
	assert.Equal(t, []string{"create_event", "notify", "audit"}, f.calls.Order())

	require.Len(t, notify.inputs, 1)
	assert.JSONEq(t, `{"event_id":"cal-42","user":"u-1"}`, notify.inputs[0])

	for _, s := range exec.Steps {
		assert.Equal(t, schema.StepStatusCompleted, s.Status, s.StepAlias)
	}

	assert.Equal(t, []string{
		schema.EventChainTriggered,
		schema.EventChainStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventChainCompleted,
	}, f.eventTypes(t, exec.ID))
}

func TestExecuteChain_PersistsContext(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.registerMeetingActions(t)

	exec := f.runOne(t, meetingPayload)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(exec.Context, &doc))
	assert.Equal(t, "Standup", doc["trigger"].(map[string]any)["title"])
	steps := doc["steps"].(map[string]any)
	assert.Equal(t, "cal-42", steps["create_event"].(map[string]any)["id"])
	assert.Contains(t, steps, "notify")
	assert.Contains(t, steps, "audit")

	create := exec.StepByAlias("create_event")
	require.NotNil(t, create)
	assert.JSONEq(t, `{"title":"Standup","owner":"u-1"}`, string(create.InputPayload))
	assert.JSONEq(t, `{"id":"cal-42"}`, string(create.OutputPayload))
}

func TestExecuteChain_ConditionSkipsStep(t *testing.T) {
	f := newOrchestratorFixture(t)
	def := meetingChain("def-1")
	def.Steps[2].Condition = `trigger.priority == "high"`
	def.Steps[2].ConditionEngine = "cel"
	f.define(t, def)
	_, notify, _ := f.registerMeetingActions(t)

	exec := f.runOne(t, meetingPayload)

	assert.Equal(t, schema.ChainStatusCompleted, exec.Status)
	assert.Equal(t, 0, notify.Calls())
	assert.Equal(t, schema.StepStatusSkipped, exec.StepByAlias("notify").Status)
	assert.Equal(t, []string{"create_event", "audit"}, f.calls.Order())
}

func TestExecuteChain_BrokenConditionRunsStep(t *testing.T) {
	f := newOrchestratorFixture(t)
	def := meetingChain("def-1")
	def.Steps[2].Condition = `trigger.(`
	def.Steps[2].ConditionEngine = "cel"
	f.define(t, def)
	_, notify, _ := f.registerMeetingActions(t)

	exec := f.runOne(t, meetingPayload)
	assert.Equal(t, schema.ChainStatusCompleted, exec.Status)
	assert.Equal(t, 1, notify.Calls())
}

func TestExecuteChain_PartiallyCompletedContinuesPastFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.register(t, "calendar.create", &scriptedHandler{output: json.RawMessage(`{"id":"cal-42"}`)})
	f.register(t, "notify.send", alwaysFailing())
	audit := &scriptedHandler{}
	f.register(t, "audit.log", audit)

	exec := f.runOne(t, meetingPayload)

	assert.Equal(t, schema.ChainStatusPartiallyCompleted, exec.Status)
	assert.Equal(t, "failed steps: notify", exec.ErrorMessage)
	assert.Equal(t, 1, audit.Calls(), "later steps still run")
	assert.Equal(t, schema.StepStatusFailed, exec.StepByAlias("notify").Status)
	assert.Equal(t, "transient failure", exec.StepByAlias("notify").ErrorMessage)
	assert.Contains(t, f.eventTypes(t, exec.ID), schema.EventChainPartiallyCompleted)
}

func TestExecuteChain_FailedWhenNothingCompleted(t *testing.T) {
	f := newOrchestratorFixture(t)
	def := &schema.ChainDefinition{
		ID:               "def-1",
		IsEnabled:        true,
		TriggerEventType: meetingScheduled,
		Steps: []schema.ChainDefinitionStep{
			{Alias: "create_event", ActionType: "calendar.create", ActionVersion: "v1", StepOrder: 1},
			{Alias: "notify", ActionType: "notify.send", ActionVersion: "v1", StepOrder: 2,
				Condition: "{{steps.create_event.id}} == 'cal-42'"},
		},
	}
	f.define(t, def)
	f.register(t, "calendar.create", alwaysFailing())
	f.register(t, "notify.send", &scriptedHandler{})

	exec := f.runOne(t, meetingPayload)

	assert.Equal(t, schema.ChainStatusFailed, exec.Status)
	assert.Equal(t, schema.StepStatusFailed, exec.StepByAlias("create_event").Status)
	assert.Equal(t, schema.StepStatusSkipped, exec.StepByAlias("notify").Status)
	assert.Equal(t, "failed steps: create_event", exec.ErrorMessage)
}

func TestExecuteChain_CompensatedStepPartiallyCompletes(t *testing.T) {
	f := newOrchestratorFixture(t)
	def := &schema.ChainDefinition{
		ID:               "def-1",
		IsEnabled:        true,
		TriggerEventType: meetingScheduled,
		Steps: []schema.ChainDefinitionStep{{
			Alias:                  "create_event",
			ActionType:             "calendar.create",
			ActionVersion:          "v1",
			IsCompensatable:        true,
			CompensationActionType: strPtr("calendar.delete"),
			MaxRetries:             intPtr(1),
			StepOrder:              1,
		}},
	}
	f.define(t, def)
	create := alwaysFailing()
	undo := &scriptedHandler{}
	f.register(t, "calendar.create", create)
	f.register(t, "calendar.delete", undo)

	exec := f.runOne(t, meetingPayload)

	assert.Equal(t, schema.ChainStatusPartiallyCompleted, exec.Status)
	assert.Equal(t, "failed steps: create_event", exec.ErrorMessage)
	assert.Equal(t, 2, create.Calls())
	assert.Len(t, undo.Compensations(), 1)
	step := exec.StepByAlias("create_event")
	assert.Equal(t, schema.StepStatusCompensated, step.Status)
	assert.Equal(t, 1, step.RetryCount)
	assert.Equal(t, 1, step.MaxRetries)
}

func TestExecuteChain_InvalidResolvedInputFailsStep(t *testing.T) {
	f := newOrchestratorFixture(t)
	def := meetingChain("def-1")
	def.Steps[2].InputMapping = `{"event_id": {{steps.create_event.id}} }`
	f.define(t, def)
	_, notify, _ := f.registerMeetingActions(t)

	exec := f.runOne(t, meetingPayload)

	assert.Equal(t, schema.ChainStatusPartiallyCompleted, exec.Status)
	assert.Equal(t, 0, notify.Calls())
	step := exec.StepByAlias("notify")
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	assert.Equal(t, "resolved input is not valid JSON", step.ErrorMessage)
}

func TestExecuteChain_RecordsCreatedEntities(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.register(t, "calendar.create", &scriptedHandler{
		output:   json.RawMessage(`{"id":"cal-42"}`),
		entities: []actions.CreatedEntity{{EntityType: "calendar_event", EntityID: "cal-42", Module: "calendar"}},
	})
	f.register(t, "notify.send", &scriptedHandler{})
	f.register(t, "audit.log", &scriptedHandler{})

	exec := f.runOne(t, meetingPayload)

	mappings, err := f.orch.ListEntityMappings(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "calendar_event", mappings[0].EntityType)
	assert.Equal(t, "cal-42", mappings[0].EntityID)
	assert.Equal(t, "calendar", mappings[0].Module)
	assert.Equal(t, "create_event", mappings[0].StepAlias)
	assert.Equal(t, exec.StepByAlias("create_event").ID, mappings[0].StepExecutionID)
	assert.Contains(t, f.eventTypes(t, exec.ID), schema.EventEntityCreated)
}

func TestExecuteChain_CancelledContextFailsExecution(t *testing.T) {
	f := newOrchestratorFixture(t)
	def := f.define(t, meetingChain("def-1"))
	f.registerMeetingActions(t)

	exec := &store.ChainExecution{
		ID:           "exec-cancel",
		DefinitionID: def.ID,
		Status:       schema.ChainStatusPending,
		Steps: []*store.StepExecution{
			{ID: "s1", StepAlias: "create_event", ActionType: "calendar.create", ActionVersion: "v1", Status: schema.StepStatusPending, StepOrder: 1},
		},
	}
	require.NoError(t, f.store.CreateExecution(context.Background(), exec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.orch.ExecuteChain(ctx, exec, def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))

	got, err := f.orch.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusFailed, got.Status)
	assert.Equal(t, "chain execution cancelled", got.ErrorMessage)
	assert.Empty(t, f.calls.Order())
}

func TestExecuteChain_RejectsConcurrentRunOfSameExecution(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.register(t, "calendar.create", &scriptedHandler{
		output: json.RawMessage(`{"id":"cal-42"}`),
		onExecute: func() {
			once.Do(func() { close(started) })
			<-release
		},
	})
	f.register(t, "notify.send", &scriptedHandler{})
	f.register(t, "audit.log", &scriptedHandler{})

	res := f.trigger(t, meetingPayload)
	require.Len(t, res.ExecutionIDs, 1)
	execID := res.ExecutionIDs[0]
	<-started

	exec, err := f.orch.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	def, err := f.store.GetDefinition(context.Background(), "def-1")
	require.NoError(t, err)

	err = f.orch.ExecuteChain(context.Background(), exec, def)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = f.orch.ResumeStep(context.Background(), exec.StepByAlias("notify").ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = f.orch.Reconcile(context.Background(), execID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	close(release)
	assert.Equal(t, schema.ChainStatusCompleted, f.awaitSettled(t, execID).Status)
}

func TestExecuteChain_CircuitStateSharedAcrossExecutions(t *testing.T) {
	hub := streaming.NewMemoryHub(16)
	f := newOrchestratorFixture(t, func(c *OrchestratorConfig) { c.Hub = hub })

	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventCircuitBreakerOpen},
	})
	require.NoError(t, err)
	defer cancel()

	f.define(t, &schema.ChainDefinition{
		ID:               "def-1",
		IsEnabled:        true,
		TriggerEventType: meetingScheduled,
		Steps: []schema.ChainDefinitionStep{
			{Alias: "create_event", ActionType: "calendar.create", ActionVersion: "v1", StepOrder: 1},
		},
	})
	create := alwaysFailing()
	f.register(t, "calendar.create", create)

	for i := 0; i < 5; i++ {
		exec := f.runOne(t, meetingPayload)
		assert.Equal(t, schema.ChainStatusFailed, exec.Status)
	}

	select {
	case ev := <-events:
		assert.JSONEq(t, `{"action_type":"calendar.create","from":"closed","to":"open"}`, string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("no circuit_breaker_open event published")
	}

	exec := f.runOne(t, meetingPayload)
	assert.Equal(t, 5, create.Calls())
	assert.Equal(t, schema.StepStatusSkipped, exec.StepByAlias("create_event").Status)
	assert.Equal(t, schema.ChainStatusCompleted, exec.Status)
}

func TestResumeStep_RerunsFailedStep(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.register(t, "calendar.create", &scriptedHandler{output: json.RawMessage(`{"id":"cal-42"}`)})
	notify := &scriptedHandler{failures: 1}
	f.register(t, "notify.send", notify)
	audit := &scriptedHandler{}
	f.register(t, "audit.log", audit)

	exec := f.runOne(t, meetingPayload)
	require.Equal(t, schema.ChainStatusPartiallyCompleted, exec.Status)
	failed := exec.StepByAlias("notify")
	require.Equal(t, schema.StepStatusFailed, failed.Status)

	step, err := f.orch.ResumeStep(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, step.Status)
	assert.Equal(t, 0, step.RetryCount)
	assert.Empty(t, step.ErrorMessage)
	assert.Equal(t, 2, notify.Calls())
	assert.JSONEq(t, `{"event_id":"cal-42","user":"u-1"}`, notify.inputs[1])
	assert.Equal(t, 1, audit.Calls(), "siblings are not re-run")

	after, err := f.orch.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusPartiallyCompleted, after.Status, "chain status is not recomputed")
	assert.Equal(t, schema.StepStatusCompleted, after.StepByAlias("notify").Status)

	types := f.eventTypes(t, exec.ID)
	assert.Equal(t, []string{schema.EventStepResumed, schema.EventStepStarted, schema.EventStepCompleted}, types[len(types)-3:])
}

func TestResumeStep_FailureReturnsError(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.register(t, "calendar.create", &scriptedHandler{output: json.RawMessage(`{"id":"cal-42"}`)})
	f.register(t, "notify.send", alwaysFailing())
	f.register(t, "audit.log", &scriptedHandler{})

	exec := f.runOne(t, meetingPayload)
	step, err := f.orch.ResumeStep(context.Background(), exec.StepByAlias("notify").ID)
	require.Error(t, err)
	require.NotNil(t, step)
	assert.Equal(t, schema.StepStatusFailed, step.Status)
}

func TestResumeStep_UnknownStep(t *testing.T) {
	f := newOrchestratorFixture(t)
	_, err := f.orch.ResumeStep(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestReconcile_SettlesRunningExecution(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	exec := &store.ChainExecution{
		ID:           "exec-stuck",
		DefinitionID: "def-1",
		Status:       schema.ChainStatusRunning,
		StartedAt:    &started,
		Steps: []*store.StepExecution{
			{ID: "s1", StepAlias: "create_event", Status: schema.StepStatusCompleted, StepOrder: 1},
			{ID: "s2", StepAlias: "notify", Status: schema.StepStatusFailed, StepOrder: 2},
		},
	}
	require.NoError(t, f.store.CreateExecution(ctx, exec))

	got, err := f.orch.Reconcile(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusPartiallyCompleted, got.Status)
	assert.Equal(t, "failed steps: notify", got.ErrorMessage)

	persisted, err := f.orch.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusPartiallyCompleted, persisted.Status)
	assert.NotNil(t, persisted.CompletedAt)
}

func TestReconcile_CompensatedStepPartiallyCompletes(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	exec := &store.ChainExecution{
		ID:           "exec-compensated",
		DefinitionID: "def-1",
		Status:       schema.ChainStatusRunning,
		Steps: []*store.StepExecution{
			{ID: "s1", StepAlias: "create_event", Status: schema.StepStatusCompensated, StepOrder: 1},
			{ID: "s2", StepAlias: "notify", Status: schema.StepStatusSkipped, StepOrder: 2},
		},
	}
	require.NoError(t, f.store.CreateExecution(ctx, exec))

	got, err := f.orch.Reconcile(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusPartiallyCompleted, got.Status)
	assert.Equal(t, "failed steps: create_event", got.ErrorMessage)
}

func TestReconcile_LeavesUnsettledExecution(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	exec := &store.ChainExecution{
		ID:     "exec-busy",
		Status: schema.ChainStatusRunning,
		Steps: []*store.StepExecution{
			{ID: "s1", StepAlias: "create_event", Status: schema.StepStatusCompleted, StepOrder: 1},
			{ID: "s2", StepAlias: "notify", Status: schema.StepStatusPending, StepOrder: 2},
		},
	}
	require.NoError(t, f.store.CreateExecution(ctx, exec))

	got, err := f.orch.Reconcile(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusRunning, got.Status)
}

func TestReconcile_IgnoresSettledExecution(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.registerMeetingActions(t)
	exec := f.runOne(t, meetingPayload)

	got, err := f.orch.Reconcile(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusCompleted, got.Status)
}

func TestShutdown_WaitsForInFlightChains(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.define(t, meetingChain("def-1"))
	f.register(t, "calendar.create", &scriptedHandler{
		output:    json.RawMessage(`{"id":"cal-42"}`),
		onExecute: func() { time.Sleep(30 * time.Millisecond) },
	})
	f.register(t, "notify.send", &scriptedHandler{})
	f.register(t, "audit.log", &scriptedHandler{})

	res := f.trigger(t, meetingPayload)
	require.Len(t, res.ExecutionIDs, 1)

	require.NoError(t, f.orch.Shutdown(context.Background()))

	exec, err := f.orch.GetExecution(context.Background(), res.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusCompleted, exec.Status)

	_, err = f.orch.TryTriggerChains(context.Background(), schema.GenericEvent{Type: meetingScheduled, ID: "late"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
}

func TestAggregateStatus(t *testing.T) {
	steps := func(statuses ...schema.StepStatus) []*store.StepExecution {
		out := make([]*store.StepExecution, len(statuses))
		for i, s := range statuses {
			out[i] = &store.StepExecution{Status: s}
		}
		return out
	}
	c, s, f, comp := schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusFailed, schema.StepStatusCompensated

	tests := []struct {
		name        string
		steps       []*store.StepExecution
		hasFailures bool
		want        schema.ChainStatus
	}{
		{"all completed", steps(c, c, c), false, schema.ChainStatusCompleted},
		{"completed and skipped", steps(c, c, s), false, schema.ChainStatusCompleted},
		{"all skipped", steps(s, s), false, schema.ChainStatusCompleted},
		{"one failed", steps(c, c, f), true, schema.ChainStatusPartiallyCompleted},
		{"compensated with completed", steps(c, comp), true, schema.ChainStatusPartiallyCompleted},
		{"failed and skipped", steps(f, s), true, schema.ChainStatusFailed},
		{"failed and compensated", steps(f, comp), true, schema.ChainStatusPartiallyCompleted},
		{"compensated and skipped", steps(comp, s), true, schema.ChainStatusPartiallyCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateStatus(tt.steps, tt.hasFailures))
		})
	}
}
