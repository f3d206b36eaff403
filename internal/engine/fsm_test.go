package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (failAppender) AppendEvent(context.Context, *store.Event) error {
	return errors.New("store unavailable")
}

func TestChainFSM_HappyPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewChainFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ChainStatusPending, schema.ChainStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ChainStatusRunning, schema.ChainStatusPartiallyCompleted,
		map[string]any{"failed_steps": []string{"notify"}}))

	events := app.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventChainStarted, events[0].Type)
	assert.Equal(t, schema.EventChainPartiallyCompleted, events[1].Type)
	assert.Equal(t, "exec-1", events[1].ExecutionID)
	assert.JSONEq(t, `{"failed_steps":["notify"]}`, string(events[1].Payload))
}

func TestChainFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewChainFSM(app)

	err := fsm.Transition(context.Background(), "exec-1", schema.ChainStatusCompleted, schema.ChainStatusRunning, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Empty(t, app.Events())
}

func TestChainFSM_SameStateIsNoop(t *testing.T) {
	app := &mockAppender{}
	fsm := NewChainFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), "exec-1", schema.ChainStatusRunning, schema.ChainStatusRunning, nil))
	assert.Empty(t, app.Events())
}

func TestStepFSM_FailureAndCompensationPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	steps := []schema.StepStatus{
		schema.StepStatusPending,
		schema.StepStatusRunning,
		schema.StepStatusFailed,
		schema.StepStatusCompensating,
		schema.StepStatusCompensated,
	}
	for i := 1; i < len(steps); i++ {
		require.NoError(t, fsm.Transition(ctx, "exec-1", "create_event", steps[i-1], steps[i], nil))
	}

	var types []string
	for _, e := range app.Events() {
		types = append(types, e.Type)
		assert.Equal(t, "create_event", e.StepAlias)
	}
	assert.Equal(t, []string{
		schema.EventStepStarted,
		schema.EventStepFailed,
		schema.EventStepCompensating,
		schema.EventStepCompensated,
	}, types)
}

func TestStepFSM_ResumeFromSettledStates(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	for _, from := range []schema.StepStatus{
		schema.StepStatusRunning,
		schema.StepStatusCompleted,
		schema.StepStatusSkipped,
		schema.StepStatusFailed,
		schema.StepStatusCompensated,
	} {
		assert.NoError(t, fsm.Transition(ctx, "exec-1", "a", from, schema.StepStatusPending, nil), "from %s", from)
	}
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	cases := [][2]schema.StepStatus{
		{schema.StepStatusPending, schema.StepStatusCompleted},
		{schema.StepStatusCompleted, schema.StepStatusFailed},
		{schema.StepStatusSkipped, schema.StepStatusRunning},
		{schema.StepStatusRunning, schema.StepStatusCompensating},
	}
	for _, c := range cases {
		err := fsm.Transition(ctx, "exec-1", "a", c[0], c[1], nil)
		require.Error(t, err, "%s -> %s", c[0], c[1])
		var ce *schema.ChainError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "a", ce.StepAlias)
	}
}

func TestStepFSM_Hooks(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	var calls []string

	fsm.OnBefore(schema.StepStatusPending, schema.StepStatusRunning, func(from, to string) error {
		calls = append(calls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.StepStatusPending, schema.StepStatusRunning, func(from, to string) error {
		calls = append(calls, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "exec-1", "a", schema.StepStatusPending, schema.StepStatusRunning, nil))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, calls)
}

func TestStepFSM_BeforeHookAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	fsm.OnBefore(schema.StepStatusPending, schema.StepStatusRunning, func(string, string) error {
		return errors.New("vetoed")
	})

	err := fsm.Transition(context.Background(), "exec-1", "a", schema.StepStatusPending, schema.StepStatusRunning, nil)
	assert.EqualError(t, err, "vetoed")
	assert.Empty(t, app.Events())
}

func TestStepFSM_AppenderFailure(t *testing.T) {
	fsm := NewStepFSM(failAppender{})
	err := fsm.Transition(context.Background(), "exec-1", "a", schema.StepStatusPending, schema.StepStatusRunning, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestMarshalPayload(t *testing.T) {
	assert.Nil(t, marshalPayload(nil))
	assert.Equal(t, json.RawMessage(`{"a":1}`), marshalPayload(json.RawMessage(`{"a":1}`)))
	assert.JSONEq(t, `{"error":"boom"}`, string(marshalPayload(map[string]any{"error": "boom"})))
	assert.Nil(t, marshalPayload(func() {}))
}
